package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderAgentID carries the producing agent on routes without an
// :agentId path segment (event ingest).
const HeaderAgentID = "X-Agent-ID"

const ctxKeyAgentID = "agentID"

// AgentIdentity resolves the agent a request is scoped to, preferring the
// :agentId path parameter over the X-Agent-ID header, and stores it in the
// Gin context for logging, rate limiting and idempotency lookups.
func AgentIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.Param("agentId"))
		if id == "" {
			id = strings.TrimSpace(c.GetHeader(HeaderAgentID))
		}
		if id != "" {
			c.Set(ctxKeyAgentID, id)
		}
		c.Next()
	}
}

// AgentFrom returns the agent resolved by AgentIdentity, or "".
func AgentFrom(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyAgentID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
