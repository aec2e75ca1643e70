// Scheduler HTTP handlers.
//
//   - GET  /scheduler/status
//   - POST /scheduler/start
//   - POST /scheduler/stop
//   - POST /scheduler/trigger   ({"agentId": "..."} optional)
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/funnel-stats/internal/scheduler"
)

// TriggerRequest optionally scopes a manual run to one agent's full history.
// Both spellings of the agent field are accepted.
type TriggerRequest struct {
	AgentID    string `json:"agentId"`
	AgentIDAlt string `json:"agent_id"`
}

// ControlResponse reports whether a start/stop changed state, plus the
// resulting status.
type ControlResponse struct {
	Changed bool             `json:"changed"`
	Status  scheduler.Status `json:"status"`
}

// SchedulerStatus reports the timers and the last run.
func (h *Handlers) SchedulerStatus(c *gin.Context) {
	ok(c, http.StatusOK, h.sched.Status())
}

// StartScheduler arms the timers. Starting a running scheduler is a no-op.
func (h *Handlers) StartScheduler(c *gin.Context) {
	changed := h.sched.Start()
	ok(c, http.StatusOK, ControlResponse{Changed: changed, Status: h.sched.Status()})
}

// StopScheduler disarms the timers, waiting for an in-flight tick.
func (h *Handlers) StopScheduler(c *gin.Context) {
	changed := h.sched.Stop()
	ok(c, http.StatusOK, ControlResponse{Changed: changed, Status: h.sched.Status()})
}

// TriggerScheduler runs an aggregation synchronously and returns its result.
// The run is detached from the request so a disconnecting client cannot
// abort it halfway through a batch.
func (h *Handlers) TriggerScheduler(c *gin.Context) {
	var req TriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		agentID = strings.TrimSpace(req.AgentIDAlt)
	}

	res := h.sched.TriggerManual(context.WithoutCancel(c.Request.Context()), agentID)
	ok(c, http.StatusOK, res)
}
