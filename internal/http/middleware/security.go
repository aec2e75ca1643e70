// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides SecurityHeaders, a conservative set of response headers
// for the JSON API, and CacheControl, which route groups use to state how
// their responses may be cached. Stats listings carry weak ETags, so they are
// served "private, no-cache" and revalidated with If-None-Match; operator
// and ingest responses are "no-store".
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Cache policies used by the router.
const (
	CacheRevalidate = "private, no-cache"
	CacheNoStore    = "no-store"
)

// SecurityOptions configures SecurityHeaders.
//
// EnableHSTS emits Strict-Transport-Security for HTTPS requests only (never
// for plain HTTP). Enable it only when traffic is HTTPS end-to-end.
// HSTSMaxAge defaults to 180 days when not positive.
type SecurityOptions struct {
	EnableHSTS   bool
	HSTSMaxAge   time.Duration
	EnablePolicy bool // Permissions-Policy and X-Permitted-Cross-Domain-Policies
}

// SecurityHeaders always sets nosniff, DENY framing and no-referrer, plus the
// optional policy and HSTS headers. When X-Request-ID is present it is added
// to Access-Control-Expose-Headers so browser dashboards can read it.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := int(opt.HSTSMaxAge.Seconds())
	if maxAge <= 0 {
		maxAge = int((180 * 24 * time.Hour).Seconds())
	}
	hsts := "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains; preload"

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		if opt.EnablePolicy {
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
			h.Set("X-Permitted-Cross-Domain-Policies", "none")
		}
		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}

		if rid := h.Get(HeaderRequestID); rid != "" {
			const hdr = "Access-Control-Expose-Headers"
			cur := h.Get(hdr)
			if cur == "" {
				h.Set(hdr, HeaderRequestID)
			} else if !strings.Contains(cur, HeaderRequestID) {
				h.Set(hdr, cur+", "+HeaderRequestID)
			}
		}

		c.Next()
	}
}

// CacheControl sets the Cache-Control policy for a route group. no-store also
// sends the legacy Pragma and Expires headers.
func CacheControl(policy string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Cache-Control", policy)
		if policy == CacheNoStore {
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
		}
		c.Next()
	}
}

// isHTTPS reports whether the request used HTTPS directly or through a proxy
// that set X-Forwarded-Proto: https.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
