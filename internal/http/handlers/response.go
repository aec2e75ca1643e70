// Package handlers provides the HTTP endpoints of the funnel stats service:
// event ingest and history, stats reporting, and scheduler operations.
//
// All error responses carry an ErrorResponse with a stable code, written by
// fail(). Server-side failures are logged with the request-scoped logger.
//
//	HTTP/1.1 404 Not Found
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "not_found",
//	  "message": "event not found"
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/funnel-stats/internal/http/middleware"
	"github.com/tbourn/funnel-stats/internal/services"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code"`
	// Human-readable message
	Message string `json:"message"`
}

// fail aborts the request with a structured error and logs server-side errors.
func fail(c *gin.Context, status int, code, msg string) {
	resp := ErrorResponse{
		RequestID: c.Writer.Header().Get(middleware.HeaderRequestID),
		Code:      code,
		Message:   msg,
	}

	if status >= http.StatusInternalServerError {
		lg := middleware.LoggerFrom(c)
		lg.Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail is the exported variant of fail() for the router's fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// failService maps a service error onto a status and code. Validation errors
// are the caller's fault; anything unrecognized is a 500 with fallback code.
func failService(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, services.ErrEmptyAgent):
		fail(c, http.StatusBadRequest, ErrCodeAgentMissing, err.Error())
	case errors.Is(err, services.ErrInvalidEvent), errors.Is(err, services.ErrUnknownEventType):
		fail(c, http.StatusBadRequest, ErrCodeInvalidEvent, err.Error())
	case errors.Is(err, services.ErrInvalidRange):
		fail(c, http.StatusBadRequest, ErrCodeInvalidRange, err.Error())
	case errors.Is(err, services.ErrEventNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	default:
		fail(c, http.StatusInternalServerError, fallback, err.Error())
	}
}

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}
