// Event HTTP handlers.
//
//   - POST /events                      (ingest one funnel event)
//   - GET  /events/{id}                 (one event with typed details)
//   - GET  /agents/{agentId}/events     (paginated history)
//
// Idempotency:
// If the client supplies an Idempotency-Key header and the agent already used
// it, the handler returns the originally stored event with 200 and sets
// `Idempotency-Replayed: true` instead of appending a duplicate.
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/funnel-stats/internal/http/middleware"
	"github.com/tbourn/funnel-stats/internal/services"
)

// HeaderIdempotencyReplayed marks a response served from a stored event.
const HeaderIdempotencyReplayed = "Idempotency-Replayed"

// PostEventRequest is the JSON payload of one funnel event. The agent may
// come from the body or the X-Agent-ID header; when both are set they must
// agree.
type PostEventRequest struct {
	AgentID                string          `json:"agent_id"`
	CandidateName          string          `json:"candidate_name"`
	CandidatePosition      string          `json:"candidate_position"`
	CandidateKey           string          `json:"candidate_key"`
	SessionID              string          `json:"session_id"`
	EventType              string          `json:"event_type"`
	EventTime              *time.Time      `json:"event_time"`
	BrandID                *int64          `json:"brand_id"`
	JobID                  *int64          `json:"job_id"`
	SourcePlatform         string          `json:"source_platform"`
	WasUnreadBeforeReply   bool            `json:"was_unread_before_reply"`
	UnreadCountBeforeReply int             `json:"unread_count_before_reply"`
	Details                json.RawMessage `json:"details"`
}

func (r PostEventRequest) input(agentID string) services.RecordEventInput {
	in := services.RecordEventInput{
		AgentID:                agentID,
		CandidateName:          r.CandidateName,
		CandidatePosition:      r.CandidatePosition,
		CandidateKey:           r.CandidateKey,
		SessionID:              r.SessionID,
		EventType:              r.EventType,
		BrandID:                r.BrandID,
		JobID:                  r.JobID,
		SourcePlatform:         r.SourcePlatform,
		WasUnreadBeforeReply:   r.WasUnreadBeforeReply,
		UnreadCountBeforeReply: r.UnreadCountBeforeReply,
		Details:                r.Details,
	}
	if r.EventTime != nil {
		in.EventTime = *r.EventTime
	}
	return in
}

// ListEventsResponse wraps a page of events and pagination information.
type ListEventsResponse struct {
	Events     []services.EventView `json:"events"`
	Pagination Pagination           `json:"pagination"`
}

// PostEvent ingests one event and schedules its dirty marks.
func (h *Handlers) PostEvent(c *gin.Context) {
	var req PostEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	agentID := strings.TrimSpace(req.AgentID)
	if hdr := middleware.AgentFrom(c); hdr != "" {
		if agentID != "" && agentID != hdr {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "agent_id does not match "+middleware.HeaderAgentID)
			return
		}
		agentID = hdr
	}

	key, _ := middleware.GetIdempotencyKey(c)
	ev, replayed, err := h.events.Record(c.Request.Context(), req.input(agentID), key)
	if err != nil {
		failService(c, err, ErrCodeIngestFailed)
		return
	}

	if replayed {
		c.Header(HeaderIdempotencyReplayed, "true")
		ok(c, http.StatusOK, ev)
		return
	}
	c.Header("Location", strings.TrimSuffix(c.Request.URL.Path, "/")+"/"+ev.ID)
	ok(c, http.StatusCreated, ev)
}

// GetEvent returns one event with its details decoded by type.
func (h *Handlers) GetEvent(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "event id must be a UUID")
		return
	}
	v, err := h.events.Get(c.Request.Context(), id)
	if err != nil {
		failService(c, err, ErrCodeInternal)
		return
	}
	ok(c, http.StatusOK, v)
}

// ListEvents returns an agent's events, newest first, optionally narrowed
// to one business day (?date=YYYY-MM-DD) and one type (?type=).
func (h *Handlers) ListEvents(c *gin.Context) {
	page, pageSize := clampPagination(c, 50, 200)
	items, total, err := h.events.ListPage(
		c.Request.Context(),
		agentOf(c),
		query(c, "date"),
		query(c, "type"),
		page, pageSize,
	)
	if err != nil {
		failService(c, err, ErrCodeListFailed)
		return
	}
	if items == nil {
		items = []services.EventView{}
	}
	ok(c, http.StatusOK, ListEventsResponse{Events: items, Pagination: newPagination(page, pageSize, total)})
}
