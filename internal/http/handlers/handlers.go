package handlers

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/funnel-stats/internal/domain"
	"github.com/tbourn/funnel-stats/internal/http/middleware"
	"github.com/tbourn/funnel-stats/internal/scheduler"
	"github.com/tbourn/funnel-stats/internal/services"
	"github.com/tbourn/funnel-stats/internal/utils"
)

//
// Service contracts (context-aware)
//

// EventService appends and reads funnel events.
type EventService interface {
	// Record validates and appends an event. A replayed idempotency key
	// returns the stored event and replayed=true.
	Record(ctx context.Context, in services.RecordEventInput, idemKey string) (*domain.Event, bool, error)
	// Get returns one event with decoded details.
	Get(ctx context.Context, id string) (*services.EventView, error)
	// ListPage returns a page of an agent's events and the total count.
	ListPage(ctx context.Context, agentID, date, eventType string, page, pageSize int) ([]services.EventView, int64, error)
}

// StatsService reads materialized daily rows.
type StatsService interface {
	ListPage(ctx context.Context, agentID, from, to string, brandID, jobID *int64, page, pageSize int) ([]domain.DailyStats, int64, error)
	Meta(ctx context.Context, agentID, from, to string, brandID, jobID *int64) (int64, *time.Time, error)
	Summarize(ctx context.Context, agentID, from, to string) (*services.Summary, error)
}

// Scheduler is the operator control surface of the aggregation scheduler.
type Scheduler interface {
	Start() bool
	Stop() bool
	Status() scheduler.Status
	TriggerManual(ctx context.Context, agentID string) scheduler.RunResult
}

// Handlers groups the HTTP endpoints. Each dependency may be nil in tests
// that only exercise the other groups.
type Handlers struct {
	events EventService
	stats  StatsService
	sched  Scheduler
}

// New constructs Handlers bound to the given services.
func New(events EventService, stats StatsService, sched Scheduler) *Handlers {
	return &Handlers{events: events, stats: stats, sched: sched}
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	tp := utils.TotalPages(total, pageSize)
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: tp,
		HasNext:    page < tp,
	}
}

// query returns the first non-empty query parameter among names. Both the
// camelCase and snake_case spellings are accepted.
func query(c *gin.Context, names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(c.Query(n)); v != "" {
			return v
		}
	}
	return ""
}

// clampPagination bounds page and page size query params.
func clampPagination(c *gin.Context, defSize, maxSize int) (page, pageSize int) {
	return utils.ClampPage(c.Query("page"), query(c, "pageSize", "page_size"), defSize, maxSize)
}

// parseDim reads an optional brand or job id. Absent, empty and "none"
// all mean NONE.
func parseDim(raw string) (*int64, bool) {
	if raw == "" || strings.EqualFold(raw, "none") {
		return nil, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return nil, false
	}
	return &v, true
}

// agentOf returns the agent resolved by middleware, falling back to the
// :agentId path parameter when the middleware is not mounted.
func agentOf(c *gin.Context) string {
	if a := middleware.AgentFrom(c); a != "" {
		return a
	}
	return strings.TrimSpace(c.Param("agentId"))
}
