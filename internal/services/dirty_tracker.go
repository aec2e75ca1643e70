package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/funnel-stats/internal/domain"
)

// DirtyStore is the slice of the stats store the tracker writes to.
type DirtyStore interface {
	MarkDirty(ctx context.Context, key domain.StatKey) error
}

// DirtyTracker flags dimension-days as stale. Marks are idempotent upserts,
// so concurrent calls for the same key are safe.
type DirtyTracker struct {
	Store    DirtyStore
	Calendar domain.Calendar
}

// MarkDirty flags the key for agentID on the business day of eventTime.
func (t *DirtyTracker) MarkDirty(ctx context.Context, agentID string, eventTime time.Time, brandID, jobID *int64) error {
	if strings.TrimSpace(agentID) == "" {
		return ErrEmptyAgent
	}
	key := domain.StatKey{
		AgentID:  agentID,
		StatDate: t.Calendar.DateOf(eventTime),
		BrandID:  brandID,
		JobID:    jobID,
	}
	err := t.Store.MarkDirty(ctx, key)
	markDirtyTotal.WithLabelValues(resultLabel(err)).Inc()
	return err
}

// MarkEvent flags every key ev contributes to: the agent's aggregate row
// and, when ev carries a brand, its (brand, job) row. A job without a brand
// only feeds the aggregate row, the same keys FullReaggregation rebuilds.
// Both marks are attempted even if the first fails.
func (t *DirtyTracker) MarkEvent(ctx context.Context, ev *domain.Event) error {
	err := t.MarkDirty(ctx, ev.AgentID, ev.EventTime, nil, nil)
	if ev.BrandID != nil {
		if derr := t.MarkDirty(ctx, ev.AgentID, ev.EventTime, ev.BrandID, ev.JobID); derr != nil {
			err = errors.Join(err, derr)
		}
	}
	if err != nil {
		log.Error().Err(err).
			Str("agent_id", ev.AgentID).
			Str("event_id", ev.ID).
			Time("event_time", ev.EventTime).
			Msg("mark dirty failed")
	}
	return err
}
