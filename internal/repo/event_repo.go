// Package repo – event store
//
// Functions in this file append and read funnel events. Events are immutable:
// there is no update or delete path. All reads are range reads scoped to one
// agent and, for aggregation, one half-open UTC window.
//
// Functions:
//
//   - CreateEvent(ctx, db, ev) -> error
//     Inserts ev, assigning a UUID and normalizing EventTime to UTC.
//
//   - GetEvent(ctx, db, id) -> *domain.Event, error
//     Fetches one event or ErrNotFound.
//
//   - ListEventsPage / CountEvents
//     Paginated history for one agent, newest first.
//
//   - ListAgentIDs, DistinctEventDates, DistinctDimensions
//     Enumeration used by full reaggregation.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/funnel-stats/internal/domain"
)

// EventQuery narrows an event history listing. Zero fields are ignored.
type EventQuery struct {
	AgentID string
	Start   time.Time
	End     time.Time
	Type    domain.EventType
}

func (q EventQuery) apply(tx *gorm.DB) *gorm.DB {
	tx = tx.Where("agent_id = ?", q.AgentID)
	if !q.Start.IsZero() {
		tx = tx.Where("event_time >= ?", q.Start.UTC())
	}
	if !q.End.IsZero() {
		tx = tx.Where("event_time < ?", q.End.UTC())
	}
	if q.Type != "" {
		tx = tx.Where("event_type = ?", q.Type)
	}
	return tx
}

// CreateEvent appends ev. ID and CreatedAt are filled when empty.
func CreateEvent(ctx context.Context, db *gorm.DB, ev *domain.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.EventTime = ev.EventTime.UTC()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(ev).Error
}

// GetEvent returns the event with id or ErrNotFound.
func GetEvent(ctx context.Context, db *gorm.DB, id string) (*domain.Event, error) {
	var ev domain.Event
	err := db.WithContext(ctx).Where("id = ?", id).First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// CountEvents returns how many events match q.
func CountEvents(ctx context.Context, db *gorm.DB, q EventQuery) (int64, error) {
	var total int64
	err := q.apply(db.WithContext(ctx).Model(&domain.Event{})).Count(&total).Error
	return total, err
}

// ListEventsPage returns a page of events matching q, newest first.
func ListEventsPage(ctx context.Context, db *gorm.DB, q EventQuery, offset, limit int) ([]domain.Event, error) {
	var out []domain.Event
	err := q.apply(db.WithContext(ctx).Model(&domain.Event{})).
		Order("event_time desc").
		Order("id").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListAgentIDs returns every agent that has at least one event.
func ListAgentIDs(ctx context.Context, db *gorm.DB) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.Event{}).
		Distinct("agent_id").
		Order("agent_id").
		Pluck("agent_id", &ids).Error
	return ids, err
}

// firstEventAtOrAfter returns the earliest event time of agentID at or after
// from, or nil when there is none.
func firstEventAtOrAfter(ctx context.Context, db *gorm.DB, agentID string, from time.Time) (*time.Time, error) {
	var row struct {
		EventTime time.Time
	}
	tx := db.WithContext(ctx).Model(&domain.Event{}).
		Select("event_time").
		Where("agent_id = ? AND event_time >= ?", agentID, from.UTC()).
		Order("event_time asc").
		Limit(1).
		Scan(&row)
	if tx.Error != nil {
		return nil, tx.Error
	}
	if tx.RowsAffected == 0 {
		return nil, nil
	}
	return &row.EventTime, nil
}

// DistinctEventDates returns, in ascending order, every business day of cal
// on which agentID has at least one event. It skips from one event day to
// the next, so the cost is one indexed lookup per day with data.
func DistinctEventDates(ctx context.Context, db *gorm.DB, agentID string, cal domain.Calendar) ([]string, error) {
	var (
		dates []string
		from  time.Time
	)
	for {
		at, err := firstEventAtOrAfter(ctx, db, agentID, from)
		if err != nil {
			return nil, err
		}
		if at == nil {
			return dates, nil
		}
		date := cal.DateOf(*at)
		dates = append(dates, date)
		_, end, err := cal.Window(date)
		if err != nil {
			return nil, err
		}
		from = end
	}
}

// DistinctDimensions returns every (brand, job) pair observed for agentID in
// [start, end). Absent dimensions come back as nil pointers.
func DistinctDimensions(ctx context.Context, db *gorm.DB, agentID string, start, end time.Time) ([]domain.Dimension, error) {
	var rows []struct {
		BrandID *int64
		JobID   *int64
	}
	err := db.WithContext(ctx).Model(&domain.Event{}).
		Distinct("brand_id", "job_id").
		Where("agent_id = ? AND event_time >= ? AND event_time < ?", agentID, start.UTC(), end.UTC()).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.Dimension, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Dimension{BrandID: r.BrandID, JobID: r.JobID})
	}
	return out, nil
}
