package repo

import (
	"context"
	"errors"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/funnel-stats/internal/domain"
)

// Store binds the repository functions to one database handle and runs every
// call through Retrier. It is what the service layer depends on.
type Store struct {
	DB    *gorm.DB
	Retry Retrier
	Now   func() time.Time
}

// NewStore returns a Store with a UTC wall clock.
func NewStore(db *gorm.DB, retry Retrier) *Store {
	return &Store{DB: db, Retry: retry, Now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// --- dirty queue & aggregation ---

func (s *Store) MarkDirty(ctx context.Context, key domain.StatKey) error {
	return s.Retry.Do(ctx, "mark_dirty", func(ctx context.Context) error {
		return MarkDirty(ctx, s.DB, key, s.now())
	})
}

func (s *Store) ComputeFunnel(ctx context.Context, f domain.EventFilter) (domain.FunnelCounts, error) {
	var out domain.FunnelCounts
	err := s.Retry.Do(ctx, "compute_funnel", func(ctx context.Context) error {
		var err error
		out, err = ComputeFunnel(ctx, s.DB, f)
		return err
	})
	return out, err
}

func (s *Store) UpsertDailyStats(ctx context.Context, row *domain.DailyStats, startedAt time.Time) error {
	return s.Retry.Do(ctx, "upsert_daily_stats", func(ctx context.Context) error {
		return UpsertDailyStats(ctx, s.DB, row, startedAt)
	})
}

func (s *Store) DeferDirty(ctx context.Context, key domain.StatKey) error {
	return s.Retry.Do(ctx, "defer_dirty", func(ctx context.Context) error {
		return DeferDirty(ctx, s.DB, key, s.now())
	})
}

func (s *Store) FindDirty(ctx context.Context, limit int) ([]domain.StatKey, error) {
	var out []domain.StatKey
	err := s.Retry.Do(ctx, "find_dirty", func(ctx context.Context) error {
		var err error
		out, err = FindDirty(ctx, s.DB, limit)
		return err
	})
	return out, err
}

func (s *Store) CountDirty(ctx context.Context) (int64, error) {
	var n int64
	err := s.Retry.Do(ctx, "count_dirty", func(ctx context.Context) error {
		var err error
		n, err = CountDirty(ctx, s.DB)
		return err
	})
	return n, err
}

func (s *Store) ListAgentIDs(ctx context.Context) ([]string, error) {
	var out []string
	err := s.Retry.Do(ctx, "list_agents", func(ctx context.Context) error {
		var err error
		out, err = ListAgentIDs(ctx, s.DB)
		return err
	})
	return out, err
}

func (s *Store) DistinctEventDates(ctx context.Context, agentID string, cal domain.Calendar) ([]string, error) {
	var out []string
	err := s.Retry.Do(ctx, "distinct_event_dates", func(ctx context.Context) error {
		var err error
		out, err = DistinctEventDates(ctx, s.DB, agentID, cal)
		return err
	})
	return out, err
}

func (s *Store) DistinctDimensions(ctx context.Context, agentID string, start, end time.Time) ([]domain.Dimension, error) {
	var out []domain.Dimension
	err := s.Retry.Do(ctx, "distinct_dimensions", func(ctx context.Context) error {
		var err error
		out, err = DistinctDimensions(ctx, s.DB, agentID, start, end)
		return err
	})
	return out, err
}

// --- events ---

// RecordEvent appends ev. With a non-empty idemKey, the event and its
// idempotency record are written in one transaction; when the key was
// already used by the same agent, the stored event is returned instead and
// replayed is true.
func (s *Store) RecordEvent(ctx context.Context, ev *domain.Event, idemKey string, ttl time.Duration) (stored *domain.Event, replayed bool, err error) {
	err = s.Retry.Do(ctx, "record_event", func(ctx context.Context) error {
		stored, replayed = nil, false
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if idemKey != "" {
				prev, err := s.replay(ctx, tx, ev.AgentID, idemKey)
				if err != nil {
					return err
				}
				if prev != nil {
					stored, replayed = prev, true
					return nil
				}
				if err := releaseExpiredIdempotency(ctx, tx, ev.AgentID, idemKey, s.now()); err != nil {
					return err
				}
			}
			if err := CreateEvent(ctx, tx, ev); err != nil {
				return err
			}
			if idemKey != "" {
				if _, err := CreateIdempotency(ctx, tx, ev.AgentID, idemKey, ev.ID, http.StatusCreated, ttl); err != nil {
					return err
				}
			}
			stored = ev
			return nil
		})
	})
	if errors.Is(err, ErrDuplicate) {
		// Lost a race with a concurrent request carrying the same key.
		prev, rerr := s.replay(ctx, s.DB, ev.AgentID, idemKey)
		if rerr != nil {
			return nil, false, rerr
		}
		if prev != nil {
			return prev, true, nil
		}
	}
	if err != nil {
		return nil, false, err
	}
	return stored, replayed, nil
}

// replay returns the event an unexpired idempotency key points at, or nil.
func (s *Store) replay(ctx context.Context, db *gorm.DB, agentID, key string) (*domain.Event, error) {
	rec, err := GetIdempotency(ctx, db, agentID, key, s.now())
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return GetEvent(ctx, db, rec.EventID)
}

func releaseExpiredIdempotency(ctx context.Context, db *gorm.DB, agentID, key string, now time.Time) error {
	return db.WithContext(ctx).
		Where("agent_id = ? AND key = ? AND expires_at <= ?", agentID, key, now.UTC()).
		Delete(&domain.Idempotency{}).Error
}

func (s *Store) GetEvent(ctx context.Context, id string) (*domain.Event, error) {
	var out *domain.Event
	err := s.Retry.Do(ctx, "get_event", func(ctx context.Context) error {
		var err error
		out, err = GetEvent(ctx, s.DB, id)
		return err
	})
	return out, err
}

// ListEvents returns one page of events matching q plus the total count.
func (s *Store) ListEvents(ctx context.Context, q EventQuery, offset, limit int) ([]domain.Event, int64, error) {
	var (
		items []domain.Event
		total int64
	)
	err := s.Retry.Do(ctx, "list_events", func(ctx context.Context) error {
		var err error
		if total, err = CountEvents(ctx, s.DB, q); err != nil || total == 0 {
			return err
		}
		items, err = ListEventsPage(ctx, s.DB, q, offset, limit)
		return err
	})
	return items, total, err
}

// PurgeExpiredIdempotency removes closed replay windows.
func (s *Store) PurgeExpiredIdempotency(ctx context.Context) (int64, error) {
	var n int64
	err := s.Retry.Do(ctx, "purge_idempotency", func(ctx context.Context) error {
		var err error
		n, err = PurgeExpiredIdempotency(ctx, s.DB, s.now())
		return err
	})
	return n, err
}

// --- reporting ---

func (s *Store) GetDailyStats(ctx context.Context, key domain.StatKey) (*domain.DailyStats, error) {
	var out *domain.DailyStats
	err := s.Retry.Do(ctx, "get_daily_stats", func(ctx context.Context) error {
		var err error
		out, err = GetDailyStats(ctx, s.DB, key)
		return err
	})
	return out, err
}

// ListDailyStats returns one page of rows matching q plus the total count.
func (s *Store) ListDailyStats(ctx context.Context, q StatsQuery, offset, limit int) ([]domain.DailyStats, int64, error) {
	var (
		items []domain.DailyStats
		total int64
	)
	err := s.Retry.Do(ctx, "list_daily_stats", func(ctx context.Context) error {
		var err error
		if total, err = CountDailyStats(ctx, s.DB, q); err != nil || total == 0 {
			return err
		}
		items, err = ListDailyStatsPage(ctx, s.DB, q, offset, limit)
		return err
	})
	return items, total, err
}

func (s *Store) DailyStatsMeta(ctx context.Context, q StatsQuery) (int64, *time.Time, error) {
	var (
		count int64
		maxAt *time.Time
	)
	err := s.Retry.Do(ctx, "daily_stats_meta", func(ctx context.Context) error {
		var err error
		count, maxAt, err = DailyStatsMeta(ctx, s.DB, q)
		return err
	})
	return count, maxAt, err
}

func (s *Store) SumDailyStats(ctx context.Context, q StatsQuery) (domain.FunnelCounts, int64, error) {
	var (
		sum  domain.FunnelCounts
		days int64
	)
	err := s.Retry.Do(ctx, "sum_daily_stats", func(ctx context.Context) error {
		var err error
		sum, days, err = SumDailyStats(ctx, s.DB, q)
		return err
	})
	return sum, days, err
}
