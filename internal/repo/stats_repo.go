// Package repo – stats store
//
// The daily_stats table is both the materialized view and the dirty queue.
// Every write goes through the unique index ux_daily_stats_key
// (agent_id, stat_date, brand_id, job_id) as an ON CONFLICT upsert, so
// concurrent writers to the same key never create a second row and no
// application-level lock is needed.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/funnel-stats/internal/domain"
)

var statsKeyColumns = []clause.Column{
	{Name: "agent_id"},
	{Name: "stat_date"},
	{Name: "brand_id"},
	{Name: "job_id"},
}

// aggregateColumns are overwritten wholesale by UpsertDailyStats.
var aggregateColumns = []string{
	"total_events",
	"unique_candidates",
	"unique_sessions",
	"messages_sent",
	"messages_received",
	"inbound_candidates",
	"candidates_replied",
	"unread_replied",
	"proactive_outreach",
	"proactive_responded",
	"wechat_exchanged",
	"interviews_booked",
	"candidates_hired",
	"reply_rate",
	"wechat_rate",
	"interview_rate",
	"aggregated_at",
	"updated_at",
}

func keyWhere(tx *gorm.DB, key domain.StatKey) *gorm.DB {
	return tx.Where("agent_id = ? AND stat_date = ? AND brand_id = ? AND job_id = ?",
		key.AgentID, key.StatDate, key.BrandColumn(), key.JobColumn())
}

// MarkDirty flags key as stale. A missing row is created with zero counts;
// an existing row only gets is_dirty=true and a fresh updated_at, its counts
// stay as they are until the next aggregation overwrites them.
func MarkDirty(ctx context.Context, db *gorm.DB, key domain.StatKey, now time.Time) error {
	now = now.UTC()
	row := &domain.DailyStats{
		ID:        uuid.NewString(),
		AgentID:   key.AgentID,
		StatDate:  key.StatDate,
		BrandID:   key.BrandColumn(),
		JobID:     key.JobColumn(),
		IsDirty:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: statsKeyColumns,
		DoUpdates: clause.Assignments(map[string]any{
			"is_dirty":   true,
			"updated_at": now,
		}),
	}).Create(row).Error
}

// UpsertDailyStats writes row as a full overwrite of its key.
//
// startedAt is the instant the caller began reading events. A MarkDirty that
// landed after it (updated_at > startedAt) may describe an event the read did
// not see, so the dirty flag is kept in that case and the key is picked up
// again on the next drain.
func UpsertDailyStats(ctx context.Context, db *gorm.DB, row *domain.DailyStats, startedAt time.Time) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = now
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	set := clause.AssignmentColumns(aggregateColumns)
	set = append(set, clause.Assignment{
		Column: clause.Column{Name: "is_dirty"},
		Value: gorm.Expr("CASE WHEN daily_stats.updated_at > ? THEN daily_stats.is_dirty ELSE ? END",
			startedAt.UTC(), row.IsDirty),
	})
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   statsKeyColumns,
		DoUpdates: set,
	}).Create(row).Error
}

// DeferDirty moves a still-dirty key to the back of the queue by bumping its
// updated_at. Counts and the dirty flag are untouched.
func DeferDirty(ctx context.Context, db *gorm.DB, key domain.StatKey, now time.Time) error {
	return keyWhere(db.WithContext(ctx).Model(&domain.DailyStats{}), key).
		Where("is_dirty = ?", true).
		Update("updated_at", now.UTC()).Error
}

// FindDirty returns up to limit keys flagged dirty, least recently marked
// (or deferred) first.
func FindDirty(ctx context.Context, db *gorm.DB, limit int) ([]domain.StatKey, error) {
	var rows []domain.DailyStats
	err := db.WithContext(ctx).
		Select("agent_id", "stat_date", "brand_id", "job_id").
		Where("is_dirty = ?", true).
		Order("updated_at asc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	keys := make([]domain.StatKey, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, r.Key())
	}
	return keys, nil
}

// CountDirty returns the size of the dirty queue.
func CountDirty(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.DailyStats{}).Where("is_dirty = ?", true).Count(&n).Error
	return n, err
}

// GetDailyStats returns the row for key or ErrNotFound.
func GetDailyStats(ctx context.Context, db *gorm.DB, key domain.StatKey) (*domain.DailyStats, error) {
	var row domain.DailyStats
	err := keyWhere(db.WithContext(ctx), key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// StatsQuery selects daily rows of one agent over an inclusive date range.
// Nil BrandID/JobID select the NoDimension column value.
type StatsQuery struct {
	AgentID string
	From    string
	To      string
	BrandID *int64
	JobID   *int64
}

func (q StatsQuery) apply(tx *gorm.DB) *gorm.DB {
	k := domain.StatKey{BrandID: q.BrandID, JobID: q.JobID}
	tx = tx.Model(&domain.DailyStats{}).
		Where("agent_id = ? AND brand_id = ? AND job_id = ?", q.AgentID, k.BrandColumn(), k.JobColumn())
	if q.From != "" {
		tx = tx.Where("stat_date >= ?", q.From)
	}
	if q.To != "" {
		tx = tx.Where("stat_date <= ?", q.To)
	}
	return tx
}

// CountDailyStats returns the number of rows matching q.
func CountDailyStats(ctx context.Context, db *gorm.DB, q StatsQuery) (int64, error) {
	var total int64
	err := q.apply(db.WithContext(ctx)).Count(&total).Error
	return total, err
}

// ListDailyStatsPage returns rows matching q, most recent day first.
func ListDailyStatsPage(ctx context.Context, db *gorm.DB, q StatsQuery, offset, limit int) ([]domain.DailyStats, error) {
	var out []domain.DailyStats
	err := q.apply(db.WithContext(ctx)).
		Order("stat_date desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

const sumSelect = `COUNT(*) AS days,
CAST(COALESCE(SUM(total_events), 0) AS BIGINT) AS total_events,
CAST(COALESCE(SUM(unique_candidates), 0) AS BIGINT) AS unique_candidates,
CAST(COALESCE(SUM(unique_sessions), 0) AS BIGINT) AS unique_sessions,
CAST(COALESCE(SUM(messages_sent), 0) AS BIGINT) AS messages_sent,
CAST(COALESCE(SUM(messages_received), 0) AS BIGINT) AS messages_received,
CAST(COALESCE(SUM(inbound_candidates), 0) AS BIGINT) AS inbound_candidates,
CAST(COALESCE(SUM(candidates_replied), 0) AS BIGINT) AS candidates_replied,
CAST(COALESCE(SUM(unread_replied), 0) AS BIGINT) AS unread_replied,
CAST(COALESCE(SUM(proactive_outreach), 0) AS BIGINT) AS proactive_outreach,
CAST(COALESCE(SUM(proactive_responded), 0) AS BIGINT) AS proactive_responded,
CAST(COALESCE(SUM(wechat_exchanged), 0) AS BIGINT) AS wechat_exchanged,
CAST(COALESCE(SUM(interviews_booked), 0) AS BIGINT) AS interviews_booked,
CAST(COALESCE(SUM(candidates_hired), 0) AS BIGINT) AS candidates_hired`

// SumDailyStats adds up the counts of every row matching q. Distinct counts
// are summed per day, so the result counts candidate-days, not people.
func SumDailyStats(ctx context.Context, db *gorm.DB, q StatsQuery) (domain.FunnelCounts, int64, error) {
	var out struct {
		Days int64
		domain.FunnelCounts
	}
	if err := q.apply(db.WithContext(ctx)).Select(sumSelect).Scan(&out).Error; err != nil {
		return domain.FunnelCounts{}, 0, err
	}
	return out.FunnelCounts, out.Days, nil
}
