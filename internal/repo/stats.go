// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small metadata queries used for
// conditional responses (ETag generation) in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// DailyStatsMeta returns the number of rows matching q and the greatest
// UpdatedAt among them. When nothing matches, count is 0 and maxUpdatedAt
// is nil.
//
// Both values change whenever a row is marked dirty or re-aggregated, which
// is what makes them usable as a validator for cached listings.
func DailyStatsMeta(ctx context.Context, db *gorm.DB, q StatsQuery) (count int64, maxUpdatedAt *time.Time, err error) {
	if count, err = CountDailyStats(ctx, db, q); err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.apply(db.WithContext(ctx)).Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}
