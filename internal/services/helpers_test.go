package services

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/funnel-stats/internal/domain"
	"github.com/tbourn/funnel-stats/internal/repo"
)

// engine wires the real store to every service over a throwaway database.
type engine struct {
	db      *gorm.DB
	store   *repo.Store
	cal     domain.Calendar
	tracker *DirtyTracker
	agg     *Aggregator
	events  *EventService
	stats   *StatsService
}

func newEngine(t *testing.T) *engine {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("engine_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn+"?_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	cal, err := domain.LoadCalendar("Asia/Shanghai")
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}
	store := repo.NewStore(db, repo.Retrier{Attempts: 2, Delay: time.Millisecond})
	tracker := &DirtyTracker{Store: store, Calendar: cal}
	e := &engine{
		db:      db,
		store:   store,
		cal:     cal,
		tracker: tracker,
		agg:     &Aggregator{Store: store, Calendar: cal},
		events:  &EventService{Store: store, Marker: tracker, Calendar: cal, MarkTimeout: time.Second},
		stats:   &StatsService{Store: store, Calendar: cal},
	}
	return e
}

// record ingests in through EventService and waits for its dirty marks.
func (e *engine) record(t *testing.T, in RecordEventInput) *domain.Event {
	t.Helper()
	if in.AgentID == "" {
		in.AgentID = "agent-1"
	}
	if in.SourcePlatform == "" {
		in.SourcePlatform = "boss"
	}
	ev, _, err := e.events.Record(context.Background(), in, "")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	e.events.Wait()
	return ev
}

func (e *engine) row(t *testing.T, key domain.StatKey) *domain.DailyStats {
	t.Helper()
	row, err := e.store.GetDailyStats(context.Background(), key)
	if err != nil {
		t.Fatalf("GetDailyStats(%s): %v", key, err)
	}
	return row
}

func (e *engine) rowCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	if err := e.db.Model(&domain.DailyStats{}).Count(&n).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

// at returns hour:00 on date in the reporting zone.
func (e *engine) at(date string, hour int) time.Time {
	d, _ := e.cal.ParseDate(date)
	return d.Add(time.Duration(hour) * time.Hour)
}

func i64(v int64) *int64 { return &v }

func assertRate(t *testing.T, name string, got *int64, want int64) {
	t.Helper()
	if got == nil || *got != want {
		t.Fatalf("%s = %v; want %d", name, got, want)
	}
}
