package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/funnel-stats/internal/domain"
)

// newRepoDB opens a file-backed SQLite database in a temp dir. With migrate
// set, the full schema is created.
func newRepoDB(t *testing.T, migrate bool) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("repo_test_%d.db", time.Now().UnixNano()))
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

	// Ensure the file handle is released before TempDir cleanup (Windows needs this).
	t.Cleanup(func() { _ = sqlDB.Close() })

	if migrate {
		if err := AutoMigrate(db); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func i64(v int64) *int64 { return &v }

// seedEvent inserts an event with sensible defaults; mutate adjusts fields.
func seedEvent(t *testing.T, db *gorm.DB, agentID, name string, typ domain.EventType, at time.Time, mutate ...func(*domain.Event)) *domain.Event {
	t.Helper()
	ev := &domain.Event{
		AgentID:        agentID,
		CandidateName:  name,
		SourcePlatform: "boss",
		EventType:      typ,
		EventTime:      at,
	}
	for _, m := range mutate {
		m(ev)
	}
	if ev.CandidateKey == "" {
		ev.CandidateKey = domain.CandidateKey(ev.SourcePlatform, ev.CandidateName, ev.CandidatePosition, ev.BrandID)
	}
	if ev.SessionID == "" {
		ev.SessionID = domain.SessionID(agentID, ev.CandidateKey, at.UTC().Format(domain.DateLayout))
	}
	if err := CreateEvent(context.Background(), db, ev); err != nil {
		t.Fatalf("seed event: %v", err)
	}
	return ev
}
