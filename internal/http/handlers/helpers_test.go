package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/funnel-stats/internal/domain"
	"github.com/tbourn/funnel-stats/internal/http/middleware"
	"github.com/tbourn/funnel-stats/internal/repo"
	"github.com/tbourn/funnel-stats/internal/scheduler"
	"github.com/tbourn/funnel-stats/internal/services"
)

// testEnv wires real services over a throwaway sqlite file.
type testEnv struct {
	r      *gin.Engine
	db     *gorm.DB
	cal    domain.Calendar
	events *services.EventService
	agg    *services.Aggregator
	sched  *stubScheduler
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "handlers.db")+"?_pragma=busy_timeout(5000)"), &gorm.Config{
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
	tracker := &services.DirtyTracker{Store: store, Calendar: cal}
	e := &testEnv{
		db:     db,
		cal:    cal,
		events: &services.EventService{Store: store, Marker: tracker, Calendar: cal, MarkTimeout: time.Second},
		agg:    &services.Aggregator{Store: store, Calendar: cal},
		sched:  &stubScheduler{},
	}

	h := New(e.events, &services.StatsService{Store: store, Calendar: cal}, e.sched)
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.AgentIdentity())
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil))
	r.POST("/events", h.PostEvent)
	r.GET("/events/:id", h.GetEvent)
	r.GET("/agents/:agentId/events", h.ListEvents)
	r.GET("/agents/:agentId/stats", h.ListStats)
	r.GET("/agents/:agentId/stats/summary", h.StatsSummary)
	r.GET("/scheduler/status", h.SchedulerStatus)
	r.POST("/scheduler/start", h.StartScheduler)
	r.POST("/scheduler/stop", h.StopScheduler)
	r.POST("/scheduler/trigger", h.TriggerScheduler)
	e.r = r
	return e
}

func (e *testEnv) do(t *testing.T, method, path string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.r.ServeHTTP(w, req)
	return w
}

// at returns hour:00 on date in the reporting zone.
func (e *testEnv) at(date string, hour int) time.Time {
	d, _ := e.cal.ParseDate(date)
	return d.Add(time.Duration(hour) * time.Hour)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

// stubScheduler records calls without running any timers.
type stubScheduler struct {
	mu       sync.Mutex
	running  bool
	triggers []string
	ctxErr   error
}

func (s *stubScheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *stubScheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.running = false
	return true
}

func (s *stubScheduler) Status() scheduler.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return scheduler.Status{IsRunning: s.running, Config: scheduler.Config{MainHour: 2}}
}

func (s *stubScheduler) TriggerManual(ctx context.Context, agentID string) scheduler.RunResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers = append(s.triggers, agentID)
	s.ctxErr = ctx.Err()
	return scheduler.RunResult{Kind: scheduler.KindManual, AgentID: agentID, Success: true, Processed: 3}
}
