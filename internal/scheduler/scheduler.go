// Package scheduler drives the aggregation engine on two cadences: a short
// drain tick that works off the dirty queue, and a once-daily run at a fixed
// wall-clock hour in the reporting timezone.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tbourn/funnel-stats/internal/distlock"
	"github.com/tbourn/funnel-stats/internal/domain"
	"github.com/tbourn/funnel-stats/internal/services"
)

// Run kinds reported in Status and metrics.
const (
	KindDrain  = "drain"
	KindMain   = "main"
	KindManual = "manual"
)

// LockKey names the distributed lock taken around timer ticks.
const LockKey = "funnel-stats:tick"

var runsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "funnel_scheduler_runs_total",
		Help: "Scheduler runs by kind and result (ok|error|skipped).",
	},
	[]string{"kind", "result"},
)

func init() {
	prometheus.MustRegister(runsTotal)
}

// Engine is the slice of the aggregator the scheduler drives.
type Engine interface {
	ProcessDirtyRecords(ctx context.Context, batchSize int) services.BatchResult
	RunMainAggregation(ctx context.Context, batchSize int) services.MainResult
	FullReaggregation(ctx context.Context, agentID string) services.BatchResult
}

// Config is the active timer configuration, echoed back in Status.
type Config struct {
	DrainInterval  time.Duration `json:"drain_interval"`
	DrainBatchSize int           `json:"drain_batch_size"`
	MainHour       int           `json:"main_hour"`
	MainBatchSize  int           `json:"main_batch_size"`
	Timezone       string        `json:"timezone"`
}

// Validate checks intervals, batch sizes and the hour range.
func (c Config) Validate() error {
	if c.DrainInterval <= 0 {
		return errors.New("scheduler: drain interval must be > 0")
	}
	if c.DrainBatchSize <= 0 || c.MainBatchSize <= 0 {
		return errors.New("scheduler: batch sizes must be > 0")
	}
	if c.MainHour < 0 || c.MainHour > 23 {
		return errors.New("scheduler: main hour must be within [0,23]")
	}
	return nil
}

// RunResult records the outcome of a single tick or manual trigger.
// Skipped is set when another instance held the tick lock.
type RunResult struct {
	Kind      string        `json:"kind"`
	AgentID   string        `json:"agent_id,omitempty"`
	Success   bool          `json:"success"`
	Skipped   bool          `json:"skipped,omitempty"`
	Error     string        `json:"error,omitempty"`
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Errors    []string      `json:"errors,omitempty"`
	FellBack  bool          `json:"fell_back,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Status is a point-in-time view for monitoring.
type Status struct {
	IsRunning               bool       `json:"is_running"`
	LastRunResult           *RunResult `json:"last_run_result"`
	LastRunTime             *time.Time `json:"last_run_time"`
	NextMainAggregationTime *time.Time `json:"next_main_aggregation_time"`
	Config                  Config     `json:"config"`
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLock guards every timer tick with l. Manual triggers do not take it.
func WithLock(l distlock.DistLock) Option {
	return func(s *Scheduler) { s.lock = l }
}

// WithClock overrides the clock used for daily scheduling and bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler owns the drain ticker and the daily single-shot timer. It is
// created by the composition root and is safe for concurrent use.
type Scheduler struct {
	engine Engine
	cfg    Config
	cal    domain.Calendar
	lock   distlock.DistLock
	now    func() time.Time

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	gen     uint64
	daily   *time.Timer
	nextRun time.Time
	mu      sync.RWMutex

	// runMu serializes ticks and manual runs inside this process.
	runMu sync.Mutex

	last     *RunResult
	lastTime time.Time
}

// New builds a stopped scheduler.
func New(engine Engine, cal domain.Calendar, cfg Config, opts ...Option) (*Scheduler, error) {
	if engine == nil {
		return nil, errors.New("scheduler: nil engine")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timezone == "" {
		cfg.Timezone = cal.Location().String()
	}
	s := &Scheduler{engine: engine, cfg: cfg, cal: cal, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Start arms both timers. Starting a running scheduler is a no-op and
// reports false.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		log.Warn().Msg("scheduler already running")
		return false
	}
	s.running = true
	s.gen++
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.armDailyLocked()
	s.wg.Add(1)
	ctx := s.ctx
	s.mu.Unlock()

	go s.drainLoop(ctx)

	log.Info().
		Dur("drain_interval", s.cfg.DrainInterval).
		Int("main_hour", s.cfg.MainHour).
		Str("timezone", s.cfg.Timezone).
		Msg("scheduler started")
	return true
}

// Stop cancels both timers, clears the next scheduled time and waits for
// an in-flight tick to finish. Stopping a stopped scheduler is a no-op and
// reports false.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		log.Warn().Msg("scheduler not running")
		return false
	}
	s.running = false
	s.gen++
	if s.daily != nil {
		s.daily.Stop()
		s.daily = nil
	}
	s.nextRun = time.Time{}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	log.Info().Msg("scheduler stopped")
	return true
}

// IsRunning reports whether the timers are armed.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Status returns copies, so callers may hold on to them.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{IsRunning: s.running, Config: s.cfg}
	if s.last != nil {
		r := *s.last
		r.Errors = append([]string(nil), s.last.Errors...)
		st.LastRunResult = &r
		t := s.lastTime
		st.LastRunTime = &t
	}
	if !s.nextRun.IsZero() {
		t := s.nextRun
		st.NextMainAggregationTime = &t
	}
	return st
}

// TriggerManual runs synchronously whether or not the timers are armed.
// With an agent it reaggregates that agent's full history; otherwise it runs
// the main aggregation flow.
func (s *Scheduler) TriggerManual(ctx context.Context, agentID string) RunResult {
	return s.run(ctx, KindManual, agentID, false)
}

func (s *Scheduler) drainLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(context.WithoutCancel(ctx), KindDrain, "", true)
		}
	}
}

// armDailyLocked schedules the next daily run. Each arm computes a fresh
// delay to the next wall-clock occurrence, so the timer never drifts.
// Callers hold s.mu.
func (s *Scheduler) armDailyLocked() {
	now := s.now()
	next := s.cal.NextOccurrence(now, s.cfg.MainHour)
	s.nextRun = next
	gen := s.gen
	s.daily = time.AfterFunc(next.Sub(now), func() { s.fireDaily(gen) })
	log.Debug().Time("next_main_aggregation", next).Msg("daily aggregation scheduled")
}

func (s *Scheduler) fireDaily(gen uint64) {
	s.mu.Lock()
	if !s.running || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	ctx := context.WithoutCancel(s.ctx)
	s.mu.Unlock()
	defer s.wg.Done()

	s.run(ctx, KindMain, "", true)

	s.mu.Lock()
	if s.running && gen == s.gen {
		s.armDailyLocked()
	}
	s.mu.Unlock()
}

// run executes one unit of work and records it. Panics and engine errors
// end up in the recorded result; nothing escapes to the timer goroutines.
func (s *Scheduler) run(ctx context.Context, kind, agentID string, locked bool) (res RunResult) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	tr := otel.Tracer("scheduler/Scheduler")
	ctx, span := tr.Start(ctx, "Scheduler."+kind)
	defer span.End()
	span.SetAttributes(attribute.String("scheduler.kind", kind))
	if agentID != "" {
		span.SetAttributes(attribute.String("agent_id", agentID))
	}

	start := s.now()
	res = RunResult{Kind: kind, AgentID: agentID, StartedAt: start}

	defer func() {
		if p := recover(); p != nil {
			res.Success = false
			res.Error = fmt.Sprintf("panic: %v", p)
		}
		res.Duration = s.now().Sub(start)
		s.record(res)
		switch {
		case res.Skipped:
			runsTotal.WithLabelValues(kind, "skipped").Inc()
		case res.Success:
			runsTotal.WithLabelValues(kind, "ok").Inc()
		default:
			runsTotal.WithLabelValues(kind, "error").Inc()
			span.SetStatus(codes.Error, res.Error)
		}
	}()

	if locked && s.lock != nil {
		ok, err := s.lock.Acquire(ctx)
		if err != nil {
			res.Error = "acquire tick lock: " + err.Error()
			return res
		}
		if !ok {
			res.Skipped = true
			res.Success = true
			return res
		}
		defer func() {
			if err := s.lock.Release(ctx); err != nil {
				log.Warn().Err(err).Str("kind", kind).Msg("release tick lock")
			}
		}()
	}

	switch {
	case kind == KindDrain:
		res.apply(s.engine.ProcessDirtyRecords(ctx, s.cfg.DrainBatchSize))
	case agentID != "":
		res.apply(s.engine.FullReaggregation(ctx, agentID))
	default:
		m := s.engine.RunMainAggregation(ctx, s.cfg.MainBatchSize)
		res.apply(m.Dirty)
		res.FellBack = m.FellBack
		if m.FellBack {
			res.merge(m.Full)
		}
	}
	return res
}

func (r *RunResult) apply(b services.BatchResult) {
	r.Processed = b.Processed
	r.Failed = b.Failed
	r.Errors = b.Errors
	r.Success = b.Err == nil && b.Failed == 0
	if b.Err != nil {
		r.Error = b.Err.Error()
	}
}

func (r *RunResult) merge(b services.BatchResult) {
	r.Processed += b.Processed
	r.Failed += b.Failed
	r.Errors = append(r.Errors, b.Errors...)
	if b.Err != nil {
		r.Success = false
		if r.Error == "" {
			r.Error = b.Err.Error()
		}
	}
	if b.Failed > 0 {
		r.Success = false
	}
}

func (s *Scheduler) record(res RunResult) {
	ev := log.Info()
	if !res.Success {
		ev = log.Error()
	}
	ev.Str("kind", res.Kind).
		Str("agent_id", res.AgentID).
		Bool("skipped", res.Skipped).
		Bool("fell_back", res.FellBack).
		Int("processed", res.Processed).
		Int("failed", res.Failed).
		Str("error", res.Error).
		Dur("duration", res.Duration).
		Msg("scheduler run")

	s.mu.Lock()
	s.last = &res
	s.lastTime = res.StartedAt
	s.mu.Unlock()
}
