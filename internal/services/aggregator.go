package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/funnel-stats/internal/domain"
)

// maxRecordedErrors caps BatchResult.Errors; Failed keeps the full count.
const maxRecordedErrors = 100

// AggregationStore is what the aggregator reads and writes.
type AggregationStore interface {
	ComputeFunnel(ctx context.Context, f domain.EventFilter) (domain.FunnelCounts, error)
	UpsertDailyStats(ctx context.Context, row *domain.DailyStats, startedAt time.Time) error
	FindDirty(ctx context.Context, limit int) ([]domain.StatKey, error)
	DeferDirty(ctx context.Context, key domain.StatKey) error
	ListAgentIDs(ctx context.Context) ([]string, error)
	DistinctEventDates(ctx context.Context, agentID string, cal domain.Calendar) ([]string, error)
	DistinctDimensions(ctx context.Context, agentID string, start, end time.Time) ([]domain.Dimension, error)
}

// BatchResult summarizes one pass over many keys. Processed counts keys
// aggregated successfully; Failed counts keys whose aggregation returned an
// error (those keys keep their dirty flag). Err is set when the pass could
// not run at all, e.g. the dirty queue could not be read.
type BatchResult struct {
	Processed int      `json:"processed"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
	Err       error    `json:"-"`
}

func (r *BatchResult) fail(key domain.StatKey, err error) {
	r.Failed++
	if len(r.Errors) < maxRecordedErrors {
		r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", key, err))
	}
}

func (r *BatchResult) merge(o BatchResult) {
	r.Processed += o.Processed
	r.Failed += o.Failed
	for _, e := range o.Errors {
		if len(r.Errors) >= maxRecordedErrors {
			break
		}
		r.Errors = append(r.Errors, e)
	}
}

// MainResult reports a runMainAggregation pass. Full is only populated when
// the dirty queue was empty and the full reaggregation safety net ran.
type MainResult struct {
	Dirty    BatchResult `json:"dirty"`
	FellBack bool        `json:"fell_back"`
	Agents   int         `json:"agents,omitempty"`
	Full     BatchResult `json:"full"`
}

// Aggregator recomputes materialized daily rows from events.
type Aggregator struct {
	Store    AggregationStore
	Calendar domain.Calendar
	Now      func() time.Time
}

func (a *Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC()
}

// AggregateSingleDay recomputes every metric of key from the events in its
// business-day window and overwrites the stored row. Running it again with
// unchanged events yields the same counts and rates.
//
// On error nothing is written and the row's dirty flag is left as it was.
func (a *Aggregator) AggregateSingleDay(ctx context.Context, key domain.StatKey) (row *domain.DailyStats, err error) {
	tr := otel.Tracer("services/Aggregator")
	ctx, span := tr.Start(ctx, "AggregateSingleDay",
		trace.WithAttributes(
			attribute.String("agent.id", key.AgentID),
			attribute.String("stat.date", key.StatDate),
			attribute.Int64("brand.id", key.BrandColumn()),
			attribute.Int64("job.id", key.JobColumn()),
		),
	)
	began := time.Now()
	defer func() {
		aggregations.WithLabelValues(resultLabel(err)).Inc()
		aggregationDuration.Observe(time.Since(began).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if strings.TrimSpace(key.AgentID) == "" {
		return nil, ErrEmptyAgent
	}
	if negative(key.BrandID) || negative(key.JobID) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}
	start, end, err := a.Calendar.Window(key.StatDate)
	if err != nil {
		return nil, err
	}

	startedAt := a.now()
	counts, err := a.Store.ComputeFunnel(ctx, domain.EventFilter{
		AgentID: key.AgentID,
		Start:   start,
		End:     end,
		BrandID: key.BrandID,
		JobID:   key.JobID,
	})
	if err != nil {
		return nil, fmt.Errorf("compute %s: %w", key, err)
	}

	aggregatedAt := a.now()
	row = &domain.DailyStats{
		ID:           uuid.NewString(),
		AgentID:      key.AgentID,
		StatDate:     key.StatDate,
		BrandID:      key.BrandColumn(),
		JobID:        key.JobColumn(),
		FunnelCounts: counts,
		FunnelRates:  counts.Rates(),
		IsDirty:      false,
		AggregatedAt: &aggregatedAt,
		UpdatedAt:    aggregatedAt,
	}
	if err := a.Store.UpsertDailyStats(ctx, row, startedAt); err != nil {
		return nil, fmt.Errorf("upsert %s: %w", key, err)
	}
	return row, nil
}

// ProcessDirtyRecords aggregates up to batchSize dirty keys, each on its
// own. A failing key is recorded and the loop moves on. It never returns an
// error; batch-level failures are reported in BatchResult.Err.
func (a *Aggregator) ProcessDirtyRecords(ctx context.Context, batchSize int) BatchResult {
	var res BatchResult
	if batchSize <= 0 {
		res.Err = ErrInvalidBatchSize
		res.Errors = append(res.Errors, ErrInvalidBatchSize.Error())
		return res
	}

	keys, err := a.Store.FindDirty(ctx, batchSize)
	if err != nil {
		log.Error().Err(err).Int("batch_size", batchSize).Msg("fetch dirty records failed")
		res.Err = fmt.Errorf("find dirty: %w", err)
		res.Errors = append(res.Errors, res.Err.Error())
		return res
	}
	dirtyBatchSize.Observe(float64(len(keys)))

	for _, key := range keys {
		if _, err := a.AggregateSingleDay(ctx, key); err != nil {
			log.Warn().Err(err).Str("key", key.String()).Msg("aggregation failed; key stays dirty")
			res.fail(key, err)
			// Failing keys go to the back so they cannot starve the rest.
			if derr := a.Store.DeferDirty(ctx, key); derr != nil {
				log.Warn().Err(derr).Str("key", key.String()).Msg("defer dirty key failed")
			}
			continue
		}
		res.Processed++
	}

	if len(keys) > 0 {
		log.Info().Int("processed", res.Processed).Int("failed", res.Failed).Msg("dirty queue drained")
	}
	return res
}

// FullReaggregation recomputes every day on which agentID has events: the
// aggregate row unconditionally, plus one row per observed dimension pair
// that has a brand. Pairs without a brand are covered by the aggregate row.
func (a *Aggregator) FullReaggregation(ctx context.Context, agentID string) BatchResult {
	var res BatchResult
	if strings.TrimSpace(agentID) == "" {
		res.Err = ErrEmptyAgent
		res.Errors = append(res.Errors, ErrEmptyAgent.Error())
		return res
	}

	tr := otel.Tracer("services/Aggregator")
	ctx, span := tr.Start(ctx, "FullReaggregation", trace.WithAttributes(attribute.String("agent.id", agentID)))
	defer span.End()

	dates, err := a.Store.DistinctEventDates(ctx, agentID, a.Calendar)
	if err != nil {
		res.Err = fmt.Errorf("list event dates for %s: %w", agentID, err)
		res.Errors = append(res.Errors, res.Err.Error())
		span.RecordError(err)
		return res
	}

	for _, date := range dates {
		keys := []domain.StatKey{domain.AggregateKey(agentID, date)}

		start, end, err := a.Calendar.Window(date)
		if err == nil {
			var dims []domain.Dimension
			dims, err = a.Store.DistinctDimensions(ctx, agentID, start, end)
			for _, d := range dims {
				if d.BrandID == nil {
					continue
				}
				if negative(d.BrandID) || negative(d.JobID) {
					log.Warn().Str("agent_id", agentID).Str("stat_date", date).Msg("skipping events with negative dimension ids")
					continue
				}
				keys = append(keys, domain.StatKey{AgentID: agentID, StatDate: date, BrandID: d.BrandID, JobID: d.JobID})
			}
		}
		if err != nil {
			// The aggregate row does not depend on the dimension listing.
			res.fail(domain.AggregateKey(agentID, date), fmt.Errorf("list dimensions: %w", err))
		}

		for _, key := range keys {
			if _, err := a.AggregateSingleDay(ctx, key); err != nil {
				res.fail(key, err)
				continue
			}
			res.Processed++
		}
	}

	log.Info().
		Str("agent_id", agentID).
		Int("days", len(dates)).
		Int("processed", res.Processed).
		Int("failed", res.Failed).
		Msg("full reaggregation finished")
	return res
}

func negative(v *int64) bool { return v != nil && *v < 0 }

// RunMainAggregation drains the dirty queue and, only when that found no
// dirty keys at all, falls back to a full reaggregation of every agent with
// event history. A failed dirty-queue read does not trigger the fallback.
func (a *Aggregator) RunMainAggregation(ctx context.Context, batchSize int) MainResult {
	out := MainResult{Dirty: a.ProcessDirtyRecords(ctx, batchSize)}
	if out.Dirty.Err != nil || out.Dirty.Processed+out.Dirty.Failed > 0 {
		return out
	}

	out.FellBack = true
	agents, err := a.Store.ListAgentIDs(ctx)
	if err != nil {
		out.Full.Err = fmt.Errorf("list agents: %w", err)
		out.Full.Errors = append(out.Full.Errors, out.Full.Err.Error())
		log.Error().Err(err).Msg("full reaggregation fallback could not list agents")
		return out
	}
	out.Agents = len(agents)
	log.Info().Int("agents", len(agents)).Msg("dirty queue empty; running full reaggregation")
	for _, agentID := range agents {
		out.Full.merge(a.FullReaggregation(ctx, agentID))
	}
	return out
}
