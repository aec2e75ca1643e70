package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/funnel-stats/internal/domain"
	"github.com/tbourn/funnel-stats/internal/repo"
)

// StatsReader is the reporting side of the stats store.
type StatsReader interface {
	ListDailyStats(ctx context.Context, q repo.StatsQuery, offset, limit int) ([]domain.DailyStats, int64, error)
	DailyStatsMeta(ctx context.Context, q repo.StatsQuery) (int64, *time.Time, error)
	SumDailyStats(ctx context.Context, q repo.StatsQuery) (domain.FunnelCounts, int64, error)
}

// StatsService serves materialized rows to dashboards.
type StatsService struct {
	Store    StatsReader
	Calendar domain.Calendar
}

// Summary is the sum of an agent's aggregate rows over a date range with
// rates recomputed from the summed counts. Distinct counts are summed per
// day, so they count candidate-days rather than people.
type Summary struct {
	AgentID string `json:"agent_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Days    int64  `json:"days"`
	domain.FunnelCounts
	domain.FunnelRates
}

// query validates the range and builds a StatsQuery.
func (s *StatsService) query(agentID, from, to string, brandID, jobID *int64) (repo.StatsQuery, error) {
	if strings.TrimSpace(agentID) == "" {
		return repo.StatsQuery{}, ErrEmptyAgent
	}
	var fromT, toT time.Time
	var err error
	if from != "" {
		if fromT, err = s.Calendar.ParseDate(from); err != nil {
			return repo.StatsQuery{}, fmt.Errorf("%w: %v", ErrInvalidRange, err)
		}
	}
	if to != "" {
		if toT, err = s.Calendar.ParseDate(to); err != nil {
			return repo.StatsQuery{}, fmt.Errorf("%w: %v", ErrInvalidRange, err)
		}
	}
	if from != "" && to != "" && toT.Before(fromT) {
		return repo.StatsQuery{}, fmt.Errorf("%w: %s is after %s", ErrInvalidRange, from, to)
	}
	return repo.StatsQuery{AgentID: agentID, From: from, To: to, BrandID: brandID, JobID: jobID}, nil
}

// ListPage returns daily rows for one dimension (the aggregate row when
// brandID and jobID are nil), most recent day first.
func (s *StatsService) ListPage(ctx context.Context, agentID, from, to string, brandID, jobID *int64, page, pageSize int) ([]domain.DailyStats, int64, error) {
	tr := otel.Tracer("services/StatsService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	q, err := s.query(agentID, from, to, brandID, jobID)
	if err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 31
	}
	items, total, err := s.Store.ListDailyStats(ctx, q, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, err
	}
	if items == nil {
		items = []domain.DailyStats{}
	}
	return items, total, nil
}

// Meta returns the row count and latest update of a listing, for ETags.
func (s *StatsService) Meta(ctx context.Context, agentID, from, to string, brandID, jobID *int64) (int64, *time.Time, error) {
	q, err := s.query(agentID, from, to, brandID, jobID)
	if err != nil {
		return 0, nil, err
	}
	return s.Store.DailyStatsMeta(ctx, q)
}

// Summarize adds up the aggregate rows of agentID between from and to.
func (s *StatsService) Summarize(ctx context.Context, agentID, from, to string) (*Summary, error) {
	tr := otel.Tracer("services/StatsService")
	ctx, span := tr.Start(ctx, "Summarize", trace.WithAttributes(attribute.String("agent.id", agentID)))
	defer span.End()

	q, err := s.query(agentID, from, to, nil, nil)
	if err != nil {
		return nil, err
	}
	counts, days, err := s.Store.SumDailyStats(ctx, q)
	if err != nil {
		return nil, err
	}
	return &Summary{
		AgentID:      agentID,
		From:         from,
		To:           to,
		Days:         days,
		FunnelCounts: counts,
		FunnelRates:  counts.Rates(),
	}, nil
}
