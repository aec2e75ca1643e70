// Package services – EventService
//
// EventService is the producer side of the engine: it validates and appends
// funnel events, then marks the affected dimension-days dirty without making
// the caller wait. A failed mark never fails the write; the daily full
// reaggregation repairs any key a lost mark left stale.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/funnel-stats/internal/domain"
	"github.com/tbourn/funnel-stats/internal/repo"
)

// EventStore persists and reads events.
type EventStore interface {
	RecordEvent(ctx context.Context, ev *domain.Event, idemKey string, ttl time.Duration) (*domain.Event, bool, error)
	GetEvent(ctx context.Context, id string) (*domain.Event, error)
	ListEvents(ctx context.Context, q repo.EventQuery, offset, limit int) ([]domain.Event, int64, error)
}

// EventMarker marks the keys of a freshly written event dirty.
type EventMarker interface {
	MarkEvent(ctx context.Context, ev *domain.Event) error
}

// RecordEventInput is one event as submitted by a producer. CandidateKey and
// SessionID are derived when empty; EventTime defaults to now.
type RecordEventInput struct {
	AgentID                string
	CandidateName          string
	CandidatePosition      string
	CandidateKey           string
	SessionID              string
	EventType              string
	EventTime              time.Time
	BrandID                *int64
	JobID                  *int64
	SourcePlatform         string
	WasUnreadBeforeReply   bool
	UnreadCountBeforeReply int
	Details                json.RawMessage
}

// EventService appends events and triggers dirty marking.
type EventService struct {
	Store    EventStore
	Marker   EventMarker
	Calendar domain.Calendar

	IdempotencyTTL time.Duration
	MarkTimeout    time.Duration
	Now            func() time.Time

	pending sync.WaitGroup
}

func (s *EventService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Record validates in, appends it and schedules the dirty marks. With a
// non-empty idemKey a replayed request returns the originally stored event
// and replayed=true; no marks are issued for a replay.
func (s *EventService) Record(ctx context.Context, in RecordEventInput, idemKey string) (ev *domain.Event, replayed bool, err error) {
	tr := otel.Tracer("services/EventService")
	ctx, span := tr.Start(ctx, "Record",
		trace.WithAttributes(
			attribute.String("agent.id", in.AgentID),
			attribute.String("event.type", in.EventType),
		),
	)
	defer span.End()

	ev, err = s.build(in)
	if err != nil {
		return nil, false, err
	}

	ttl := s.IdempotencyTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	stored, replayed, err := s.Store.RecordEvent(ctx, ev, strings.TrimSpace(idemKey), ttl)
	if err != nil {
		return nil, false, err
	}
	if !replayed {
		s.markAsync(ctx, stored)
	}
	return stored, replayed, nil
}

func (s *EventService) build(in RecordEventInput) (*domain.Event, error) {
	agentID := strings.TrimSpace(in.AgentID)
	if agentID == "" {
		return nil, ErrEmptyAgent
	}
	name := strings.TrimSpace(in.CandidateName)
	if name == "" {
		return nil, fmt.Errorf("%w: candidate name is required", ErrInvalidEvent)
	}
	platform := strings.TrimSpace(in.SourcePlatform)
	if platform == "" {
		return nil, fmt.Errorf("%w: source platform is required", ErrInvalidEvent)
	}
	if in.UnreadCountBeforeReply < 0 {
		return nil, fmt.Errorf("%w: unread count must not be negative", ErrInvalidEvent)
	}
	// Negative ids would collide with the NONE sentinel column value.
	if in.BrandID != nil && *in.BrandID < 0 {
		return nil, fmt.Errorf("%w: brand_id must not be negative", ErrInvalidEvent)
	}
	if in.JobID != nil && *in.JobID < 0 {
		return nil, fmt.Errorf("%w: job_id must not be negative", ErrInvalidEvent)
	}
	typ, err := domain.ParseEventType(in.EventType)
	if err != nil {
		return nil, err
	}
	details, err := domain.DecodeDetailsJSON(typ, in.Details)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	at := in.EventTime
	if at.IsZero() {
		at = s.now()
	}
	ev := &domain.Event{
		AgentID:                agentID,
		CandidateName:          name,
		CandidatePosition:      strings.TrimSpace(in.CandidatePosition),
		CandidateKey:           strings.TrimSpace(in.CandidateKey),
		SessionID:              strings.TrimSpace(in.SessionID),
		EventType:              typ,
		EventTime:              at.UTC(),
		BrandID:                in.BrandID,
		JobID:                  in.JobID,
		SourcePlatform:         platform,
		WasUnreadBeforeReply:   in.WasUnreadBeforeReply,
		UnreadCountBeforeReply: in.UnreadCountBeforeReply,
	}
	if ev.CandidateKey == "" {
		ev.CandidateKey = domain.CandidateKey(platform, name, ev.CandidatePosition, in.BrandID)
	}
	if ev.SessionID == "" {
		ev.SessionID = domain.SessionID(agentID, ev.CandidateKey, s.Calendar.DateOf(ev.EventTime))
	}
	if len(in.Details) > 0 && string(in.Details) != "null" {
		if err := ev.SetDetails(details); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	}
	return ev, nil
}

// markAsync marks ev's keys in the background. The request context is only
// used for its values; the mark has its own timeout so it outlives the
// request that produced the event.
func (s *EventService) markAsync(ctx context.Context, ev *domain.Event) {
	if s.Marker == nil {
		return
	}
	timeout := s.MarkTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("event_id", ev.ID).Msg("mark dirty panicked")
			}
		}()
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		_ = s.Marker.MarkEvent(mctx, ev)
	}()
}

// Wait blocks until every in-flight dirty mark has finished.
func (s *EventService) Wait() { s.pending.Wait() }

// EventView is an event with its details decoded into the typed variant.
type EventView struct {
	domain.Event
	Details domain.EventDetails `json:"details,omitempty"`
}

// UnmarshalJSON restores the typed details variant from the event_type of
// the payload, so API clients can decode listings back into EventView.
func (v *EventView) UnmarshalJSON(b []byte) error {
	var ev domain.Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return err
	}
	d, err := domain.DecodeDetailsJSON(ev.EventType, json.RawMessage(ev.Details))
	if err != nil {
		return err
	}
	v.Event = ev
	v.Details = d
	return nil
}

// Get returns one event with decoded details.
func (s *EventService) Get(ctx context.Context, id string) (*EventView, error) {
	ev, err := s.Store.GetEvent(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	v, err := viewOf(*ev)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ListPage returns an agent's events on date (all dates when empty),
// optionally restricted to one type, newest first.
func (s *EventService) ListPage(ctx context.Context, agentID, date, eventType string, page, pageSize int) ([]EventView, int64, error) {
	tr := otel.Tracer("services/EventService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if strings.TrimSpace(agentID) == "" {
		return nil, 0, ErrEmptyAgent
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}

	q := repo.EventQuery{AgentID: agentID}
	if date != "" {
		start, end, err := s.Calendar.Window(date)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrInvalidRange, err)
		}
		q.Start, q.End = start, end
	}
	if eventType != "" {
		typ, err := domain.ParseEventType(eventType)
		if err != nil {
			return nil, 0, err
		}
		q.Type = typ
	}

	items, total, err := s.Store.ListEvents(ctx, q, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, 0, err
	}
	out := make([]EventView, 0, len(items))
	for _, ev := range items {
		v, err := viewOf(ev)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, v)
	}
	return out, total, nil
}

func viewOf(ev domain.Event) (EventView, error) {
	d, err := ev.DecodeDetails()
	if err != nil {
		return EventView{}, err
	}
	return EventView{Event: ev, Details: d}, nil
}
