package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tbourn/funnel-stats/internal/domain"
)

type countingMarker struct {
	calls atomic.Int32
	err   error
}

func (m *countingMarker) MarkEvent(ctx context.Context, ev *domain.Event) error {
	m.calls.Add(1)
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("mark context must carry a timeout")
	}
	return m.err
}

func TestEventService_Record_DerivesIdentity(t *testing.T) {
	e := newEngine(t)
	ev := e.record(t, RecordEventInput{
		CandidateName: " 张三 ", CandidatePosition: "Ｊａｖａ", EventType: "message_sent",
		EventTime: e.at("2025-03-02", 1), BrandID: i64(7),
	})
	if ev.CandidateName != "张三" || ev.EventType != domain.EventMessageSent {
		t.Fatalf("input not normalized: %+v", ev)
	}
	if ev.CandidateKey != "boss:张三:java:7" {
		t.Fatalf("candidate key = %q", ev.CandidateKey)
	}
	// 01:00 in Shanghai on the 2nd is still the 2nd for the session id.
	if ev.SessionID != domain.SessionID("agent-1", ev.CandidateKey, "2025-03-02") {
		t.Fatalf("session id not derived from the reporting day")
	}

	// Both the aggregate and the brand key were marked.
	if n := e.rowCount(t); n != 2 {
		t.Fatalf("expected 2 dirty rows, got %d", n)
	}
}

func TestEventService_Record_Validation(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	cases := []struct {
		name string
		in   RecordEventInput
		want error
	}{
		{"no agent", RecordEventInput{CandidateName: "a", SourcePlatform: "boss", EventType: "MESSAGE_SENT"}, ErrEmptyAgent},
		{"no name", RecordEventInput{AgentID: "a", SourcePlatform: "boss", EventType: "MESSAGE_SENT"}, ErrInvalidEvent},
		{"no platform", RecordEventInput{AgentID: "a", CandidateName: "n", EventType: "MESSAGE_SENT"}, ErrInvalidEvent},
		{"negative unread", RecordEventInput{AgentID: "a", CandidateName: "n", SourcePlatform: "boss", EventType: "MESSAGE_SENT", UnreadCountBeforeReply: -1}, ErrInvalidEvent},
		{"negative brand", RecordEventInput{AgentID: "a", CandidateName: "n", SourcePlatform: "boss", EventType: "MESSAGE_SENT", BrandID: i64(-1)}, ErrInvalidEvent},
		{"negative job", RecordEventInput{AgentID: "a", CandidateName: "n", SourcePlatform: "boss", EventType: "MESSAGE_SENT", BrandID: i64(3), JobID: i64(-2)}, ErrInvalidEvent},
		{"bad type", RecordEventInput{AgentID: "a", CandidateName: "n", SourcePlatform: "boss", EventType: "NOPE"}, ErrUnknownEventType},
		{"details of other type", RecordEventInput{AgentID: "a", CandidateName: "n", SourcePlatform: "boss", EventType: "MESSAGE_SENT",
			Details: json.RawMessage(`{"wechat_id":"x"}`)}, ErrInvalidEvent},
	}
	for _, tc := range cases {
		if _, _, err := e.events.Record(ctx, tc.in, ""); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestEventService_Record_IdempotentReplaySkipsMarks(t *testing.T) {
	e := newEngine(t)
	m := &countingMarker{}
	e.events.Marker = m
	in := RecordEventInput{AgentID: "a1", CandidateName: "n", SourcePlatform: "boss", EventType: "MESSAGE_SENT", EventTime: e.at("2025-03-02", 9)}

	first, replayed, err := e.events.Record(context.Background(), in, "key-1")
	if err != nil || replayed {
		t.Fatalf("first Record = %v replayed=%v", err, replayed)
	}
	second, replayed, err := e.events.Record(context.Background(), in, "key-1")
	if err != nil || !replayed || second.ID != first.ID {
		t.Fatalf("expected replay, got %+v replayed=%v err=%v", second, replayed, err)
	}
	e.events.Wait()
	if got := m.calls.Load(); got != 1 {
		t.Fatalf("expected one mark for one stored event, got %d", got)
	}
}

func TestEventService_Record_MarkFailureDoesNotFailWrite(t *testing.T) {
	e := newEngine(t)
	m := &countingMarker{err: errors.New("mark failed")}
	e.events.Marker = m

	ev, _, err := e.events.Record(context.Background(), RecordEventInput{
		AgentID: "a1", CandidateName: "n", SourcePlatform: "boss", EventType: "MESSAGE_SENT",
	}, "")
	if err != nil || ev == nil {
		t.Fatalf("write must succeed when marking fails: %v", err)
	}
	e.events.Wait()
	if m.calls.Load() != 1 {
		t.Fatalf("marker not called")
	}
	if got, err := e.events.Get(context.Background(), ev.ID); err != nil || got.ID != ev.ID {
		t.Fatalf("event not persisted: %v", err)
	}
}

func TestEventService_Record_CancelledRequestStillMarks(t *testing.T) {
	e := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	ev, _, err := e.events.Record(ctx, RecordEventInput{
		AgentID: "a1", CandidateName: "n", SourcePlatform: "boss", EventType: "MESSAGE_SENT", EventTime: e.at("2025-03-02", 9),
	}, "")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	cancel()
	e.events.Wait()
	row := e.row(t, domain.AggregateKey("a1", e.cal.DateOf(ev.EventTime)))
	if !row.IsDirty {
		t.Fatalf("expected dirty row after request cancellation")
	}
}

func TestEventService_ListPage_DecodesDetails(t *testing.T) {
	e := newEngine(t)
	at := e.at("2025-03-02", 15)
	e.record(t, RecordEventInput{
		CandidateName: "A", EventType: "INTERVIEW_BOOKED", EventTime: at,
		Details: json.RawMessage(`{"interview_time":"2025-03-05T10:00:00Z","location":"HQ"}`),
	})
	e.record(t, RecordEventInput{CandidateName: "A", EventType: "MESSAGE_SENT", EventTime: at.Add(-time.Hour)})
	e.record(t, RecordEventInput{CandidateName: "A", EventType: "MESSAGE_SENT", EventTime: e.at("2025-03-03", 1)})

	items, total, err := e.events.ListPage(context.Background(), "agent-1", "2025-03-02", "", 1, 10)
	if err != nil || total != 2 || len(items) != 2 {
		t.Fatalf("ListPage = %d items, total %d, err %v", len(items), total, err)
	}
	ib, ok := items[0].Details.(*domain.InterviewBookedDetails)
	if !ok || ib.Location != "HQ" {
		t.Fatalf("expected decoded interview details first, got %#v", items[0].Details)
	}

	_, total, err = e.events.ListPage(context.Background(), "agent-1", "", "message_sent", 1, 10)
	if err != nil || total != 2 {
		t.Fatalf("type filter total = %d, %v", total, err)
	}
	if _, _, err := e.events.ListPage(context.Background(), "agent-1", "2025-02-30", "", 1, 10); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
	if _, err := e.events.Get(context.Background(), "missing"); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestEventView_JSONKeepsTypedDetails(t *testing.T) {
	e := newEngine(t)
	ev := e.record(t, RecordEventInput{
		CandidateName: "A", EventType: "INTERVIEW_BOOKED", EventTime: e.at("2025-03-02", 15),
		Details: json.RawMessage(`{"interview_time":"2025-03-05T10:00:00Z","location":"HQ"}`),
	})
	view, err := e.events.Get(context.Background(), ev.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b, err := json.Marshal(view)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back EventView
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ib, ok := back.Details.(*domain.InterviewBookedDetails)
	if !ok || ib.Location != "HQ" {
		t.Fatalf("details = %#v", back.Details)
	}
	if back.ID != ev.ID || back.EventType != domain.EventInterviewBooked {
		t.Fatalf("event fields lost: %+v", back.Event)
	}

	if err := json.Unmarshal([]byte(`{"event_type":"NOPE"}`), &back); err == nil {
		t.Fatalf("expected an error for an unknown event type")
	}
}
