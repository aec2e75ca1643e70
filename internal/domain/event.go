// Package domain defines the persistence models for recruitment-funnel events
// and the per-day statistics materialized from them. These types are mapped
// with GORM and shared by the repository, service, and scheduler layers.
package domain

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
	"gorm.io/datatypes"
)

// EventType enumerates the funnel facts a producer can append.
type EventType string

const (
	EventMessageSent        EventType = "MESSAGE_SENT"
	EventMessageReceived    EventType = "MESSAGE_RECEIVED"
	EventCandidateContacted EventType = "CANDIDATE_CONTACTED"
	EventWechatExchanged    EventType = "WECHAT_EXCHANGED"
	EventInterviewBooked    EventType = "INTERVIEW_BOOKED"
	EventCandidateHired     EventType = "CANDIDATE_HIRED"
)

// ErrUnknownEventType is returned when a string does not name an EventType.
var ErrUnknownEventType = errors.New("unknown event type")

// EventTypes lists every valid EventType in funnel order.
var EventTypes = []EventType{
	EventMessageSent,
	EventMessageReceived,
	EventCandidateContacted,
	EventWechatExchanged,
	EventInterviewBooked,
	EventCandidateHired,
}

// ParseEventType converts s (case-insensitive) into an EventType.
func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.ToUpper(strings.TrimSpace(s)))
	for _, v := range EventTypes {
		if v == t {
			return t, nil
		}
	}
	return "", ErrUnknownEventType
}

// Event is an immutable funnel fact. Rows are inserted once and never
// updated or deleted; the aggregation engine only reads them.
//
// Fields:
//   - CandidateKey: stable identity derived from platform, name, position and brand.
//   - SessionID: identity of one agent/candidate conversation on one business day.
//   - WasUnreadBeforeReply / UnreadCountBeforeReply: unread inbound state captured
//     at the moment of replying; bridges "received" and "replied" semantics.
//   - Details: JSON payload whose shape depends on EventType (see EventDetails).
type Event struct {
	ID                     string         `json:"id"                        gorm:"type:char(36);primaryKey"`
	AgentID                string         `json:"agent_id"                  gorm:"type:varchar(64);not null;index:idx_events_agent_time,priority:1"`
	CandidateKey           string         `json:"candidate_key"             gorm:"type:varchar(512);not null;index"`
	CandidateName          string         `json:"candidate_name"            gorm:"type:varchar(128);not null"`
	CandidatePosition      string         `json:"candidate_position"        gorm:"type:varchar(128);not null;default:''"`
	SessionID              string         `json:"session_id"                gorm:"type:varchar(64);not null"`
	EventType              EventType      `json:"event_type"                gorm:"type:varchar(32);not null;check:event_type IN ('MESSAGE_SENT','MESSAGE_RECEIVED','CANDIDATE_CONTACTED','WECHAT_EXCHANGED','INTERVIEW_BOOKED','CANDIDATE_HIRED')"`
	EventTime              time.Time      `json:"event_time"                gorm:"not null;index:idx_events_agent_time,priority:2"`
	BrandID                *int64         `json:"brand_id,omitempty"        gorm:"index"`
	JobID                  *int64         `json:"job_id,omitempty"`
	SourcePlatform         string         `json:"source_platform"           gorm:"type:varchar(32);not null"`
	WasUnreadBeforeReply   bool           `json:"was_unread_before_reply"   gorm:"not null"`
	UnreadCountBeforeReply int            `json:"unread_count_before_reply" gorm:"not null"`
	Details                datatypes.JSON `json:"details,omitempty"`
	CreatedAt              time.Time      `json:"created_at"`
}

// TableName returns the database table name for Event.
func (Event) TableName() string { return "events" }

// sessionNamespace scopes deterministic session ids.
var sessionNamespace = uuid.MustParse("8f2d8a4c-5c1e-4f0e-9a57-3d1b2f6e7c10")

// CandidateKey derives the stable identity of a candidate from the platform,
// name, position and brand. Parts are NFKC-normalized and trimmed so that
// full-width and half-width spellings of the same label collapse together.
func CandidateKey(platform, name, position string, brandID *int64) string {
	brand := "-"
	if brandID != nil {
		brand = strconv.FormatInt(*brandID, 10)
	}
	return strings.Join([]string{
		normalizePart(platform),
		normalizePart(name),
		normalizePart(position),
		brand,
	}, ":")
}

// SessionID derives the conversation identity for one agent, one candidate
// and one business day (as produced by Calendar.DateOf).
func SessionID(agentID, candidateKey, statDate string) string {
	return uuid.NewSHA1(sessionNamespace, []byte(agentID+"|"+candidateKey+"|"+statDate)).String()
}

func normalizePart(s string) string {
	s = norm.NFKC.String(strings.TrimSpace(s))
	return strings.ToLower(strings.ReplaceAll(s, ":", "_"))
}
