package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// ErrDetailsMismatch is returned when a details payload does not belong to
// the event type it is attached to.
var ErrDetailsMismatch = errors.New("event details do not match event type")

// EventDetails is the closed set of typed payloads an Event may carry. Each
// EventType has exactly one variant; the unexported marker keeps the set
// closed to this package.
type EventDetails interface {
	EventType() EventType
	isEventDetails()
}

// MessageSentDetails describes an outbound reply.
type MessageSentDetails struct {
	Content   string `json:"content"`
	Generated bool   `json:"generated,omitempty"`
}

// MessageReceivedDetails describes the inbound messages read in one pass.
type MessageReceivedDetails struct {
	Messages []string `json:"messages,omitempty"`
}

// CandidateContactedDetails describes proactive outreach.
type CandidateContactedDetails struct {
	Greeting string `json:"greeting,omitempty"`
}

// WechatExchangedDetails carries the exchanged WeChat id.
type WechatExchangedDetails struct {
	WechatID string `json:"wechat_id"`
}

// InterviewBookedDetails carries the booked slot.
type InterviewBookedDetails struct {
	InterviewTime time.Time `json:"interview_time"`
	Location      string    `json:"location,omitempty"`
}

// CandidateHiredDetails records the hire.
type CandidateHiredDetails struct {
	StartDate string `json:"start_date,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

func (MessageSentDetails) EventType() EventType        { return EventMessageSent }
func (MessageReceivedDetails) EventType() EventType    { return EventMessageReceived }
func (CandidateContactedDetails) EventType() EventType { return EventCandidateContacted }
func (WechatExchangedDetails) EventType() EventType    { return EventWechatExchanged }
func (InterviewBookedDetails) EventType() EventType    { return EventInterviewBooked }
func (CandidateHiredDetails) EventType() EventType     { return EventCandidateHired }

func (MessageSentDetails) isEventDetails()        {}
func (MessageReceivedDetails) isEventDetails()    {}
func (CandidateContactedDetails) isEventDetails() {}
func (WechatExchangedDetails) isEventDetails()    {}
func (InterviewBookedDetails) isEventDetails()    {}
func (CandidateHiredDetails) isEventDetails()     {}

// NewDetails returns an empty payload of the variant that belongs to t.
func NewDetails(t EventType) (EventDetails, error) {
	switch t {
	case EventMessageSent:
		return &MessageSentDetails{}, nil
	case EventMessageReceived:
		return &MessageReceivedDetails{}, nil
	case EventCandidateContacted:
		return &CandidateContactedDetails{}, nil
	case EventWechatExchanged:
		return &WechatExchangedDetails{}, nil
	case EventInterviewBooked:
		return &InterviewBookedDetails{}, nil
	case EventCandidateHired:
		return &CandidateHiredDetails{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
}

// SetDetails encodes d into the event's JSON column. A nil d clears it.
func (e *Event) SetDetails(d EventDetails) error {
	if d == nil {
		e.Details = nil
		return nil
	}
	if d.EventType() != e.EventType {
		return fmt.Errorf("%w: %s payload on %s event", ErrDetailsMismatch, d.EventType(), e.EventType)
	}
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	e.Details = datatypes.JSON(b)
	return nil
}

// DecodeDetails decodes the JSON column into the variant for e.EventType.
// Events stored without a payload decode to the empty variant.
func (e *Event) DecodeDetails() (EventDetails, error) {
	d, err := NewDetails(e.EventType)
	if err != nil {
		return nil, err
	}
	if len(e.Details) == 0 || string(e.Details) == "null" {
		return d, nil
	}
	if err := json.Unmarshal(e.Details, d); err != nil {
		return nil, fmt.Errorf("decode %s details: %w", e.EventType, err)
	}
	return d, nil
}

// DecodeDetailsJSON validates raw as a payload for t and returns the typed
// variant. Unknown fields are rejected.
func DecodeDetailsJSON(t EventType, raw json.RawMessage) (EventDetails, error) {
	d, err := NewDetails(t)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return d, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetailsMismatch, err)
	}
	return d, nil
}
