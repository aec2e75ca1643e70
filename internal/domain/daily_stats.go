package domain

import (
	"fmt"
	"math"
	"time"
)

// NoDimension is the column value standing for "no brand" or "no job" on a
// DailyStats row. The row with both dimensions set to NoDimension is the
// aggregate over every event of the agent on that day.
const NoDimension int64 = -1

// BasisPointScale expresses 100% in basis points.
const BasisPointScale = 10000

// StatKey identifies one materialized row: an agent, a business day and an
// optional (brand, job) dimension. Nil dimensions mean NoDimension.
type StatKey struct {
	AgentID  string
	StatDate string
	BrandID  *int64
	JobID    *int64
}

// AggregateKey returns the sentinel key for agentID on statDate.
func AggregateKey(agentID, statDate string) StatKey {
	return StatKey{AgentID: agentID, StatDate: statDate}
}

// IsAggregate reports whether k is the all-dimensions row.
func (k StatKey) IsAggregate() bool { return k.BrandID == nil && k.JobID == nil }

// BrandColumn returns the stored brand_id value for k.
func (k StatKey) BrandColumn() int64 { return dimColumn(k.BrandID) }

// JobColumn returns the stored job_id value for k.
func (k StatKey) JobColumn() int64 { return dimColumn(k.JobID) }

func (k StatKey) String() string {
	return fmt.Sprintf("%s/%s/brand=%s/job=%s", k.AgentID, k.StatDate, dimString(k.BrandID), dimString(k.JobID))
}

// KeyFromColumns rebuilds a StatKey from stored column values.
func KeyFromColumns(agentID, statDate string, brand, job int64) StatKey {
	return StatKey{AgentID: agentID, StatDate: statDate, BrandID: dimPtr(brand), JobID: dimPtr(job)}
}

func dimColumn(p *int64) int64 {
	if p == nil {
		return NoDimension
	}
	return *p
}

func dimPtr(v int64) *int64 {
	if v == NoDimension {
		return nil
	}
	return &v
}

func dimString(p *int64) string {
	if p == nil {
		return "none"
	}
	return fmt.Sprint(*p)
}

// Dimension is one (brand, job) pair observed on an event. Either side may
// be absent.
type Dimension struct {
	BrandID *int64
	JobID   *int64
}

// EventFilter selects the events feeding one StatKey: one agent, a half-open
// time window, and optional brand/job equality filters.
type EventFilter struct {
	AgentID string
	Start   time.Time
	End     time.Time
	BrandID *int64
	JobID   *int64
}

// FunnelCounts holds the counted metrics of one dimension-day. Column names
// follow GORM's snake_case mapping of the field names.
type FunnelCounts struct {
	TotalEvents        int64 `json:"total_events"        gorm:"not null"`
	UniqueCandidates   int64 `json:"unique_candidates"   gorm:"not null"`
	UniqueSessions     int64 `json:"unique_sessions"     gorm:"not null"`
	MessagesSent       int64 `json:"messages_sent"       gorm:"not null"`
	MessagesReceived   int64 `json:"messages_received"   gorm:"not null"`
	InboundCandidates  int64 `json:"inbound_candidates"  gorm:"not null"`
	CandidatesReplied  int64 `json:"candidates_replied"  gorm:"not null"`
	UnreadReplied      int64 `json:"unread_replied"      gorm:"not null"`
	ProactiveOutreach  int64 `json:"proactive_outreach"  gorm:"not null"`
	ProactiveResponded int64 `json:"proactive_responded" gorm:"not null"`
	WechatExchanged    int64 `json:"wechat_exchanged"    gorm:"not null"`
	InterviewsBooked   int64 `json:"interviews_booked"   gorm:"not null"`
	CandidatesHired    int64 `json:"candidates_hired"    gorm:"not null"`
}

// FunnelRates are conversion rates in basis points. A nil rate means the
// denominator (inbound candidates) was zero.
type FunnelRates struct {
	ReplyRate     *int64 `json:"reply_rate"`
	WechatRate    *int64 `json:"wechat_rate"`
	InterviewRate *int64 `json:"interview_rate"`
}

// Rates derives the conversion rates from c.
func (c FunnelCounts) Rates() FunnelRates {
	return FunnelRates{
		ReplyRate:     BasisPoints(c.CandidatesReplied, c.InboundCandidates),
		WechatRate:    BasisPoints(c.WechatExchanged, c.InboundCandidates),
		InterviewRate: BasisPoints(c.InterviewsBooked, c.InboundCandidates),
	}
}

// Add returns the field-wise sum of c and o.
func (c FunnelCounts) Add(o FunnelCounts) FunnelCounts {
	return FunnelCounts{
		TotalEvents:        c.TotalEvents + o.TotalEvents,
		UniqueCandidates:   c.UniqueCandidates + o.UniqueCandidates,
		UniqueSessions:     c.UniqueSessions + o.UniqueSessions,
		MessagesSent:       c.MessagesSent + o.MessagesSent,
		MessagesReceived:   c.MessagesReceived + o.MessagesReceived,
		InboundCandidates:  c.InboundCandidates + o.InboundCandidates,
		CandidatesReplied:  c.CandidatesReplied + o.CandidatesReplied,
		UnreadReplied:      c.UnreadReplied + o.UnreadReplied,
		ProactiveOutreach:  c.ProactiveOutreach + o.ProactiveOutreach,
		ProactiveResponded: c.ProactiveResponded + o.ProactiveResponded,
		WechatExchanged:    c.WechatExchanged + o.WechatExchanged,
		InterviewsBooked:   c.InterviewsBooked + o.InterviewsBooked,
		CandidatesHired:    c.CandidatesHired + o.CandidatesHired,
	}
}

// BasisPoints returns round(num/den*10000), or nil when den is zero.
func BasisPoints(num, den int64) *int64 {
	if den == 0 {
		return nil
	}
	v := int64(math.Round(float64(num) / float64(den) * BasisPointScale))
	return &v
}

// DailyStats is the materialized funnel row for one StatKey. Exactly one row
// exists per (agent_id, stat_date, brand_id, job_id); the unique index is the
// conflict target of every write, so no application-level locking is needed.
//
// IsDirty is the dirty-queue marker: set by MarkDirty on every relevant event
// write, cleared only by a successful aggregation of the same key.
type DailyStats struct {
	ID       string `json:"id"        gorm:"type:char(36);primaryKey"`
	AgentID  string `json:"agent_id"  gorm:"type:varchar(64);not null;uniqueIndex:ux_daily_stats_key,priority:1"`
	StatDate string `json:"stat_date" gorm:"type:char(10);not null;uniqueIndex:ux_daily_stats_key,priority:2"`
	BrandID  int64  `json:"brand_id"  gorm:"not null;uniqueIndex:ux_daily_stats_key,priority:3"`
	JobID    int64  `json:"job_id"    gorm:"not null;uniqueIndex:ux_daily_stats_key,priority:4"`

	FunnelCounts `gorm:"embedded"`
	FunnelRates  `gorm:"embedded"`

	IsDirty      bool       `json:"is_dirty"                gorm:"not null;index"`
	AggregatedAt *time.Time `json:"aggregated_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName returns the database table name for DailyStats.
func (DailyStats) TableName() string { return "daily_stats" }

// Key returns the StatKey addressed by s.
func (s DailyStats) Key() StatKey {
	return KeyFromColumns(s.AgentID, s.StatDate, s.BrandID, s.JobID)
}
