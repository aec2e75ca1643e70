package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/funnel-stats/internal/domain"
)

// funnelSelect computes every counted metric except proactive_responded in a
// single pass using conditional aggregation. Placeholders are bound in order
// by funnelArgs. SUMs are cast so Postgres returns BIGINT rather than NUMERIC.
const funnelSelect = `COUNT(*) AS total_events,
COUNT(DISTINCT candidate_key) AS unique_candidates,
COUNT(DISTINCT session_id) AS unique_sessions,
CAST(COALESCE(SUM(CASE WHEN event_type = ? THEN 1 ELSE 0 END), 0) AS BIGINT) AS messages_sent,
CAST(COALESCE(SUM(CASE WHEN event_type = ? THEN unread_count_before_reply ELSE 0 END), 0) AS BIGINT) AS messages_received,
COUNT(DISTINCT CASE WHEN event_type = ? OR (event_type = ? AND was_unread_before_reply) THEN candidate_key END) AS inbound_candidates,
CAST(COALESCE(SUM(CASE WHEN event_type = ? AND was_unread_before_reply THEN unread_count_before_reply ELSE 0 END), 0) AS BIGINT) AS unread_replied,
COUNT(DISTINCT CASE WHEN event_type = ? AND was_unread_before_reply THEN candidate_key END) AS candidates_replied,
COUNT(DISTINCT CASE WHEN event_type = ? THEN candidate_key END) AS proactive_outreach,
COUNT(DISTINCT CASE WHEN event_type = ? THEN candidate_key END) AS wechat_exchanged,
COUNT(DISTINCT CASE WHEN event_type = ? THEN candidate_key END) AS interviews_booked,
COUNT(DISTINCT CASE WHEN event_type = ? THEN candidate_key END) AS candidates_hired`

var funnelArgs = []any{
	domain.EventMessageSent,     // messages_sent
	domain.EventMessageReceived, // messages_received
	domain.EventMessageReceived, // inbound_candidates
	domain.EventMessageSent,
	domain.EventMessageSent, // unread_replied
	domain.EventMessageSent, // candidates_replied
	domain.EventCandidateContacted,
	domain.EventWechatExchanged,
	domain.EventInterviewBooked,
	domain.EventCandidateHired,
}

// scopeEvents restricts a query to the events feeding one stats key.
func scopeEvents(tx *gorm.DB, f domain.EventFilter) *gorm.DB {
	tx = tx.Model(&domain.Event{}).
		Where("agent_id = ? AND event_time >= ? AND event_time < ?", f.AgentID, f.Start.UTC(), f.End.UTC())
	if f.BrandID != nil {
		tx = tx.Where("brand_id = ?", *f.BrandID)
	}
	if f.JobID != nil {
		tx = tx.Where("job_id = ?", *f.JobID)
	}
	return tx
}

// ComputeFunnel evaluates the funnel metrics over the events selected by f.
//
// proactive_responded joins on candidate_name rather than candidate_key:
// outreach and reply detection may record different position labels for the
// same person, so the looser join is the intended one.
func ComputeFunnel(ctx context.Context, db *gorm.DB, f domain.EventFilter) (domain.FunnelCounts, error) {
	var counts domain.FunnelCounts
	base := db.WithContext(ctx)

	if err := scopeEvents(base, f).Select(funnelSelect, funnelArgs...).Scan(&counts).Error; err != nil {
		return domain.FunnelCounts{}, err
	}

	received := scopeEvents(base, f).
		Select("candidate_name").
		Where("event_type = ?", domain.EventMessageReceived)

	var responded int64
	err := scopeEvents(base, f).
		Where("event_type = ?", domain.EventCandidateContacted).
		Where("candidate_name IN (?)", received).
		Distinct("candidate_name").
		Count(&responded).Error
	if err != nil {
		return domain.FunnelCounts{}, err
	}
	counts.ProactiveResponded = responded
	return counts, nil
}
