package domain

import "time"

// Idempotency records which event a producer's Idempotency-Key produced,
// keyed by (agent_id, key). A retried ingest request with the same key is
// answered with the stored event instead of appending a second fact, which
// would otherwise be counted twice by aggregation.
type Idempotency struct {
	ID        string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	AgentID   string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_agent_key,priority:1"`
	Key       string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_agent_key,priority:2"`
	EventID   string    `gorm:"type:TEXT NOT NULL"`
	Status    int       `gorm:"type:INTEGER NOT NULL"`
	CreatedAt time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
