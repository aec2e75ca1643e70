// Package services holds the funnel statistics engine: dirty tracking,
// per-day aggregation, the dirty-queue processor with its full reaggregation
// safety net, event ingest and reporting reads.
//
// This file centralizes service-level error values so that they can be
// returned by service methods and mapped to HTTP status codes by handlers.
package services

import (
	"errors"

	"github.com/tbourn/funnel-stats/internal/domain"
)

var (
	// ErrInvalidEvent is returned when an ingested event is missing a
	// required field or carries an out-of-range value.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrUnknownEventType is returned when the event type is not one of the
	// six funnel facts.
	ErrUnknownEventType = domain.ErrUnknownEventType

	// ErrEmptyAgent is returned when an operation scoped to one agent gets
	// an empty agent id.
	ErrEmptyAgent = errors.New("agent id is empty")

	// ErrInvalidKey is returned when a stats key names a negative brand or
	// job id, which would alias the NONE sentinel.
	ErrInvalidKey = errors.New("invalid stats key")

	// ErrInvalidBatchSize is returned when a batch size is not positive.
	ErrInvalidBatchSize = errors.New("batch size must be positive")

	// ErrInvalidRange is returned when a reporting date range is malformed
	// or reversed.
	ErrInvalidRange = errors.New("invalid date range")

	// ErrEventNotFound indicates that the requested event does not exist.
	ErrEventNotFound = errors.New("event not found")
)
