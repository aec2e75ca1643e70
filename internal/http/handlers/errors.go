// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and stable; clients branch on them rather
// than on messages. Generic codes mirror HTTP status semantics, the rest name
// the operation that failed.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "invalid_event",
//	  "message": "invalid event: candidate name is required"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeInternal         = "internal_error"

	// Domain-specific:
	ErrCodeInvalidEvent = "invalid_event"
	ErrCodeInvalidRange = "invalid_range"
	ErrCodeAgentMissing = "agent_required"
	ErrCodeIngestFailed = "ingest_failed"
	ErrCodeListFailed   = "list_failed"
	ErrCodeSummaryFail  = "summary_failed"
)
