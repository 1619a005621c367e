package models

import "time"

// AuditEvent names a lifecycle transition recorded in the audit trail.
type AuditEvent string

const (
	AuditEnqueued       AuditEvent = "enqueued"
	AuditActive         AuditEvent = "active"
	AuditCompleted      AuditEvent = "completed"
	AuditRetryScheduled AuditEvent = "retry_scheduled"
	AuditFailed         AuditEvent = "failed"
	AuditStalled        AuditEvent = "stalled"
	AuditOperatorRetry  AuditEvent = "operator_retry"
	AuditPayloadEdited  AuditEvent = "payload_edited"
	AuditCleared        AuditEvent = "cleared"
	AuditRemoved        AuditEvent = "removed"
)

// AuditEntry is one row of a job's history.
type AuditEntry struct {
	JobID  string     `json:"jobId"`
	Kind   Kind       `json:"kind,omitempty"`
	Event  AuditEvent `json:"event"`
	Detail string     `json:"detail,omitempty"`
	At     time.Time  `json:"at"`
}
