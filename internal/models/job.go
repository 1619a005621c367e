package models

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusDelayed   Status = "delayed"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusWaiting, StatusActive, StatusCompleted, StatusFailed, StatusDelayed}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Kind tags the payload shape of a job.
type Kind string

const (
	KindEmail        Kind = "email"
	KindWebhookRetry Kind = "webhook-retry"
	KindReport       Kind = "report"
)

// ErrUnknownKind is returned when a stored job carries a kind this build
// has no payload type for.
var ErrUnknownKind = errors.New("unknown job kind")

// Job is one unit of deferred work.
type Job struct {
	ID            string     `json:"id"`
	Kind          Kind       `json:"kind"`
	Payload       Payload    `json:"-"`
	RawPayload    []byte     `json:"-"`
	Status        Status     `json:"status"`
	Priority      int        `json:"priority"`
	AttemptsMade  int        `json:"attemptsMade"`
	MaxAttempts   int        `json:"maxAttempts"`
	FailureReason string     `json:"failureReason,omitempty"`
	Progress      int        `json:"progress"`
	StalledCount  int        `json:"stalledCount,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	ProcessedAt   *time.Time `json:"processedAt,omitempty"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`

	// LockToken identifies the claim currently holding an active job.
	LockToken string `json:"-"`
}

// EnqueueOptions override the queue defaults for one job.
type EnqueueOptions struct {
	Priority    *int
	Delay       time.Duration
	MaxAttempts int
}
