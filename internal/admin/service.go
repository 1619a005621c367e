// Package admin is the operator control surface over a queue: read-only
// metrics, health and job listings, plus the privileged write operations.
// It performs no authorization itself; callers put it behind one.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"jobqueue/internal/models"
	"jobqueue/internal/queue"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAuditDisabled   = errors.New("audit trail not configured")
)

// AuditLog is the audit trail as seen by operators.
type AuditLog interface {
	Append(ctx context.Context, e models.AuditEntry) error
	List(ctx context.Context, jobID string, limit int) ([]models.AuditEntry, error)
}

// Health describes connectivity of the queue subsystem.
type Health struct {
	Connected     bool   `json:"connected"`
	WorkerRunning bool   `json:"workerRunning"`
	QueueName     string `json:"queueName"`
}

// JobView is a job as listed to operators. Payloads are summarized.
type JobView struct {
	ID             string        `json:"id"`
	Kind           models.Kind   `json:"kind"`
	PayloadSummary string        `json:"payloadSummary"`
	Status         models.Status `json:"status"`
	Progress       int           `json:"progress"`
	AttemptsMade   int           `json:"attemptsMade"`
	MaxAttempts    int           `json:"maxAttempts"`
	FailureReason  string        `json:"failureReason,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	ProcessedAt    *time.Time    `json:"processedAt,omitempty"`
	FinishedAt     *time.Time    `json:"finishedAt,omitempty"`
}

// JobDetail adds the redacted payload to a JobView.
type JobDetail struct {
	JobView
	Priority     int             `json:"priority"`
	StalledCount int             `json:"stalledCount"`
	Payload      json.RawMessage `json:"payload"`
}

// Service implements the admin operations.
type Service struct {
	queue  *queue.Queue
	audit  AuditLog
	logger *slog.Logger
}

// New creates the service. audit may be nil.
func New(q *queue.Queue, audit AuditLog, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{queue: q, audit: audit, logger: logger}
}

// Metrics returns counts per status.
func (s *Service) Metrics(ctx context.Context) (queue.Metrics, error) {
	return s.queue.Metrics(ctx)
}

// Health never fails; an unreachable store reports as disconnected.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{QueueName: s.queue.Name()}
	if !s.queue.Available() {
		return h
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.queue.Ping(ctx); err != nil {
		s.logger.Warn("queue health check", slog.Any("error", err))
		return h
	}
	h.Connected = true
	if n, err := s.queue.LiveWorkers(ctx); err == nil {
		h.WorkerRunning = n > 0
	}
	return h
}

// ListJobs returns one page of a status bucket, most recent first.
func (s *Service) ListJobs(ctx context.Context, status string, start, end int64) ([]JobView, error) {
	st, err := models.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if start < 0 || (end >= 0 && end < start) {
		return nil, fmt.Errorf("%w: bad range %d..%d", ErrInvalidArgument, start, end)
	}
	jobs, err := s.queue.ListJobs(ctx, st, start, end)
	if err != nil {
		return nil, err
	}
	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, viewOf(j))
	}
	return views, nil
}

// GetJob returns one job with its payload, secrets redacted.
func (s *Service) GetJob(ctx context.Context, id string) (JobDetail, error) {
	job, err := s.queue.GetJob(ctx, id)
	if err != nil {
		return JobDetail{}, err
	}
	d := JobDetail{JobView: viewOf(job), Priority: job.Priority, StalledCount: job.StalledCount}
	if job.Payload != nil {
		raw, err := models.EncodePayload(models.Redact(job.Payload))
		if err != nil {
			return JobDetail{}, err
		}
		d.Payload = raw
	}
	return d, nil
}

// Retry requeues a failed job. It returns false when the job is not failed.
func (s *Service) Retry(ctx context.Context, id string) (bool, error) {
	ok, err := s.queue.Retry(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		s.logger.Info("job retried by operator", slog.String("job_id", id))
		s.record(ctx, id, models.AuditOperatorRetry, "")
	}
	return ok, nil
}

// ClearFailed deletes every failed job and returns how many were removed.
func (s *Service) ClearFailed(ctx context.Context) (int, error) {
	ids, err := s.queue.ClearFailed(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.Info("failed jobs cleared", slog.Int("count", len(ids)))
	for _, id := range ids {
		s.record(ctx, id, models.AuditCleared, "")
	}
	return len(ids), nil
}

// Remove deletes a job that is not active.
func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.queue.Remove(ctx, id); err != nil {
		return err
	}
	s.logger.Info("job removed by operator", slog.String("job_id", id))
	s.record(ctx, id, models.AuditRemoved, "")
	return nil
}

// UpdatePayload replaces the payload of a failed job with raw, decoded as
// the job's own kind. A webhook secret left empty or redacted keeps the
// stored secret, so a payload fetched through GetJob can be edited and sent
// back as is.
func (s *Service) UpdatePayload(ctx context.Context, id string, raw json.RawMessage) error {
	job, err := s.queue.GetJob(ctx, id)
	if err != nil {
		return err
	}
	payload, err := models.DecodePayload(job.Kind, raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	payload = keepSecret(payload, job.Payload)
	if err := models.Validate(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := s.queue.UpdatePayload(ctx, id, payload); err != nil {
		return err
	}
	s.record(ctx, id, models.AuditPayloadEdited, payload.Summary())
	return nil
}

// Pause stops every worker from claiming.
func (s *Service) Pause(ctx context.Context) error {
	if err := s.queue.Pause(ctx); err != nil {
		return err
	}
	s.logger.Info("queue paused", slog.String("queue", s.queue.Name()))
	return nil
}

// Resume undoes Pause.
func (s *Service) Resume(ctx context.Context) error {
	if err := s.queue.Resume(ctx); err != nil {
		return err
	}
	s.logger.Info("queue resumed", slog.String("queue", s.queue.Name()))
	return nil
}

// History returns the audit trail of one job.
func (s *Service) History(ctx context.Context, id string) ([]models.AuditEntry, error) {
	if s.audit == nil {
		return nil, ErrAuditDisabled
	}
	return s.audit.List(ctx, id, 200)
}

func (s *Service) record(ctx context.Context, id string, event models.AuditEvent, detail string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(ctx, models.AuditEntry{JobID: id, Event: event, Detail: detail, At: time.Now()}); err != nil {
		s.logger.Warn("append audit entry", slog.String("job_id", id), slog.Any("error", err))
	}
}

func keepSecret(edited, stored models.Payload) models.Payload {
	wp, ok := edited.(models.WebhookRetryPayload)
	if !ok || (wp.Secret != "" && wp.Secret != models.RedactedSecret) {
		return edited
	}
	if old, ok := stored.(models.WebhookRetryPayload); ok {
		wp.Secret = old.Secret
	}
	return wp
}

func viewOf(j *models.Job) JobView {
	summary := ""
	if j.Payload != nil {
		summary = j.Payload.Summary()
	}
	return JobView{
		ID:             j.ID,
		Kind:           j.Kind,
		PayloadSummary: summary,
		Status:         j.Status,
		Progress:       j.Progress,
		AttemptsMade:   j.AttemptsMade,
		MaxAttempts:    j.MaxAttempts,
		FailureReason:  j.FailureReason,
		CreatedAt:      j.CreatedAt,
		ProcessedAt:    j.ProcessedAt,
		FinishedAt:     j.FinishedAt,
	}
}
