package worker

import (
	"context"

	"jobqueue/internal/models"
)

// Progress records a 0-100 completion indicator for the running job.
type Progress func(ctx context.Context, pct int) error

// Handler executes one kind of payload.
type Handler[P models.Payload] func(ctx context.Context, job *models.Job, payload P, progress Progress) error

// Handlers binds every job kind to its handler. A nil field means the kind
// is not served by this worker and its jobs fail as unknown.
type Handlers struct {
	Email        Handler[models.EmailPayload]
	WebhookRetry Handler[models.WebhookRetryPayload]
	Report       Handler[models.ReportPayload]
}

func (h Handlers) dispatch(ctx context.Context, job *models.Job, payload models.Payload, progress Progress) error {
	switch p := payload.(type) {
	case models.EmailPayload:
		if h.Email != nil {
			return h.Email(ctx, job, p, progress)
		}
	case models.WebhookRetryPayload:
		if h.WebhookRetry != nil {
			return h.WebhookRetry(ctx, job, p, progress)
		}
	case models.ReportPayload:
		if h.Report != nil {
			return h.Report(ctx, job, p, progress)
		}
	}
	return models.ErrUnknownKind
}
