package queue

import (
	"context"
	"errors"
	"time"

	"jobqueue/internal/backoff"
	"jobqueue/internal/models"
)

// WebhookDelayStep spaces webhook redeliveries by attempt number, on top of
// the queue's own exponential retry backoff.
var WebhookDelayStep = backoff.Linear{Step: 2 * time.Second}

// EnqueueHook observes accepted jobs. Used for auditing and metrics.
type EnqueueHook func(ctx context.Context, id string, kind models.Kind)

// Producer is the typed enqueue API used by request handlers. A Producer on
// an unavailable queue accepts every call and returns an empty id so callers
// can run the work inline instead.
type Producer struct {
	queue  *Queue
	onDone EnqueueHook
}

// NewProducer wraps q. hook may be nil.
func NewProducer(q *Queue, hook EnqueueHook) *Producer {
	return &Producer{queue: q, onDone: hook}
}

// Enabled reports whether jobs will actually be queued.
func (p *Producer) Enabled() bool {
	return p != nil && p.queue.Available()
}

// AddEmailJob queues an email.
func (p *Producer) AddEmailJob(ctx context.Context, payload models.EmailPayload) (string, error) {
	return p.add(ctx, payload, models.EnqueueOptions{})
}

// AddWebhookRetryJob queues a webhook redelivery, delayed by 2s per delivery attempt.
func (p *Producer) AddWebhookRetryJob(ctx context.Context, payload models.WebhookRetryPayload) (string, error) {
	return p.add(ctx, payload, models.EnqueueOptions{Delay: WebhookDelayStep.Delay(payload.Attempt)})
}

// AddReportJob queues a report generation.
func (p *Producer) AddReportJob(ctx context.Context, payload models.ReportPayload) (string, error) {
	return p.add(ctx, payload, models.EnqueueOptions{})
}

// Add queues any payload with explicit options.
func (p *Producer) Add(ctx context.Context, payload models.Payload, opts models.EnqueueOptions) (string, error) {
	return p.add(ctx, payload, opts)
}

func (p *Producer) add(ctx context.Context, payload models.Payload, opts models.EnqueueOptions) (string, error) {
	if !p.Enabled() {
		return "", nil
	}
	id, err := p.queue.Enqueue(ctx, payload, opts)
	if errors.Is(err, ErrQueueUnavailable) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if p.onDone != nil {
		p.onDone(ctx, id, payload.Kind())
	}
	return id, nil
}
