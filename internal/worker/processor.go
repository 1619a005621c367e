package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"jobqueue/internal/backoff"
	"jobqueue/internal/config"
	"jobqueue/internal/models"
	"jobqueue/internal/queue"
	"jobqueue/internal/telemetry"
)

// AuditSink records job lifecycle transitions. Failures are logged and
// never change job state.
type AuditSink interface {
	Append(ctx context.Context, e models.AuditEntry) error
}

// Options tune the processor.
type Options struct {
	Concurrency     int
	PollInterval    time.Duration
	StalledInterval time.Duration
	Backoff         backoff.Strategy
	// ID prefixes lock tokens so claims can be traced to a process.
	ID string
}

// OptionsFromConfig maps process configuration onto processor options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Concurrency:     cfg.WorkerConcurrency,
		PollInterval:    cfg.PollInterval,
		StalledInterval: cfg.StalledInterval,
		Backoff:         backoff.NewExponential(cfg.BackoffInitial, 0),
	}
}

// Processor drives the worker execution loop: it claims jobs up to the
// concurrency limit, runs them, and feeds the outcome back to the queue.
type Processor struct {
	queue    *queue.Queue
	handlers Handlers
	opts     Options
	logger   *slog.Logger
	audit    AuditSink

	running atomic.Bool
	active  atomic.Int64
}

// NewProcessor creates a processor. audit may be nil.
func NewProcessor(q *queue.Queue, handlers Handlers, opts Options, logger *slog.Logger, audit AuditSink) *Processor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.StalledInterval <= 0 {
		opts.StalledInterval = 30 * time.Second
	}
	if opts.Backoff == nil {
		opts.Backoff = backoff.NewExponential(2*time.Second, 0)
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()[:8]
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		queue:    q,
		handlers: handlers,
		opts:     opts,
		logger:   logger.With(slog.String("queue", q.Name()), slog.String("worker_id", opts.ID)),
		audit:    audit,
	}
}

// Running reports whether Run is executing.
func (p *Processor) Running() bool { return p.running.Load() }

// Active returns how many jobs this processor is executing right now.
func (p *Processor) Active() int64 { return p.active.Load() }

// Run starts the main worker loop until context cancellation. Jobs already
// executing are allowed to finish before Run returns.
func (p *Processor) Run(ctx context.Context) error {
	if !p.queue.Available() {
		p.logger.Warn("redis not configured, worker not started")
		return nil
	}
	p.running.Store(true)
	defer p.running.Store(false)

	p.logger.Info("worker started",
		slog.Int("concurrency", p.opts.Concurrency),
		slog.Duration("poll_interval", p.opts.PollInterval),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.maintain(ctx)
	}()
	go func() {
		defer wg.Done()
		p.heartbeat(ctx)
	}()

	// Handlers keep running through shutdown; they bound themselves.
	jobCtx := context.WithoutCancel(ctx)
	slots := make(chan struct{}, p.opts.Concurrency)

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			p.logger.Info("worker stopped")
			return nil
		case slots <- struct{}{}:
		}

		job, wait := p.claimNext(ctx)
		if job == nil {
			<-slots
			p.sleep(ctx, wait)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			p.process(jobCtx, job)
		}()
	}
}

// claimNext promotes due delayed jobs and claims one. With nothing to run
// it returns how long to back off.
func (p *Processor) claimNext(ctx context.Context) (*models.Job, time.Duration) {
	if _, err := p.queue.PromoteDelayed(ctx, 100); err != nil && ctx.Err() == nil {
		p.logger.Error("promote delayed jobs", slog.Any("error", err))
	}
	job, wait, err := p.queue.Claim(ctx, p.opts.ID+":"+uuid.NewString())
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("claim job", slog.Any("error", err))
		}
		return nil, p.opts.PollInterval
	}
	if job == nil {
		if wait > 0 {
			telemetry.ClaimRateLimited.Inc()
			return nil, wait
		}
		return nil, p.opts.PollInterval
	}
	return job, 0
}

func (p *Processor) process(ctx context.Context, job *models.Job) {
	log := p.logger.With(
		slog.String("job_id", job.ID),
		slog.String("job_kind", string(job.Kind)),
		slog.Int("attempt", job.AttemptsMade+1),
	)
	p.active.Add(1)
	telemetry.ActiveJobs.Inc()
	defer func() {
		p.active.Add(-1)
		telemetry.ActiveJobs.Dec()
	}()

	log.Debug("job started")
	p.record(ctx, job, models.AuditActive, "")

	start := time.Now()
	stop := p.keepLock(ctx, job, log)
	err := p.execute(ctx, job, log)
	stop()
	elapsed := time.Since(start)

	if err == nil {
		if cerr := p.queue.Complete(ctx, job); cerr != nil {
			log.Error("mark job completed", slog.Any("error", cerr))
			return
		}
		telemetry.JobsCompleted.WithLabelValues(string(job.Kind)).Inc()
		telemetry.JobDuration.WithLabelValues(string(job.Kind), "completed").Observe(elapsed.Seconds())
		log.Info("job completed", slog.Duration("duration", elapsed))
		p.record(ctx, job, models.AuditCompleted, "")
		return
	}

	reason := err.Error()
	terminal := IsPermanent(err)
	if errors.Is(err, models.ErrUnknownKind) {
		reason = models.ErrUnknownKind.Error()
		terminal = true
	}
	delay := p.opts.Backoff.Delay(job.AttemptsMade + 1)

	status, ferr := p.queue.Fail(ctx, job, reason, terminal, delay)
	if ferr != nil {
		log.Error("record job failure", slog.Any("error", ferr), slog.String("reason", reason))
		return
	}
	telemetry.JobDuration.WithLabelValues(string(job.Kind), "failed").Observe(elapsed.Seconds())
	if status == models.StatusDelayed {
		telemetry.JobsRetried.WithLabelValues(string(job.Kind)).Inc()
		log.Warn("job failed, retry scheduled", slog.Any("error", err), slog.Duration("delay", delay))
		p.record(ctx, job, models.AuditRetryScheduled, fmt.Sprintf("delay=%s error=%s", delay, reason))
		return
	}
	telemetry.JobsFailed.WithLabelValues(string(job.Kind)).Inc()
	log.Error("job failed", slog.Any("error", err), slog.Bool("terminal", terminal))
	p.record(ctx, job, models.AuditFailed, reason)
}

// execute runs the job's handler. Panics become ordinary, retryable errors.
func (p *Processor) execute(ctx context.Context, job *models.Job, log *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("job handler panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic in %s handler: %v", job.Kind, r)
		}
	}()

	payload := job.Payload
	if payload == nil {
		decoded, derr := models.DecodePayload(job.Kind, job.RawPayload)
		if derr != nil {
			if errors.Is(derr, models.ErrUnknownKind) {
				return derr
			}
			return Permanent(derr)
		}
		payload = decoded
	}
	progress := func(ctx context.Context, pct int) error {
		return p.queue.UpdateProgress(ctx, job, pct)
	}
	return p.handlers.dispatch(ctx, job, payload, progress)
}

// keepLock renews the job's lock at half the lock duration until stop is called.
func (p *Processor) keepLock(ctx context.Context, job *models.Job, log *slog.Logger) (stop func()) {
	interval := p.queue.LockDuration() / 2
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLock(ctx, job); err != nil {
					log.Warn("extend job lock", slog.Any("error", err))
					if errors.Is(err, queue.ErrLockLost) {
						return
					}
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// maintain reclaims stalled jobs and refreshes queue depth gauges. The
// first pass runs immediately so jobs orphaned by a crash are recovered on start.
func (p *Processor) maintain(ctx context.Context) {
	ticker := time.NewTicker(p.opts.StalledInterval)
	defer ticker.Stop()
	for {
		p.reclaimStalled(ctx)
		p.refreshDepth(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

const heartbeatInterval = 5 * time.Second

// heartbeat advertises this worker as alive until ctx ends.
func (p *Processor) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		if err := p.queue.Heartbeat(ctx, p.opts.ID, 3*heartbeatInterval); err != nil && ctx.Err() == nil {
			p.logger.Warn("worker heartbeat", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			_ = p.queue.Unregister(cleanup, p.opts.ID)
			cancel()
			return
		case <-ticker.C:
		}
	}
}

func (p *Processor) reclaimStalled(ctx context.Context) {
	stalled, err := p.queue.ReclaimStalled(ctx, 100)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("reclaim stalled jobs", slog.Any("error", err))
		}
		return
	}
	for _, s := range stalled {
		telemetry.JobsStalled.Inc()
		p.logger.Warn("job stalled", slog.String("job_id", s.ID), slog.String("status", string(s.Status)))
		p.record(ctx, &models.Job{ID: s.ID}, models.AuditStalled, "moved to "+string(s.Status))
	}
}

func (p *Processor) refreshDepth(ctx context.Context) {
	m, err := p.queue.Metrics(ctx)
	if err != nil {
		return
	}
	telemetry.QueueDepth.WithLabelValues(string(models.StatusWaiting)).Set(float64(m.Waiting))
	telemetry.QueueDepth.WithLabelValues(string(models.StatusActive)).Set(float64(m.Active))
	telemetry.QueueDepth.WithLabelValues(string(models.StatusDelayed)).Set(float64(m.Delayed))
	telemetry.QueueDepth.WithLabelValues(string(models.StatusCompleted)).Set(float64(m.Completed))
	telemetry.QueueDepth.WithLabelValues(string(models.StatusFailed)).Set(float64(m.Failed))
	telemetry.QueueDepth.WithLabelValues("paused").Set(float64(m.Paused))
}

func (p *Processor) record(ctx context.Context, job *models.Job, event models.AuditEvent, detail string) {
	if p.audit == nil {
		return
	}
	err := p.audit.Append(ctx, models.AuditEntry{
		JobID:  job.ID,
		Kind:   job.Kind,
		Event:  event,
		Detail: detail,
		At:     time.Now(),
	})
	if err != nil {
		p.logger.Warn("append audit entry", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

func (p *Processor) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
