// Package queue stores jobs in Redis and implements their lifecycle:
// enqueue, atomic claim, completion, retry scheduling, stall recovery,
// retention and the operator operations layered on top.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"jobqueue/internal/config"
	"jobqueue/internal/models"
	"jobqueue/internal/redisconn"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrInvalidState     = errors.New("job is not in a valid state for this operation")
	ErrLockLost         = errors.New("job lock lost")
	ErrQueueUnavailable = errors.New("queue unavailable: redis not configured")
)

// MaxPriority bounds priorities so waiting scores stay exact.
const MaxPriority = 99999

// Options are the queue-wide job defaults.
type Options struct {
	MaxAttempts     int
	KeepCompleted   int64 // zero keeps everything
	KeepFailed      int64
	LockDuration    time.Duration
	MaxStalledCount int
	// RateMax claims per RateWindow across every worker. Zero disables.
	RateMax    int
	RateWindow time.Duration
	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// OptionsFromConfig maps process configuration onto queue options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		MaxAttempts:     cfg.MaxAttempts,
		KeepCompleted:   cfg.KeepCompleted,
		KeepFailed:      cfg.KeepFailed,
		LockDuration:    cfg.LockDuration,
		MaxStalledCount: cfg.MaxStalledCount,
		RateMax:         cfg.WorkerRateMax,
		RateWindow:      cfg.WorkerRateWindow,
	}
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.LockDuration <= 0 {
		o.LockDuration = 30 * time.Second
	}
	if o.MaxStalledCount < 0 {
		o.MaxStalledCount = 0
	}
	if o.RateWindow <= 0 {
		o.RateWindow = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Queue is a named set of jobs in Redis. A Queue built on an unavailable
// connection is valid; every operation returns ErrQueueUnavailable.
type Queue struct {
	name   string
	client *redis.Client
	keys   keys
	opts   Options
}

// New binds a queue to conn.
func New(conn *redisconn.Conn, name string, opts Options) *Queue {
	q := &Queue{name: name, keys: newKeys(name), opts: opts.withDefaults()}
	if conn.Available() {
		q.client = conn.Client()
	}
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string {
	if q == nil {
		return ""
	}
	return q.name
}

// Available reports whether the queue has a store behind it.
func (q *Queue) Available() bool {
	return q != nil && q.client != nil
}

// LockDuration is how long a claim stays valid without renewal.
func (q *Queue) LockDuration() time.Duration { return q.opts.LockDuration }

// Ping checks the store connection.
func (q *Queue) Ping(ctx context.Context) error {
	if !q.Available() {
		return ErrQueueUnavailable
	}
	return q.client.Ping(ctx).Err()
}

func (q *Queue) nowMs() int64 { return q.opts.Now().UnixMilli() }

// Enqueue persists a job in waiting, or delayed when opts.Delay > 0.
func (q *Queue) Enqueue(ctx context.Context, payload models.Payload, opts models.EnqueueOptions) (string, error) {
	if !q.Available() {
		return "", ErrQueueUnavailable
	}
	raw, err := models.EncodePayload(payload)
	if err != nil {
		return "", err
	}
	priority := models.DefaultPriority(payload)
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	priority = min(max(priority, 0), MaxPriority)
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.opts.MaxAttempts
	}
	delay := max(opts.Delay, 0)

	id := uuid.NewString()
	_, err = addScript.Run(ctx, q.client,
		[]string{q.keys.job(id), q.keys.waiting, q.keys.delayed, q.keys.seq},
		id, string(payload.Kind()), raw, priority, maxAttempts, q.nowMs(), delay.Milliseconds(),
	).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", payload.Kind(), err)
	}
	return id, nil
}

// Claim atomically moves the next waiting job to active under lockToken.
// It returns a nil job when nothing is claimable. When the claim rate limit
// is exhausted it returns a nil job and how long to wait.
func (q *Queue) Claim(ctx context.Context, lockToken string) (*models.Job, time.Duration, error) {
	if !q.Available() {
		return nil, 0, ErrQueueUnavailable
	}
	now := q.nowMs()
	windowMs := max(q.opts.RateWindow.Milliseconds(), 1)
	index := now / windowMs

	res, err := claimScript.Run(ctx, q.client,
		[]string{q.keys.waiting, q.keys.active, q.keys.paused, q.keys.limiterWindow(index)},
		q.keys.jobPrefix(), lockToken, now, q.opts.LockDuration.Milliseconds(), q.opts.RateMax, windowMs,
	).Result()
	if err == redis.Nil {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("claim job: %w", err)
	}
	switch v := res.(type) {
	case int64:
		wait := time.Duration((index+1)*windowMs-now) * time.Millisecond
		return nil, wait, nil
	case []interface{}:
		job, err := jobFromFlat(v)
		if err != nil {
			return nil, 0, err
		}
		return job, 0, nil
	default:
		return nil, 0, fmt.Errorf("unexpected type from claim script: %T", res)
	}
}

// Complete marks an active job completed and trims the completed bucket.
func (q *Queue) Complete(ctx context.Context, job *models.Job) error {
	if !q.Available() {
		return ErrQueueUnavailable
	}
	n, err := completeScript.Run(ctx, q.client,
		[]string{q.keys.active, q.keys.completed},
		q.keys.jobPrefix(), job.ID, job.LockToken, q.nowMs(), q.opts.KeepCompleted,
	).Int64()
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if n < 0 {
		return fmt.Errorf("complete job %s: %w", job.ID, ErrLockLost)
	}
	return nil
}

// Fail records a failed attempt. Unless terminal is set or the attempt
// budget is spent, the job is scheduled again after delay and the returned
// status is delayed; otherwise the job is failed with reason.
func (q *Queue) Fail(ctx context.Context, job *models.Job, reason string, terminal bool, delay time.Duration) (models.Status, error) {
	if !q.Available() {
		return "", ErrQueueUnavailable
	}
	term := "0"
	if terminal {
		term = "1"
	}
	n, err := failScript.Run(ctx, q.client,
		[]string{q.keys.active, q.keys.delayed, q.keys.failed},
		q.keys.jobPrefix(), job.ID, job.LockToken, q.nowMs(), reason, term, max(delay, 0).Milliseconds(), q.opts.KeepFailed,
	).Int64()
	if err != nil {
		return "", fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	switch n {
	case -1:
		return "", fmt.Errorf("fail job %s: %w", job.ID, ErrLockLost)
	case 0:
		return models.StatusDelayed, nil
	default:
		return models.StatusFailed, nil
	}
}

// ExtendLock pushes the lock expiry of an active job forward.
func (q *Queue) ExtendLock(ctx context.Context, job *models.Job) error {
	if !q.Available() {
		return ErrQueueUnavailable
	}
	expiry := q.opts.Now().Add(q.opts.LockDuration).UnixMilli()
	ok, err := extendLockScript.Run(ctx, q.client,
		[]string{q.keys.active},
		q.keys.jobPrefix(), job.ID, job.LockToken, expiry,
	).Int64()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", job.ID, err)
	}
	if ok == 0 {
		return fmt.Errorf("extend lock %s: %w", job.ID, ErrLockLost)
	}
	return nil
}

// UpdateProgress stores a 0-100 completion indicator for an active job.
func (q *Queue) UpdateProgress(ctx context.Context, job *models.Job, pct int) error {
	if !q.Available() {
		return ErrQueueUnavailable
	}
	pct = min(max(pct, 0), 100)
	ok, err := progressScript.Run(ctx, q.client, []string{q.keys.active},
		q.keys.jobPrefix(), job.ID, job.LockToken, pct,
	).Int64()
	if err != nil {
		return fmt.Errorf("update progress %s: %w", job.ID, err)
	}
	if ok == 0 {
		return fmt.Errorf("update progress %s: %w", job.ID, ErrLockLost)
	}
	job.Progress = pct
	return nil
}

// PromoteDelayed moves due delayed jobs into waiting. It returns how many were promoted.
func (q *Queue) PromoteDelayed(ctx context.Context, limit int64) (int, error) {
	if !q.Available() {
		return 0, ErrQueueUnavailable
	}
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.keys.delayed, q.keys.waiting, q.keys.seq},
		q.keys.jobPrefix(), q.nowMs(), limit,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("promote delayed: %w", err)
	}
	return int(n), nil
}

// StalledJob is a job whose lock expired, with the status it was moved to.
type StalledJob struct {
	ID     string
	Status models.Status
}

// ReclaimStalled returns active jobs with expired locks to waiting, or
// fails them once they stalled too often.
func (q *Queue) ReclaimStalled(ctx context.Context, limit int64) ([]StalledJob, error) {
	if !q.Available() {
		return nil, ErrQueueUnavailable
	}
	res, err := stalledScript.Run(ctx, q.client,
		[]string{q.keys.active, q.keys.waiting, q.keys.failed, q.keys.seq},
		q.keys.jobPrefix(), q.nowMs(), q.opts.MaxStalledCount, q.opts.KeepFailed, limit,
	).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reclaim stalled: %w", err)
	}
	out := make([]StalledJob, 0, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		out = append(out, StalledJob{ID: res[i], Status: models.Status(res[i+1])})
	}
	return out, nil
}

// Metrics is a point-in-time count of jobs per status.
type Metrics struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    int64 `json:"paused"`
}

// Metrics counts jobs per status. While paused, waiting jobs are reported as paused.
func (q *Queue) Metrics(ctx context.Context) (Metrics, error) {
	if !q.Available() {
		return Metrics{}, ErrQueueUnavailable
	}
	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.keys.waiting)
	active := pipe.ZCard(ctx, q.keys.active)
	completed := pipe.ZCard(ctx, q.keys.completed)
	failed := pipe.ZCard(ctx, q.keys.failed)
	delayed := pipe.ZCard(ctx, q.keys.delayed)
	paused := pipe.Exists(ctx, q.keys.paused)
	if _, err := pipe.Exec(ctx); err != nil {
		return Metrics{}, fmt.Errorf("queue metrics: %w", err)
	}
	m := Metrics{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}
	if paused.Val() > 0 {
		m.Paused, m.Waiting = m.Waiting, 0
	}
	return m, nil
}

func (q *Queue) bucket(status models.Status) (string, error) {
	switch status {
	case models.StatusWaiting:
		return q.keys.waiting, nil
	case models.StatusDelayed:
		return q.keys.delayed, nil
	case models.StatusActive:
		return q.keys.active, nil
	case models.StatusCompleted:
		return q.keys.completed, nil
	case models.StatusFailed:
		return q.keys.failed, nil
	default:
		return "", fmt.Errorf("unknown status %q", status)
	}
}

// ListJobs returns the jobs of one status bucket, most recent first.
// start and end are inclusive ranks; -1 means the last job.
func (q *Queue) ListJobs(ctx context.Context, status models.Status, start, end int64) ([]*models.Job, error) {
	if !q.Available() {
		return nil, ErrQueueUnavailable
	}
	key, err := q.bucket(status)
	if err != nil {
		return nil, err
	}
	ids, err := q.client.ZRevRange(ctx, key, start, end).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", status, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGetAll(ctx, q.keys.job(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", status, err)
	}
	jobs := make([]*models.Job, 0, len(ids))
	for _, c := range cmds {
		fields := c.Val()
		if len(fields) == 0 {
			// pruned between the range read and the hash read
			continue
		}
		job, err := jobFromMap(fields)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// GetJob loads one job.
func (q *Queue) GetJob(ctx context.Context, id string) (*models.Job, error) {
	if !q.Available() {
		return nil, ErrQueueUnavailable
	}
	fields, err := q.client.HGetAll(ctx, q.keys.job(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return jobFromMap(fields)
}

// Retry moves a failed job back to waiting, keeping its attempt history.
// It returns false and changes nothing when the job is not failed.
func (q *Queue) Retry(ctx context.Context, id string) (bool, error) {
	if !q.Available() {
		return false, ErrQueueUnavailable
	}
	n, err := retryScript.Run(ctx, q.client,
		[]string{q.keys.failed, q.keys.waiting, q.keys.seq},
		q.keys.jobPrefix(), id,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("retry job %s: %w", id, err)
	}
	return n == 1, nil
}

// ClearFailed deletes every failed job and returns their ids.
func (q *Queue) ClearFailed(ctx context.Context) ([]string, error) {
	if !q.Available() {
		return nil, ErrQueueUnavailable
	}
	ids, err := clearFailedScript.Run(ctx, q.client,
		[]string{q.keys.failed}, q.keys.jobPrefix(),
	).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("clear failed: %w", err)
	}
	return ids, nil
}

// Remove deletes a job that is not currently active.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if !q.Available() {
		return ErrQueueUnavailable
	}
	n, err := removeScript.Run(ctx, q.client,
		[]string{q.keys.active, q.keys.waiting, q.keys.delayed, q.keys.completed, q.keys.failed},
		q.keys.jobPrefix(), id,
	).Int64()
	if err != nil {
		return fmt.Errorf("remove job %s: %w", id, err)
	}
	switch n {
	case -1:
		return fmt.Errorf("remove job %s: %w", id, ErrInvalidState)
	case 0:
		return ErrJobNotFound
	}
	return nil
}

// UpdatePayload replaces the payload of a failed job so it can be fixed
// before a retry. The payload kind must match the job's kind.
func (q *Queue) UpdatePayload(ctx context.Context, id string, payload models.Payload) error {
	if !q.Available() {
		return ErrQueueUnavailable
	}
	raw, err := models.EncodePayload(payload)
	if err != nil {
		return err
	}
	n, err := updatePayloadScript.Run(ctx, q.client,
		[]string{q.keys.failed},
		q.keys.jobPrefix(), id, string(payload.Kind()), raw,
	).Int64()
	if err != nil {
		return fmt.Errorf("update payload %s: %w", id, err)
	}
	switch n {
	case -1:
		if exists, _ := q.client.Exists(ctx, q.keys.job(id)).Result(); exists == 0 {
			return ErrJobNotFound
		}
		return fmt.Errorf("update payload %s: %w", id, ErrInvalidState)
	case -2:
		return fmt.Errorf("update payload %s: kind mismatch: %w", id, ErrInvalidState)
	}
	return nil
}

// Pause stops every worker from claiming new jobs.
func (q *Queue) Pause(ctx context.Context) error {
	if !q.Available() {
		return ErrQueueUnavailable
	}
	return q.client.Set(ctx, q.keys.paused, "1", 0).Err()
}

// Resume lets workers claim again.
func (q *Queue) Resume(ctx context.Context) error {
	if !q.Available() {
		return ErrQueueUnavailable
	}
	return q.client.Del(ctx, q.keys.paused).Err()
}

// IsPaused reports whether the queue is paused.
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	if !q.Available() {
		return false, ErrQueueUnavailable
	}
	n, err := q.client.Exists(ctx, q.keys.paused).Result()
	return n > 0, err
}

// Heartbeat marks workerID alive for ttl.
func (q *Queue) Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	if !q.Available() {
		return ErrQueueUnavailable
	}
	expiry := q.opts.Now().Add(ttl).UnixMilli()
	return q.client.ZAdd(ctx, q.keys.workers, redis.Z{Score: float64(expiry), Member: workerID}).Err()
}

// Unregister drops workerID from the live set.
func (q *Queue) Unregister(ctx context.Context, workerID string) error {
	if !q.Available() {
		return ErrQueueUnavailable
	}
	return q.client.ZRem(ctx, q.keys.workers, workerID).Err()
}

// LiveWorkers counts workers whose heartbeat has not expired.
func (q *Queue) LiveWorkers(ctx context.Context) (int64, error) {
	if !q.Available() {
		return 0, ErrQueueUnavailable
	}
	pipe := q.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, q.keys.workers, "-inf", strconv.FormatInt(q.nowMs(), 10))
	count := pipe.ZCard(ctx, q.keys.workers)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("live workers: %w", err)
	}
	return count.Val(), nil
}

func jobFromFlat(flat []interface{}) (*models.Job, error) {
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		fields[k] = v
	}
	return jobFromMap(fields)
}

// jobFromMap builds a Job from its hash. A payload that does not decode is
// left nil with RawPayload set; the worker turns that into a job failure.
func jobFromMap(f map[string]string) (*models.Job, error) {
	id := f["id"]
	if id == "" {
		return nil, fmt.Errorf("job hash missing id")
	}
	job := &models.Job{
		ID:            id,
		Kind:          models.Kind(f["kind"]),
		RawPayload:    []byte(f["payload"]),
		Status:        models.Status(f["status"]),
		Priority:      atoi(f["priority"]),
		AttemptsMade:  atoi(f["attempts_made"]),
		MaxAttempts:   atoi(f["max_attempts"]),
		FailureReason: f["failure_reason"],
		Progress:      atoi(f["progress"]),
		StalledCount:  atoi(f["stalled_count"]),
		CreatedAt:     msTime(f["created_at"]),
		LockToken:     f["lock_token"],
	}
	if s, ok := f["processed_at"]; ok && s != "" {
		t := msTime(s)
		job.ProcessedAt = &t
	}
	if s, ok := f["finished_at"]; ok && s != "" {
		t := msTime(s)
		job.FinishedAt = &t
	}
	if p, err := models.DecodePayload(job.Kind, job.RawPayload); err == nil {
		job.Payload = p
	}
	return job, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func msTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
