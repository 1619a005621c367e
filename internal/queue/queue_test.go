package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobqueue/internal/models"
	"jobqueue/internal/redisconn"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T, opts Options) (*Queue, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clock := newFakeClock()
	opts.Now = clock.Now
	return New(redisconn.FromClient(redisconn.RoleWorker, client), "test", opts), mr, clock
}

func email(to string) models.EmailPayload {
	return models.EmailPayload{To: to, Subject: "hi", HTML: "<p>hi</p>"}
}

func intPtr(v int) *int { return &v }

func mustEnqueue(t *testing.T, q *Queue, p models.Payload, opts models.EnqueueOptions) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), p, opts)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func mustClaim(t *testing.T, q *Queue, token string) *models.Job {
	t.Helper()
	job, _, err := q.Claim(context.Background(), token)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestEnqueueCreatesWaitingJob(t *testing.T) {
	q, _, clock := newTestQueue(t, Options{})
	ctx := context.Background()

	id := mustEnqueue(t, q, email("a@example.com"), models.EnqueueOptions{})

	job, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.KindEmail, job.Kind)
	assert.Equal(t, models.StatusWaiting, job.Status)
	assert.Equal(t, 5, job.Priority)
	assert.Equal(t, 0, job.AttemptsMade)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.True(t, clock.Now().Equal(job.CreatedAt))
	assert.Nil(t, job.ProcessedAt)
	assert.Nil(t, job.FinishedAt)
	assert.Equal(t, email("a@example.com"), job.Payload)

	m, err := q.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, Metrics{Waiting: 1}, m)
}

func TestClaimOrdersByPriorityThenFIFO(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})

	low1 := mustEnqueue(t, q, email("1@example.com"), models.EnqueueOptions{Priority: intPtr(10)})
	high := mustEnqueue(t, q, email("2@example.com"), models.EnqueueOptions{Priority: intPtr(1)})
	low2 := mustEnqueue(t, q, email("3@example.com"), models.EnqueueOptions{Priority: intPtr(10)})

	var got []string
	for i := 0; i < 3; i++ {
		got = append(got, mustClaim(t, q, "tok").ID)
	}
	assert.Equal(t, []string{high, low1, low2}, got)

	job, _, err := q.Claim(context.Background(), "tok")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestDelayedJobBecomesEligibleAfterDelay(t *testing.T) {
	q, _, clock := newTestQueue(t, Options{})
	ctx := context.Background()

	id := mustEnqueue(t, q, email("a@example.com"), models.EnqueueOptions{Delay: 5 * time.Second})

	m, err := q.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.Delayed)
	assert.Equal(t, int64(0), m.Waiting)

	clock.Advance(4 * time.Second)
	n, err := q.PromoteDelayed(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	job, _, err := q.Claim(ctx, "tok")
	require.NoError(t, err)
	assert.Nil(t, job)

	clock.Advance(time.Second)
	n, err = q.PromoteDelayed(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, id, mustClaim(t, q, "tok").ID)
}

func TestClaimMarksActive(t *testing.T) {
	q, mr, clock := newTestQueue(t, Options{LockDuration: 10 * time.Second})
	ctx := context.Background()
	id := mustEnqueue(t, q, email("a@example.com"), models.EnqueueOptions{})

	job := mustClaim(t, q, "tok-1")
	assert.Equal(t, id, job.ID)
	assert.Equal(t, models.StatusActive, job.Status)
	assert.Equal(t, "tok-1", job.LockToken)
	require.NotNil(t, job.ProcessedAt)

	score, err := mr.ZScore(q.keys.active, id)
	require.NoError(t, err)
	assert.Equal(t, float64(clock.Now().Add(10*time.Second).UnixMilli()), score)

	m, err := q.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, Metrics{Active: 1}, m)
}

func TestConcurrentClaimsNeverShareAJob(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})
	mustEnqueue(t, q, email("a@example.com"), models.EnqueueOptions{})

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		claims int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, _, err := q.Claim(context.Background(), "tok")
			assert.NoError(t, err)
			if job != nil {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claims)
}

func TestCompleteRecordsFinish(t *testing.T) {
	q, _, clock := newTestQueue(t, Options{})
	ctx := context.Background()
	id := mustEnqueue(t, q, email("a@example.com"), models.EnqueueOptions{})
	job := mustClaim(t, q, "tok")

	clock.Advance(time.Second)
	require.NoError(t, q.Complete(ctx, job))

	got, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.AttemptsMade)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, clock.Now().Equal(*got.FinishedAt))
	assert.Empty(t, got.LockToken)
}

func TestCompleteWithStaleLockIsRejected(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	mustEnqueue(t, q, email("a@example.com"), models.EnqueueOptions{})
	job := mustClaim(t, q, "tok")

	job.LockToken = "someone-else"
	assert.ErrorIs(t, q.Complete(ctx, job), ErrLockLost)
	_, err := q.Fail(ctx, job, "boom", false, time.Second)
	assert.ErrorIs(t, err, ErrLockLost)
}

func TestFailSchedulesRetryUntilAttemptsExhausted(t *testing.T) {
	q, mr, clock := newTestQueue(t, Options{})
	ctx := context.Background()
	id := mustEnqueue(t, q, email("a@example.com"), models.EnqueueOptions{MaxAttempts: 3})

	delays := []time.Duration{2 * time.Second, 4 * time.Second}
	for i, delay := range delays {
		job := mustClaim(t, q, "tok")
		status, err := q.Fail(ctx, job, "SMTP timeout", false, delay)
		require.NoError(t, err)
		assert.Equal(t, models.StatusDelayed, status)

		score, err := mr.ZScore(q.keys.delayed, id)
		require.NoError(t, err)
		assert.Equal(t, float64(clock.Now().Add(delay).UnixMilli()), score)

		got, err := q.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, i+1, got.AttemptsMade)
		assert.Empty(t, got.FailureReason)

		clock.Advance(delay)
		_, err = q.PromoteDelayed(ctx, 10)
		require.NoError(t, err)
	}

	job := mustClaim(t, q, "tok")
	status, err := q.Fail(ctx, job, "SMTP timeout", false, 8*time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, status)

	got, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, 3, got.AttemptsMade)
	assert.Equal(t, "SMTP timeout", got.FailureReason)
	require.NotNil(t, got.FinishedAt)
}

func TestTerminalFailureBypassesAttemptBudget(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	id := mustEnqueue(t, q, email("a@example.com"), models.EnqueueOptions{MaxAttempts: 3})
	job := mustClaim(t, q, "tok")

	status, err := q.Fail(ctx, job, "unknown job kind", true, 0)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, status)

	got, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AttemptsMade)
	assert.Equal(t, "unknown job kind", got.FailureReason)
}

func failJob(t *testing.T, q *Queue, p models.Payload) string {
	t.Helper()
	id := mustEnqueue(t, q, p, models.EnqueueOptions{MaxAttempts: 1})
	job := mustClaim(t, q, "tok")
	require.Equal(t, id, job.ID)
	status, err := q.Fail(context.Background(), job, "boom", false, time.Second)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, status)
	return id
}

func TestRetryOnlyAppliesToFailedJobs(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	waitingID := mustEnqueue(t, q, email("w@example.com"), models.EnqueueOptions{Priority: intPtr(50)})
	before, err := q.GetJob(ctx, waitingID)
	require.NoError(t, err)

	ok, err := q.Retry(ctx, waitingID)
	require.NoError(t, err)
	assert.False(t, ok)
	after, err := q.GetJob(ctx, waitingID)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	ok, err = q.Retry(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRetryRequeuesFailedJobKeepingAttempts(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	id := failJob(t, q, email("a@example.com"))

	ok, err := q.Retry(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, got.Status)
	assert.Equal(t, 1, got.AttemptsMade)
	assert.Empty(t, got.FailureReason)
	assert.Nil(t, got.FinishedAt)

	// a second retry is a no-op now that the job is waiting
	ok, err = q.Retry(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	// one more execution, and the attempt count stays within the cap
	job := mustClaim(t, q, "tok")
	status, err := q.Fail(ctx, job, "again", false, time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, status)
	got, err = q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AttemptsMade)
	assert.Equal(t, "again", got.FailureReason)
}

func TestClearFailedRemovesEveryFailedJob(t *testing.T) {
	q, mr, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 7; i++ {
		ids = append(ids, failJob(t, q, email("a@example.com")))
	}
	keep := mustEnqueue(t, q, email("b@example.com"), models.EnqueueOptions{})

	removed, err := q.ClearFailed(ctx)
	require.NoError(t, err)
	assert.Len(t, removed, 7)
	assert.ElementsMatch(t, ids, removed)

	m, err := q.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.Failed)
	assert.Equal(t, int64(1), m.Waiting)
	for _, id := range ids {
		assert.False(t, mr.Exists(q.keys.job(id)))
	}
	_, err = q.GetJob(ctx, keep)
	require.NoError(t, err)

	removed, err = q.ClearFailed(ctx)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestRetentionKeepsMostRecent(t *testing.T) {
	q, mr, clock := newTestQueue(t, Options{KeepCompleted: 2, KeepFailed: 1})
	ctx := context.Background()

	var completed []string
	for i := 0; i < 3; i++ {
		id := mustEnqueue(t, q, email("a@example.com"), models.EnqueueOptions{})
		require.NoError(t, q.Complete(ctx, mustClaim(t, q, "tok")))
		completed = append(completed, id)
		clock.Advance(time.Second)
	}
	first := failJob(t, q, email("a@example.com"))
	clock.Advance(time.Second)
	second := failJob(t, q, email("a@example.com"))

	m, err := q.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.Completed)
	assert.Equal(t, int64(1), m.Failed)

	assert.False(t, mr.Exists(q.keys.job(completed[0])))
	assert.True(t, mr.Exists(q.keys.job(completed[2])))
	_, err = q.GetJob(ctx, first)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = q.GetJob(ctx, second)
	assert.NoError(t, err)
}

func TestRetentionZeroKeepsEverything(t *testing.T) {
	q, _, clock := newTestQueue(t, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mustEnqueue(t, q, email("a@example.com"), models.EnqueueOptions{})
		require.NoError(t, q.Complete(ctx, mustClaim(t, q, "tok")))
		failJob(t, q, email("b@example.com"))
		clock.Advance(time.Second)
	}

	m, err := q.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), m.Completed)
	assert.Equal(t, int64(3), m.Failed)
}

func TestReclaimStalledRequeuesThenFails(t *testing.T) {
	q, _, clock := newTestQueue(t, Options{LockDuration: time.Second, MaxStalledCount: 1})
	ctx := context.Background()
	id := mustEnqueue(t, q, email("a@example.com"), models.EnqueueOptions{})

	stale := mustClaim(t, q, "tok-1")
	stalled, err := q.ReclaimStalled(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, stalled)

	clock.Advance(2 * time.Second)
	stalled, err = q.ReclaimStalled(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []StalledJob{{ID: id, Status: models.StatusWaiting}}, stalled)

	// the crashed claim can no longer report
	assert.ErrorIs(t, q.Complete(ctx, stale), ErrLockLost)

	job := mustClaim(t, q, "tok-2")
	assert.Equal(t, 1, job.StalledCount)

	clock.Advance(2 * time.Second)
	stalled, err = q.ReclaimStalled(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []StalledJob{{ID: id, Status: models.StatusFailed}}, stalled)

	got, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "job stalled more than allowable limit", got.FailureReason)
}

func TestExtendLockKeepsJobFromStalling(t *testing.T) {
	q, _, clock := newTestQueue(t, Options{LockDuration: time.Second})
	ctx := context.Background()
	mustEnqueue(t, q, email("a@example.com"), models.EnqueueOptions{})
	job := mustClaim(t, q, "tok")

	clock.Advance(800 * time.Millisecond)
	require.NoError(t, q.ExtendLock(ctx, job))
	clock.Advance(800 * time.Millisecond)

	stalled, err := q.ReclaimStalled(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, stalled)

	other := *job
	other.LockToken = "other"
	assert.ErrorIs(t, q.ExtendLock(ctx, &other), ErrLockLost)
}

func TestUpdateProgress(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	id := mustEnqueue(t, q, models.ReportPayload{ReportType: "queue-summary", RequestedBy: "ops"}, models.EnqueueOptions{})
	job := mustClaim(t, q, "tok")

	require.NoError(t, q.UpdateProgress(ctx, job, 50))
	require.NoError(t, q.UpdateProgress(ctx, job, 150))

	got, err := q.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
}

func TestClaimRespectsRateLimit(t *testing.T) {
	q, _, clock := newTestQueue(t, Options{RateMax: 2, RateWindow: time.Second})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		mustEnqueue(t, q, email("a@example.com"), models.EnqueueOptions{})
	}

	mustClaim(t, q, "tok")
	clock.Advance(100 * time.Millisecond)
	mustClaim(t, q, "tok")

	job, wait, err := q.Claim(ctx, "tok")
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.Equal(t, 900*time.Millisecond, wait)

	clock.Advance(wait)
	mustClaim(t, q, "tok")
}

func TestEmptyPollsDoNotConsumeRate(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{RateMax: 1, RateWindow: time.Minute})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		job, wait, err := q.Claim(ctx, "tok")
		require.NoError(t, err)
		assert.Nil(t, job)
		assert.Zero(t, wait)
	}
	mustEnqueue(t, q, email("a@example.com"), models.EnqueueOptions{})
	mustClaim(t, q, "tok")
}

func TestPauseStopsClaims(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	mustEnqueue(t, q, email("a@example.com"), models.EnqueueOptions{})

	require.NoError(t, q.Pause(ctx))
	paused, err := q.IsPaused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)

	job, _, err := q.Claim(ctx, "tok")
	require.NoError(t, err)
	assert.Nil(t, job)

	m, err := q.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, Metrics{Paused: 1}, m)

	require.NoError(t, q.Resume(ctx))
	mustClaim(t, q, "tok")
}

func TestListJobsMostRecentFirst(t *testing.T) {
	q, _, clock := newTestQueue(t, Options{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id := mustEnqueue(t, q, email("a@example.com"), models.EnqueueOptions{})
		require.NoError(t, q.Complete(ctx, mustClaim(t, q, "tok")))
		ids = append(ids, id)
		clock.Advance(time.Second)
	}

	jobs, err := q.ListJobs(ctx, models.StatusCompleted, 0, -1)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, ids[2], jobs[0].ID)
	assert.Equal(t, ids[0], jobs[2].ID)

	page, err := q.ListJobs(ctx, models.StatusCompleted, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[1], page[0].ID)

	_, err = q.ListJobs(ctx, models.Status("bogus"), 0, -1)
	assert.Error(t, err)
}

func TestRemove(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	active := mustEnqueue(t, q, email("a@example.com"), models.EnqueueOptions{Priority: intPtr(0)})
	mustClaim(t, q, "tok")
	waiting := mustEnqueue(t, q, email("b@example.com"), models.EnqueueOptions{})

	assert.ErrorIs(t, q.Remove(ctx, active), ErrInvalidState)
	require.NoError(t, q.Remove(ctx, waiting))
	assert.ErrorIs(t, q.Remove(ctx, waiting), ErrJobNotFound)

	m, err := q.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, Metrics{Active: 1}, m)
}

func TestUpdatePayloadOnlyForFailedJobs(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	failed := failJob(t, q, email("typo@example"))
	waiting := mustEnqueue(t, q, email("b@example.com"), models.EnqueueOptions{})

	require.NoError(t, q.UpdatePayload(ctx, failed, email("fixed@example.com")))
	got, err := q.GetJob(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, email("fixed@example.com"), got.Payload)

	err = q.UpdatePayload(ctx, failed, models.ReportPayload{ReportType: "x", RequestedBy: "y"})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, q.UpdatePayload(ctx, waiting, email("c@example.com")), ErrInvalidState)
	assert.ErrorIs(t, q.UpdatePayload(ctx, "missing", email("c@example.com")), ErrJobNotFound)
}

func TestGetJobMissing(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})
	_, err := q.GetJob(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestUndecodablePayloadIsKeptRaw(t *testing.T) {
	q, mr, _ := newTestQueue(t, Options{})
	id := mustEnqueue(t, q, email("a@example.com"), models.EnqueueOptions{})
	mr.HSet(q.keys.job(id), "kind", "sms")

	job := mustClaim(t, q, "tok")
	assert.Equal(t, models.Kind("sms"), job.Kind)
	assert.Nil(t, job.Payload)
	assert.NotEmpty(t, job.RawPayload)
}

func TestUnavailableQueue(t *testing.T) {
	q := New(nil, "test", Options{})
	ctx := context.Background()

	assert.False(t, q.Available())
	_, err := q.Enqueue(ctx, email("a@example.com"), models.EnqueueOptions{})
	assert.ErrorIs(t, err, ErrQueueUnavailable)
	_, _, err = q.Claim(ctx, "tok")
	assert.ErrorIs(t, err, ErrQueueUnavailable)
	_, err = q.Metrics(ctx)
	assert.ErrorIs(t, err, ErrQueueUnavailable)
	_, err = q.Retry(ctx, "x")
	assert.ErrorIs(t, err, ErrQueueUnavailable)
}

func TestWorkerHeartbeats(t *testing.T) {
	q, _, clock := newTestQueue(t, Options{})
	ctx := context.Background()

	n, err := q.LiveWorkers(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, q.Heartbeat(ctx, "w1", 10*time.Second))
	require.NoError(t, q.Heartbeat(ctx, "w2", 10*time.Second))
	n, err = q.LiveWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, q.Unregister(ctx, "w2"))
	clock.Advance(5 * time.Second)
	n, err = q.LiveWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	clock.Advance(6 * time.Second)
	n, err = q.LiveWorkers(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
