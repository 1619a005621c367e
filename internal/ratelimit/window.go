// Package ratelimit provides a fixed-window limiter shared through Redis, so
// every API replica counts against the same budget.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window allows up to Max hits per key in each fixed window.
type Window struct {
	client *redis.Client
	prefix string
	max    int
	window time.Duration
	now    func() time.Time
}

// NewWindow constructs a limiter. Keys are namespaced under prefix.
func NewWindow(client *redis.Client, prefix string, limit int, window time.Duration) *Window {
	if window <= 0 {
		window = time.Second
	}
	return &Window{client: client, prefix: prefix, max: limit, window: window, now: time.Now}
}

// WithClock replaces the clock. Tests only.
func (w *Window) WithClock(now func() time.Time) *Window {
	w.now = now
	return w
}

// Allow counts one hit for key. When the budget is spent it returns false
// and the time until the window resets. A nil limiter allows everything.
func (w *Window) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if w == nil || w.client == nil || w.max <= 0 {
		return true, 0, nil
	}
	windowMs := max(w.window.Milliseconds(), 1)
	now := w.now().UnixMilli()
	index := now / windowMs
	k := w.prefix + key + ":" + strconv.FormatInt(index, 10)

	n, err := windowScript.Run(ctx, w.client, []string{k}, w.max, windowMs).Int64()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if n == 0 {
		return false, time.Duration((index+1)*windowMs-now) * time.Millisecond, nil
	}
	return true, 0, nil
}

// Returns 1 and counts the hit when under the limit, 0 otherwise.
var windowScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
if used >= tonumber(ARGV[1]) then
  return 0
end
if redis.call('INCR', KEYS[1]) == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 1
`)
