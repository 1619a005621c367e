package queue

import "github.com/redis/go-redis/v9"

// Every state transition runs as a single script so that the store is the
// only point of mutual exclusion between workers.
//
// Waiting scores are priority*1e9 + (seq mod 1e9): ascending priority, then
// FIFO. Scores stay below 1e14 so Lua's number formatting keeps them exact.

// KEYS: job, waiting, delayed, seq
// ARGV: id, kind, payload, priority, max_attempts, created_at_ms, delay_ms
var addScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'kind', ARGV[2], 'payload', ARGV[3], 'priority', ARGV[4],
  'max_attempts', ARGV[5], 'attempts_made', '0', 'progress', '0',
  'stalled_count', '0', 'created_at', ARGV[6])
local delay = tonumber(ARGV[7])
if delay > 0 then
  redis.call('ZADD', KEYS[3], tonumber(ARGV[6]) + delay, ARGV[1])
  redis.call('HSET', KEYS[1], 'status', 'delayed')
else
  local seq = redis.call('INCR', KEYS[4])
  redis.call('ZADD', KEYS[2], tonumber(ARGV[4]) * 1000000000 + (seq % 1000000000), ARGV[1])
  redis.call('HSET', KEYS[1], 'status', 'waiting')
end
return 1
`)

// KEYS: waiting, active, paused, limiter window
// ARGV: job prefix, lock token, now_ms, lock_ms, rate_max, rate_window_ms
// Returns nil when nothing is claimable, -1 when rate limited, otherwise the
// claimed job's hash as a flat field/value array.
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
  return nil
end
local rateMax = tonumber(ARGV[5])
if rateMax > 0 then
  local used = tonumber(redis.call('GET', KEYS[4]) or '0')
  if used >= rateMax then
    return -1
  end
end
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then
  return nil
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
local key = ARGV[1] .. id
if redis.call('EXISTS', key) == 0 then
  return nil
end
if rateMax > 0 then
  if redis.call('INCR', KEYS[4]) == 1 then
    redis.call('PEXPIRE', KEYS[4], ARGV[6])
  end
end
redis.call('ZADD', KEYS[2], tonumber(ARGV[3]) + tonumber(ARGV[4]), id)
redis.call('HSET', key, 'status', 'active', 'processed_at', ARGV[3], 'lock_token', ARGV[2])
return redis.call('HGETALL', key)
`)

// KEYS: active, completed
// ARGV: job prefix, id, lock token, now_ms, keep (0 keeps everything)
// Returns -1 when the lock was lost, otherwise the number of pruned jobs.
var completeScript = redis.NewScript(`
local key = ARGV[1] .. ARGV[2]
if redis.call('HGET', key, 'lock_token') ~= ARGV[3] then
  return -1
end
if redis.call('ZREM', KEYS[1], ARGV[2]) == 0 then
  return -1
end
local attempts = tonumber(redis.call('HGET', key, 'attempts_made') or '0') + 1
local maxAttempts = tonumber(redis.call('HGET', key, 'max_attempts') or '1')
if attempts > maxAttempts then
  attempts = maxAttempts
end
redis.call('HSET', key, 'status', 'completed', 'finished_at', ARGV[4], 'attempts_made', attempts)
redis.call('HDEL', key, 'lock_token', 'failure_reason')
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[2])
local keep = tonumber(ARGV[5])
if keep <= 0 then
  return 0
end
local stale = redis.call('ZRANGE', KEYS[2], 0, -(keep + 1))
for _, old in ipairs(stale) do
  redis.call('DEL', ARGV[1] .. old)
end
if #stale > 0 then
  redis.call('ZREMRANGEBYRANK', KEYS[2], 0, -(keep + 1))
end
return #stale
`)

// KEYS: active, delayed, failed
// ARGV: job prefix, id, lock token, now_ms, reason, terminal ("1"/"0"),
//       retry delay_ms, keep (0 keeps everything)
// Returns -1 when the lock was lost, 0 when a retry was scheduled, 1 when
// the job failed for good.
var failScript = redis.NewScript(`
local key = ARGV[1] .. ARGV[2]
if redis.call('HGET', key, 'lock_token') ~= ARGV[3] then
  return -1
end
if redis.call('ZREM', KEYS[1], ARGV[2]) == 0 then
  return -1
end
local attempts = tonumber(redis.call('HGET', key, 'attempts_made') or '0') + 1
local maxAttempts = tonumber(redis.call('HGET', key, 'max_attempts') or '1')
if attempts > maxAttempts then
  attempts = maxAttempts
end
redis.call('HSET', key, 'attempts_made', attempts)
redis.call('HDEL', key, 'lock_token')
if ARGV[6] ~= '1' and attempts < maxAttempts then
  redis.call('HSET', key, 'status', 'delayed')
  redis.call('ZADD', KEYS[2], tonumber(ARGV[4]) + tonumber(ARGV[7]), ARGV[2])
  return 0
end
redis.call('HSET', key, 'status', 'failed', 'failure_reason', ARGV[5], 'finished_at', ARGV[4])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[2])
local keep = tonumber(ARGV[8])
if keep > 0 then
  local stale = redis.call('ZRANGE', KEYS[3], 0, -(keep + 1))
  for _, old in ipairs(stale) do
    redis.call('DEL', ARGV[1] .. old)
  end
  if #stale > 0 then
    redis.call('ZREMRANGEBYRANK', KEYS[3], 0, -(keep + 1))
  end
end
return 1
`)

// KEYS: delayed, waiting, seq
// ARGV: job prefix, now_ms, limit
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[1] .. id
  if redis.call('EXISTS', key) == 1 then
    local seq = redis.call('INCR', KEYS[3])
    local priority = tonumber(redis.call('HGET', key, 'priority') or '0')
    redis.call('ZADD', KEYS[2], priority * 1000000000 + (seq % 1000000000), id)
    redis.call('HSET', key, 'status', 'waiting')
  end
end
return #ids
`)

// KEYS: active, waiting, failed, seq
// ARGV: job prefix, now_ms, max stalled count, keep failed, limit
// Returns a flat id/status array of every job it moved.
var stalledScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, tonumber(ARGV[5]))
local out = {}
local failedAny = false
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[1] .. id
  if redis.call('EXISTS', key) == 1 then
    local stalled = redis.call('HINCRBY', key, 'stalled_count', 1)
    redis.call('HDEL', key, 'lock_token')
    if stalled > tonumber(ARGV[3]) then
      redis.call('HSET', key, 'status', 'failed',
        'failure_reason', 'job stalled more than allowable limit', 'finished_at', ARGV[2])
      redis.call('ZADD', KEYS[3], ARGV[2], id)
      failedAny = true
      table.insert(out, id)
      table.insert(out, 'failed')
    else
      local seq = redis.call('INCR', KEYS[4])
      local priority = tonumber(redis.call('HGET', key, 'priority') or '0')
      redis.call('ZADD', KEYS[2], priority * 1000000000 + (seq % 1000000000), id)
      redis.call('HSET', key, 'status', 'waiting')
      table.insert(out, id)
      table.insert(out, 'waiting')
    end
  end
end
local keep = tonumber(ARGV[4])
if failedAny and keep > 0 then
  local stale = redis.call('ZRANGE', KEYS[3], 0, -(keep + 1))
  for _, old in ipairs(stale) do
    redis.call('DEL', ARGV[1] .. old)
  end
  if #stale > 0 then
    redis.call('ZREMRANGEBYRANK', KEYS[3], 0, -(keep + 1))
  end
end
return out
`)

// KEYS: active
// ARGV: job prefix, id, lock token, new expiry_ms
var extendLockScript = redis.NewScript(`
if redis.call('HGET', ARGV[1] .. ARGV[2], 'lock_token') ~= ARGV[3] then
  return 0
end
if not redis.call('ZSCORE', KEYS[1], ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[2])
return 1
`)

// ARGV: job prefix, id, lock token, progress
var progressScript = redis.NewScript(`
local key = ARGV[1] .. ARGV[2]
if redis.call('HGET', key, 'lock_token') ~= ARGV[3] then
  return 0
end
redis.call('HSET', key, 'progress', ARGV[4])
return 1
`)

// KEYS: failed, waiting, seq
// ARGV: job prefix, id
var retryScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[2]) == 0 then
  return 0
end
local key = ARGV[1] .. ARGV[2]
local seq = redis.call('INCR', KEYS[3])
local priority = tonumber(redis.call('HGET', key, 'priority') or '0')
redis.call('ZADD', KEYS[2], priority * 1000000000 + (seq % 1000000000), ARGV[2])
redis.call('HSET', key, 'status', 'waiting', 'progress', '0', 'stalled_count', '0')
redis.call('HDEL', key, 'failure_reason', 'finished_at', 'processed_at')
return 1
`)

// KEYS: failed
// ARGV: job prefix
var clearFailedScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
for _, id in ipairs(ids) do
  redis.call('DEL', ARGV[1] .. id)
end
redis.call('DEL', KEYS[1])
return ids
`)

// KEYS: active, waiting, delayed, completed, failed
// ARGV: job prefix, id
// Returns -1 for an active job, 0 when missing, 1 when removed.
var removeScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[2]) then
  return -1
end
local key = ARGV[1] .. ARGV[2]
if redis.call('EXISTS', key) == 0 then
  return 0
end
for i = 2, 5 do
  redis.call('ZREM', KEYS[i], ARGV[2])
end
redis.call('DEL', key)
return 1
`)

// KEYS: failed
// ARGV: job prefix, id, kind, payload
// Returns -1 when the job is not failed, -2 on kind mismatch, 1 on success.
var updatePayloadScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[2]) then
  return -1
end
local key = ARGV[1] .. ARGV[2]
if redis.call('HGET', key, 'kind') ~= ARGV[3] then
  return -2
end
redis.call('HSET', key, 'payload', ARGV[4])
return 1
`)
