package queue

import "github.com/redis/go-redis/v9"

// claimScript is the single atomic claim primitive. It walks the head of the
// pending index, skips jobs whose available_at is still in the future, and
// for the first claimable job performs remove-from-pending,
// insert-into-processing, and increment-attempts as one indivisible step.
// Exactly one caller can win a given job.
//
// KEYS[1] = pending zset
// KEYS[2] = processing zset
// ARGV[1] = key prefix for job hashes
// ARGV[2] = now (unix ms)
// ARGV[3] = visibility deadline (unix ms)
// ARGV[4] = scan window size
//
// Returns the claimed job id, or false when nothing is claimable.
var claimScript = redis.NewScript(`
local candidates = redis.call('ZRANGE', KEYS[1], 0, tonumber(ARGV[4]) - 1)
for _, id in ipairs(candidates) do
  local key = ARGV[1] .. id
  local available = tonumber(redis.call('HGET', key, 'available_at') or '0')
  if available <= tonumber(ARGV[2]) then
    redis.call('ZREM', KEYS[1], id)
    redis.call('ZADD', KEYS[2], ARGV[3], id)
    redis.call('HINCRBY', key, 'attempts', 1)
    redis.call('HSET', key, 'status', 'processing', 'claimed_at', ARGV[2])
    return id
  end
end
return false
`)

// completeScript resolves a processing job to completed. The ZREM result is
// the ownership check: zero removals means another party (a sweep, a
// duplicate report) already resolved the job and this call is a no-op.
//
// KEYS[1] = processing zset
// KEYS[2] = completed zset
// KEYS[3] = job hash
// ARGV[1] = job id
// ARGV[2] = now (unix ms)
// ARGV[3] = result payload ("" to skip)
// ARGV[4] = terminal retention count
var completeScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 0 then
  return 0
end
redis.call('HSET', KEYS[3], 'status', 'completed', 'finished_at', ARGV[2])
if ARGV[3] ~= '' then
  redis.call('HSET', KEYS[3], 'result', ARGV[3])
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('ZREMRANGEBYRANK', KEYS[2], 0, -(tonumber(ARGV[4]) + 1))
return 1
`)

// failScript resolves a processing job to either a delayed retry or the
// terminal failed state, depending on the attempt budget. Same ZREM-first
// ownership rule as completeScript.
//
// KEYS[1] = processing zset
// KEYS[2] = pending zset
// KEYS[3] = failed zset
// KEYS[4] = job hash
// ARGV[1] = job id
// ARGV[2] = now (unix ms)
// ARGV[3] = error message
// ARGV[4] = retry available_at (unix ms)
// ARGV[5] = retry pending score
// ARGV[6] = terminal retention count
//
// Returns 0 = not owned, 1 = retried, 2 = terminal.
var failScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 0 then
  return 0
end
redis.call('HSET', KEYS[4], 'last_error', ARGV[3])
local attempts = tonumber(redis.call('HGET', KEYS[4], 'attempts') or '0')
local max = tonumber(redis.call('HGET', KEYS[4], 'max_attempts') or '1')
if attempts < max then
  redis.call('HSET', KEYS[4], 'status', 'pending', 'available_at', ARGV[4])
  redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
  return 1
end
redis.call('HSET', KEYS[4], 'status', 'failed', 'finished_at', ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
redis.call('ZREMRANGEBYRANK', KEYS[3], 0, -(tonumber(ARGV[6]) + 1))
return 2
`)
