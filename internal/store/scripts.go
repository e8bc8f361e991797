package store

import "github.com/redis/go-redis/v9"

// zReserveWithCapacityScript implements spec §4.7.2's reservation
// primitive: purge expired entries, compute effective load, and reserve
// a slot atomically so there is no race between the capacity check and
// the ZADD. KEYS[1] is the node's reservation sorted-set key.
// ARGV: now_ms, ttl_ms, running, max_jobs, job_id.
var zReserveWithCapacityScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local running = tonumber(ARGV[3])
local maxJobs = tonumber(ARGV[4])
local jobID = ARGV[5]

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now)
local reserved = redis.call('ZCARD', KEYS[1])
local effective = running
if reserved > effective then
  effective = reserved
end
if effective >= maxJobs then
  return 0
end
redis.call('ZADD', KEYS[1], now + ttl, jobID)
redis.call('PEXPIRE', KEYS[1], ttl)
return 1
`)

// markJobDispatchedScript implements spec §4.6's first CAS transition.
// KEYS[1] is the job hash key. ARGV: now_ms, ttl_ms.
// Returns 0 (not found), 1 (idempotent no-op, already dispatched), or 2
// (transition applied).
var markJobDispatchedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local already = redis.call('HGET', KEYS[1], 'dispatched_to_node')
if already == '1' then
  return 1
end
redis.call('HSET', KEYS[1], 'dispatched_to_node', '1', 'dispatched_at_ms', ARGV[1])
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
return 2
`)

// failoverReassignScript implements spec §4.6's second CAS transition.
// KEYS[1] is the job hash key. ARGV: new_node_id, expected_attempt_id,
// ttl_ms. Returns 0 (not found), -1 (stale caller), or the new attempt id
// (>= 1).
var failoverReassignScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
local stored = tonumber(redis.call('HGET', KEYS[1], 'dispatch_attempt_id') or '0')
local expected = tonumber(ARGV[2])
if stored ~= expected then
  return -1
end
local newAttempt = stored + 1
redis.call('HSET', KEYS[1],
  'dispatch_attempt_id', tostring(newAttempt),
  'assigned_node_id', ARGV[1],
  'dispatched_to_node', '0',
  'dispatched_at_ms', '0')
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[3]))
return newAttempt
`)

// fsmShadowTransitionScript implements §4.7.4's FSM shadow write: a
// transition is accepted unless a newer dispatch attempt has already
// recorded its own state, in which case it is stale and ignored. KEYS[1]
// is the job's FSM shadow hash key. ARGV: attempt_id, new_state, ttl_ms.
// Returns 1 (applied) or 0 (stale, superseded by a newer attempt).
var fsmShadowTransitionScript = redis.NewScript(`
local attempt = tonumber(ARGV[1])
local stored = tonumber(redis.call('HGET', KEYS[1], 'attempt_id') or '-1')
if stored > attempt then
  return 0
end
redis.call('HSET', KEYS[1], 'state', ARGV[2], 'attempt_id', ARGV[1])
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[3]))
return 1
`)

// setIfValueMatchesDelScript deletes KEYS[1] only if its current value
// equals ARGV[1] — the standard "unlock" CAS idiom, used by presence and
// leader-election keys. Returns 1 if deleted, 0 otherwise.
var setIfValueMatchesDelScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
