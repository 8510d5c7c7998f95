package board

import "github.com/redis/go-redis/v9"

// Atomic conditional writes
//
// Every ownership boundary in the data model (§ single-writer-per-field) is
// enforced with a Lua script so that concurrent orchestrator, dispatcher and
// worker instances coordinate through Redis alone, without leader election.
// Scripts return small integer codes:
//
//	 1  applied
//	 2  applied, retry branch taken (fail script only)
//	 0  conditional check failed (conflict)
//	-1  entity missing
//	-2  task was cancelled meanwhile

// jobTransitionScript performs a CAS on job status and optionally stage.
// KEYS: job, jobs index. ARGV: expected_status, new_status, new_stage ("" keeps), now_ms, job_id.
var jobTransitionScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updated_at_ms', ARGV[4])
if ARGV[3] ~= '' then
  redis.call('HSET', KEYS[1], 'stage', ARGV[3])
end
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[5])
return 1
`)

// enqueueTaskScript moves a task pending→queued and adds it to its role queue.
// ZADD NX preserves the original FIFO position if the member already exists,
// which makes re-enqueue after orchestrator restart idempotent.
// KEYS: task, queue. ARGV: now_ms, score, task_id.
var enqueueTaskScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status == 'queued' then
  redis.call('ZADD', KEYS[2], 'NX', ARGV[2], ARGV[3])
  return 1
end
if status ~= 'pending' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'queued', 'enqueued_at_ms', ARGV[1], 'updated_at_ms', ARGV[1])
redis.call('ZADD', KEYS[2], 'NX', ARGV[2], ARGV[3])
return 1
`)

// claimTaskScript pops the highest-precedence queue entry and claims it if it
// is still queued. Returns {task_id, resulting_status}; a non-queued status
// (cancelled, missing) tells the caller to drop the entry and pop again.
// KEYS: queue, leases. ARGV: task_key_prefix, worker_id, lease_expires_at_ms, now_ms.
var claimTaskScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1])
if #popped == 0 then return {'', ''} end
local id = popped[1]
local tkey = ARGV[1] .. id
local status = redis.call('HGET', tkey, 'status')
if not status then return {id, 'missing'} end
if status ~= 'queued' then return {id, status} end
redis.call('HSET', tkey, 'status', 'claimed', 'claimed_by', ARGV[2], 'lease_expires_at_ms', ARGV[3], 'updated_at_ms', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[3], id)
return {id, 'claimed'}
`)

// startTaskScript moves a task claimed→running if the worker holds the claim.
// KEYS: task. ARGV: worker_id, now_ms.
var startTaskScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status == 'cancelled' then return -2 end
if status ~= 'claimed' then return 0 end
if redis.call('HGET', KEYS[1], 'claimed_by') ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'status', 'running', 'updated_at_ms', ARGV[2])
return 1
`)

// completeTaskScript moves a task running→succeeded with its output payload.
// A cancelled task returns -2 so the worker discards the result.
// KEYS: task, leases. ARGV: worker_id, output, now_ms, task_id.
var completeTaskScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status == 'cancelled' then
  redis.call('ZREM', KEYS[2], ARGV[4])
  return -2
end
if status ~= 'running' then return 0 end
if redis.call('HGET', KEYS[1], 'claimed_by') ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'status', 'succeeded', 'output', ARGV[2], 'error', '', 'lease_expires_at_ms', 0, 'updated_at_ms', ARGV[3])
redis.call('ZREM', KEYS[2], ARGV[4])
return 1
`)

// failTaskScript records a task failure. With the retry flag set the task goes
// back to queued via the delayed set (attempt+1); otherwise it becomes
// terminally failed.
// KEYS: task, leases, delayed.
// ARGV: worker_id, error, now_ms, task_id, retry ("1"/"0"), ready_at_ms.
var failTaskScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status == 'cancelled' then
  redis.call('ZREM', KEYS[2], ARGV[4])
  return -2
end
if status ~= 'running' then return 0 end
if redis.call('HGET', KEYS[1], 'claimed_by') ~= ARGV[1] then return 0 end
redis.call('ZREM', KEYS[2], ARGV[4])
if ARGV[5] == '1' then
  local attempt = tonumber(redis.call('HGET', KEYS[1], 'attempt')) or 0
  redis.call('HSET', KEYS[1], 'status', 'queued', 'error', ARGV[2], 'claimed_by', '', 'lease_expires_at_ms', 0, 'attempt', attempt + 1, 'updated_at_ms', ARGV[3])
  redis.call('ZADD', KEYS[3], ARGV[6], ARGV[4])
  return 2
end
redis.call('HSET', KEYS[1], 'status', 'failed', 'error', ARGV[2], 'lease_expires_at_ms', 0, 'updated_at_ms', ARGV[3])
return 1
`)

// extendLeaseScript renews a worker's lease on a claimed or running task.
// KEYS: task, leases. ARGV: worker_id, lease_expires_at_ms, now_ms, task_id.
var extendLeaseScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= 'claimed' and status ~= 'running' then return 0 end
if redis.call('HGET', KEYS[1], 'claimed_by') ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'lease_expires_at_ms', ARGV[2], 'updated_at_ms', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[4])
return 1
`)

// requeueExpiredScript returns expired leases to their role queues, or fails
// the task terminally when its attempt budget is spent. Returns a list of
// "task_id:outcome:role" entries so the caller can emit the matching events.
// KEYS: leases. ARGV: task_key_prefix, queue_key_prefix, now_ms, limit.
var requeueExpiredScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[3], 'LIMIT', 0, tonumber(ARGV[4]))
local out = {}
for _, id in ipairs(expired) do
  local tkey = ARGV[1] .. id
  local status = redis.call('HGET', tkey, 'status')
  if status == 'claimed' or status == 'running' then
    local role = redis.call('HGET', tkey, 'role') or ''
    local attempt = tonumber(redis.call('HGET', tkey, 'attempt')) or 0
    local max = tonumber(redis.call('HGET', tkey, 'max_attempts')) or 1
    if attempt >= max then
      redis.call('HSET', tkey, 'status', 'failed', 'error', 'lease expired and attempt budget exhausted', 'claimed_by', '', 'lease_expires_at_ms', 0, 'updated_at_ms', ARGV[3])
      table.insert(out, id .. ':failed:' .. role)
    else
      local prio = tonumber(redis.call('HGET', tkey, 'priority')) or 0
      redis.call('HSET', tkey, 'status', 'queued', 'claimed_by', '', 'lease_expires_at_ms', 0, 'attempt', attempt + 1, 'enqueued_at_ms', ARGV[3], 'updated_at_ms', ARGV[3])
      redis.call('ZADD', ARGV[2] .. role, prio * 1e13 + tonumber(ARGV[3]), id)
      table.insert(out, id .. ':queued:' .. role)
    end
  end
  redis.call('ZREM', KEYS[1], id)
end
return out
`)

// promoteDelayedScript moves backoff-delayed tasks whose ready time has passed
// into their role queues. Returns "task_id:role" entries.
// KEYS: delayed. ARGV: task_key_prefix, queue_key_prefix, now_ms, limit.
var promoteDelayedScript = redis.NewScript(`
local ready = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[3], 'LIMIT', 0, tonumber(ARGV[4]))
local out = {}
for _, id in ipairs(ready) do
  local tkey = ARGV[1] .. id
  local status = redis.call('HGET', tkey, 'status')
  if status == 'queued' then
    local role = redis.call('HGET', tkey, 'role') or ''
    local prio = tonumber(redis.call('HGET', tkey, 'priority')) or 0
    redis.call('ZADD', ARGV[2] .. role, prio * 1e13 + tonumber(ARGV[3]), id)
    table.insert(out, id .. ':' .. role)
  end
  redis.call('ZREM', KEYS[1], id)
end
return out
`)

// cancelJobTasksScript marks every non-terminal task of a job cancelled in a
// single transaction and clears lease/delay bookkeeping. Queue entries are
// left behind; claim drops them on the next pop.
// KEYS: job tasks set, leases, delayed. ARGV: task_key_prefix, now_ms.
var cancelJobTasksScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
local cancelled = {}
for _, id in ipairs(ids) do
  local tkey = ARGV[1] .. id
  local status = redis.call('HGET', tkey, 'status')
  if status == 'pending' or status == 'queued' or status == 'claimed' or status == 'running' then
    redis.call('HSET', tkey, 'status', 'cancelled', 'updated_at_ms', ARGV[2])
    redis.call('ZREM', KEYS[2], id)
    redis.call('ZREM', KEYS[3], id)
    table.insert(cancelled, id)
  end
end
return cancelled
`)

// appendEventScript assigns the next per-job sequence number and stores the
// event durably in one step, so sequences are gap-free even across crashes.
// The member is "seq|json"; readers split on the first pipe.
// KEYS: events, seq counter. ARGV: event JSON without seq.
var appendEventScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[2])
redis.call('ZADD', KEYS[1], seq, seq .. '|' .. ARGV[1])
return seq
`)

// approveJobScript writes the truth record and advances job status/stage as a
// single transaction, guarded by the expected stage.
// KEYS: job, truth, jobs index.
// ARGV: expected_stage, new_status, new_stage, now_ms, job_id,
//       requirements_hash, prd_hash, prd_artifact, notes.
var approveJobScript = redis.NewScript(`
local stage = redis.call('HGET', KEYS[1], 'stage')
if not stage then return -1 end
if stage ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[2], 'job_id', ARGV[5], 'requirements_hash', ARGV[6], 'prd_hash', ARGV[7], 'prd_artifact', ARGV[8], 'notes', ARGV[9], 'approved_at_ms', ARGV[4])
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'stage', ARGV[3], 'updated_at_ms', ARGV[4])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[5])
return 1
`)

// releaseGuardScript deletes the project guard only if it still points at the
// given job.
// KEYS: guard. ARGV: job_id.
var releaseGuardScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// releaseLockScript deletes the advance lock only if the caller's token still
// holds it.
// KEYS: lock. ARGV: token.
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
