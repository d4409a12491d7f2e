// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import "github.com/redis/go-redis/v9"

// Job hash fields: data (envelope JSON), attempt, state, lease (token of
// the worker holding it) and last_error. Scripts that finish a delivery
// check the lease token first so a worker whose lease was reclaimed cannot
// ack or reschedule a job another worker now holds.

// enqueueScript creates the job unless a live (non-dead) job with the
// same id exists.
//
// KEYS: job, pending, dead, payload
// ARGV: id, data, retention seconds, retained payload
var enqueueScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state and state ~= 'dead' then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('LREM', KEYS[3], 0, ARGV[1])
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'attempt', 0, 'state', 'queued')
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('SET', KEYS[4], ARGV[4], 'EX', ARGV[3])
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)

// dequeueScript pops the oldest pending id, skipping ids whose job hash
// has expired, and leases it.
//
// KEYS: pending, active, leases
// ARGV: lease deadline (unix ms), job key prefix, lease token
var dequeueScript = redis.NewScript(`
while true do
  local id = redis.call('RPOP', KEYS[1])
  if not id then
    return false
  end
  local jk = ARGV[2] .. id
  if redis.call('EXISTS', jk) == 1 then
    redis.call('LPUSH', KEYS[2], id)
    redis.call('ZADD', KEYS[3], ARGV[1], id)
    local attempt = redis.call('HINCRBY', jk, 'attempt', 1)
    redis.call('HSET', jk, 'state', 'active', 'lease', ARGV[3])
    return {id, redis.call('HGET', jk, 'data'), attempt}
  end
end
`)

// ackScript removes a completed job.
//
// KEYS: job, active, leases
// ARGV: id, lease token
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lease') ~= ARGV[2] then
  return 0
end
redis.call('LREM', KEYS[2], 1, ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('DEL', KEYS[1])
return 1
`)

// retryScript moves an active job to the delayed set. A refund of 1
// takes back the attempt dequeue counted.
//
// KEYS: job, active, leases, delayed
// ARGV: id, lease token, due (unix ms), last error, refund
var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lease') ~= ARGV[2] then
  return 0
end
if ARGV[5] == '1' then
  redis.call('HINCRBY', KEYS[1], 'attempt', -1)
end
redis.call('LREM', KEYS[2], 1, ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
redis.call('HSET', KEYS[1], 'state', 'delayed', 'last_error', ARGV[4])
redis.call('HDEL', KEYS[1], 'lease')
return 1
`)

// deadScript moves an active job to the dead list. The dead list is
// capped; the job hash expires after the retention period.
//
// KEYS: job, active, leases, dead
// ARGV: id, lease token, reason, retention seconds, dead list cap
var deadScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lease') ~= ARGV[2] then
  return 0
end
redis.call('LREM', KEYS[2], 1, ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('LPUSH', KEYS[4], ARGV[1])
redis.call('LTRIM', KEYS[4], 0, tonumber(ARGV[5]) - 1)
redis.call('HSET', KEYS[1], 'state', 'dead', 'last_error', ARGV[3])
redis.call('HDEL', KEYS[1], 'lease')
redis.call('EXPIRE', KEYS[1], ARGV[4])
return 1
`)

// extendScript pushes the lease deadline of a job still held by token.
//
// KEYS: job, leases
// ARGV: id, lease token, new deadline (unix ms)
var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lease') ~= ARGV[2] then
  return 0
end
redis.call('ZADD', KEYS[2], 'XX', ARGV[3], ARGV[1])
return 1
`)

// releaseScript hands back the attempt of a job interrupted by shutdown.
// The job stays active; lease expiry returns it to pending.
//
// KEYS: job
// ARGV: lease token
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'lease') ~= ARGV[1] then
  return 0
end
redis.call('HINCRBY', KEYS[1], 'attempt', -1)
return 1
`)

// promoteScript moves due delayed jobs to the consuming end of pending.
//
// KEYS: delayed, pending
// ARGV: now (unix ms), job key prefix, batch size
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[3])
local moved = 0
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local jk = ARGV[2] .. id
  if redis.call('EXISTS', jk) == 1 then
    redis.call('HSET', jk, 'state', 'queued')
    redis.call('RPUSH', KEYS[2], id)
    moved = moved + 1
  end
end
return moved
`)

// reclaimScript returns jobs whose lease expired to pending.
//
// KEYS: leases, active, pending
// ARGV: now (unix ms), job key prefix, batch size
var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[3])
local moved = 0
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LREM', KEYS[2], 1, id)
  local jk = ARGV[2] .. id
  if redis.call('EXISTS', jk) == 1 then
    redis.call('HSET', jk, 'state', 'queued')
    redis.call('HDEL', jk, 'lease')
    redis.call('RPUSH', KEYS[3], id)
    moved = moved + 1
  end
end
return moved
`)
