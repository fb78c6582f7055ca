package jobqueue

import "github.com/go-redis/redis/v8"

// scripts holds the server-side Lua scripts of the queue.
type scripts struct {
	enqueue     *redis.Script
	enqueueBulk *redis.Script
	claim       *redis.Script
	complete    *redis.Script
	fail        *redis.Script
	promote     *redis.Script
	reclaim     *redis.Script
}

func newScripts() *scripts {
	return &scripts{
		enqueue:     redis.NewScript(enqueueScript),
		enqueueBulk: redis.NewScript(enqueueBulkScript),
		claim:       redis.NewScript(claimScript),
		complete:    redis.NewScript(completeScript),
		fail:        redis.NewScript(failScript),
		promote:     redis.NewScript(promoteScript),
		reclaim:     redis.NewScript(reclaimScript),
	}
}

// enqueueScript admits one job unless a live job holds the same ID.
// Replacing a terminal job also drops its completed/failed index entry,
// else retention would later delete the hash of the live replacement.
// Keys:
// 1. Wait list
// 2. Delayed sorted set
// 3. Job hash
// 4. Completed sorted set
// 5. Failed sorted set
// Arguments:
// 1. Job ID
// 2. Job name
// 3. Payload (JSON)
// 4. Priority
// 5. Enqueue time (unix ms)
// 6. Delay (ms)
// Returns: "duplicate" or "ok"
const enqueueScript = `
local state = redis.call("HGET", KEYS[3], "state")
if state == "waiting" or state == "delayed" or state == "active" then
	return "duplicate"
end
redis.call("ZREM", KEYS[4], ARGV[1])
redis.call("ZREM", KEYS[5], ARGV[1])
redis.call("DEL", KEYS[3])
redis.call("HSET", KEYS[3],
	"id", ARGV[1],
	"name", ARGV[2],
	"payload", ARGV[3],
	"priority", ARGV[4],
	"attempts_made", 0,
	"enqueued_at", ARGV[5])
if tonumber(ARGV[6]) > 0 then
	redis.call("HSET", KEYS[3], "state", "delayed")
	redis.call("ZADD", KEYS[2], ARGV[5] + ARGV[6], ARGV[1])
else
	redis.call("HSET", KEYS[3], "state", "waiting")
	if tonumber(ARGV[4]) > 0 then
		redis.call("RPUSH", KEYS[1], ARGV[1])
	else
		redis.call("LPUSH", KEYS[1], ARGV[1])
	end
end
return "ok"
`

// enqueueBulkScript admits a chunk of jobs in one round-trip. Like the
// single-job script, replacement clears stale terminal index entries.
// Keys:
// 1. Wait list
// 2. Delayed sorted set
// 3. Completed sorted set
// 4. Failed sorted set
// Arguments:
// 1. Job hash key prefix
// 2. Enqueue time (unix ms)
// 3... Groups of five: ID, name, payload, priority, delay (ms)
// Returns: {admitted count, duplicate count}
const enqueueBulkScript = `
local added = 0
local dups = 0
for i = 3, #ARGV, 5 do
	local id = ARGV[i]
	local jk = ARGV[1] .. id
	local state = redis.call("HGET", jk, "state")
	if state == "waiting" or state == "delayed" or state == "active" then
		dups = dups + 1
	else
		redis.call("ZREM", KEYS[3], id)
		redis.call("ZREM", KEYS[4], id)
		redis.call("DEL", jk)
		redis.call("HSET", jk,
			"id", id,
			"name", ARGV[i+1],
			"payload", ARGV[i+2],
			"priority", ARGV[i+3],
			"attempts_made", 0,
			"enqueued_at", ARGV[2])
		if tonumber(ARGV[i+4]) > 0 then
			redis.call("HSET", jk, "state", "delayed")
			redis.call("ZADD", KEYS[2], ARGV[2] + ARGV[i+4], id)
		else
			redis.call("HSET", jk, "state", "waiting")
			if tonumber(ARGV[i+3]) > 0 then
				redis.call("RPUSH", KEYS[1], id)
			else
				redis.call("LPUSH", KEYS[1], id)
			end
		end
		added = added + 1
	end
end
return {added, dups}
`

// claimScript moves jobs from waiting to active under a lock.
// Keys:
// 1. Wait list
// 2. Active list
// 3. Locks sorted set
// Arguments:
// 1. Job hash key prefix
// 2. Claim time (unix ms)
// 3. Lock duration (ms)
// 4. Worker ID
// 5. Max jobs to claim
// Returns: list of claimed job IDs
const claimScript = `
local ret = {}
for i = 1, tonumber(ARGV[5]), 1 do
	local id = redis.call("RPOP", KEYS[1])
	if not id then break end
	local jk = ARGV[1] .. id
	redis.call("LPUSH", KEYS[2], id)
	redis.call("HSET", jk,
		"state", "active",
		"processed_at", ARGV[2],
		"claimed_by", ARGV[4])
	redis.call("HINCRBY", jk, "attempts_made", 1)
	redis.call("ZADD", KEYS[3], ARGV[2] + ARGV[3], id)
	table.insert(ret, id)
end
return ret
`

// completeScript finishes a job successfully.
// Keys:
// 1. Active list
// 2. Locks sorted set
// 3. Completed sorted set
// 4. Counters hash
// 5. Job hash
// Arguments:
// 1. Job ID
// 2. Finish time (unix ms)
// Returns: nothing
const completeScript = `
redis.call("LREM", KEYS[1], 1, ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[5], "state", "completed", "finished_at", ARGV[2])
redis.call("ZADD", KEYS[3], ARGV[2], ARGV[1])
redis.call("HINCRBY", KEYS[4], "completed", 1)
return true
`

// failScript finishes a job attempt. Retryable failures with attempts left
// go back through the delayed set; everything else lands in failed.
// Keys:
// 1. Active list
// 2. Locks sorted set
// 3. Delayed sorted set
// 4. Failed sorted set
// 5. Counters hash
// 6. Job hash
// Arguments:
// 1. Job ID
// 2. Failure time (unix ms)
// 3. Failure reason
// 4. Max attempts
// 5. Retry delay (ms)
// 6. Retryable flag (0/1)
// Returns: "retried" or "failed"
const failScript = `
redis.call("LREM", KEYS[1], 1, ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[1])
local attempts = tonumber(redis.call("HGET", KEYS[6], "attempts_made") or "0")
if tonumber(ARGV[6]) == 1 and attempts < tonumber(ARGV[4]) then
	redis.call("HSET", KEYS[6], "state", "delayed", "failure_reason", ARGV[3])
	redis.call("ZADD", KEYS[3], ARGV[2] + ARGV[5], ARGV[1])
	return "retried"
end
redis.call("HSET", KEYS[6], "state", "failed", "failure_reason", ARGV[3], "finished_at", ARGV[2])
redis.call("ZADD", KEYS[4], ARGV[2], ARGV[1])
redis.call("HINCRBY", KEYS[5], "failed", 1)
return "failed"
`

// promoteScript moves due delayed jobs to the wait list.
// Keys:
// 1. Delayed sorted set
// 2. Wait list
// Arguments:
// 1. Job hash key prefix
// 2. Now (unix ms)
// 3. Max jobs to promote
// Returns: number promoted
const promoteScript = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[2], "LIMIT", 0, ARGV[3])
for _, id in ipairs(due) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("LPUSH", KEYS[2], id)
	redis.call("HSET", ARGV[1] .. id, "state", "waiting")
end
return #due
`

// reclaimScript returns jobs with expired locks to the wait list.
// Keys:
// 1. Locks sorted set
// 2. Active list
// 3. Wait list
// Arguments:
// 1. Job hash key prefix
// 2. Now (unix ms)
// 3. Max jobs to reclaim
// Returns: list of reclaimed job IDs
const reclaimScript = `
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[2], "LIMIT", 0, ARGV[3])
for _, id in ipairs(expired) do
	redis.call("ZREM", KEYS[1], id)
	redis.call("LREM", KEYS[2], 1, id)
	redis.call("LPUSH", KEYS[3], id)
	redis.call("HSET", ARGV[1] .. id, "state", "waiting")
end
return expired
`
