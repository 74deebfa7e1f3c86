package queue

import "github.com/redis/go-redis/v9"

// Every job state transition is a Lua script so that it is atomic with
// respect to other dispatchers and workers sharing the same Redis.
//
// Transitions on an active job carry the attempt number the caller was
// handed at dispatch. The script refuses to act when the job is no longer
// active or has been dispatched again since, which makes completion and
// failure safe to replay after a crash.
//
// Numbers are passed in as strings and written back untouched; the scripts
// never format numbers themselves.

// enqueueScript stores a new job unless the ID is taken.
//
//	KEYS[1] job hash, KEYS[2] ready, KEYS[3] delayed
//	ARGV[1] state, ARGV[2] rank, ARGV[3] job id, ARGV[4] not-before ms,
//	ARGV[5..] hash field/value pairs
//
// Returns 1 when created, 0 when the ID already exists.
var enqueueScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return 0
	end

	redis.call('HSET', KEYS[1], unpack(ARGV, 5))

	if ARGV[1] == 'delayed' then
		redis.call('ZADD', KEYS[3], ARGV[4], ARGV[3])
	else
		redis.call('ZADD', KEYS[2], '0', ARGV[2])
	end

	return 1
`)

// popScript promotes due delayed jobs, then claims the head of the ready set.
//
//	KEYS[1] ready, KEYS[2] delayed, KEYS[3] active
//	ARGV[1] job key prefix, ARGV[2] now ms, ARGV[3] lease deadline ms,
//	ARGV[4] promotion batch size
//
// Returns {'job', field, value, ...} for the claimed job, or
// {'none', next-not-before-ms} where the second element is '' when nothing
// is delayed.
var popScript = redis.NewScript(`
	local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[2], 'LIMIT', '0', ARGV[4])
	for _, id in ipairs(due) do
		redis.call('ZREM', KEYS[2], id)
		local key = ARGV[1] .. id
		local member = redis.call('HGET', key, 'rank')
		if member then
			redis.call('HSET', key, 'state', 'waiting')
			redis.call('ZADD', KEYS[1], '0', member)
		end
	end

	while true do
		local head = redis.call('ZRANGE', KEYS[1], '0', '0')
		if #head == 0 then
			local nxt = redis.call('ZRANGE', KEYS[2], '0', '0', 'WITHSCORES')
			if #nxt == 0 then
				return {'none', ''}
			end
			return {'none', nxt[2]}
		end

		local member = head[1]
		redis.call('ZREM', KEYS[1], member)
		local id = string.match(member, '([^:]+)$')
		local key = ARGV[1] .. id

		if redis.call('EXISTS', key) == 1 then
			redis.call('HINCRBY', key, 'attempts', 1)
			redis.call('HSET', key, 'state', 'active', 'started_at', ARGV[2], 'progress', '0')
			redis.call('ZADD', KEYS[3], ARGV[3], id)

			local out = {'job'}
			local fields = redis.call('HGETALL', key)
			for i = 1, #fields do
				out[#out + 1] = fields[i]
			end
			return out
		end
	end
`)

// completeScript marks an active job completed.
//
//	KEYS[1] job hash, KEYS[2] active, KEYS[3] completed
//	ARGV[1] id, ARGV[2] attempt, ARGV[3] now ms, ARGV[4] result,
//	ARGV[5] retention ms ('0' keeps forever), ARGV[6] prune-before ms
var completeScript = redis.NewScript(`
	if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'attempts') ~= ARGV[2] then
		return 0
	end

	redis.call('ZREM', KEYS[2], ARGV[1])
	redis.call('HSET', KEYS[1], 'state', 'completed', 'progress', '100', 'result', ARGV[4], 'completed_at', ARGV[3])
	redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])

	if ARGV[5] ~= '0' then
		redis.call('PEXPIRE', KEYS[1], ARGV[5])
		redis.call('ZREMRANGEBYSCORE', KEYS[3], '-inf', ARGV[6])
	end

	return 1
`)

// failScript records a failed attempt, moving the job to delayed (retry) or
// failed (terminal).
//
//	KEYS[1] job hash, KEYS[2] active, KEYS[3] delayed, KEYS[4] failed
//	ARGV[1] id, ARGV[2] attempt, ARGV[3] now ms, ARGV[4] target state,
//	ARGV[5] not-before ms, ARGV[6] error message, ARGV[7] retention ms,
//	ARGV[8] prune-before ms, ARGV[9] '1' to require an expired lease
var failScript = redis.NewScript(`
	if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'attempts') ~= ARGV[2] then
		return 0
	end

	if ARGV[9] == '1' then
		local deadline = redis.call('ZSCORE', KEYS[2], ARGV[1])
		if deadline and tonumber(deadline) > tonumber(ARGV[3]) then
			return 0
		end
	end

	redis.call('ZREM', KEYS[2], ARGV[1])

	if ARGV[4] == 'delayed' then
		redis.call('HSET', KEYS[1], 'state', 'delayed', 'not_before', ARGV[5], 'last_error', ARGV[6])
		redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
		return 1
	end

	redis.call('HSET', KEYS[1], 'state', 'failed', 'failed_at', ARGV[3], 'last_error', ARGV[6])
	redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])

	if ARGV[7] ~= '0' then
		redis.call('PEXPIRE', KEYS[1], ARGV[7])
		redis.call('ZREMRANGEBYSCORE', KEYS[4], '-inf', ARGV[8])
	end

	return 1
`)

// progressScript raises the progress of an active attempt. Lower values are
// ignored so progress never goes backwards within an attempt.
//
//	KEYS[1] job hash
//	ARGV[1] attempt, ARGV[2] progress
var progressScript = redis.NewScript(`
	if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'attempts') ~= ARGV[1] then
		return 0
	end

	local current = tonumber(redis.call('HGET', KEYS[1], 'progress') or '0') or 0
	if tonumber(ARGV[2]) > current then
		redis.call('HSET', KEYS[1], 'progress', ARGV[2])
	end

	return 1
`)

// extendScript pushes back the lease deadline of an active attempt.
//
//	KEYS[1] job hash, KEYS[2] active
//	ARGV[1] id, ARGV[2] attempt, ARGV[3] new deadline ms
var extendScript = redis.NewScript(`
	if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'attempts') ~= ARGV[2] then
		return 0
	end

	redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
	return 1
`)

// removeScript deletes a job that is not active.
//
//	KEYS[1] job hash, KEYS[2] ready, KEYS[3] delayed, KEYS[4] completed, KEYS[5] failed
//	ARGV[1] id
//
// Returns 1 when removed, 0 when missing, -1 when active.
var removeScript = redis.NewScript(`
	local state = redis.call('HGET', KEYS[1], 'state')
	if not state then
		return 0
	end
	if state == 'active' then
		return -1
	end

	local member = redis.call('HGET', KEYS[1], 'rank')
	if member then
		redis.call('ZREM', KEYS[2], member)
	end
	redis.call('ZREM', KEYS[3], ARGV[1])
	redis.call('ZREM', KEYS[4], ARGV[1])
	redis.call('ZREM', KEYS[5], ARGV[1])
	redis.call('DEL', KEYS[1])

	return 1
`)

// allowScript is a token bucket used to rate limit dispatch.
//
//	KEYS[1] bucket hash
//	ARGV[1] rate (tokens/sec), ARGV[2] burst (capacity),
//	ARGV[3] now (seconds), ARGV[4] tokens requested
var allowScript = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])
	local requested = tonumber(ARGV[4])

	local tokens = tonumber(redis.call('HGET', key, 'tokens'))
	local last_refill = tonumber(redis.call('HGET', key, 'last_refill'))

	if not tokens then
		tokens = burst
		last_refill = now
	end

	-- Refill tokens
	local delta = math.max(0, now - last_refill)
	local new_tokens = math.min(burst, tokens + (delta * rate))

	if new_tokens >= requested then
		new_tokens = new_tokens - requested
		redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', ARGV[3])
		return 1
	end

	redis.call('HSET', key, 'tokens', new_tokens, 'last_refill', ARGV[3])
	return 0
`)

// postponeScript hands a just-claimed job back as delayed without counting
// the attempt. Used when the rate limiter refuses dispatch.
//
//	KEYS[1] job hash, KEYS[2] active, KEYS[3] delayed
//	ARGV[1] id, ARGV[2] attempt, ARGV[3] not-before ms
var postponeScript = redis.NewScript(`
	if redis.call('HGET', KEYS[1], 'state') ~= 'active' or redis.call('HGET', KEYS[1], 'attempts') ~= ARGV[2] then
		return 0
	end

	redis.call('ZREM', KEYS[2], ARGV[1])
	redis.call('HINCRBY', KEYS[1], 'attempts', -1)
	redis.call('HSET', KEYS[1], 'state', 'delayed', 'not_before', ARGV[3])
	redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])

	return 1
`)
