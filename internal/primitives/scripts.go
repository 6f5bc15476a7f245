package primitives

// Lua script sources for the reservation, request-lock release and FSM primitives
// described in spec.md §4.A. Each follows the atomicity contract spelled
// out there; the reservation/commit/release scripts are modeled on the
// {max, running, reserved, health} capacity hash from
// original_source/.../node_redis_repository.rs.

const reserveScript = `
local capKey = KEYS[1]
local resvKey = KEYS[2]
local ttlMs = tonumber(ARGV[1])
local resvValue = ARGV[2]

local health = redis.call('HGET', capKey, 'health')
if health ~= 'ready' then
	return {0, 'NOT_READY'}
end

local max = tonumber(redis.call('HGET', capKey, 'max') or '0')
local running = tonumber(redis.call('HGET', capKey, 'running') or '0')
local reserved = tonumber(redis.call('HGET', capKey, 'reserved') or '0')

if running + reserved >= max then
	return {0, 'FULL'}
end

redis.call('HINCRBY', capKey, 'reserved', 1)
redis.call('SET', resvKey, resvValue, 'PX', ttlMs)
return {1, 'OK'}
`

const commitScript = `
local capKey = KEYS[1]
local resvKey = KEYS[2]

if redis.call('EXISTS', resvKey) == 0 then
	return 0
end
redis.call('DEL', resvKey)

local reserved = tonumber(redis.call('HGET', capKey, 'reserved') or '0')
if reserved > 0 then
	redis.call('HINCRBY', capKey, 'reserved', -1)
end
redis.call('HINCRBY', capKey, 'running', 1)
return 1
`

const releaseScript = `
local capKey = KEYS[1]
local resvKey = KEYS[2]

redis.call('DEL', resvKey)
local reserved = tonumber(redis.call('HGET', capKey, 'reserved') or '0')
if reserved > 0 then
	redis.call('HINCRBY', capKey, 'reserved', -1)
end
return 1
`

const decRunningScript = `
local capKey = KEYS[1]
local running = tonumber(redis.call('HGET', capKey, 'running') or '0')
if running > 0 then
	redis.call('HINCRBY', capKey, 'running', -1)
end
return 1
`

const releaseLockScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`

// fsmTransitionScript performs a CAS on a job FSM hash's "state" field.
// ARGV[1] = expected current state, ARGV[2] = new state,
// ARGV[3] = attempt_id to store ("" to leave unchanged),
// ARGV[4] = success flag to store ("" to leave unchanged).
// Any mismatch between the current state and the expected source state is
// a silent no-op, per spec.md §4.A.
const fsmTransitionScript = `
local key = KEYS[1]
local expected = ARGV[1]
local newState = ARGV[2]
local attemptID = ARGV[3]
local success = ARGV[4]

local cur = redis.call('HGET', key, 'state')
if cur ~= expected then
	return 0
end

redis.call('HSET', key, 'state', newState)
if attemptID ~= '' then
	redis.call('HSET', key, 'attempt_id', attemptID)
end
if success ~= '' then
	redis.call('HSET', key, 'success', success)
end
return 1
`

// fsmInitScript creates a fresh FSM record only if one does not already
// exist (so repeated init on the same job_id is a no-op).
const fsmInitScript = `
local key = KEYS[1]
if redis.call('EXISTS', key) == 1 then
	return 0
end
redis.call('HSET', key, 'state', ARGV[1], 'attempt_id', ARGV[2])
return 1
`

var defs = map[string]ScriptDef{
	"reserve":      {Script: reserveScript, Keys: map[string]int{"cap": 1, "resv": 2}},
	"commit":       {Script: commitScript, Keys: map[string]int{"cap": 1, "resv": 2}},
	"release":      {Script: releaseScript, Keys: map[string]int{"cap": 1, "resv": 2}},
	"dec_running":  {Script: decRunningScript, Keys: map[string]int{"cap": 1}},
	"release_lock": {Script: releaseLockScript, Keys: map[string]int{"lock": 1}},
	"fsm_init":       {Script: fsmInitScript, Keys: map[string]int{"job": 1}},
	"fsm_transition": {Script: fsmTransitionScript, Keys: map[string]int{"job": 1}},
}
