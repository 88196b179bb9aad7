package store

import "github.com/redis/go-redis/v9"

// touchLua refreshes activity and TTL for a room, its member set and the
// presence key of every member. Prepended to the scripts that need it.
const touchLua = `
local function touch(room, members, prefix, ttl, now)
  redis.call('HSET', room, 'lastActivity', now)
  redis.call('PEXPIRE', room, ttl)
  redis.call('PEXPIRE', members, ttl)
  local ids = redis.call('ZRANGE', members, 0, -1)
  for _, id in ipairs(ids) do
    redis.call('PEXPIRE', prefix .. 'presence:' .. id, ttl)
  end
end
`

// KEYS: room, members, index, presence
// ARGV: code, requester, now, ttl, prefix
var createScript = redis.NewScript(touchLua + `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'code', ARGV[1], 'host', ARGV[2], 'createdAt', ARGV[3], 'lastActivity', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('SET', KEYS[4], ARGV[1], 'PX', ARGV[4])
touch(KEYS[1], KEYS[2], ARGV[5], ARGV[4], ARGV[3])
return 1
`)

// A room whose host is missing or no longer a member gets the
// earliest-joined member as host, which is the joiner when the set was empty.
// Returns {count, added, newHost}, or -1 if the room is gone.
// KEYS: room, members, presence
// ARGV: code, requester, now, ttl, prefix
var joinScript = redis.NewScript(touchLua + `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local added = redis.call('ZADD', KEYS[2], 'NX', ARGV[3], ARGV[2])
local host = redis.call('HGET', KEYS[1], 'host')
local newHost = ''
if (not host) or host == '' or redis.call('ZSCORE', KEYS[2], host) == false then
  newHost = redis.call('ZRANGE', KEYS[2], 0, 0)[1]
  redis.call('HSET', KEYS[1], 'host', newHost)
end
redis.call('HDEL', KEYS[1], 'emptySince')
redis.call('SET', KEYS[3], ARGV[1], 'PX', ARGV[4])
touch(KEYS[1], KEYS[2], ARGV[5], ARGV[4], ARGV[3])
return {redis.call('ZCARD', KEYS[2]), added, newHost}
`)

// Returns the emptySince stamp, or -1 if the room is gone.
// KEYS: room
// ARGV: now
var markEmptyScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
redis.call('HSETNX', KEYS[1], 'emptySince', ARGV[1])
return tonumber(redis.call('HGET', KEYS[1], 'emptySince'))
`)

// Returns {removed, remaining, newHost, deleted}.
// KEYS: room, members, index, presence
// ARGV: code, requester, now, ttl, prefix
var leaveScript = redis.NewScript(touchLua + `
local removed = redis.call('ZREM', KEYS[2], ARGV[2])
if redis.call('GET', KEYS[4]) == ARGV[1] then
  redis.call('DEL', KEYS[4])
end
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('DEL', KEYS[2])
  redis.call('SREM', KEYS[3], ARGV[1])
  return {removed, 0, '', 1}
end
local remaining = redis.call('ZCARD', KEYS[2])
if remaining == 0 then
  redis.call('DEL', KEYS[1], KEYS[2])
  redis.call('SREM', KEYS[3], ARGV[1])
  return {removed, 0, '', 1}
end
local host = redis.call('HGET', KEYS[1], 'host')
local newHost = ''
if (not host) or host == ARGV[2] or redis.call('ZSCORE', KEYS[2], host) == false then
  newHost = redis.call('ZRANGE', KEYS[2], 0, 0)[1]
  redis.call('HSET', KEYS[1], 'host', newHost)
end
touch(KEYS[1], KEYS[2], ARGV[5], ARGV[4], ARGV[3])
return {removed, remaining, newHost, 0}
`)

// Returns -1 if the room is gone, 0 if the state is stale, 1 if stored.
// KEYS: room, members
// ARGV: state json, state ts, now, ttl, prefix, videoId
var saveStateScript = redis.NewScript(touchLua + `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local cur = tonumber(redis.call('HGET', KEYS[1], 'stateTs') or '0')
if tonumber(ARGV[2]) < cur then
  return 0
end
redis.call('HSET', KEYS[1], 'state', ARGV[1], 'stateTs', ARGV[2], 'stateVideo', ARGV[6], 'videoId', ARGV[6])
touch(KEYS[1], KEYS[2], ARGV[5], ARGV[4], ARGV[3])
return 1
`)

// A new video invalidates a stored state for a different video; stateTs is
// kept so older states still read as stale.
// KEYS: room, members
// ARGV: videoId, now, ttl, prefix
var saveVideoScript = redis.NewScript(touchLua + `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[1], 'stateVideo') ~= ARGV[1] then
  redis.call('HDEL', KEYS[1], 'state', 'stateVideo')
end
redis.call('HSET', KEYS[1], 'videoId', ARGV[1])
touch(KEYS[1], KEYS[2], ARGV[4], ARGV[3], ARGV[2])
return 1
`)

// KEYS: room, members
// ARGV: now, ttl, prefix
var touchScript = redis.NewScript(touchLua + `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
touch(KEYS[1], KEYS[2], ARGV[3], ARGV[2], ARGV[1])
return 1
`)

// KEYS: room, members, index
// ARGV: code, prefix
var deleteScript = redis.NewScript(`
local ids = redis.call('ZRANGE', KEYS[2], 0, -1)
for _, id in ipairs(ids) do
  local p = ARGV[2] .. 'presence:' .. id
  if redis.call('GET', p) == ARGV[1] then
    redis.call('DEL', p)
  end
end
redis.call('DEL', KEYS[1], KEYS[2])
redis.call('SREM', KEYS[3], ARGV[1])
return #ids
`)
