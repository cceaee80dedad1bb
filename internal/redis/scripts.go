package redis

import "github.com/redis/go-redis/v9"

// Replies shared by the scripts below.
const (
	replyNotFound    = "NOT_FOUND"
	replyExpired     = "EXPIRED"
	replyAlreadyUsed = "ALREADY_USED:"
	replyRevoked     = "REVOKED"
	replyOK          = "OK"
)

// consumeCodeScript marks an authorization code used if it is unused and
// unexpired.
//
// KEYS[1] = code key
// ARGV[1] = current Unix time in seconds
//
// Returns the updated record, NOT_FOUND, EXPIRED, or ALREADY_USED:<record>.
var consumeCodeScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

if (tonumber(code.used_at) or 0) > 0 then
    return 'ALREADY_USED:' .. data
end

local now = tonumber(ARGV[1])
if now > (tonumber(code.expires_at) or 0) then
    return 'EXPIRED'
end

code.used_at = now
local updated = cjson.encode(code)
redis.call('SET', KEYS[1], updated, 'KEEPTTL')
return updated
`)

// rotateRefreshScript revokes the parent refresh token and stores its child.
//
// KEYS[1] = parent record key
// KEYS[2] = child record key
// KEYS[3] = child access JTI link key
// KEYS[4] = user refresh index
// ARGV[1] = current Unix time in seconds
// ARGV[2] = child record JSON
// ARGV[3] = child TTL in seconds
// ARGV[4] = child token hash
// ARGV[5] = revoke reason
//
// Returns OK, NOT_FOUND, REVOKED or EXPIRED. Nothing is written unless OK.
var rotateRefreshScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local rt = cjson.decode(data)
if (tonumber(rt.revoked_at) or 0) > 0 then
    return 'REVOKED'
end

local now = tonumber(ARGV[1])
if now > (tonumber(rt.expires_at) or 0) then
    return 'EXPIRED'
end

rt.revoked_at = now
rt.revoke_reason = ARGV[5]
redis.call('SET', KEYS[1], cjson.encode(rt), 'KEEPTTL')
redis.call('SET', KEYS[2], ARGV[2], 'EX', ARGV[3])
redis.call('SET', KEYS[3], ARGV[4], 'EX', ARGV[3])
redis.call('SADD', KEYS[4], ARGV[4])
return 'OK'
`)

// revokeRefreshScript revokes an active refresh token record.
//
// KEYS[1] = record key
// ARGV[1] = current Unix time in seconds
// ARGV[2] = revoke reason
// ARGV[3] = required client ID, or empty for any client
//
// Returns 1 when the record was revoked, 0 otherwise.
var revokeRefreshScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end

local rt = cjson.decode(data)
if (tonumber(rt.revoked_at) or 0) > 0 then
    return 0
end

local now = tonumber(ARGV[1])
if now > (tonumber(rt.expires_at) or 0) then
    return 0
end

if ARGV[3] ~= '' and rt.client_id ~= ARGV[3] then
    return 0
end

rt.revoked_at = now
rt.revoke_reason = ARGV[2]
redis.call('SET', KEYS[1], cjson.encode(rt), 'KEEPTTL')
return 1
`)

// touchRefreshScript records the last use of a refresh token without
// overwriting a concurrent revocation.
//
// KEYS[1] = record key
// ARGV[1] = current Unix time in seconds
var touchRefreshScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end

local rt = cjson.decode(data)
rt.last_used_at = tonumber(ARGV[1])
redis.call('SET', KEYS[1], cjson.encode(rt), 'KEEPTTL')
return 1
`)
