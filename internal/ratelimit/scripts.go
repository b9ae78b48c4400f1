package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Each counter is a hash with count, reset_at and updated_at fields.
// Timestamps are unix milliseconds, passed in as strings and stored verbatim.

// luaHit applies one request to a counter.
// KEYS[1] = counter key
// ARGV[1] = now (ms)
// ARGV[2] = reset_at for a new window (ms)
// ARGV[3] = key TTL for a new window (ms)
// ARGV[4] = limit
//
// Returns {admitted (0/1), count, reset_at, updated_at}.
const luaHit = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[4])

local fields = redis.call("HMGET", key, "count", "reset_at", "updated_at")
local count = tonumber(fields[1])
local reset_at = tonumber(fields[2])
local updated_at = tonumber(fields[3])

if count == nil or reset_at == nil or now > reset_at then
    redis.call("HSET", key, "count", "1", "reset_at", ARGV[2], "updated_at", ARGV[1])
    redis.call("PEXPIRE", key, ARGV[3])
    return {1, 1, tonumber(ARGV[2]), now}
end

if count >= limit then
    return {0, count, reset_at, updated_at or now}
end

count = redis.call("HINCRBY", key, "count", 1)
redis.call("HSET", key, "updated_at", ARGV[1])
return {1, count, reset_at, now}
`

// luaDeleteExpired removes a counter if its window ended before now.
// KEYS[1] = counter key
// ARGV[1] = now (ms)
//
// Returns 1 when the key was deleted.
const luaDeleteExpired = `
local reset_at = tonumber(redis.call("HGET", KEYS[1], "reset_at"))
if reset_at ~= nil and reset_at < tonumber(ARGV[1]) then
    return redis.call("DEL", KEYS[1])
end
return 0
`

// scriptLoader holds the Lua scripts used by RedisStore. Scripts run by SHA
// and go-redis reloads them transparently after a SCRIPT FLUSH.
type scriptLoader struct {
	client redis.UniversalClient

	hit           *redis.Script
	deleteExpired *redis.Script
}

func newScriptLoader(client redis.UniversalClient) *scriptLoader {
	return &scriptLoader{
		client:        client,
		hit:           redis.NewScript(luaHit),
		deleteExpired: redis.NewScript(luaDeleteExpired),
	}
}

// LoadAll pre-loads every script into the server script cache.
func (sl *scriptLoader) LoadAll(ctx context.Context) error {
	scripts := map[string]*redis.Script{
		"hit":            sl.hit,
		"delete_expired": sl.deleteExpired,
	}

	for name, script := range scripts {
		if err := script.Load(ctx, sl.client).Err(); err != nil {
			return fmt.Errorf("failed to load script %q: %w", name, err)
		}
	}
	return nil
}
