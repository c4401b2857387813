package store

import redis "github.com/redis/go-redis/v9"

// releaseScript deletes KEYS[1] only while it still holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// extendScript adds ARGV[2] milliseconds to the remaining ttl of KEYS[1]
// while it still holds ARGV[1]. A key without a positive ttl is not extended.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
    return 0
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl > 0 then
    return redis.call("PEXPIRE", KEYS[1], ttl + tonumber(ARGV[2]))
else
    return 0
end
`)
