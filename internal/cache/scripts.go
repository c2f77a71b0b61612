package cache

import "github.com/redis/go-redis/v9"

// These scripts are a direct semantic port of the Lua used by the original
// booking service's redis_utils module: acquire is a conditional SET,
// renew and release/safe-release all compare the stored value against the
// caller-supplied owner token before acting, so a lease holder can never
// step on a lease it no longer owns.

var acquireScript = redis.NewScript(`
return redis.call('SET', KEYS[1], ARGV[1], 'NX', 'EX', ARGV[2])
`)

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var deleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

var safeReleaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[1])
	redis.call('DEL', KEYS[2])
	return 1
else
	return 0
end
`)
