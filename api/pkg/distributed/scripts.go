package distributed

import "github.com/redis/go-redis/v9"

// Every script here follows the same shape as
// other_examples' akbarmaulanad22-go-medical-booking redis_sync_service.go
// decrQuotaIncrQueueScript: mutate first, check the result, roll back in
// the same script if the mutation turned out to be invalid. That keeps
// check-and-mutate atomic without a WATCH/MULTI round trip, and go-redis
// transparently switches to EVALSHA after the first call.

// registerScript records an instance's first heartbeat timestamp, run once
// by Coordinator.Start. KEYS[1]=instances hash. ARGV[1]=instance id,
// ARGV[2]=now (unix millis).
var registerScript = redis.NewScript(`
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	return 1
`)

// heartbeatScript refreshes an already-registered instance's timestamp, run
// on every tick of the background loop. Same body as registerScript: spec.md
// §6 names them separately because they're triggered by distinct events
// (first Start vs. periodic tick), not because the HSET differs.
var heartbeatScript = redis.NewScript(`
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	return 1
`)

// getStatsScript reports how many instances are currently registered, used
// by the recalculation pass to split cluster-wide capacity across the
// fleet. KEYS[1]=instances hash.
var getStatsScript = redis.NewScript(`
	return redis.call('HLEN', KEYS[1])
`)

// unregisterScript removes one instance from the registry. KEYS[1]=instances
// hash. ARGV[1]=instance id.
var unregisterScript = redis.NewScript(`
	redis.call('HDEL', KEYS[1], ARGV[1])
	return 1
`)

// cleanupScript removes every instance whose last heartbeat is older than
// a staleness threshold. KEYS[1]=instances hash. ARGV[1]=now (unix
// millis), ARGV[2]=stale-after (millis). Returns the number removed.
var cleanupScript = redis.NewScript(`
	local all = redis.call('HGETALL', KEYS[1])
	local removed = 0
	for i = 1, #all, 2 do
		local id = all[i]
		local ts = tonumber(all[i + 1])
		if ts == nil or (tonumber(ARGV[1]) - ts) > tonumber(ARGV[2]) then
			redis.call('HDEL', KEYS[1], id)
			removed = removed + 1
		end
	end
	return removed
`)

// acquireScript atomically increments a usage counter and rolls back if
// the increment pushed it over capacity. KEYS[1]=usage counter key.
// ARGV[1]=amount, ARGV[2]=capacity, ARGV[3]=key TTL in seconds (0 means
// no TTL is (re)applied). Returns the new counter value on success, -1 if
// rolled back.
var acquireScript = redis.NewScript(`
	local newval = redis.call('INCRBY', KEYS[1], ARGV[1])
	if newval > tonumber(ARGV[2]) then
		redis.call('DECRBY', KEYS[1], ARGV[1])
		return -1
	end
	if tonumber(ARGV[3]) > 0 then
		redis.call('EXPIRE', KEYS[1], ARGV[3])
	end
	return newval
`)

// releaseScript decrements a usage counter, floored at zero. KEYS[1]=usage
// counter key. ARGV[1]=amount.
var releaseScript = redis.NewScript(`
	local newval = redis.call('DECRBY', KEYS[1], ARGV[1])
	if newval < 0 then
		redis.call('SET', KEYS[1], 0)
		newval = 0
	end
	return newval
`)

// initConfigScript seeds a hash field only if it isn't already present,
// so a restarting instance never clobbers capacity config a peer already
// published. KEYS[1]=target hash. ARGV[1]=field, ARGV[2]=JSON payload.
var initConfigScript = redis.NewScript(`
	return redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2])
`)
