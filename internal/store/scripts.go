package store

import "github.com/redis/go-redis/v9"

// A nil bulk reply reaches Lua as false, so membership is tested for
// truthiness. Scores are compared numerically.

// KEYS[1]=waiting KEYS[2]=working ARGV[1]=member ARGV[2]=score
var addIfAbsentScript = redis.NewScript(`
if redis.call('zscore', KEYS[1], ARGV[1]) then
  return 0
end
if redis.call('zscore', KEYS[2], ARGV[1]) then
  return 0
end
return redis.call('zadd', KEYS[1], ARGV[2], ARGV[1])
`)

// KEYS[1]=from KEYS[2]=to ARGV[1]=member ARGV[2]=score
var swapScript = redis.NewScript(`
local score = redis.call('zscore', KEYS[1], ARGV[1])
if not score then
  return false
end
redis.call('zrem', KEYS[1], ARGV[1])
redis.call('zadd', KEYS[2], ARGV[2], ARGV[1])
return score
`)

// KEYS[1]=from KEYS[2]=to ARGV[1]=member ARGV[2]=score ARGV[3]=token
var conditionalSwapScript = redis.NewScript(`
local score = redis.call('zscore', KEYS[1], ARGV[1])
if not score or tonumber(score) ~= tonumber(ARGV[3]) then
  return false
end
redis.call('zrem', KEYS[1], ARGV[1])
redis.call('zadd', KEYS[2], ARGV[2], ARGV[1])
return ARGV[2]
`)

// KEYS[1]=key ARGV[1]=member ARGV[2]=token
var scoreMatchesScript = redis.NewScript(`
local score = redis.call('zscore', KEYS[1], ARGV[1])
if not score or tonumber(score) ~= tonumber(ARGV[2]) then
  return false
end
return score
`)

// KEYS[1]=waiting KEYS[2]=working ARGV[1]=member
var removeScript = redis.NewScript(`
redis.call('zrem', KEYS[1], ARGV[1])
redis.call('zrem', KEYS[2], ARGV[1])
return 1
`)
