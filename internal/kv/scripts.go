package kv

// Lua scripts executed server-side by RedisEngine. Each script is a single
// atomic unit; the Go wrappers only marshal arguments and decode replies.
// Timestamps and window lengths are Unix milliseconds; TTLs are seconds.
// Monetary values travel as strings to avoid float truncation in replies.

// slidingWindowScript implements the sliding-window admit.
//
// KEYS[1] = bucket (ordered set, member -> score millis)
// ARGV: now_millis, window_millis, limit, idempotency_key, expire_seconds
// Reply: {allowed, count, oldest_score_millis}
//
// A member already present never consumes another slot; its score refreshes
// so retries extend the entry instead of double counting.
const slidingWindowScript = `
local bucket = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
local expire = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', bucket, '-inf', now - window)

if redis.call('ZSCORE', bucket, member) then
  redis.call('ZADD', bucket, now, member)
  redis.call('EXPIRE', bucket, expire)
  local count = redis.call('ZCARD', bucket)
  return {1, count, 0}
end

local count = redis.call('ZCARD', bucket)
if count >= limit then
  local oldest = redis.call('ZRANGE', bucket, 0, 0, 'WITHSCORES')
  local oldestScore = 0
  if oldest[2] then oldestScore = tonumber(oldest[2]) end
  return {0, count, oldestScore}
end

redis.call('ZADD', bucket, now, member)
redis.call('EXPIRE', bucket, expire)
return {1, count + 1, 0}
`

// reserveSpendScript implements check-and-reserve.
//
// KEYS: daily_key, hourly_key
// ARGV: buffered_cost, daily_limit, hourly_limit, daily_ttl, hourly_ttl
// Reply: {status, daily_str, hourly_str}
//
// The check keeps headroom for one more buffered request, so the running
// total seen by concurrent allowed callers stays below the limit even when
// the real cost lands above the estimate.
const reserveSpendScript = `
local dailyKey = KEYS[1]
local hourlyKey = KEYS[2]
local cost = tonumber(ARGV[1])
local dailyLimit = tonumber(ARGV[2])
local hourlyLimit = tonumber(ARGV[3])
local dailyTTL = tonumber(ARGV[4])
local hourlyTTL = tonumber(ARGV[5])

local daily = tonumber(redis.call('GET', dailyKey) or '0')
local hourly = tonumber(redis.call('GET', hourlyKey) or '0')

if daily + cost > dailyLimit - cost then
  return {1, tostring(daily), tostring(hourly)}
end
if hourly + cost > hourlyLimit - cost then
  return {2, tostring(daily), tostring(hourly)}
end

daily = daily + cost
hourly = hourly + cost
redis.call('SET', dailyKey, tostring(daily), 'EX', dailyTTL)
redis.call('SET', hourlyKey, tostring(hourly), 'EX', hourlyTTL)
return {0, tostring(daily), tostring(hourly)}
`

// adjustSpendScript applies the actual-minus-reserved correction and token
// counts in one unit.
//
// KEYS: daily_cost, hourly_cost, daily_tokens, hourly_tokens
// ARGV: cost_delta, input_tokens, output_tokens, daily_ttl, hourly_ttl
const adjustSpendScript = `
local dailyCost = KEYS[1]
local hourlyCost = KEYS[2]
local dailyTok = KEYS[3]
local hourlyTok = KEYS[4]
local delta = tonumber(ARGV[1])
local inputTok = tonumber(ARGV[2])
local outputTok = tonumber(ARGV[3])
local dailyTTL = tonumber(ARGV[4])
local hourlyTTL = tonumber(ARGV[5])

redis.call('INCRBYFLOAT', dailyCost, delta)
redis.call('EXPIRE', dailyCost, dailyTTL)
redis.call('INCRBYFLOAT', hourlyCost, delta)
redis.call('EXPIRE', hourlyCost, hourlyTTL)

redis.call('HINCRBY', dailyTok, 'input', inputTok)
redis.call('HINCRBY', dailyTok, 'output', outputTok)
redis.call('EXPIRE', dailyTok, dailyTTL)
redis.call('HINCRBY', hourlyTok, 'input', inputTok)
redis.call('HINCRBY', hourlyTok, 'output', outputTok)
redis.call('EXPIRE', hourlyTok, hourlyTTL)
return 1
`

// costThrottleScript implements the per-identifier cost throttle.
//
// KEYS: window_set, daily_set, marker
// ARGV: now_millis, window_millis, estimated_cost, window_threshold,
//       daily_limit, throttle_seconds, member, daily_ttl_seconds
// Reply: {status, retry_after_seconds}
//
// Member cost is the substring after the last colon; prefixes may contain
// IPv6-style colons.
const costThrottleScript = `
local windowSet = KEYS[1]
local dailySet = KEYS[2]
local marker = KEYS[3]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local est = tonumber(ARGV[3])
local windowThreshold = tonumber(ARGV[4])
local dailyLimit = tonumber(ARGV[5])
local duration = tonumber(ARGV[6])
local member = ARGV[7]
local dailyTTL = tonumber(ARGV[8])

local markerTTL = redis.call('TTL', marker)
if markerTTL > 0 then
  return {1, markerTTL}
end

redis.call('ZREMRANGEBYSCORE', windowSet, '-inf', now - window)

local function sumCosts(key)
  local total = 0
  local members = redis.call('ZRANGE', key, 0, -1)
  for _, m in ipairs(members) do
    local cost = tonumber(string.match(m, '([^:]+)$'))
    if cost then total = total + cost end
  end
  return total
end

local dailyTotal = sumCosts(dailySet)
if dailyTotal + est >= dailyLimit then
  redis.call('SET', marker, '1', 'EX', 2 * duration)
  return {2, 2 * duration}
end

local windowTotal = sumCosts(windowSet)
if windowTotal + est >= windowThreshold then
  redis.call('SET', marker, '1', 'EX', duration)
  return {3, duration}
end

redis.call('ZADD', windowSet, now, member)
redis.call('EXPIRE', windowSet, math.ceil(window / 1000))
redis.call('ZADD', dailySet, now, member)
redis.call('EXPIRE', dailySet, dailyTTL)
return {0, 0}
`

// mintChallengeScript binds a challenge to an identifier while enforcing the
// per-identifier cap on active challenges.
//
// KEYS: challenge_key, active_set
// ARGV: identifier, ttl_seconds, max_active, now_millis, challenge_id
// Reply: 1 minted, 0 cap reached
const mintChallengeScript = `
local challengeKey = KEYS[1]
local activeSet = KEYS[2]
local identifier = ARGV[1]
local ttl = tonumber(ARGV[2])
local maxActive = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local challengeID = ARGV[5]

redis.call('ZREMRANGEBYSCORE', activeSet, '-inf', now)
if redis.call('ZCARD', activeSet) >= maxActive then
  return 0
end

redis.call('SET', challengeKey, identifier, 'EX', ttl)
redis.call('ZADD', activeSet, now + ttl * 1000, challengeID)
redis.call('EXPIRE', activeSet, ttl)
return 1
`

// consumeChallengeScript consumes a challenge exactly once, only for the
// identifier it was minted for.
//
// KEYS: challenge_key, active_set
// ARGV: identifier, challenge_id
// Reply: 1 consumed, 0 absent or identifier mismatch
const consumeChallengeScript = `
local challengeKey = KEYS[1]
local activeSet = KEYS[2]
local identifier = ARGV[1]
local challengeID = ARGV[2]

local stored = redis.call('GET', challengeKey)
if not stored or stored ~= identifier then
  return 0
end

redis.call('DEL', challengeKey)
redis.call('ZREM', activeSet, challengeID)
return 1
`
