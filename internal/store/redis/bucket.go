package redis

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/poglesbyg/tracseq-gateway/internal/ratelimit"
	"github.com/redis/go-redis/v9"
)

// takeScript refills every claimed bucket, then takes one token from each only
// when all of them hold one. KEYS: bucket hashes; ARGV[1]: now (ms), then per key
// rate (tokens/s), depth, ttl (ms). Returns {admitted (0|1), tokens} per key.
var takeScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local tokens, ts = {}, {}
local admit = true

for i = 1, #KEYS do
  local rate  = tonumber(ARGV[(i - 1) * 3 + 2])
  local depth = tonumber(ARGV[(i - 1) * 3 + 3])

  local state = redis.call('HMGET', KEYS[i], 'tokens', 'ts')
  local t = tonumber(state[1])
  local s = tonumber(state[2])
  if t == nil or s == nil then
    t = depth
    s = now
  end
  if now > s then
    t = t + ((now - s) / 1000) * rate
    s = now
  end
  if t > depth then
    t = depth
  end
  if t < 1 then
    admit = false
  end
  tokens[i] = t
  ts[i] = s
end

local out = {}
for i = 1, #KEYS do
  local ttl = tonumber(ARGV[(i - 1) * 3 + 4])
  local ok = 0
  if tokens[i] >= 1 then
    ok = 1
  end
  if admit then
    tokens[i] = tokens[i] - 1
  end
  redis.call('HSET', KEYS[i], 'tokens', tostring(tokens[i]), 'ts', tostring(ts[i]))
  redis.call('PEXPIRE', KEYS[i], ttl)
  table.insert(out, ok)
  table.insert(out, tostring(tokens[i]))
end
return out
`)

// TakeAll implements ratelimit.Store in one script call. The caller's clock drives
// refills so every instance must keep its clock in sync (NTP).
func (s *Store) TakeAll(ctx context.Context, claims []ratelimit.Claim, now time.Time) ([]ratelimit.TakeResult, error) {
	keys := make([]string, len(claims))
	args := make([]interface{}, 0, 1+3*len(claims))
	args = append(args, now.UnixMilli())
	for i, c := range claims {
		keys[i] = BucketKey(s.prefix, c.Key)
		args = append(args,
			strconv.FormatFloat(c.Bucket.Rate, 'f', -1, 64),
			c.Bucket.Depth,
			bucketTTL(c.Bucket).Milliseconds())
	}

	res, err := takeScript.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to take tokens: %w", err)
	}
	if len(res) != 2*len(claims) {
		return nil, fmt.Errorf("unexpected script reply: %v", res)
	}

	results := make([]ratelimit.TakeResult, len(claims))
	for i := range claims {
		ok, _ := res[2*i].(int64)
		raw, _ := res[2*i+1].(string)
		tokens, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid token count %q: %w", raw, err)
		}
		results[i] = ratelimit.TakeResult{Allowed: ok == 1, Tokens: tokens}
	}
	return results, nil
}

// bucketTTL keeps a bucket at least twice the time it needs to refill completely.
// An expired bucket is recreated full, which is the same state it would have reached.
func bucketTTL(b ratelimit.Bucket) time.Duration {
	if b.Rate <= 0 {
		return time.Hour
	}
	refill := time.Duration(math.Ceil(float64(b.Depth)/b.Rate)) * time.Second
	if refill < time.Second {
		refill = time.Second
	}
	return 2 * refill
}
