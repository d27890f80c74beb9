package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// gcraScript runs one GCRA decision atomically against a string TAT key.
// Timestamps travel as integer microseconds: they fit a Lua double exactly,
// unlike nanos. The key expires two periods after its last touch, by which
// point the TAT is in the past and carries no information.
// Returns {allowed, retry_after_us}.
var gcraScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local period = tonumber(ARGV[3])

local tat = tonumber(redis.call('GET', key))
if not tat or tat < now then
    tat = now
end
tat = tat + interval

local burst = tat - now
if burst > period then
    return {0, burst - period}
end

redis.call('SET', key, tat, 'PX', math.max(1, math.ceil(period * 2 / 1000)))
return {1, 0}
`)

// Redis is the shared store for multi-replica deployments. Every decision
// is one round trip running the GCRA script.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client, prefix: "shadowfax:rl:"}
}

func (r *Redis) Allow(ctx context.Context, key string, q Quota) (Result, error) {
	now := time.Now().UnixMicro()
	vals, err := gcraScript.Run(ctx, r.client, []string{r.prefix + key},
		now,
		q.Interval().Microseconds(),
		q.Period.Microseconds(),
	).Int64Slice()
	if err != nil {
		return Result{}, err
	}
	if len(vals) != 2 {
		return Result{Allowed: true}, nil
	}
	if vals[0] == 1 {
		return Result{Allowed: true}, nil
	}
	return Result{RetryAfter: time.Duration(vals[1]) * time.Microsecond}, nil
}
