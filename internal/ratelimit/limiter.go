package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "reimagine:ratelimit"

type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

type Options struct {
	// Burst is how many requests a subject may make back to back.
	Burst int
	// Window is the time it takes an exhausted bucket to refill completely.
	Window time.Duration
	Prefix string
}

// Limiter is a token bucket per subject stored in Redis, so every API
// replica draws from the same buckets. The bucket is kept as a single
// theoretical arrival time (GCRA), which needs one key and one write per
// decision.
type Limiter struct {
	rdb      redis.UniversalClient
	burst    int64
	interval time.Duration
	prefix   string
	now      func() time.Time
}

func New(rdb redis.UniversalClient, opts Options) (*Limiter, error) {
	switch {
	case rdb == nil:
		return nil, errors.New("redis client is required")
	case opts.Burst <= 0:
		return nil, errors.New("burst must be positive")
	case opts.Window <= 0:
		return nil, errors.New("window must be positive")
	}

	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}

	return &Limiter{
		rdb:      rdb,
		burst:    int64(opts.Burst),
		interval: max(time.Millisecond, opts.Window/time.Duration(opts.Burst)),
		prefix:   prefix,
		now:      time.Now,
	}, nil
}

// KEYS[1] bucket key
// ARGV[1] now (ms), ARGV[2] emission interval (ms), ARGV[3] burst
// Returns {allowed, remaining, retry_after_ms}.
var takeToken = redis.NewScript(`
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])

local tat = tonumber(redis.call("GET", KEYS[1]) or now)
if tat < now then
  tat = now
end

local next_tat = tat + interval
local allow_at = next_tat - burst * interval
if now < allow_at then
  return {0, 0, math.ceil(allow_at - now)}
end

redis.call("SET", KEYS[1], next_tat, "PX", math.ceil(next_tat - now))
return {1, math.floor((burst * interval - (next_tat - now)) / interval), 0}
`)

func (l *Limiter) Allow(ctx context.Context, subject string) (Decision, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}

	vals, err := takeToken.Run(ctx, l.rdb,
		[]string{l.prefix + ":" + subject},
		l.now().UnixMilli(),
		l.interval.Milliseconds(),
		l.burst,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("take token for %s: %w", subject, err)
	}
	if len(vals) != 3 {
		return Decision{}, fmt.Errorf("take token for %s: unexpected reply of %d values", subject, len(vals))
	}

	return Decision{
		Allowed:    vals[0] == 1,
		Limit:      l.burst,
		Remaining:  vals[1],
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
	}, nil
}
