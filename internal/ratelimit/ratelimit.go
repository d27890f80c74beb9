// Package ratelimit implements GCRA admission control. A quota is a
// capacity of requests per period; the algorithm keeps one theoretical
// arrival time (TAT) per key and admits a request when advancing the TAT
// by the emission interval stays within one period of now. State lives in
// a Store so a single decision works the same against process memory or a
// shared Redis.
//
// The gateway stacks three independent layers, each with its own keys:
// global (one constant key), per router (router id + subject), and per
// endpoint (router id + endpoint type + subject). The subject is the
// authenticated user id or the hashed API key, per config.
package ratelimit

import (
	"context"
	"time"
)

// Quota shapes one bucket: capacity requests admitted per period, arriving
// no faster than one per emission interval on sustained load.
type Quota struct {
	Capacity int64
	Period   time.Duration
}

// Interval is the GCRA emission interval, period/capacity.
func (q Quota) Interval() time.Duration {
	if q.Capacity <= 0 {
		return q.Period
	}
	return q.Period / time.Duration(q.Capacity)
}

// Result is one admission decision. RetryAfter is how long the caller must
// wait before a conforming retry; zero when allowed.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Store runs GCRA decisions against shared theoretical-arrival-time state.
// Implementations must be safe for concurrent use. A store error means the
// decision could not be made; layers fail open on it.
type Store interface {
	Allow(ctx context.Context, key string, q Quota) (Result, error)
}

// decide advances one GCRA step. tat and now are nanosecond timestamps;
// the returned TAT is unchanged on denial.
func decide(tat, now int64, q Quota) (int64, Result) {
	next := tat
	if now > next {
		next = now
	}
	next += int64(q.Interval())
	if burst := next - now; burst > int64(q.Period) {
		return tat, Result{RetryAfter: time.Duration(burst - int64(q.Period))}
	}
	return next, Result{Allowed: true}
}
