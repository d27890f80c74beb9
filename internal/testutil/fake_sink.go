package testutil

import (
	"context"
	"sync"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/ratelimit"
)

// CaptureSink is a gateway.LogSink that retains every submitted record.
type CaptureSink struct {
	mu   sync.Mutex
	recs []*gateway.LogRecord
}

// Submit stores the record.
func (s *CaptureSink) Submit(_ context.Context, rec *gateway.LogRecord) error {
	s.mu.Lock()
	s.recs = append(s.recs, rec)
	s.mu.Unlock()
	return nil
}

// Records returns a copy of everything submitted so far.
func (s *CaptureSink) Records() []*gateway.LogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*gateway.LogRecord(nil), s.recs...)
}

// FakeLimiter is a ratelimit.Store with a scripted decision. The zero
// value allows everything.
type FakeLimiter struct {
	Deny       bool
	RetryAfter time.Duration
	Err        error

	mu   sync.Mutex
	keys []string
}

// Allow records the key and returns the scripted decision.
func (f *FakeLimiter) Allow(_ context.Context, key string, _ ratelimit.Quota) (ratelimit.Result, error) {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
	if f.Err != nil {
		return ratelimit.Result{}, f.Err
	}
	return ratelimit.Result{Allowed: !f.Deny, RetryAfter: f.RetryAfter}, nil
}

// Keys returns every key Allow has seen, in order.
func (f *FakeLimiter) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}
