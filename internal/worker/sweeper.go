package worker

import (
	"context"
	"log/slog"
	"time"
)

// LimiterStore is the in-memory rate limit state the sweeper prunes.
type LimiterStore interface {
	EvictStale(cutoff time.Time) int
	Len() int
}

// Sweeper periodically drops rate limiter keys that have gone idle, so
// the in-memory store does not grow with every key and endpoint ever
// seen. A key idle for a full interval has long since refilled; if it
// comes back it simply starts relaxed.
type Sweeper struct {
	store    LimiterStore
	interval time.Duration
}

// NewSweeper creates a Sweeper ticking on interval.
func NewSweeper(store LimiterStore, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{store: store, interval: interval}
}

// Name returns the worker identifier.
func (s *Sweeper) Name() string { return "ratelimit_sweeper" }

// Run evicts stale keys on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.store.EvictStale(time.Now().Add(-s.interval)); n > 0 {
				slog.LogAttrs(ctx, slog.LevelDebug, "rate limiter keys evicted",
					slog.Int("evicted", n),
					slog.Int("remaining", s.store.Len()),
				)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
