package monitor

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/balance"
	"github.com/eugener/shadowfax/internal/config"
	"github.com/eugener/shadowfax/internal/model"
	"github.com/eugener/shadowfax/internal/telemetry"
)

// RateLimit consumes the 429 events dispatchers publish and pulls the
// affected endpoint from rotation for retry-after plus a buffer. All
// cooldown timers multiplex over one timer armed to the earliest expiry,
// so the monitor stays a single goroutine.
type RateLimit struct {
	router  model.RouterID
	targets []Target
	byEP    map[model.ApiEndpoint]*Target
	events  <-chan gateway.RateLimitEvent
	metrics *telemetry.Metrics
	buffer  time.Duration

	cooling map[model.ApiEndpoint]time.Time
}

func NewRateLimit(router model.RouterID, targets []Target, events <-chan gateway.RateLimitEvent, metrics *telemetry.Metrics, cfg config.Health) *RateLimit {
	m := &RateLimit{
		router:  router,
		targets: targets,
		byEP:    make(map[model.ApiEndpoint]*Target, len(targets)),
		events:  events,
		metrics: metrics,
		buffer:  cfg.CooldownBuffer,
		cooling: make(map[model.ApiEndpoint]time.Time),
	}
	for i := range targets {
		m.byEP[targets[i].Key.Endpoint] = &m.targets[i]
	}
	return m
}

func (m *RateLimit) Name() string { return "ratelimit_monitor" }

// Run processes events and cooldown expiries until the event channel
// closes or ctx is cancelled.
func (m *RateLimit) Run(ctx context.Context) error {
	var (
		timer  *time.Timer
		expiry <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-m.events:
			if !ok {
				return nil
			}
			m.handle(ctx, ev)
		case <-expiry:
			expiry = nil
			m.expire(ctx, time.Now())
		case <-ctx.Done():
			return nil
		}

		next, pending := m.next()
		switch {
		case !pending:
			if timer != nil {
				timer.Stop()
			}
			expiry = nil
		case timer == nil:
			timer = time.NewTimer(time.Until(next))
			expiry = timer.C
		default:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(time.Until(next))
			expiry = timer.C
		}
	}
}

// next returns the earliest pending cooldown expiry.
func (m *RateLimit) next() (time.Time, bool) {
	var at time.Time
	for _, t := range m.cooling {
		if at.IsZero() || t.Before(at) {
			at = t
		}
	}
	return at, !at.IsZero()
}

func (m *RateLimit) handle(ctx context.Context, ev gateway.RateLimitEvent) {
	t, ok := m.byEP[ev.Endpoint]
	if !ok {
		return
	}
	if _, cooling := m.cooling[ev.Endpoint]; cooling {
		return
	}

	select {
	case t.Changes <- balance.Remove(t.Key):
	case <-ctx.Done():
		return
	}
	until := ev.RetryAfter + m.buffer
	m.cooling[ev.Endpoint] = time.Now().Add(until)
	m.metrics.EndpointChanges.WithLabelValues(ev.Endpoint.Provider.String(), "remove").Inc()
	slog.LogAttrs(ctx, slog.LevelWarn, "endpoint cooling down after upstream 429",
		slog.String("router", m.router.String()),
		slog.String("endpoint", ev.Endpoint.String()),
		slog.Duration("cooldown", until),
	)
}

// expire readmits every endpoint whose cooldown has lapsed, in target
// enumeration order. A rebuild failure keeps the endpoint out; nothing
// retries it until another event arrives.
func (m *RateLimit) expire(ctx context.Context, now time.Time) {
	for i := range m.targets {
		t := &m.targets[i]
		ep := t.Key.Endpoint
		at, cooling := m.cooling[ep]
		if !cooling || at.After(now) {
			continue
		}
		delete(m.cooling, ep)

		svc, err := t.Build()
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "dispatcher rebuild failed, endpoint stays removed",
				slog.String("router", m.router.String()),
				slog.String("endpoint", ep.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		select {
		case t.Changes <- balance.Insert(t.Key, svc):
		case <-ctx.Done():
			return
		}
		m.metrics.EndpointChanges.WithLabelValues(ep.Provider.String(), "insert").Inc()
		slog.LogAttrs(ctx, slog.LevelInfo, "endpoint readmitted after cooldown",
			slog.String("router", m.router.String()),
			slog.String("endpoint", ep.String()),
		)
	}
}
