package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/shadowfax/internal/balance"
	"github.com/eugener/shadowfax/internal/config"
	"github.com/eugener/shadowfax/internal/model"
	"github.com/eugener/shadowfax/internal/telemetry"
)

// Health removes endpoints whose error ratio over the rolling window
// crosses the configured threshold and readmits them once the ratio falls
// back under it. One instance runs per router.
type Health struct {
	router  model.RouterID
	targets []Target
	reg     *telemetry.Registry
	metrics *telemetry.Metrics
	cfg     config.Health

	// unhealthy tracks endpoints this monitor has removed. The rate-limit
	// monitor keeps its own set; the balancer tolerates overlapping
	// removes and inserts.
	unhealthy map[model.ApiEndpoint]bool
}

func NewHealth(router model.RouterID, targets []Target, reg *telemetry.Registry, metrics *telemetry.Metrics, cfg config.Health) *Health {
	return &Health{
		router:    router,
		targets:   targets,
		reg:       reg,
		metrics:   metrics,
		cfg:       cfg,
		unhealthy: make(map[model.ApiEndpoint]bool),
	}
}

func (h *Health) Name() string { return "health_monitor" }

// Run reclassifies endpoints every interval until ctx is cancelled.
func (h *Health) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.tick(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// tick walks the targets in enumeration order. Healthy endpoints with
// fewer than min-requests samples are left alone: too little data to
// judge. Unhealthy endpoints are judged on whatever the window holds, so
// an endpoint that stops receiving traffic after removal recovers once
// its errors roll out of the window.
func (h *Health) tick(ctx context.Context) {
	for i := range h.targets {
		t := &h.targets[i]
		ep := t.Key.Endpoint
		requests, errs := h.reg.Get(ep).Stats(h.cfg.Window)

		var ratio float64
		if requests > 0 {
			ratio = float64(errs) / float64(requests)
		}

		if !h.unhealthy[ep] {
			if requests < h.cfg.MinRequests {
				continue
			}
			if ratio > h.cfg.ErrorRatio {
				h.evict(ctx, t, ratio)
			}
			continue
		}
		if ratio <= h.cfg.ErrorRatio {
			h.readmit(ctx, t)
		}
	}
}

func (h *Health) evict(ctx context.Context, t *Target, ratio float64) {
	select {
	case t.Changes <- balance.Remove(t.Key):
	case <-ctx.Done():
		return
	}
	h.unhealthy[t.Key.Endpoint] = true
	h.metrics.EndpointChanges.WithLabelValues(t.Key.Endpoint.Provider.String(), "remove").Inc()
	slog.LogAttrs(ctx, slog.LevelWarn, "endpoint removed: error ratio over threshold",
		slog.String("router", h.router.String()),
		slog.String("endpoint", t.Key.Endpoint.String()),
		slog.Float64("error_ratio", ratio),
		slog.Float64("threshold", h.cfg.ErrorRatio),
	)
}

func (h *Health) readmit(ctx context.Context, t *Target) {
	svc, err := t.Build()
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "dispatcher rebuild failed, endpoint stays removed",
			slog.String("router", h.router.String()),
			slog.String("endpoint", t.Key.Endpoint.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	select {
	case t.Changes <- balance.Insert(t.Key, svc):
	case <-ctx.Done():
		return
	}
	delete(h.unhealthy, t.Key.Endpoint)
	h.metrics.EndpointChanges.WithLabelValues(t.Key.Endpoint.Provider.String(), "insert").Inc()
	slog.LogAttrs(ctx, slog.LevelInfo, "endpoint readmitted",
		slog.String("router", h.router.String()),
		slog.String("endpoint", t.Key.Endpoint.String()),
	)
}
