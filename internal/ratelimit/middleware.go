package ratelimit

import (
	"context"
	"log/slog"
	"net/http"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/config"
	"github.com/eugener/shadowfax/internal/model"
	"github.com/eugener/shadowfax/internal/telemetry"
)

// Layer names, used as metric labels and key prefixes. The three layers
// keep independent state: rejection by any one of them wins.
const (
	LayerGlobal   = "global"
	LayerRouter   = "router"
	LayerEndpoint = "endpoint"
)

// Global admits every request entering the shell against one shared
// bucket, regardless of identity.
func Global(store Store, cfg config.RateLimit, metrics *telemetry.Metrics) gateway.Middleware {
	q := Quota{Capacity: cfg.Capacity, Period: cfg.Period}
	return layer(store, metrics, LayerGlobal, q, func(*http.Request) string {
		return "global"
	})
}

// ForRouter admits per subject against the router's quota.
func ForRouter(store Store, router model.RouterID, cfg config.RateLimit, metrics *telemetry.Metrics) gateway.Middleware {
	q := Quota{Capacity: cfg.Capacity, Period: cfg.Period}
	return layer(store, metrics, LayerRouter, q, func(r *http.Request) string {
		return "router:" + router.String() + ":" + subject(r.Context(), cfg.Per)
	})
}

// ForEndpoint admits per (endpoint type, subject). It sits after endpoint
// resolution, so requests that fall through to the passthrough proxy never
// reach it.
func ForEndpoint(store Store, router model.RouterID, cfg config.RateLimit, metrics *telemetry.Metrics) gateway.Middleware {
	q := Quota{Capacity: cfg.Capacity, Period: cfg.Period}
	return layer(store, metrics, LayerEndpoint, q, func(r *http.Request) string {
		var et model.EndpointType
		if ext := gateway.Ext(r.Context()); ext != nil && ext.Endpoint != nil {
			et = ext.Endpoint.Type
		}
		return "endpoint:" + router.String() + ":" + et.String() + ":" + subject(r.Context(), cfg.Per)
	})
}

func layer(store Store, metrics *telemetry.Metrics, name string, q Quota, key func(*http.Request) string) gateway.Middleware {
	return func(next gateway.Service) gateway.Service {
		return gateway.ServiceFunc(func(w http.ResponseWriter, r *http.Request) error {
			res, err := store.Allow(r.Context(), key(r), q)
			if err != nil {
				// Fail open: an unreachable store must not reject traffic.
				slog.LogAttrs(r.Context(), slog.LevelWarn, "rate limit store unavailable, failing open",
					slog.String("layer", name),
					slog.String("error", err.Error()),
				)
				return next.Serve(w, r)
			}
			if !res.Allowed {
				metrics.RateLimitRejects.WithLabelValues(name).Inc()
				return &gateway.RateLimitedError{RetryAfter: res.RetryAfter}
			}
			return next.Serve(w, r)
		})
	}
}

// subject is the bucket identity within a layer: the authenticated user id
// when the layer is keyed per user, otherwise the hashed credential.
// Requests with no identity share the anonymous bucket.
func subject(ctx context.Context, per string) string {
	ext := gateway.Ext(ctx)
	if ext == nil || ext.Auth == nil {
		return "anonymous"
	}
	s := ext.Auth.KeyHash
	if per == "user" && ext.Auth.UserID != "" {
		s = ext.Auth.UserID
	}
	if s == "" {
		return "anonymous"
	}
	return s
}
