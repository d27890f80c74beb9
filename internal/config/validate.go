package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/eugener/shadowfax/internal/model"
)

// ErrCloudTarget distinguishes the one deployment target the embedded
// control path refuses to run.
var ErrCloudTarget = errors.New(`deployment-target "cloud" requires the managed control plane`)

// Validate rejects configurations the gateway cannot run with. It is
// called by Parse; init fails (non-zero exit) on error.
func (c *Config) Validate() error {
	switch c.DeploymentTarget {
	case "self-hosted", "sidecar":
	case "cloud":
		return ErrCloudTarget
	default:
		return fmt.Errorf("deployment-target: unknown value %q", c.DeploymentTarget)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", c.Server.Port)
	}
	if tls := c.Server.TLS; tls != nil && (tls.Cert == "" || tls.Key == "") {
		return errors.New("server.tls: cert and key must both be set")
	}
	if c.Server.BufferSize < 1 {
		return fmt.Errorf("server.buffer-size: %d must be positive", c.Server.BufferSize)
	}

	for name, p := range c.Providers {
		prov, err := model.ParseProvider(name)
		if err != nil {
			return fmt.Errorf("providers.%s: %w", name, err)
		}
		if _, err := url.Parse(p.BaseURL); err != nil || p.BaseURL == "" {
			return fmt.Errorf("providers.%s.base-url: invalid %q", name, p.BaseURL)
		}
		if prov == model.ProviderGemini && p.Hosting != "" && p.Hosting != "vertex" {
			return fmt.Errorf("providers.%s.hosting: unknown value %q", name, p.Hosting)
		}
		for _, m := range p.Models {
			if _, err := model.ParseFor(prov, m); err != nil {
				return fmt.Errorf("providers.%s.models: %w", name, err)
			}
		}
	}

	for id, r := range c.Routers {
		if _, err := model.ParseRouterID(id); err != nil {
			return fmt.Errorf("routers.%s: %w", id, err)
		}
		if err := c.validateRouter(id, r); err != nil {
			return err
		}
	}

	if err := validateRateLimit("global.rate-limit", c.Global.RateLimit); err != nil {
		return err
	}
	if err := validateCache("global.cache", c.Global.Cache); err != nil {
		return err
	}

	switch c.RateLimitStore.Type {
	case "in-memory", "disabled":
	case "redis":
		if c.RateLimitStore.URL == "" {
			return errors.New("rate-limit-store.url: required for redis")
		}
	default:
		return fmt.Errorf("rate-limit-store.type: unknown value %q", c.RateLimitStore.Type)
	}

	if c.Health.ErrorRatio <= 0 || c.Health.ErrorRatio > 1 {
		return fmt.Errorf("health.error-ratio: %v out of (0, 1]", c.Health.ErrorRatio)
	}

	return nil
}

func (c *Config) validateRouter(id string, r Router) error {
	if _, err := model.ParseProvider(r.RequestStyle); err != nil {
		return fmt.Errorf("routers.%s.request-style: %w", id, err)
	}
	for et, b := range r.LoadBalance {
		known := false
		for _, t := range model.EndpointTypes {
			if string(t) == et {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("routers.%s.load-balance.%s: unknown endpoint type", id, et)
		}
		switch b.Strategy {
		case "latency":
			if len(b.Providers) == 0 {
				return fmt.Errorf("routers.%s.load-balance.%s: latency strategy needs providers", id, et)
			}
			for _, p := range b.Providers {
				if _, ok := c.Providers[p]; !ok {
					return fmt.Errorf("routers.%s.load-balance.%s: provider %q not configured", id, et, p)
				}
			}
		case "weighted":
			if len(b.Targets) == 0 {
				return fmt.Errorf("routers.%s.load-balance.%s: weighted strategy needs targets", id, et)
			}
			for _, t := range b.Targets {
				if _, ok := c.Providers[t.Provider]; !ok {
					return fmt.Errorf("routers.%s.load-balance.%s: provider %q not configured", id, et, t.Provider)
				}
				if t.Weight <= 0 || t.Weight > 1 {
					return fmt.Errorf("routers.%s.load-balance.%s: weight %v out of (0, 1]", id, et, t.Weight)
				}
			}
		default:
			return fmt.Errorf("routers.%s.load-balance.%s: unknown strategy %q", id, et, b.Strategy)
		}
	}
	if err := validateCache(fmt.Sprintf("routers.%s.cache", id), r.Cache); err != nil {
		return err
	}
	if err := validateRateLimit(fmt.Sprintf("routers.%s.rate-limit", id), r.RateLimit); err != nil {
		return err
	}
	if err := validateRateLimit(fmt.Sprintf("routers.%s.endpoint-rate-limit", id), r.EndpointRateLimit); err != nil {
		return err
	}
	if r.Retries != nil && r.Retries.MaxAttempts < 1 {
		return fmt.Errorf("routers.%s.retries.max-attempts: must be at least 1", id)
	}
	return nil
}

func validateCache(path string, c *Cache) error {
	if c == nil {
		return nil
	}
	if c.Buckets < 1 || c.Buckets > 32 {
		return fmt.Errorf("%s.buckets: %d out of 1..=32", path, c.Buckets)
	}
	return nil
}

func validateRateLimit(path string, rl *RateLimit) error {
	if rl == nil {
		return nil
	}
	if rl.Per != "user" && rl.Per != "api-key" {
		return fmt.Errorf("%s.per: unknown value %q", path, rl.Per)
	}
	if rl.Capacity < 1 {
		return fmt.Errorf("%s.capacity: must be positive", path)
	}
	if rl.Period <= 0 {
		return fmt.Errorf("%s.period: must be positive", path)
	}
	return nil
}
