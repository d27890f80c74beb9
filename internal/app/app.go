// Package app assembles the request plane from configuration: one Router
// per configured id with its balancers, dispatchers, and monitors; the
// per-provider direct proxies; the unified OpenAI surface; and the
// MetaRouter that fans inbound URLs out to all of them.
package app

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/dnscache"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/balance"
	"github.com/eugener/shadowfax/internal/cache"
	"github.com/eugener/shadowfax/internal/config"
	"github.com/eugener/shadowfax/internal/dispatch"
	"github.com/eugener/shadowfax/internal/mapper"
	"github.com/eugener/shadowfax/internal/model"
	"github.com/eugener/shadowfax/internal/monitor"
	"github.com/eugener/shadowfax/internal/ratelimit"
	"github.com/eugener/shadowfax/internal/telemetry"
	"github.com/eugener/shadowfax/internal/worker"
)

// eventBuffer bounds each router's rate-limit event channel. Dispatchers
// publish non-blocking, so a full buffer drops the event rather than
// stalling a response.
const eventBuffer = 16

// dnsRefreshEvery is how often cached upstream host resolutions are
// renewed.
const dnsRefreshEvery = 5 * time.Minute

// Options carries the externally owned collaborators of the request
// plane. Metrics is required; Sink may be nil to discard log records.
type Options struct {
	Metrics *telemetry.Metrics
	Sink    gateway.LogSink
}

// App is the assembled request plane. Serve requests through Handler;
// run Workers for the monitors, sweeper, and DNS refresher to act.
type App struct {
	meta    *MetaRouter
	workers []worker.Worker
	chat    map[model.RouterID]balance.Balancer
	store   *cache.Store
	limits  ratelimit.Store
	redis   *redis.Client
}

// New builds the request plane. The context is used for provider
// credential setup (GCP token sources); it should outlive the app.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	sink := opts.Sink
	if sink == nil {
		sink = gateway.DiscardSink{}
	}

	providers, err := parseProviders(cfg.Providers)
	if err != nil {
		return nil, err
	}

	resolver := &dnscache.Resolver{}
	clients := make(map[model.InferenceProvider]*http.Client, len(providers))
	for p, pc := range providers {
		c, err := dispatch.NewClient(ctx, p, pc, cfg.Dispatcher.ConnectionTimeout, resolver)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p, err)
		}
		clients[p] = c
	}

	m, err := buildMapper(cfg, providers)
	if err != nil {
		return nil, err
	}

	keys := make(map[model.InferenceProvider]string, len(providers))
	for p, pc := range providers {
		if pc.APIKey != "" {
			keys[p] = pc.APIKey
		}
	}

	a := &App{chat: make(map[model.RouterID]balance.Balancer)}

	var limits ratelimit.Store
	switch cfg.RateLimitStore.Type {
	case "in-memory":
		mem := ratelimit.NewMemory()
		limits = mem
		a.workers = append(a.workers, worker.NewSweeper(mem, cfg.RateLimitStore.CleanupInterval))
	case "redis":
		opt, err := redis.ParseURL(cfg.RateLimitStore.URL)
		if err != nil {
			return nil, fmt.Errorf("rate-limit-store.url: %w", err)
		}
		a.redis = redis.NewClient(opt)
		limits = ratelimit.NewRedis(a.redis)
	}
	a.limits = limits

	a.store = cache.NewStore(cfg.CacheStore.MaxEntries, cfg.CacheStore.MaxSize, cfg.CacheStore.TTL, func() {
		opts.Metrics.CacheEvictions.Inc()
	})

	b := &builder{
		cfg:       cfg,
		providers: providers,
		clients:   clients,
		mapper:    m,
		secrets:   gateway.NewSecrets(keys),
		reg:       telemetry.NewRegistry(),
		metrics:   opts.Metrics,
		sink:      sink,
		limits:    limits,
		store:     a.store,
	}

	routers := make(map[model.RouterID]gateway.Service, len(cfg.Routers))
	authRequired := make(map[model.RouterID]bool, len(cfg.Routers))
	for _, name := range slices.Sorted(maps.Keys(cfg.Routers)) {
		rcfg := cfg.Routers[name]
		id, err := model.ParseRouterID(name)
		if err != nil {
			return nil, fmt.Errorf("router %s: %w", name, err)
		}
		svc, chatBal, workers, err := b.router(id, rcfg)
		if err != nil {
			return nil, err
		}
		routers[id] = svc
		if chatBal != nil {
			a.chat[id] = chatBal
		}
		a.workers = append(a.workers, workers...)
		if rcfg.AuthRequired != nil {
			authRequired[id] = *rcfg.AuthRequired
		} else {
			authRequired[id] = cfg.Auth.Required()
		}
	}

	direct := make(map[model.InferenceProvider]gateway.Service, len(providers))
	unifiedDispatch := make(map[model.InferenceProvider]gateway.Service, len(providers))
	for p, pc := range providers {
		direct[p] = dispatch.NewPassthrough(p, pc.BaseURL, pc.Version, clients[p])
		ep := model.ApiEndpoint{Provider: p, Type: model.EndpointChat}
		unifiedDispatch[p] = dispatch.New(dispatch.Config{
			Router:   model.RouterDefault,
			Style:    model.ProviderOpenAI,
			Endpoint: ep,
			BaseURL:  pc.BaseURL,
			Version:  pc.Version,
			Client:   clients[p],
			Mapper:   m,
			Load:     b.reg.Get(ep),
			Metrics:  opts.Metrics,
			Sink:     sink,
			Timeout:  cfg.Dispatcher.Timeout,
		})
	}

	a.meta = &MetaRouter{
		routers:         routers,
		direct:          direct,
		unified:         &unified{secrets: b.secrets, dispatchers: unifiedDispatch},
		authRequired:    authRequired,
		defaultRequired: cfg.Auth.Required(),
	}
	a.workers = append(a.workers, &dnsRefresher{resolver: resolver})
	return a, nil
}

// Handler returns the meta-router, the service the shell dispatches to.
func (a *App) Handler() *MetaRouter { return a.meta }

// Workers returns the background tasks the request plane depends on.
func (a *App) Workers() []worker.Worker { return a.workers }

// CacheStore returns the shared response cache for the shell's global
// layer.
func (a *App) CacheStore() *cache.Store { return a.store }

// RateLimits returns the shared admission store, nil when disabled.
func (a *App) RateLimits() ratelimit.Store { return a.limits }

// Ready reports whether every router that balances chat traffic has at
// least one ready endpoint.
func (a *App) Ready() bool {
	for _, bal := range a.chat {
		if bal.Len() == 0 {
			return false
		}
	}
	return true
}

// Close releases externally held connections.
func (a *App) Close() error {
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}

// builder carries the shared collaborators while routers are assembled.
type builder struct {
	cfg       *config.Config
	providers map[model.InferenceProvider]config.Provider
	clients   map[model.InferenceProvider]*http.Client
	mapper    *mapper.Mapper
	secrets   *gateway.Secrets
	reg       *telemetry.Registry
	metrics   *telemetry.Metrics
	sink      gateway.LogSink
	limits    ratelimit.Store
	store     *cache.Store
}

// router assembles one router: per-endpoint balancer stacks, the style
// passthrough, the outer middleware, and the two monitors.
func (b *builder) router(id model.RouterID, rcfg config.Router) (gateway.Service, balance.Balancer, []worker.Worker, error) {
	style, err := model.ParseProvider(rcfg.RequestStyle)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("router %s: %w", id, err)
	}

	events := make(chan gateway.RateLimitEvent, eventBuffer)
	stacks := make(map[model.EndpointType]gateway.Service, len(rcfg.LoadBalance))
	var targets []monitor.Target
	var chat balance.Balancer

	for _, et := range model.EndpointTypes {
		bcfg, ok := rcfg.LoadBalance[string(et)]
		if !ok {
			continue
		}
		bal, ts, err := b.balancer(id, style, et, bcfg, events)
		if err != nil {
			return nil, nil, nil, err
		}
		stack := gateway.Service(&pick{balancer: bal})
		if rl := rcfg.EndpointRateLimit; rl != nil && b.limits != nil {
			stack = ratelimit.ForEndpoint(b.limits, id, *rl, b.metrics)(stack)
		}
		stacks[et] = stack
		targets = append(targets, ts...)
		if et == model.EndpointChat {
			chat = bal
		}
	}

	var passthrough gateway.Service
	if pc, ok := b.providers[style]; ok {
		passthrough = dispatch.NewPassthrough(style, pc.BaseURL, pc.Version, b.clients[style])
	} else {
		passthrough = gateway.ServiceFunc(func(http.ResponseWriter, *http.Request) error {
			return fmt.Errorf("%w: no upstream for style %s", gateway.ErrNotFound, style)
		})
	}

	svc := gateway.Service(&Router{id: id, style: style, stacks: stacks, passthrough: passthrough})

	// Outermost first: admission, cache, retries, context attach.
	var mws []gateway.Middleware
	if rl := rcfg.RateLimit; rl != nil && b.limits != nil {
		mws = append(mws, ratelimit.ForRouter(b.limits, id, *rl, b.metrics))
	}
	mws = append(mws, cache.Middleware(b.store, b.metrics, b.cfg.Global.Cache, rcfg.Cache))
	if rt := rcfg.Retries; rt != nil && rt.Enabled {
		mws = append(mws, retries(*rt))
	}
	mws = append(mws, requestContext(id, style, b.secrets))
	svc = gateway.Chain(svc, mws...)

	workers := []worker.Worker{
		monitor.NewHealth(id, targets, b.reg, b.metrics, b.cfg.Health),
		monitor.NewRateLimit(id, targets, events, b.metrics, b.cfg.Health),
	}
	return svc, chat, workers, nil
}

// balancer builds the ready-set for one (router, endpoint type) pair and
// seeds it with a dispatcher per configured provider.
func (b *builder) balancer(id model.RouterID, style model.InferenceProvider, et model.EndpointType, bcfg config.Balance, events chan gateway.RateLimitEvent) (balance.Balancer, []monitor.Target, error) {
	var bal balance.Balancer
	var members []config.WeightedTarget
	if bcfg.Strategy == "weighted" {
		bal = balance.NewWeighted(id, b.reg, b.metrics)
		members = bcfg.Targets
	} else {
		bal = balance.NewP2C(id, b.reg, b.metrics)
		for _, p := range bcfg.Providers {
			members = append(members, config.WeightedTarget{Provider: p})
		}
	}

	targets := make([]monitor.Target, 0, len(members))
	for _, mb := range members {
		p, err := model.ParseProvider(mb.Provider)
		if err != nil {
			return nil, nil, fmt.Errorf("router %s %s: %w", id, et, err)
		}
		pc, ok := b.providers[p]
		if !ok {
			return nil, nil, fmt.Errorf("router %s %s: provider %s not configured", id, et, p)
		}
		key := balance.Key{Endpoint: model.ApiEndpoint{Provider: p, Type: et}, Weight: mb.Weight}
		dcfg := dispatch.Config{
			Router:   id,
			Style:    style,
			Endpoint: key.Endpoint,
			BaseURL:  pc.BaseURL,
			Version:  pc.Version,
			Client:   b.clients[p],
			Mapper:   b.mapper,
			Load:     b.reg.Get(key.Endpoint),
			Metrics:  b.metrics,
			Events:   events,
			Sink:     b.sink,
			Timeout:  b.cfg.Dispatcher.Timeout,
		}
		build := func() (gateway.Service, error) { return dispatch.New(dcfg), nil }
		bal.Changes() <- balance.Insert(key, dispatch.New(dcfg))
		targets = append(targets, monitor.Target{Key: key, Changes: bal.Changes(), Build: build})
	}
	bal.Drain()
	return bal, targets, nil
}

// parseProviders keys the configured providers by their parsed identity.
func parseProviders(cfgs map[string]config.Provider) (map[model.InferenceProvider]config.Provider, error) {
	out := make(map[model.InferenceProvider]config.Provider, len(cfgs))
	for name, pc := range cfgs {
		p, err := model.ParseProvider(name)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		out[p] = pc
	}
	return out, nil
}

// buildMapper seeds the dialect mapper's resolution tables from config.
func buildMapper(cfg *config.Config, providers map[model.InferenceProvider]config.Provider) (*mapper.Mapper, error) {
	t := mapper.Tables{
		ProviderModels: make(map[model.InferenceProvider][]string, len(providers)),
		RouterMappings: make(map[model.RouterID]map[string][]string, len(cfg.Routers)),
		DefaultMapping: cfg.DefaultModelMapping,
	}
	for p, pc := range providers {
		if len(pc.Models) > 0 {
			t.ProviderModels[p] = pc.Models
		}
	}
	for name, rcfg := range cfg.Routers {
		if len(rcfg.ModelMappings) == 0 {
			continue
		}
		id, err := model.ParseRouterID(name)
		if err != nil {
			return nil, fmt.Errorf("router %s: %w", name, err)
		}
		t.RouterMappings[id] = rcfg.ModelMappings
	}
	m, err := mapper.New(t)
	if err != nil {
		return nil, fmt.Errorf("build mapper: %w", err)
	}
	return m, nil
}

// dnsRefresher renews cached upstream host resolutions so long-lived
// transports survive DNS failover.
type dnsRefresher struct {
	resolver *dnscache.Resolver
}

func (d *dnsRefresher) Name() string { return "dns_refresher" }

func (d *dnsRefresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(dnsRefreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.resolver.Refresh(true)
		case <-ctx.Done():
			return nil
		}
	}
}
