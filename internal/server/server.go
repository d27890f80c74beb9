// Package server is the HTTP shell around the request plane: the chi
// middleware chain applied once to the meta-router, the translation of
// structured service errors into HTTP responses, and the system endpoints
// that live outside auth.
package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/cache"
	"github.com/eugener/shadowfax/internal/config"
	"github.com/eugener/shadowfax/internal/ratelimit"
	"github.com/eugener/shadowfax/internal/telemetry"
)

// defaultBufferSize caps in-flight requests when the config does not.
const defaultBufferSize = 1024

// Plane is the request plane the shell fronts: the meta-router's service
// surface plus the auth policy the shell enforces ahead of it.
type Plane interface {
	gateway.Service
	AuthRequired(path string) bool
}

// Deps holds all dependencies for the HTTP shell.
type Deps struct {
	Meta     Plane
	Oracle   gateway.AuthOracle  // nil = no credentials resolve
	Metrics  *telemetry.Metrics
	Gatherer prometheus.Gatherer // /metrics source; nil disables the endpoint
	Ready    func() bool         // nil = always ready
	Cache    *cache.Store        // global cache layer; nil disables
	Limits   ratelimit.Store     // global rate limit backend; nil disables
	Config   *config.Config
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware, outermost first.
	r.Use(s.recovery)
	r.Use(bounded(bufferSize(deps.Config)))
	r.Use(requestID)
	r.Use(normalizePath)
	if deps.Config.Telemetry.Tracing.Enabled {
		r.Use(tracing(deps.Config.Telemetry.Tracing.Propagate))
	}
	r.Use(metricsMiddleware(deps.Metrics))
	if deps.Config.ResponseHeaders.InjectProvider() {
		r.Use(providerHeaders)
	}
	r.Use(logging)

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Config.Telemetry.Metrics.Enabled && deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Everything else enters the request plane through auth.
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Handle("/*", s.plane())
	})

	return r
}

type server struct {
	deps Deps
}

// plane stacks the global service layers onto the meta-router and bridges
// the result into the http.Handler world, where errors become responses.
func (s *server) plane() http.Handler {
	svc := gateway.Service(s.deps.Meta)
	if s.deps.Cache != nil {
		svc = globalCache(cache.Middleware(s.deps.Cache, s.deps.Metrics, s.deps.Config.Global.Cache, nil), svc)
	}
	if s.deps.Limits != nil && s.deps.Config.Global.RateLimit != nil {
		svc = ratelimit.Global(s.deps.Limits, *s.deps.Config.Global.RateLimit, s.deps.Metrics)(svc)
	}
	return serviceHandler(svc)
}

// globalCache applies the shell's cache layer everywhere except the
// /router/ surface: routers merge global and router cache config inside
// their own stack, and a second layer here would double-store every
// response.
func globalCache(mw gateway.Middleware, next gateway.Service) gateway.Service {
	cached := mw(next)
	return gateway.ServiceFunc(func(w http.ResponseWriter, r *http.Request) error {
		if strings.HasPrefix(r.URL.Path, "/router/") {
			return next.Serve(w, r)
		}
		return cached.Serve(w, r)
	})
}

// serviceHandler runs the service plane and maps its error into a JSON
// response, unless the response is already committed (a stream that broke
// mid-flight cannot be unsent).
func serviceHandler(svc gateway.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false

		err := svc.Serve(sw, r)
		committed := sw.wroteHeader
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)

		if err == nil {
			return
		}
		if committed {
			logCommittedError(r, err)
			return
		}
		writeError(w, r, err)
	})
}

func bufferSize(cfg *config.Config) int64 {
	if cfg.Server.BufferSize > 0 {
		return int64(cfg.Server.BufferSize)
	}
	return defaultBufferSize
}
