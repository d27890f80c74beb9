package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eugener/shadowfax/internal/model"
	"github.com/eugener/shadowfax/internal/telemetry"
)

// statusText maps HTTP status codes to pre-allocated strings,
// avoiding a strconv.Itoa allocation per request.
var statusText [600]string

func init() {
	for i := range statusText {
		statusText[i] = strconv.Itoa(i)
	}
}

// metricsMiddleware records request duration, status, and active count.
func metricsMiddleware(m *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.ActiveRequests.Inc()
			start := time.Now()

			sw := statusWriterPool.Get().(*statusWriter)
			sw.ResponseWriter = w
			sw.status = http.StatusOK
			sw.wroteHeader = false

			next.ServeHTTP(sw, r)

			elapsed := time.Since(start).Seconds()
			status := sw.status
			sw.ResponseWriter = nil
			statusWriterPool.Put(sw)

			m.ActiveRequests.Dec()

			pattern := routePattern(r)
			statusStr := statusText[status]

			m.RequestsTotal.WithLabelValues(r.Method, pattern, statusStr).Inc()
			m.RequestDuration.WithLabelValues(r.Method, pattern).Observe(elapsed)
		})
	}
}

// routePattern returns a bounded-cardinality label for the request path.
// System endpoints resolve through chi; plane traffic all lands on the /*
// mount, so the label collapses to the surface that serves it instead.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil {
		if p := rctx.RoutePattern(); p != "" && p != "/*" {
			return p
		}
	}
	return surfacePattern(r.URL.Path)
}

// surfacePattern collapses plane paths to one label per surface. Router ids
// and model subpaths are caller-controlled and never become label values.
func surfacePattern(path string) string {
	switch {
	case path == "/ai" || strings.HasPrefix(path, "/ai/"):
		return "/ai"
	case strings.HasPrefix(path, "/router/"):
		return "/router/{id}"
	}
	if seg, _, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/"); seg != "" {
		if p, err := model.ParseProvider(seg); err == nil {
			return "/" + p.String()
		}
	}
	return "unmatched"
}
