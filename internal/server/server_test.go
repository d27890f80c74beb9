package server

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/cache"
	"github.com/eugener/shadowfax/internal/config"
	"github.com/eugener/shadowfax/internal/telemetry"
	"github.com/eugener/shadowfax/internal/testutil"
)

// fakePlane stands in for the meta-router. The default behavior writes a
// small JSON body; err short-circuits without writing, fn overrides
// everything.
type fakePlane struct {
	err      error
	required bool
	fn       func(w http.ResponseWriter, r *http.Request) error

	calls atomic.Int64

	mu      sync.Mutex
	lastExt *gateway.Extensions
	lastURL string
}

func (p *fakePlane) Serve(w http.ResponseWriter, r *http.Request) error {
	p.calls.Add(1)
	p.mu.Lock()
	p.lastExt = gateway.Ext(r.Context())
	p.lastURL = r.URL.RequestURI()
	p.mu.Unlock()

	if p.fn != nil {
		return p.fn(w, r)
	}
	if p.err != nil {
		return p.err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, `{"ok":true}`)
	return nil
}

func (p *fakePlane) AuthRequired(string) bool { return p.required }

func (p *fakePlane) ext() *gateway.Extensions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastExt
}

func (p *fakePlane) url() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastURL
}

func newTestServer(mutate func(*Deps)) (http.Handler, *fakePlane) {
	plane := &fakePlane{}
	reg := prometheus.NewRegistry()
	deps := Deps{
		Meta:     plane,
		Metrics:  telemetry.NewMetrics(reg),
		Gatherer: reg,
		Config:   &config.Config{},
	}
	if mutate != nil {
		mutate(&deps)
	}
	return New(deps), plane
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h, _ := newTestServer(nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "ok")
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	t.Run("default ready", func(t *testing.T) {
		t.Parallel()
		h, _ := newTestServer(nil)

		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
		}
	})

	t.Run("not ready", func(t *testing.T) {
		t.Parallel()
		h, _ := newTestServer(func(d *Deps) {
			d.Ready = func() bool { return false }
		})

		req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
		}
		if rec.Body.String() != "not ready" {
			t.Errorf("body = %q, want %q", rec.Body.String(), "not ready")
		}
	})
}

func TestErrorRendering(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
		wantInBody string
	}{
		{
			name:       "not found",
			err:        gateway.ErrNotFound,
			wantStatus: http.StatusNotFound,
			wantType:   "invalid_request_error",
			wantInBody: "not found",
		},
		{
			name:       "unauthorized wrapped",
			err:        gateway.ErrUnauthorized,
			wantStatus: http.StatusUnauthorized,
			wantType:   "authentication_error",
		},
		{
			name:       "bad mapping",
			err:        gateway.ErrNoValidMapping,
			wantStatus: http.StatusBadRequest,
			wantType:   "invalid_request_error",
		},
		{
			name:       "no ready endpoints",
			err:        gateway.ErrNoReadyEndpoints,
			wantStatus: http.StatusServiceUnavailable,
			wantType:   "api_error",
		},
		{
			name:       "upstream failure",
			err:        gateway.ErrUpstream,
			wantStatus: http.StatusBadGateway,
			wantType:   "api_error",
		},
		{
			name:       "internal masked",
			err:        errors.New("secret detail"),
			wantStatus: http.StatusInternalServerError,
			wantType:   "api_error",
			wantInBody: "internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h, plane := newTestServer(nil)
			plane.err = tt.err

			req := httptest.NewRequest(http.MethodPost, "/ai/v1/chat/completions", strings.NewReader("{}"))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			body := rec.Body.String()
			if !strings.Contains(body, tt.wantType) {
				t.Errorf("body missing error type %q: %s", tt.wantType, body)
			}
			if tt.wantInBody != "" && !strings.Contains(body, tt.wantInBody) {
				t.Errorf("body missing %q: %s", tt.wantInBody, body)
			}
			if tt.wantStatus == http.StatusInternalServerError && strings.Contains(body, "secret") {
				t.Errorf("internal detail leaked: %s", body)
			}
		})
	}
}

func TestRateLimitedRetryAfter(t *testing.T) {
	t.Parallel()
	h, plane := newTestServer(nil)
	plane.err = &gateway.RateLimitedError{RetryAfter: 2500 * time.Millisecond}

	req := httptest.NewRequest(http.MethodPost, "/ai/v1/chat/completions", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if got := rec.Header().Get("Retry-After"); got != "3" {
		t.Errorf("Retry-After = %q, want %q", got, "3")
	}
	if !strings.Contains(rec.Body.String(), "rate_limit_error") {
		t.Errorf("body missing rate_limit_error: %s", rec.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()

	t.Run("no credential rejected", func(t *testing.T) {
		t.Parallel()
		h, plane := newTestServer(func(d *Deps) {
			d.Oracle = &testutil.FakeOracle{}
		})
		plane.required = true

		req := httptest.NewRequest(http.MethodPost, "/router/prod/v1/chat/completions", strings.NewReader("{}"))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
		if plane.calls.Load() != 0 {
			t.Error("unauthenticated request reached the plane")
		}
	})

	t.Run("valid credential resolves identity", func(t *testing.T) {
		t.Parallel()
		h, plane := newTestServer(func(d *Deps) {
			d.Oracle = &testutil.FakeOracle{}
		})
		plane.required = true

		req := httptest.NewRequest(http.MethodPost, "/router/prod/v1/chat/completions", strings.NewReader("{}"))
		req.Header.Set("Authorization", "Bearer sk-test")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d; body = %s", rec.Code, http.StatusOK, rec.Body.String())
		}
		ext := plane.ext()
		if ext == nil || ext.Auth == nil {
			t.Fatal("identity not attached to extensions")
		}
		if ext.Auth.UserID != "test-user" {
			t.Errorf("UserID = %q, want %q", ext.Auth.UserID, "test-user")
		}
	})

	t.Run("rejected credential on open surface proceeds anonymously", func(t *testing.T) {
		t.Parallel()
		h, plane := newTestServer(func(d *Deps) {
			d.Oracle = testutil.RejectOracle{}
		})

		req := httptest.NewRequest(http.MethodPost, "/ai/v1/chat/completions", strings.NewReader("{}"))
		req.Header.Set("Authorization", "Bearer bogus")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if ext := plane.ext(); ext == nil || ext.Auth != nil {
			t.Error("anonymous request should carry no identity")
		}
	})

	t.Run("rejected credential on closed surface stops", func(t *testing.T) {
		t.Parallel()
		h, plane := newTestServer(func(d *Deps) {
			d.Oracle = testutil.RejectOracle{}
		})
		plane.required = true

		req := httptest.NewRequest(http.MethodPost, "/ai/v1/chat/completions", strings.NewReader("{}"))
		req.Header.Set("Authorization", "Bearer bogus")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
		if plane.calls.Load() != 0 {
			t.Error("rejected request reached the plane")
		}
	})
}

func TestGlobalRateLimit(t *testing.T) {
	t.Parallel()

	limiter := &testutil.FakeLimiter{Deny: true, RetryAfter: 2 * time.Second}
	h, plane := newTestServer(func(d *Deps) {
		d.Limits = limiter
		d.Config.Global.RateLimit = &config.RateLimit{Capacity: 10, Period: time.Minute}
	})

	req := httptest.NewRequest(http.MethodPost, "/ai/v1/chat/completions", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d; body = %s", rec.Code, http.StatusTooManyRequests, rec.Body.String())
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want %q", got, "2")
	}
	if plane.calls.Load() != 0 {
		t.Error("rate limited request reached the plane")
	}
	keys := limiter.Keys()
	if len(keys) != 1 || keys[0] != "global" {
		t.Errorf("limiter keys = %v, want [global]", keys)
	}
}

func TestGlobalCache(t *testing.T) {
	t.Parallel()

	newCached := func() (http.Handler, *fakePlane) {
		return newTestServer(func(d *Deps) {
			d.Cache = cache.NewStore(64, 1<<20, time.Hour, nil)
			d.Config.Global.Cache = &config.Cache{}
		})
	}

	t.Run("unified surface serves repeats from cache", func(t *testing.T) {
		t.Parallel()
		h, plane := newCached()
		body := `{"model":"openai/gpt-4o"}`

		for range 2 {
			req := httptest.NewRequest(http.MethodPost, "/ai/v1/chat/completions", strings.NewReader(body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		}
		if got := plane.calls.Load(); got != 1 {
			t.Errorf("plane calls = %d, want 1 (second request should hit cache)", got)
		}
	})

	t.Run("router surface is never cached by the shell", func(t *testing.T) {
		t.Parallel()
		h, plane := newCached()
		body := `{"model":"gpt-4o"}`

		for range 2 {
			req := httptest.NewRequest(http.MethodPost, "/router/prod/v1/chat/completions", strings.NewReader(body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		}
		if got := plane.calls.Load(); got != 2 {
			t.Errorf("plane calls = %d, want 2 (router stacks own their cache layers)", got)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	t.Run("enabled", func(t *testing.T) {
		t.Parallel()
		h, _ := newTestServer(func(d *Deps) {
			d.Config.Telemetry.Metrics.Enabled = true
		})

		// Generate one request so counters exist, then scrape.
		warm := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		h.ServeHTTP(httptest.NewRecorder(), warm)

		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if !strings.Contains(rec.Body.String(), "shadowfax_requests_total") {
			t.Error("scrape missing shadowfax_requests_total")
		}
	})

	t.Run("disabled falls through to the plane", func(t *testing.T) {
		t.Parallel()
		h, plane := newTestServer(nil)

		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if plane.calls.Load() != 1 {
			t.Error("disabled /metrics should route to the plane")
		}
	})
}
