package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/model"
)

func TestRequestID(t *testing.T) {
	t.Parallel()

	t.Run("generated", func(t *testing.T) {
		t.Parallel()
		h, plane := newTestServer(nil)

		req := httptest.NewRequest(http.MethodGet, "/ai/v1/models", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		id := rec.Header().Get("X-Request-Id")
		if id == "" {
			t.Fatal("X-Request-Id not set on response")
		}
		if ext := plane.ext(); ext == nil || ext.RequestID != id {
			t.Errorf("extension RequestID does not match header %q", id)
		}
	})

	t.Run("inbound id kept", func(t *testing.T) {
		t.Parallel()
		h, plane := newTestServer(nil)

		req := httptest.NewRequest(http.MethodGet, "/ai/v1/models", nil)
		req.Header.Set("X-Request-Id", "caller-7")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if got := rec.Header().Get("X-Request-Id"); got != "caller-7" {
			t.Errorf("X-Request-Id = %q, want %q", got, "caller-7")
		}
		if ext := plane.ext(); ext == nil || ext.RequestID != "caller-7" {
			t.Error("extension RequestID should carry the inbound id")
		}
	})
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	h, plane := newTestServer(nil)

	req := httptest.NewRequest(http.MethodPost, "/router/prod/", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := plane.url(); got != "/router/prod" {
		t.Errorf("plane saw %q, want %q", got, "/router/prod")
	}
}

func TestPanicRecovery(t *testing.T) {
	t.Parallel()
	h, plane := newTestServer(nil)
	plane.fn = func(http.ResponseWriter, *http.Request) error {
		panic("boom")
	}

	req := httptest.NewRequest(http.MethodPost, "/ai/v1/chat/completions", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if !strings.Contains(rec.Body.String(), "internal server error") {
		t.Errorf("body = %s, want masked internal error", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "boom") {
		t.Errorf("panic detail leaked: %s", rec.Body.String())
	}
}

func TestProviderHeaders(t *testing.T) {
	t.Parallel()

	serve := func(w http.ResponseWriter, r *http.Request) error {
		ext := gateway.Ext(r.Context())
		ext.Provider = model.ProviderOpenAI
		ext.ProviderRequestID = "up-9"
		w.WriteHeader(http.StatusOK)
		return nil
	}

	t.Run("injected by default", func(t *testing.T) {
		t.Parallel()
		h, plane := newTestServer(nil)
		plane.fn = serve

		req := httptest.NewRequest(http.MethodPost, "/ai/v1/chat/completions", strings.NewReader("{}"))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if got := rec.Header().Get("Helicone-Provider"); got != "openai" {
			t.Errorf("Helicone-Provider = %q, want %q", got, "openai")
		}
		if got := rec.Header().Get("Helicone-Provider-Req-Id"); got != "up-9" {
			t.Errorf("Helicone-Provider-Req-Id = %q, want %q", got, "up-9")
		}
	})

	t.Run("disabled by config", func(t *testing.T) {
		t.Parallel()
		off := false
		h, plane := newTestServer(func(d *Deps) {
			d.Config.ResponseHeaders.Provider = &off
		})
		plane.fn = serve

		req := httptest.NewRequest(http.MethodPost, "/ai/v1/chat/completions", strings.NewReader("{}"))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if got := rec.Header().Get("Helicone-Provider"); got != "" {
			t.Errorf("Helicone-Provider = %q, want unset", got)
		}
	})
}

func TestBoundedBuffer(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{})
	h, plane := newTestServer(func(d *Deps) {
		d.Config.Server.BufferSize = 1
	})
	plane.fn = func(w http.ResponseWriter, _ *http.Request) error {
		close(started)
		<-release
		w.WriteHeader(http.StatusOK)
		return nil
	}

	go func() {
		req := httptest.NewRequest(http.MethodPost, "/ai/v1/chat/completions", strings.NewReader("{}"))
		h.ServeHTTP(httptest.NewRecorder(), req)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first request never started")
	}

	// The slot is occupied; a second arrival that gives up must get 503.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/ai/v1/chat/completions", strings.NewReader("{}")).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	close(release)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if !strings.Contains(rec.Body.String(), "server overloaded") {
		t.Errorf("body = %s, want overload message", rec.Body.String())
	}
}

func TestSurfacePattern(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path string
		want string
	}{
		{"/ai", "/ai"},
		{"/ai/v1/chat/completions", "/ai"},
		{"/router/prod/v1/chat/completions", "/router/{id}"},
		{"/openai/v1/models", "/openai"},
		{"/anthropic/v1/messages", "/anthropic"},
		{"/google/v1beta/models/x:generateContent", "/gemini"},
		{"/nope/v1/thing", "unmatched"},
		{"/", "unmatched"},
	}

	for _, tt := range tests {
		if got := surfacePattern(tt.path); got != tt.want {
			t.Errorf("surfacePattern(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
