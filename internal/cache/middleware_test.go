package cache

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/config"
	"github.com/eugener/shadowfax/internal/telemetry"
)

func boolp(b bool) *bool { return &b }

func TestMergeIntent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		global  *config.Cache
		router  *config.Cache
		hdr     map[string]string
		want    Intent
		wantErr bool
	}{
		{
			name: "all nil disabled",
			want: Intent{Buckets: 1},
		},
		{
			name:   "global enables",
			global: &config.Cache{},
			want:   Intent{Enabled: true, Buckets: 1},
		},
		{
			name:   "router overrides global",
			global: &config.Cache{Seed: "g", Buckets: 2},
			router: &config.Cache{Seed: "r", Buckets: 4},
			want:   Intent{Enabled: true, Buckets: 4, Seed: "r"},
		},
		{
			name:   "router disables",
			global: &config.Cache{},
			router: &config.Cache{Enabled: boolp(false)},
			want:   Intent{Buckets: 1},
		},
		{
			name: "header enables without config",
			hdr:  map[string]string{HeaderEnabled: "true"},
			want: Intent{Enabled: true, Buckets: 1},
		},
		{
			name:   "header disables config",
			global: &config.Cache{},
			hdr:    map[string]string{HeaderEnabled: "false"},
			want:   Intent{Buckets: 1},
		},
		{
			name:   "header bucket and seed win",
			global: &config.Cache{Buckets: 2, Seed: "g"},
			hdr:    map[string]string{HeaderBucketMax: "8", HeaderSeed: "s"},
			want:   Intent{Enabled: true, Buckets: 8, Seed: "s"},
		},
		{
			name:   "request cache-control replaces config directive",
			global: &config.Cache{Directive: "max-age=60"},
			hdr:    map[string]string{"Cache-Control": "max-age=10"},
			want:   Intent{Enabled: true, Buckets: 1, Directive: Directives{MaxAge: 10 * time.Second, HasMaxAge: true}},
		},
		{
			name:   "config directive applies when client silent",
			global: &config.Cache{Directive: "max-age=60"},
			want:   Intent{Enabled: true, Buckets: 1, Directive: Directives{MaxAge: time.Minute, HasMaxAge: true}},
		},
		{
			name: "bucket at limit",
			hdr:  map[string]string{HeaderBucketMax: "32"},
			want: Intent{Buckets: 32},
		},
		{
			name:    "bucket over limit",
			hdr:     map[string]string{HeaderBucketMax: "33"},
			wantErr: true,
		},
		{
			name:    "bucket zero",
			hdr:     map[string]string{HeaderBucketMax: "0"},
			wantErr: true,
		},
		{
			name:    "bucket not a number",
			hdr:     map[string]string{HeaderBucketMax: "many"},
			wantErr: true,
		},
		{
			name:    "enabled not a bool",
			hdr:     map[string]string{HeaderEnabled: "yes please"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			hdr := make(http.Header)
			for k, v := range tt.hdr {
				hdr.Set(k, v)
			}
			got, err := MergeIntent(tt.global, tt.router, hdr)
			if tt.wantErr {
				if !errors.Is(err, gateway.ErrInvalidCacheHeader) {
					t.Fatalf("err = %v, want ErrInvalidCacheHeader", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("MergeIntent: %v", err)
			}
			if got != tt.want {
				t.Errorf("MergeIntent = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// upstream is a scriptable origin. Tests mutate its fields between calls
// to model an origin whose answers change.
type upstream struct {
	calls  atomic.Int64
	status int
	header map[string]string
	body   string
	check  func(*http.Request)
}

func (u *upstream) Serve(w http.ResponseWriter, r *http.Request) error {
	u.calls.Add(1)
	if u.check != nil {
		u.check(r)
	}
	for k, v := range u.header {
		w.Header().Set(k, v)
	}
	if u.status != 0 {
		w.WriteHeader(u.status)
	}
	if u.body != "" {
		io.WriteString(w, u.body)
	}
	return nil
}

func newCacheStack(t *testing.T, up gateway.Service, global, router *config.Cache) (gateway.Service, *Store) {
	t.Helper()
	s := NewStore(64, 1<<20, time.Hour, nil)
	m := telemetry.NewMetrics(prometheus.NewRegistry())
	return Middleware(s, m, global, router)(up), s
}

func serveCached(t *testing.T, svc gateway.Service, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	r := httptest.NewRequest(http.MethodPost, "/router/default/v1/chat/completions", rd)
	for k, v := range hdr {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	if err := svc.Serve(w, r); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	return w
}

func TestMiddleware_MissThenHit(t *testing.T) {
	t.Parallel()

	up := &upstream{status: 200, header: map[string]string{"Content-Type": "application/json"}, body: `{"id":"resp-1"}`}
	svc, store := newCacheStack(t, up, &config.Cache{}, nil)

	body := `{"model":"openai/gpt-4o-mini","messages":[{"role":"user","content":"Hello, world!"}]}`
	hdr := map[string]string{"Cache-Control": "max-age=3600"}

	w1 := serveCached(t, svc, body, hdr)
	if w1.Code != 200 || w1.Header().Get(HeaderCache) != "miss" || w1.Header().Get(HeaderBucketIdx) != "0" {
		t.Fatalf("first call: code=%d cache=%q idx=%q", w1.Code, w1.Header().Get(HeaderCache), w1.Header().Get(HeaderBucketIdx))
	}

	w2 := serveCached(t, svc, body, hdr)
	if w2.Header().Get(HeaderCache) != "hit" || w2.Header().Get(HeaderBucketIdx) != "0" {
		t.Fatalf("second call: cache=%q idx=%q", w2.Header().Get(HeaderCache), w2.Header().Get(HeaderBucketIdx))
	}
	if w2.Body.String() != `{"id":"resp-1"}` {
		t.Errorf("hit body = %q", w2.Body.String())
	}
	if w2.Header().Get("Content-Type") != "application/json" {
		t.Errorf("hit lost Content-Type: %q", w2.Header().Get("Content-Type"))
	}
	if got := up.calls.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}

	// A different body is a different logical key.
	w3 := serveCached(t, svc, `{"model":"openai/gpt-4o-mini","messages":[]}`, hdr)
	if w3.Header().Get(HeaderCache) != "miss" {
		t.Errorf("distinct body: cache=%q", w3.Header().Get(HeaderCache))
	}
	if store.Len() != 2 {
		t.Errorf("store Len = %d, want 2", store.Len())
	}

	// Stored entries never carry the response markers.
	for _, e := range []string{HeaderCache, HeaderBucketIdx} {
		k := BucketKey("", "/router/default/v1/chat/completions", []byte(body), 0)
		if entry, ok := store.Get(k); ok && entry.Header.Get(e) != "" {
			t.Errorf("stored entry carries %s", e)
		}
	}
}

func TestMiddleware_DisabledIsTransparent(t *testing.T) {
	t.Parallel()

	up := &upstream{status: 200, body: "ok"}
	svc, store := newCacheStack(t, up, nil, nil)

	w := serveCached(t, svc, "req", map[string]string{"Cache-Control": "max-age=3600"})
	if _, present := w.Header()[http.CanonicalHeaderKey(HeaderCache)]; present {
		t.Error("disabled layer must not emit the cache header")
	}
	if store.Len() != 0 {
		t.Errorf("store Len = %d, want 0", store.Len())
	}

	// Explicit header disable beats an enabling config.
	svc2, store2 := newCacheStack(t, up, &config.Cache{}, nil)
	w2 := serveCached(t, svc2, "req", map[string]string{HeaderEnabled: "false"})
	if _, present := w2.Header()[http.CanonicalHeaderKey(HeaderCache)]; present {
		t.Error("header-disabled layer must not emit the cache header")
	}
	if store2.Len() != 0 {
		t.Errorf("store2 Len = %d, want 0", store2.Len())
	}
}

func TestMiddleware_InvalidHeaderRejects(t *testing.T) {
	t.Parallel()

	up := &upstream{status: 200, body: "ok"}
	svc, _ := newCacheStack(t, up, &config.Cache{}, nil)

	r := httptest.NewRequest(http.MethodPost, "/router/default/v1/chat/completions", strings.NewReader("req"))
	r.Header.Set(HeaderBucketMax, "99")
	err := svc.Serve(httptest.NewRecorder(), r)
	if !errors.Is(err, gateway.ErrInvalidCacheHeader) {
		t.Fatalf("err = %v, want ErrInvalidCacheHeader", err)
	}
	if up.calls.Load() != 0 {
		t.Error("upstream must not run on a rejected header")
	}
}

func TestMiddleware_NotStorableNoMarker(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		up   *upstream
	}{
		{"no-store response", &upstream{status: 200, header: map[string]string{"Cache-Control": "no-store"}, body: "ok"}},
		{"error status", &upstream{status: 404, body: "nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			svc, store := newCacheStack(t, tt.up, &config.Cache{}, nil)
			hdr := map[string]string{"Cache-Control": "max-age=60"}

			w := serveCached(t, svc, "req", hdr)
			if _, present := w.Header()[http.CanonicalHeaderKey(HeaderCache)]; present {
				t.Error("unstorable response must not carry the cache header")
			}
			if w.Body.String() != tt.up.body {
				t.Errorf("body = %q", w.Body.String())
			}
			serveCached(t, svc, "req", hdr)
			if got := tt.up.calls.Load(); got != 2 {
				t.Errorf("upstream calls = %d, want 2", got)
			}
			if store.Len() != 0 {
				t.Errorf("store Len = %d, want 0", store.Len())
			}
		})
	}
}

// streamOrigin writes an SSE response in two flushed chunks.
type streamOrigin struct{ calls atomic.Int64 }

func (s *streamOrigin) Serve(w http.ResponseWriter, _ *http.Request) error {
	s.calls.Add(1)
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	f, _ := w.(http.Flusher)
	io.WriteString(w, "data: a\n\n")
	f.Flush()
	io.WriteString(w, "data: b\n\n")
	f.Flush()
	return nil
}

func TestMiddleware_StreamWritesThrough(t *testing.T) {
	t.Parallel()

	up := &streamOrigin{}
	svc, store := newCacheStack(t, up, &config.Cache{}, nil)

	w := serveCached(t, svc, `{"stream":true}`, map[string]string{"Cache-Control": "max-age=60"})
	if w.Body.String() != "data: a\n\ndata: b\n\n" {
		t.Errorf("stream body = %q", w.Body.String())
	}
	if !w.Flushed {
		t.Error("flush must reach the client")
	}
	if _, present := w.Header()[http.CanonicalHeaderKey(HeaderCache)]; present {
		t.Error("streams must not carry the cache header")
	}
	if store.Len() != 0 {
		t.Errorf("store Len = %d, want 0", store.Len())
	}
}

func TestMiddleware_RequestNoCacheRefetches(t *testing.T) {
	t.Parallel()

	up := &upstream{status: 200, body: "v1"}
	svc, store := newCacheStack(t, up, &config.Cache{}, nil)

	serveCached(t, svc, "req", map[string]string{"Cache-Control": "max-age=3600"})
	up.body = "v2"

	w := serveCached(t, svc, "req", map[string]string{"Cache-Control": "no-cache, max-age=3600"})
	if w.Header().Get(HeaderCache) != "miss" || w.Body.String() != "v2" {
		t.Fatalf("no-cache call: cache=%q body=%q", w.Header().Get(HeaderCache), w.Body.String())
	}
	if up.calls.Load() != 2 {
		t.Errorf("upstream calls = %d, want 2", up.calls.Load())
	}
	if store.Len() != 1 {
		t.Errorf("store Len = %d, want 1", store.Len())
	}

	// The refetched body replaced the entry.
	w2 := serveCached(t, svc, "req", map[string]string{"Cache-Control": "max-age=3600"})
	if w2.Header().Get(HeaderCache) != "hit" || w2.Body.String() != "v2" {
		t.Errorf("after refetch: cache=%q body=%q", w2.Header().Get(HeaderCache), w2.Body.String())
	}
}

func TestMiddleware_Revalidate304(t *testing.T) {
	t.Parallel()

	up := &upstream{
		status: 200,
		header: map[string]string{"Cache-Control": "no-cache", "Etag": `"v1"`},
		body:   "payload",
	}
	svc, _ := newCacheStack(t, up, &config.Cache{}, nil)

	w1 := serveCached(t, svc, "req", nil)
	if w1.Header().Get(HeaderCache) != "miss" {
		t.Fatalf("first call: cache=%q", w1.Header().Get(HeaderCache))
	}

	// The stored entry is immediately stale; the next read revalidates
	// and the 304 extends its life.
	up.status = http.StatusNotModified
	up.header = map[string]string{"Cache-Control": "max-age=60"}
	up.body = ""
	up.check = func(r *http.Request) {
		if got := r.Header.Get("If-None-Match"); got != `"v1"` {
			t.Errorf("If-None-Match = %q", got)
		}
	}

	w2 := serveCached(t, svc, "req", nil)
	if w2.Code != 200 || w2.Header().Get(HeaderCache) != "hit" || w2.Body.String() != "payload" {
		t.Fatalf("revalidated call: code=%d cache=%q body=%q", w2.Code, w2.Header().Get(HeaderCache), w2.Body.String())
	}
	if up.calls.Load() != 2 {
		t.Fatalf("upstream calls = %d, want 2", up.calls.Load())
	}

	// Refreshed lifetime serves the third read from memory.
	w3 := serveCached(t, svc, "req", nil)
	if w3.Header().Get(HeaderCache) != "hit" {
		t.Errorf("third call: cache=%q", w3.Header().Get(HeaderCache))
	}
	if up.calls.Load() != 2 {
		t.Errorf("upstream calls = %d, want 2", up.calls.Load())
	}
}

func TestMiddleware_RevalidateReplacedBody(t *testing.T) {
	t.Parallel()

	up := &upstream{
		status: 200,
		header: map[string]string{"Cache-Control": "no-cache", "Etag": `"v1"`},
		body:   "old",
	}
	svc, _ := newCacheStack(t, up, &config.Cache{}, nil)
	serveCached(t, svc, "req", nil)

	// Upstream has new content: full 200 replaces the entry.
	up.header = map[string]string{"Cache-Control": "max-age=60", "Etag": `"v2"`}
	up.body = "new"

	w := serveCached(t, svc, "req", nil)
	if w.Header().Get(HeaderCache) != "miss" || w.Body.String() != "new" {
		t.Fatalf("replace call: cache=%q body=%q", w.Header().Get(HeaderCache), w.Body.String())
	}

	w2 := serveCached(t, svc, "req", nil)
	if w2.Header().Get(HeaderCache) != "hit" || w2.Body.String() != "new" {
		t.Errorf("after replace: cache=%q body=%q", w2.Header().Get(HeaderCache), w2.Body.String())
	}
	if up.calls.Load() != 2 {
		t.Errorf("upstream calls = %d, want 2", up.calls.Load())
	}
}

func TestMiddleware_StampsVerdict(t *testing.T) {
	t.Parallel()

	up := &upstream{
		status: 200,
		header: map[string]string{"Cache-Control": "no-cache", "Etag": `"v1"`},
		body:   "payload",
	}
	svc, _ := newCacheStack(t, up, &config.Cache{}, nil)

	serve := func() *gateway.Extensions {
		ext := &gateway.Extensions{RequestID: "req-1"}
		r := httptest.NewRequest(http.MethodPost, "/router/default/v1/chat/completions", strings.NewReader("req"))
		r = r.WithContext(gateway.WithExtensions(r.Context(), ext))
		if err := svc.Serve(httptest.NewRecorder(), r); err != nil {
			t.Fatalf("Serve: %v", err)
		}
		return ext
	}

	if got := serve().CacheStatus; got != "miss" {
		t.Fatalf("first call CacheStatus = %q, want miss", got)
	}

	// The stored entry is stale at once, so the next read revalidates. The
	// stamp names the conditional refetch even though the 304 means the
	// client is served the stored body.
	up.status = http.StatusNotModified
	up.header = map[string]string{"Cache-Control": "max-age=60"}
	up.body = ""
	if got := serve().CacheStatus; got != "revalidate" {
		t.Fatalf("second call CacheStatus = %q, want revalidate", got)
	}

	// The refresh left a fresh entry; a hit costs no upstream call and
	// leaves the bag untouched.
	if got := serve().CacheStatus; got != "" {
		t.Errorf("hit CacheStatus = %q, want empty", got)
	}
	if up.calls.Load() != 2 {
		t.Errorf("upstream calls = %d, want 2", up.calls.Load())
	}
}

func TestMiddleware_BucketSpread(t *testing.T) {
	t.Parallel()

	up := &upstream{status: 200, body: "ok"}
	svc, store := newCacheStack(t, up, &config.Cache{Buckets: 2}, nil)
	hdr := map[string]string{"Cache-Control": "max-age=3600"}

	w1 := serveCached(t, svc, "req", hdr)
	if w1.Header().Get(HeaderBucketIdx) != "0" {
		t.Fatalf("first store idx = %q", w1.Header().Get(HeaderBucketIdx))
	}

	// no-cache bypasses the read and lands in the remaining empty bucket.
	w2 := serveCached(t, svc, "req", map[string]string{"Cache-Control": "no-cache, max-age=3600"})
	if w2.Header().Get(HeaderBucketIdx) != "1" {
		t.Fatalf("second store idx = %q", w2.Header().Get(HeaderBucketIdx))
	}
	if store.Len() != 2 {
		t.Fatalf("store Len = %d, want 2", store.Len())
	}

	// Reads probe in index order, so bucket 0 answers.
	w3 := serveCached(t, svc, "req", hdr)
	if w3.Header().Get(HeaderCache) != "hit" || w3.Header().Get(HeaderBucketIdx) != "0" {
		t.Errorf("probe: cache=%q idx=%q", w3.Header().Get(HeaderCache), w3.Header().Get(HeaderBucketIdx))
	}
}

func TestMiddleware_UpstreamErrorPropagates(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("upstream exploded")
	next := gateway.ServiceFunc(func(http.ResponseWriter, *http.Request) error { return sentinel })
	store := NewStore(8, 1<<20, time.Hour, nil)
	svc := Middleware(store, nil, &config.Cache{}, nil)(next)

	r := httptest.NewRequest(http.MethodPost, "/router/default/v1/chat/completions", strings.NewReader("req"))
	r.Header.Set("Cache-Control", "max-age=60")
	if err := svc.Serve(httptest.NewRecorder(), r); !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want sentinel", err)
	}
	if store.Len() != 0 {
		t.Errorf("store Len = %d, want 0", store.Len())
	}
}

func TestMiddleware_NilMetrics(t *testing.T) {
	t.Parallel()

	up := &upstream{status: 200, body: "ok"}
	store := NewStore(8, 1<<20, time.Hour, nil)
	svc := Middleware(store, nil, &config.Cache{}, nil)(up)

	hdr := map[string]string{"Cache-Control": "max-age=60"}
	serveCached(t, svc, "req", hdr)
	w := serveCached(t, svc, "req", hdr)
	if w.Header().Get(HeaderCache) != "hit" {
		t.Errorf("cache = %q, want hit", w.Header().Get(HeaderCache))
	}
}

func TestMiddleware_SeedPartitionsKeys(t *testing.T) {
	t.Parallel()

	up := &upstream{status: 200, body: "ok"}
	svc, store := newCacheStack(t, up, &config.Cache{}, nil)
	hdr := func(seed string) map[string]string {
		return map[string]string{"Cache-Control": "max-age=3600", HeaderSeed: seed}
	}

	serveCached(t, svc, "req", hdr("tenant-a"))
	w := serveCached(t, svc, "req", hdr("tenant-b"))
	if w.Header().Get(HeaderCache) != "miss" {
		t.Errorf("different seed must miss, got %q", w.Header().Get(HeaderCache))
	}
	w2 := serveCached(t, svc, "req", hdr("tenant-a"))
	if w2.Header().Get(HeaderCache) != "hit" {
		t.Errorf("same seed must hit, got %q", w2.Header().Get(HeaderCache))
	}
	if store.Len() != 2 {
		t.Errorf("store Len = %d, want 2", store.Len())
	}
}
