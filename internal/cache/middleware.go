package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/config"
	"github.com/eugener/shadowfax/internal/telemetry"
)

// Cache control surface. The helicone-* request headers override config;
// the helicone-cache response headers report what the layer did.
const (
	HeaderCache     = "helicone-cache"
	HeaderBucketIdx = "helicone-cache-bucket-idx"
	HeaderEnabled   = "helicone-cache-enabled"
	HeaderBucketMax = "helicone-cache-bucket-max-size"
	HeaderSeed      = "helicone-cache-seed"
)

// Intent is a request's merged cache configuration.
type Intent struct {
	Enabled   bool
	Buckets   int
	Seed      string
	Directive Directives
}

// MergeIntent resolves the effective intent from global config, router
// config, and request headers, last writer wins. Either config scope may
// be nil. Malformed helicone-* values reject the request.
func MergeIntent(global, router *config.Cache, hdr http.Header) (Intent, error) {
	in := Intent{Buckets: 1}
	for _, c := range []*config.Cache{global, router} {
		if c == nil {
			continue
		}
		in.Enabled = c.On()
		if c.Buckets > 0 {
			in.Buckets = c.Buckets
		}
		if c.Seed != "" {
			in.Seed = c.Seed
		}
		if c.Directive != "" {
			in.Directive = ParseDirectives(c.Directive)
		}
	}
	if v := hdr.Get(HeaderEnabled); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return Intent{}, fmt.Errorf("%w: %s=%q", gateway.ErrInvalidCacheHeader, HeaderEnabled, v)
		}
		in.Enabled = on
	}
	if v := hdr.Get(HeaderBucketMax); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > MaxBuckets {
			return Intent{}, fmt.Errorf("%w: %s=%q", gateway.ErrInvalidCacheHeader, HeaderBucketMax, v)
		}
		in.Buckets = n
	}
	if v := hdr.Get(HeaderSeed); v != "" {
		in.Seed = v
	}
	if v := hdr.Get("Cache-Control"); v != "" {
		in.Directive = ParseDirectives(v)
	}
	if in.Buckets < 1 {
		in.Buckets = 1
	} else if in.Buckets > MaxBuckets {
		in.Buckets = MaxBuckets
	}
	return in, nil
}

// Middleware returns the read-through cache layer for one position.
// Both config scopes may be nil; the layer then acts only when request
// headers enable it. Disabled intents pass through without touching the
// response.
func Middleware(store *Store, metrics *telemetry.Metrics, global, router *config.Cache) gateway.Middleware {
	return func(next gateway.Service) gateway.Service {
		return &service{store: store, metrics: metrics, global: global, router: router, next: next}
	}
}

type service struct {
	store   *Store
	metrics *telemetry.Metrics
	global  *config.Cache
	router  *config.Cache
	next    gateway.Service
}

func (c *service) Serve(w http.ResponseWriter, r *http.Request) error {
	intent, err := MergeIntent(c.global, c.router, r.Header)
	if err != nil {
		return err
	}
	if !intent.Enabled || (r.Method != http.MethodGet && r.Method != http.MethodPost) {
		return c.next.Serve(w, r)
	}

	body, err := bufferBody(r)
	if err != nil {
		return fmt.Errorf("buffer request body: %w", err)
	}
	ext := gateway.Ext(r.Context())
	pq := r.URL.RequestURI()
	if ext != nil && ext.PathAndQuery != "" {
		pq = ext.PathAndQuery
	}
	keys := make([]string, intent.Buckets)
	for i := range keys {
		keys[i] = BucketKey(intent.Seed, pq, body, i)
	}

	// Probe buckets in index order. First fresh entry wins; the first
	// stale entry with validators is kept as the revalidation candidate.
	now := time.Now()
	empty := -1
	staleIdx := -1
	var stale *Entry
	for i, k := range keys {
		e, ok := c.store.Get(k)
		if !ok {
			if empty == -1 {
				empty = i
			}
			continue
		}
		if intent.Directive.NoCache {
			// The client wants a full fetch; reads are bypassed but the
			// response is still stored below.
			continue
		}
		if e.Policy.Fresh(now) {
			c.hit()
			return writeEntry(w, e, "hit", i)
		}
		if stale == nil && e.Policy.Revalidatable() {
			stale, staleIdx = e, i
		}
	}

	if stale != nil {
		return c.revalidate(w, r, intent, keys[staleIdx], staleIdx, stale)
	}

	bucket := empty
	if bucket == -1 {
		bucket = c.store.NextBucket(intent.Buckets)
	}
	if ext != nil {
		ext.CacheStatus = "miss"
	}
	rec := newRecorder(w, intent.Directive, bucket, c.store.MaxTTL(), c.store.maxBytes)
	if err := c.next.Serve(rec, r); err != nil {
		return err
	}
	c.miss()
	if rec.storable {
		c.store.Set(keys[bucket], &Entry{
			Status: rec.status,
			Header: storedHeader(rec.Header()),
			Body:   bytes.Clone(rec.buf.Bytes()),
			Policy: rec.policy,
		})
	}
	return nil
}

// revalidate holds the whole upstream response in memory so a 304 can be
// swapped for the stored entry before anything reaches the client.
func (c *service) revalidate(w http.ResponseWriter, r *http.Request, intent Intent, key string, idx int, stale *Entry) error {
	stale.Policy.ConditionalHeaders(r.Header)
	if ext := gateway.Ext(r.Context()); ext != nil {
		ext.CacheStatus = "revalidate"
	}
	buf := newBufferedWriter()
	if err := c.next.Serve(buf, r); err != nil {
		return err
	}
	now := time.Now()
	if buf.status == http.StatusNotModified {
		fresh := &Entry{
			Status: stale.Status,
			Header: stale.Header,
			Body:   stale.Body,
			Policy: stale.Policy.Refresh(buf.header, now, c.store.MaxTTL()),
		}
		c.store.Set(key, fresh)
		c.hit()
		return writeEntry(w, fresh, "hit", idx)
	}
	c.miss()
	if p, ok := storePolicy(intent.Directive, buf.status, buf.header, now, c.store.MaxTTL()); ok {
		e := &Entry{
			Status: buf.status,
			Header: storedHeader(buf.header),
			Body:   bytes.Clone(buf.buf.Bytes()),
			Policy: p,
		}
		c.store.Set(key, e)
		return writeEntry(w, e, "miss", idx)
	}
	return buf.flushTo(w)
}

func (c *service) hit() {
	if c.metrics != nil {
		c.metrics.CacheHits.Inc()
	}
}

func (c *service) miss() {
	if c.metrics != nil {
		c.metrics.CacheMisses.Inc()
	}
}

// writeEntry serves a stored response, marking which bucket satisfied
// the read.
func writeEntry(w http.ResponseWriter, e *Entry, status string, bucket int) error {
	h := w.Header()
	for k, vv := range e.Header {
		h[k] = vv
	}
	h.Set(HeaderCache, status)
	h.Set(HeaderBucketIdx, strconv.Itoa(bucket))
	w.WriteHeader(e.Status)
	if _, err := w.Write(e.Body); err != nil {
		return fmt.Errorf("write cached response: %w", err)
	}
	return nil
}

// storedHeader clones response headers for storage, dropping hop-by-hop
// fields and the markers this layer injects.
func storedHeader(h http.Header) http.Header {
	c := h.Clone()
	for _, k := range []string{"Connection", "Keep-Alive", "Transfer-Encoding", HeaderCache, HeaderBucketIdx} {
		c.Del(k)
	}
	return c
}

// bufferBody reads and restores the request body so it can feed both the
// key hash and the upstream dispatch.
func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(b))
	return b, nil
}
