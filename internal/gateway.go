// Package gateway defines the request-plane types shared by every layer of
// the Shadowfax proxy: the per-request extension bag, auth and mapper
// contexts, the log record contract, and the interfaces the core consumes
// (AuthOracle, LogSink). Apart from the identifier vocabulary in
// internal/model it has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/eugener/shadowfax/internal/model"
)

// --- Request plane ---

// Service is the handler unit every layer of the request plane implements.
// On success the service writes the response itself; on failure it returns
// a structured error and writes nothing, leaving the translation to HTTP to
// the shell's error mapper. Layers compose as plain decorators.
type Service interface {
	Serve(w http.ResponseWriter, r *http.Request) error
}

// ServiceFunc adapts a function to the Service interface.
type ServiceFunc func(w http.ResponseWriter, r *http.Request) error

func (f ServiceFunc) Serve(w http.ResponseWriter, r *http.Request) error {
	return f(w, r)
}

// Middleware wraps a Service with another.
type Middleware func(Service) Service

// Chain applies middlewares to svc, first entry outermost.
func Chain(svc Service, mws ...Middleware) Service {
	for i := len(mws) - 1; i >= 0; i-- {
		svc = mws[i](svc)
	}
	return svc
}

// --- Identity ---

// AuthContext is the identity an AuthOracle resolves from a bearer
// credential. KeyHash is the SHA-256 of the presented credential; rate
// limiting keyed "per api-key" uses it as the subject so raw keys never
// reach the stores.
type AuthContext struct {
	UserID  string   `json:"user_id"`
	OrgID   string   `json:"org_id"`
	Scopes  []string `json:"scopes,omitempty"`
	KeyHash string   `json:"-"`
}

// HasScope reports whether the identity carries the given scope.
func (a *AuthContext) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AuthOracle maps a bearer credential to an identity. Implementations must
// be safe for concurrent use; the shell calls it once per request.
type AuthOracle interface {
	Authenticate(ctx context.Context, token string) (*AuthContext, error)
}

// --- Per-request extensions ---

// RequestContext is built by the request-context middleware after auth and
// read many times downstream. Secrets is the shared provider key table the
// chosen dispatcher authenticates with.
type RequestContext struct {
	Auth      *AuthContext
	Router    model.RouterID
	Secrets   *Secrets
	StartTime time.Time
	RequestID string
}

// MapperContext records what the mapper learned while deserializing the
// body. The dispatcher keys streaming and model-dependent behavior off it.
type MapperContext struct {
	Stream bool
	Model  *model.ID
}

// Extensions bundles all per-request extension values into a single context
// allocation. The bag is attached once when the request enters the shell;
// later middleware mutates the same pointer instead of re-wrapping the
// request. Fields are owned by the request goroutine; the detached logging
// task receives owned copies, never the bag itself.
type Extensions struct {
	RequestID         string
	PathAndQuery      string
	Auth              *AuthContext
	Request           *RequestContext
	Endpoint          *model.ApiEndpoint
	Mapper            *MapperContext
	Provider          model.InferenceProvider
	ProviderRequestID string

	// CacheStatus is the cache layer's verdict when it let the request
	// through to an upstream: "miss" or "revalidate". Empty when no cache
	// layer acted. Cache hits are answered before dispatch and produce no
	// log record, so the value only ever reaches records that cost an
	// upstream call.
	CacheStatus string
}

type contextKey int

const ctxKeyExtensions contextKey = 0

// WithExtensions attaches an extension bag to the context.
func WithExtensions(ctx context.Context, ext *Extensions) context.Context {
	return context.WithValue(ctx, ctxKeyExtensions, ext)
}

// Ext returns the request's extension bag, or nil when the request never
// entered the shell (e.g. in tests exercising a layer in isolation).
func Ext(ctx context.Context) *Extensions {
	ext, _ := ctx.Value(ctxKeyExtensions).(*Extensions)
	return ext
}

// RequestIDFromContext extracts the request id from context.
func RequestIDFromContext(ctx context.Context) string {
	if ext := Ext(ctx); ext != nil {
		return ext.RequestID
	}
	return ""
}

// --- Provider secrets ---

// Secrets is the provider API key table. Read-mostly: written at init and
// on operator update, read on every dispatch.
type Secrets struct {
	mu   sync.RWMutex
	keys map[model.InferenceProvider]string
}

func NewSecrets(keys map[model.InferenceProvider]string) *Secrets {
	s := &Secrets{keys: make(map[model.InferenceProvider]string, len(keys))}
	for p, k := range keys {
		s.keys[p] = k
	}
	return s
}

// Get returns the provider's API key. Providers that authenticate out of
// band (Bedrock SigV4) or not at all (Ollama) have no entry.
func (s *Secrets) Get(p model.InferenceProvider) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[p]
	return k, ok && k != ""
}

// Set installs or rotates a provider key.
func (s *Secrets) Set(p model.InferenceProvider, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[p] = key
}

// --- Control-plane events ---

// RateLimitEvent is published by a dispatcher when an upstream answers 429.
// RetryAfter is zero when the upstream did not say.
type RateLimitEvent struct {
	Endpoint   model.ApiEndpoint
	RetryAfter time.Duration
}

// --- Observability records ---

// LogRecord is one record per proxied request, assembled by the
// dispatcher's detached logging task after the response body has been
// consumed.
type LogRecord struct {
	ID           string                  `json:"id"`
	RequestID    string                  `json:"request_id"`
	Router       model.RouterID          `json:"router"`
	Provider     model.InferenceProvider `json:"provider"`
	Endpoint     model.EndpointType      `json:"endpoint"`
	SourceModel  string                  `json:"source_model,omitempty"`
	TargetModel  string                  `json:"target_model,omitempty"`
	Status       int                     `json:"status"`
	Stream       bool                    `json:"stream"`
	CacheStatus  string                  `json:"cache_status,omitempty"`
	TFFT         time.Duration           `json:"tfft"`
	Latency      time.Duration           `json:"latency"`
	PromptTokens int64                   `json:"prompt_tokens"`
	OutputTokens int64                   `json:"output_tokens"`
	RequestBytes int64                   `json:"request_bytes"`
	ResponseSize int64                   `json:"response_bytes"`
	CreatedAt    time.Time               `json:"created_at"`
}

// LogSink receives log records. Implementations must not block the request
// path; slow sinks buffer and drop.
type LogSink interface {
	Submit(ctx context.Context, rec *LogRecord) error
}

// DiscardSink drops every record. Used when no sink is configured.
type DiscardSink struct{}

func (DiscardSink) Submit(context.Context, *LogRecord) error { return nil }

// --- Shared helpers ---

// HashKey returns the hex-encoded SHA-256 hash of a raw credential, used
// wherever a secret must be referenced without storing it (rate-limit
// subjects, oracle cache keys).
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
