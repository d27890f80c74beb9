package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/mapper"
	"github.com/eugener/shadowfax/internal/model"
	"github.com/eugener/shadowfax/internal/telemetry"
	"github.com/eugener/shadowfax/internal/tokencount"
)

// defaultAnthropicVersion is sent when the provider config does not pin one.
const defaultAnthropicVersion = "2023-06-01"

// maxResponseBody caps buffered unary responses and relayed error bodies so
// a misconfigured upstream cannot cause unbounded allocation.
const maxResponseBody = 32 << 20

// Config wires one Dispatcher. Client must already carry the provider's
// credential transport (NewClient); Events may be nil when no monitor
// listens, Sink may be nil to discard log records.
type Config struct {
	Router   model.RouterID
	Style    model.InferenceProvider // dialect the router's clients speak
	Endpoint model.ApiEndpoint
	BaseURL  string
	Version  string // anthropic-version override
	Client   *http.Client
	Mapper   *mapper.Mapper
	Load     *telemetry.EndpointMetrics
	Metrics  *telemetry.Metrics
	Events   chan<- gateway.RateLimitEvent
	Sink     gateway.LogSink
	Timeout  time.Duration // unary deadline; streams run unbounded
}

// Dispatcher is the leaf service for one (router, endpoint) binding: it
// rewrites the buffered request into the provider's dialect, forwards it
// over the credentialed client, and translates the answer back, streaming
// or buffered. Outcomes feed the endpoint's load and health statistics and
// one log record per upstream attempt.
type Dispatcher struct {
	router   model.RouterID
	style    model.InferenceProvider
	endpoint model.ApiEndpoint
	base     string
	version  string
	client   *http.Client
	mapper   *mapper.Mapper
	load     *telemetry.EndpointMetrics
	metrics  *telemetry.Metrics
	events   chan<- gateway.RateLimitEvent
	sink     gateway.LogSink
	timeout  time.Duration
}

func New(cfg Config) *Dispatcher {
	version := cfg.Version
	if version == "" {
		version = defaultAnthropicVersion
	}
	sink := cfg.Sink
	if sink == nil {
		sink = gateway.DiscardSink{}
	}
	load := cfg.Load
	if load == nil {
		load = &telemetry.EndpointMetrics{}
	}
	return &Dispatcher{
		router:   cfg.Router,
		style:    cfg.Style,
		endpoint: cfg.Endpoint,
		base:     strings.TrimRight(cfg.BaseURL, "/"),
		version:  version,
		client:   cfg.Client,
		mapper:   cfg.Mapper,
		load:     load,
		metrics:  cfg.Metrics,
		events:   cfg.Events,
		sink:     sink,
		timeout:  cfg.Timeout,
	}
}

// Endpoint returns the upstream binding this dispatcher serves.
func (d *Dispatcher) Endpoint() model.ApiEndpoint { return d.endpoint }

func (d *Dispatcher) Serve(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	ext := gateway.Ext(ctx)
	if ext == nil || ext.Request == nil || ext.Mapper == nil {
		return fmt.Errorf("%w: dispatcher requires request and mapper context", gateway.ErrExtensionNotFound)
	}
	ext.Endpoint = &d.endpoint
	ext.Provider = d.endpoint.Provider

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("%w: read request body: %v", gateway.ErrBadRequest, err)
	}

	plan, err := d.mapper.MapRequest(body, d.style, d.endpoint.Provider, d.router, d.endpoint.Type, ext.Mapper)
	if err != nil {
		return err
	}

	reqCtx := ctx
	if !plan.Stream && d.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	out, err := d.outbound(reqCtx, r.Header, plan)
	if err != nil {
		return err
	}

	start := time.Now()
	done := d.load.Begin()
	resp, err := d.client.Do(out)
	if err != nil {
		done(true)
		d.countError("transport")
		return &UpstreamError{Provider: d.endpoint.Provider, Body: err.Error()}
	}
	ext.ProviderRequestID = resp.Header.Get("X-Request-Id")

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		done(false)
		d.upstreamRateLimited(ctx, resp)
		n, err := relay(w, resp)
		d.submitLog(ctx, ext, plan, resp.StatusCode, start, 0, 0, 0, int64(len(body)), n)
		return err
	case resp.StatusCode >= 500:
		done(true)
		d.countError(strconv.Itoa(resp.StatusCode))
		uerr := parseUpstreamError(d.endpoint.Provider, resp)
		d.submitLog(ctx, ext, plan, resp.StatusCode, start, 0, 0, 0, int64(len(body)), 0)
		return uerr
	case resp.StatusCode >= 400:
		done(false)
		n, err := relay(w, resp)
		d.submitLog(ctx, ext, plan, resp.StatusCode, start, 0, 0, 0, int64(len(body)), n)
		return err
	}

	if plan.Stream {
		return d.stream(ctx, w, resp, plan, ext, int64(len(body)), start, done)
	}
	return d.unary(ctx, w, resp, plan, ext, int64(len(body)), start, done)
}

// outbound builds the upstream request: mapped body, sanitized headers, and
// the provider-relative path joined onto the configured base URL. The
// credential layer lives in the client's transport, not here.
func (d *Dispatcher) outbound(ctx context.Context, inbound http.Header, plan *mapper.RequestPlan) (*http.Request, error) {
	out, err := http.NewRequestWithContext(ctx, http.MethodPost, d.base+plan.Path, bytes.NewReader(plan.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: build upstream request: %v", gateway.ErrInternal, err)
	}
	copyInbound(out.Header, inbound)
	out.Header.Set("Content-Type", "application/json")
	if d.endpoint.Provider == model.ProviderAnthropic {
		out.Header.Set("anthropic-version", d.version)
	}
	return out, nil
}

// unary buffers the upstream body, rewrites it into the client's dialect,
// and forwards status and sanitized headers.
func (d *Dispatcher) unary(ctx context.Context, w http.ResponseWriter, resp *http.Response, plan *mapper.RequestPlan, ext *gateway.Extensions, reqBytes int64, start time.Time, done func(bool)) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	resp.Body.Close()
	if err != nil {
		done(true)
		d.countError("read")
		return &UpstreamError{Provider: d.endpoint.Provider, Status: resp.StatusCode, Body: "read response: " + err.Error()}
	}
	tfft := d.firstToken(start)
	done(false)
	d.observeDuration(start)

	mapped, err := d.mapper.MapResponse(raw, d.style, d.endpoint.Provider, plan.TargetModel)
	if err != nil {
		return err
	}
	copyUpstream(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(mapped); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	prompt, completion := usageFromBody(mapped)
	if prompt == 0 && completion == 0 && resp.StatusCode == http.StatusOK {
		// Some upstreams omit the usage block; fall back to the byte
		// heuristic so usage records stay populated.
		prompt = tokencount.Prompt(plan.Body)
		completion = tokencount.Completion(mapped)
	}
	d.submitLog(ctx, ext, plan, resp.StatusCode, start, tfft, prompt, completion, reqBytes, int64(len(mapped)))
	return nil
}

// relay forwards an upstream response verbatim (sans hop-by-hop headers).
// Used for 4xx answers, which stay in the provider's dialect.
func relay(w http.ResponseWriter, resp *http.Response) (int64, error) {
	defer resp.Body.Close()
	copyUpstream(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	n, err := io.Copy(w, io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return n, fmt.Errorf("relay upstream response: %w", err)
	}
	return n, nil
}

// upstreamRateLimited counts the 429 and tells the router's rate-limit
// monitor. The send must not block the request path: a full channel means
// the monitor already has work queued for this endpoint.
func (d *Dispatcher) upstreamRateLimited(ctx context.Context, resp *http.Response) {
	if d.metrics != nil {
		d.metrics.UpstreamRateLimits.WithLabelValues(d.endpoint.Provider.String()).Inc()
	}
	if d.events == nil {
		return
	}
	ev := gateway.RateLimitEvent{Endpoint: d.endpoint, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	select {
	case d.events <- ev:
	default:
		slog.LogAttrs(ctx, slog.LevelWarn, "rate limit event dropped, channel full",
			slog.String("endpoint", d.endpoint.String()))
	}
}

// parseRetryAfter reads a Retry-After value as either delta-seconds or an
// HTTP date. Zero means the upstream did not say.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if until := time.Until(t); until > 0 {
			return until
		}
	}
	return 0
}

func (d *Dispatcher) firstToken(start time.Time) time.Duration {
	tfft := time.Since(start)
	if d.metrics != nil {
		d.metrics.TimeToFirstToken.WithLabelValues(d.endpoint.Provider.String()).Observe(tfft.Seconds())
	}
	return tfft
}

func (d *Dispatcher) observeDuration(start time.Time) {
	if d.metrics == nil {
		return
	}
	d.metrics.UpstreamDuration.WithLabelValues(d.endpoint.Provider.String(), d.endpoint.Type.String()).Observe(time.Since(start).Seconds())
}

func (d *Dispatcher) countError(status string) {
	if d.metrics == nil {
		return
	}
	d.metrics.UpstreamErrors.WithLabelValues(d.endpoint.Provider.String(), status).Inc()
}

// submitLog hands one record to the sink. Submit never blocks; a slow sink
// drops and accounts the record itself. The record id is assigned by the
// sink off the hot path.
func (d *Dispatcher) submitLog(ctx context.Context, ext *gateway.Extensions, plan *mapper.RequestPlan, status int, start time.Time, tfft time.Duration, prompt, completion, reqBytes, respBytes int64) {
	rec := &gateway.LogRecord{
		RequestID:    ext.RequestID,
		Router:       d.router,
		Provider:     d.endpoint.Provider,
		Endpoint:     d.endpoint.Type,
		SourceModel:  plan.SourceModel.Qualified(),
		TargetModel:  plan.TargetModel,
		Status:       status,
		Stream:       plan.Stream,
		CacheStatus:  ext.CacheStatus,
		TFFT:         tfft,
		Latency:      time.Since(start),
		PromptTokens: prompt,
		OutputTokens: completion,
		RequestBytes: reqBytes,
		ResponseSize: respBytes,
		CreatedAt:    time.Now(),
	}
	if err := d.sink.Submit(context.WithoutCancel(ctx), rec); err != nil {
		slog.LogAttrs(ctx, slog.LevelDebug, "log record dropped",
			slog.String("request_id", rec.RequestID), slog.String("error", err.Error()))
	}
}

// usageFromBody pulls token counts out of a unary response body in any of
// the dialect shapes the gateway serves.
func usageFromBody(body []byte) (prompt, completion int64) {
	if u := gjson.GetBytes(body, "usage"); u.Exists() {
		p := u.Get("prompt_tokens")
		if !p.Exists() {
			p = u.Get("input_tokens")
		}
		c := u.Get("completion_tokens")
		if !c.Exists() {
			c = u.Get("output_tokens")
		}
		return p.Int(), c.Int()
	}
	if um := gjson.GetBytes(body, "usageMetadata"); um.Exists() {
		return um.Get("promptTokenCount").Int(), um.Get("candidatesTokenCount").Int()
	}
	return 0, 0
}
