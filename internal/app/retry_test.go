package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/config"
)

// flaky fails its first failN calls with err and then succeeds, recording
// the body it saw on every attempt. Attempts run sequentially, so no
// locking is needed.
type flaky struct {
	failN   int
	err     error
	calls   int
	seen    []string
	onServe func(r *http.Request)
}

func (f *flaky) Serve(_ http.ResponseWriter, r *http.Request) error {
	f.calls++
	b, _ := io.ReadAll(r.Body)
	f.seen = append(f.seen, string(b))
	if f.onServe != nil {
		f.onServe(r)
	}
	if f.calls <= f.failN {
		return f.err
	}
	return nil
}

func retryConfig(attempts int) config.Retries {
	return config.Retries{Enabled: true, MaxAttempts: attempts, Base: time.Millisecond, Max: 4 * time.Millisecond}
}

func TestRetries_ReplaysUpstreamFailures(t *testing.T) {
	t.Parallel()

	next := &flaky{failN: 2, err: fmt.Errorf("%w: 503 from openai", gateway.ErrUpstream)}
	svc := retries(retryConfig(3))(next)

	body := `{"model":"gpt-4o","messages":[]}`
	r, _ := newExtRequest(http.MethodPost, "/v1/chat/completions", body)
	if err := svc.Serve(httptest.NewRecorder(), r); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if next.calls != 3 {
		t.Fatalf("attempts = %d, want 3", next.calls)
	}
	for i, seen := range next.seen {
		if seen != body {
			t.Errorf("attempt %d body = %q, want the original replayed", i, seen)
		}
	}
}

func TestRetries_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	next := &flaky{failN: 100, err: fmt.Errorf("%w: boom", gateway.ErrUpstream)}
	svc := retries(retryConfig(2))(next)

	r, _ := newExtRequest(http.MethodPost, "/v1/chat/completions", `{}`)
	if err := svc.Serve(httptest.NewRecorder(), r); !errors.Is(err, gateway.ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
	if next.calls != 2 {
		t.Errorf("attempts = %d, want 2", next.calls)
	}
}

func TestRetries_OtherErrorsPassThrough(t *testing.T) {
	t.Parallel()

	next := &flaky{failN: 100, err: fmt.Errorf("%w: no model", gateway.ErrBadRequest)}
	svc := retries(retryConfig(3))(next)

	r, _ := newExtRequest(http.MethodPost, "/v1/chat/completions", `{}`)
	if err := svc.Serve(httptest.NewRecorder(), r); !errors.Is(err, gateway.ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
	if next.calls != 1 {
		t.Errorf("attempts = %d, want 1", next.calls)
	}
}

func TestRetries_StreamsNeverReplay(t *testing.T) {
	t.Parallel()

	next := &flaky{
		failN: 100,
		err:   fmt.Errorf("%w: connect refused", gateway.ErrUpstream),
		onServe: func(r *http.Request) {
			// The context layer below marks the request as streaming.
			gateway.Ext(r.Context()).Mapper = &gateway.MapperContext{Stream: true}
		},
	}
	svc := retries(retryConfig(3))(next)

	r, _ := newExtRequest(http.MethodPost, "/v1/chat/completions", `{"stream":true}`)
	if err := svc.Serve(httptest.NewRecorder(), r); !errors.Is(err, gateway.ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
	if next.calls != 1 {
		t.Errorf("attempts = %d, want 1", next.calls)
	}
}

func TestRetries_CanceledContextStopsBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	next := &flaky{
		failN:   100,
		err:     fmt.Errorf("%w: boom", gateway.ErrUpstream),
		onServe: func(*http.Request) { cancel() },
	}
	cfg := config.Retries{Enabled: true, MaxAttempts: 3, Base: time.Hour, Max: time.Hour}
	svc := retries(cfg)(next)

	r, _ := newExtRequest(http.MethodPost, "/v1/chat/completions", `{}`)
	r = r.WithContext(gateway.WithExtensions(ctx, gateway.Ext(r.Context())))

	start := time.Now()
	if err := svc.Serve(httptest.NewRecorder(), r); !errors.Is(err, gateway.ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
	if next.calls != 1 {
		t.Errorf("attempts = %d, want 1", next.calls)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("cancel must interrupt the backoff wait")
	}
}
