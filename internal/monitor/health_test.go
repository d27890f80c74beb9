package monitor

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/balance"
	"github.com/eugener/shadowfax/internal/config"
	"github.com/eugener/shadowfax/internal/model"
	"github.com/eugener/shadowfax/internal/telemetry"
)

type stubService struct{ name string }

func (s *stubService) Serve(http.ResponseWriter, *http.Request) error { return nil }

var testHealthCfg = config.Health{
	Interval:       5 * time.Millisecond,
	MinRequests:    20,
	ErrorRatio:     0.15,
	Window:         60 * time.Second,
	CooldownBuffer: 10 * time.Millisecond,
}

func chatEndpoint(p model.InferenceProvider) model.ApiEndpoint {
	return model.ApiEndpoint{Provider: p, Type: model.EndpointChat}
}

// record seeds an endpoint's rolling window with total requests, failed of
// which are errors.
func record(reg *telemetry.Registry, ep model.ApiEndpoint, total, failed int) {
	m := reg.Get(ep)
	for i := 0; i < total; i++ {
		done := m.Begin()
		done(i < failed)
	}
}

func TestHealthEvictsOnErrorRatio(t *testing.T) {
	t.Parallel()
	reg := telemetry.NewRegistry()
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	ep := chatEndpoint(model.ProviderOpenAI)
	ch := make(chan balance.Change, 16)

	targets := []Target{{
		Key:     balance.Key{Endpoint: ep},
		Changes: ch,
		Build:   func() (gateway.Service, error) { return &stubService{name: "rebuilt"}, nil },
	}}
	h := NewHealth("prod", targets, reg, metrics, testHealthCfg)

	record(reg, ep, 30, 10) // ratio 0.33
	h.tick(context.Background())

	if len(ch) != 1 {
		t.Fatalf("changes after tick = %d, want 1", len(ch))
	}
	c := <-ch
	if c.Service != nil {
		t.Error("expected a remove, got an insert")
	}
	if c.Key.Endpoint != ep {
		t.Errorf("removed %v, want %v", c.Key.Endpoint, ep)
	}

	// The endpoint is already recorded unhealthy; the next tick must not
	// emit a second remove.
	h.tick(context.Background())
	if len(ch) != 0 {
		t.Fatalf("changes after second tick = %d, want 0", len(ch))
	}
}

func TestHealthGracePeriod(t *testing.T) {
	t.Parallel()
	reg := telemetry.NewRegistry()
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	ep := chatEndpoint(model.ProviderAnthropic)
	ch := make(chan balance.Change, 16)

	targets := []Target{{Key: balance.Key{Endpoint: ep}, Changes: ch}}
	h := NewHealth("prod", targets, reg, metrics, testHealthCfg)

	// Every request failed, but the sample is below min-requests.
	record(reg, ep, 5, 5)
	h.tick(context.Background())

	if len(ch) != 0 {
		t.Fatalf("changes = %d, want 0 during grace period", len(ch))
	}
}

func TestHealthReadmitsWhenRatioRecovers(t *testing.T) {
	t.Parallel()
	reg := telemetry.NewRegistry()
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	ep := chatEndpoint(model.ProviderOpenAI)
	ch := make(chan balance.Change, 16)

	rebuilt := &stubService{name: "rebuilt"}
	targets := []Target{{
		Key:     balance.Key{Endpoint: ep},
		Changes: ch,
		Build:   func() (gateway.Service, error) { return rebuilt, nil },
	}}
	h := NewHealth("prod", targets, reg, metrics, testHealthCfg)

	record(reg, ep, 30, 10)
	h.tick(context.Background())
	<-ch // remove

	// Enough clean traffic dilutes the window below the threshold.
	record(reg, ep, 100, 0)
	h.tick(context.Background())

	if len(ch) != 1 {
		t.Fatalf("changes after recovery tick = %d, want 1", len(ch))
	}
	c := <-ch
	if c.Service != rebuilt {
		t.Errorf("insert carries %v, want the rebuilt dispatcher", c.Service)
	}
}

func TestHealthReadmitsIdleEndpoint(t *testing.T) {
	t.Parallel()
	reg := telemetry.NewRegistry()
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	ep := chatEndpoint(model.ProviderGemini)
	ch := make(chan balance.Change, 16)

	cfg := testHealthCfg
	cfg.Window = time.Second

	targets := []Target{{
		Key:     balance.Key{Endpoint: ep},
		Changes: ch,
		Build:   func() (gateway.Service, error) { return &stubService{}, nil },
	}}
	h := NewHealth("prod", targets, reg, metrics, cfg)

	record(reg, ep, 30, 30)
	h.tick(context.Background())
	<-ch // remove

	// A removed endpoint receives no traffic. Once its errors roll out of
	// the window it must come back on its own.
	time.Sleep(1250 * time.Millisecond)
	h.tick(context.Background())

	if len(ch) != 1 {
		t.Fatalf("changes after window drained = %d, want 1 insert", len(ch))
	}
	if c := <-ch; c.Service == nil {
		t.Error("expected an insert, got a remove")
	}
}

func TestHealthRebuildFailure(t *testing.T) {
	t.Parallel()
	reg := telemetry.NewRegistry()
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	ep := chatEndpoint(model.ProviderOpenAI)
	ch := make(chan balance.Change, 16)

	buildErr := errors.New("no credentials")
	targets := []Target{{
		Key:     balance.Key{Endpoint: ep},
		Changes: ch,
		Build:   func() (gateway.Service, error) { return nil, buildErr },
	}}
	h := NewHealth("prod", targets, reg, metrics, testHealthCfg)

	record(reg, ep, 30, 10)
	h.tick(context.Background())
	<-ch // remove

	record(reg, ep, 100, 0)
	h.tick(context.Background())

	if len(ch) != 0 {
		t.Fatalf("changes = %d, want 0 after rebuild failure", len(ch))
	}

	// The monitor keeps trying on later ticks.
	targets[0].Build = func() (gateway.Service, error) { return &stubService{}, nil }
	h.tick(context.Background())
	if len(ch) != 1 {
		t.Fatalf("changes = %d, want 1 once rebuild succeeds", len(ch))
	}
}

func TestHealthRunStops(t *testing.T) {
	t.Parallel()
	reg := telemetry.NewRegistry()
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	b := balance.NewP2C("prod", reg, metrics)
	ep := chatEndpoint(model.ProviderOpenAI)

	key := balance.Key{Endpoint: ep}
	b.Changes() <- balance.Insert(key, &stubService{})
	targets := []Target{{Key: key, Changes: b.Changes()}}

	h := NewHealth("prod", targets, reg, metrics, testHealthCfg)
	record(reg, ep, 30, 30)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for b.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("endpoint was never removed")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
