package balance

import (
	"math/rand"
	"net/http"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/model"
	"github.com/eugener/shadowfax/internal/telemetry"
)

// P2C selects between two uniformly sampled endpoints by comparing their
// peak-EWMA load, scaled by inverse weight when weights are configured.
// Loaded or slow endpoints are avoided without coordination, and a freshly
// inserted endpoint (zero load) wins its first comparisons, which warms it
// up quickly.
type P2C struct {
	set
}

func NewP2C(router model.RouterID, reg *telemetry.Registry, metrics *telemetry.Metrics) *P2C {
	return &P2C{set: newSet(router, reg, metrics)}
}

// Pick drains pending discovery changes and selects an endpoint. With two
// or more candidates it samples two distinct indices and keeps the one with
// the smaller load/weight, preferring the lower index on a tie.
func (b *P2C) Pick(*http.Request) (gateway.Service, Key, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drainLocked()

	n := len(b.entries)
	switch n {
	case 0:
		return nil, Key{}, gateway.ErrNoReadyEndpoints
	case 1:
		e := &b.entries[0]
		b.picked(e.key)
		return e.svc, e.key, nil
	}

	i := rand.Intn(n)
	j := rand.Intn(n - 1)
	if j >= i {
		j++
	}
	if j < i {
		i, j = j, i
	}

	e := &b.entries[i]
	if other := &b.entries[j]; other.cost() < e.cost() {
		e = other
	}
	b.picked(e.key)
	return e.svc, e.key, nil
}

// cost is the selection criterion: peak-EWMA latency times outstanding
// requests, divided by the configured weight. Latency configs carry no
// weight, which normalizes to 1.
func (e *entry) cost() float64 {
	w := e.key.Weight
	if w <= 0 {
		w = 1
	}
	return e.load.Load() / w
}
