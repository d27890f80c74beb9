package balance

import (
	"math/rand"
	"net/http"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/model"
	"github.com/eugener/shadowfax/internal/telemetry"
)

// Weighted picks one endpoint with probability proportional to its
// configured weight, ignoring observed load. Weights need not sum to 1;
// a missing or non-positive weight counts as 1.
type Weighted struct {
	set
}

func NewWeighted(router model.RouterID, reg *telemetry.Registry, metrics *telemetry.Metrics) *Weighted {
	return &Weighted{set: newSet(router, reg, metrics)}
}

// Pick drains pending discovery changes and samples the ready-set by
// cumulative weight.
func (b *Weighted) Pick(*http.Request) (gateway.Service, Key, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drainLocked()

	if len(b.entries) == 0 {
		return nil, Key{}, gateway.ErrNoReadyEndpoints
	}

	var total float64
	for i := range b.entries {
		total += weightOf(&b.entries[i])
	}

	roll := rand.Float64() * total
	for i := range b.entries {
		roll -= weightOf(&b.entries[i])
		if roll < 0 {
			e := &b.entries[i]
			b.picked(e.key)
			return e.svc, e.key, nil
		}
	}

	// Floating point drift can leave a sliver above the last cumulative
	// bound; it belongs to the final entry.
	e := &b.entries[len(b.entries)-1]
	b.picked(e.key)
	return e.svc, e.key, nil
}

func weightOf(e *entry) float64 {
	if e.key.Weight <= 0 {
		return 1
	}
	return e.key.Weight
}
