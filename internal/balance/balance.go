// Package balance implements the ready-set and endpoint selection for one
// (router, endpoint-type) pair. Monitors publish Insert/Remove changes on a
// small bounded channel; the balancer drains it on every pick so selection
// always sees the most recent change in channel order. Two strategies are
// provided: power-of-two-choices over peak-EWMA load, and weighted random.
package balance

import (
	"net/http"
	"sync"

	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/model"
	"github.com/eugener/shadowfax/internal/telemetry"
)

// changeBuffer bounds the discovery channel. When the buffer is full the
// monitor blocks until the balancer catches up; changes are never dropped.
const changeBuffer = 16

// Key identifies one endpoint in the ready-set. Weight only matters to the
// weighted strategy; latency configs leave it zero.
type Key struct {
	Endpoint model.ApiEndpoint
	Weight   float64
}

// Change is one discovery event. Service is nil for removals.
type Change struct {
	Key     Key
	Service gateway.Service
}

// Insert announces a dispatcher for key.
func Insert(key Key, svc gateway.Service) Change {
	return Change{Key: key, Service: svc}
}

// Remove withdraws the endpoint identified by key.
func Remove(key Key) Change {
	return Change{Key: key}
}

// Balancer selects a ready endpoint for a request. Pick returns
// gateway.ErrNoReadyEndpoints when every endpoint has been withdrawn.
type Balancer interface {
	Pick(r *http.Request) (gateway.Service, Key, error)
	// Drain applies all pending discovery changes in channel order.
	// Pick drains implicitly; monitors never need to call it.
	Drain()
	// Changes is the channel monitors publish on.
	Changes() chan<- Change
	Len() int
}

// entry is one member of the ready-set. load is the shared per-endpoint
// metrics handle; the dispatcher writes it, selection reads it.
type entry struct {
	key  Key
	svc  gateway.Service
	load *telemetry.EndpointMetrics
}

// set is the ready-set shared by both strategies: a dense slice in
// insertion order plus an index by endpoint identity. Applying changes and
// selecting hold the same mutex, so a pick never observes a half-applied
// change.
type set struct {
	router  model.RouterID
	reg     *telemetry.Registry
	metrics *telemetry.Metrics

	mu      sync.Mutex
	changes chan Change
	entries []entry
	index   map[model.ApiEndpoint]int
}

func newSet(router model.RouterID, reg *telemetry.Registry, metrics *telemetry.Metrics) set {
	return set{
		router:  router,
		reg:     reg,
		metrics: metrics,
		changes: make(chan Change, changeBuffer),
		index:   make(map[model.ApiEndpoint]int),
	}
}

// Changes returns the discovery channel. Sends block when the buffer is
// full.
func (s *set) Changes() chan<- Change { return s.changes }

// Drain applies every buffered change.
func (s *set) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainLocked()
}

func (s *set) drainLocked() {
	for {
		select {
		case c := <-s.changes:
			s.apply(c)
		default:
			return
		}
	}
}

// apply folds one change into the set. Inserting an endpoint that is
// already present replaces its service and weight; removing an absent one
// is a no-op. Because changes apply in channel order, concurrent insert and
// remove of the same key settle on whichever event the monitor sent last.
func (s *set) apply(c Change) {
	i, present := s.index[c.Key.Endpoint]
	if c.Service == nil {
		if !present {
			return
		}
		delete(s.index, c.Key.Endpoint)
		s.entries = append(s.entries[:i], s.entries[i+1:]...)
		for j := i; j < len(s.entries); j++ {
			s.index[s.entries[j].key.Endpoint] = j
		}
		return
	}

	e := entry{key: c.Key, svc: c.Service, load: s.reg.Get(c.Key.Endpoint)}
	if present {
		s.entries[i] = e
		return
	}
	s.index[c.Key.Endpoint] = len(s.entries)
	s.entries = append(s.entries, e)
}

// Len reports the current ready-set size, after draining pending changes.
func (s *set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainLocked()
	return len(s.entries)
}

func (s *set) picked(key Key) {
	if s.metrics != nil {
		s.metrics.BalancerPicks.WithLabelValues(s.router.String(), key.Endpoint.Provider.String()).Inc()
	}
}
