// Package monitor hosts the per-router background tasks that reclassify
// endpoints: the health monitor trips endpoints whose rolling error ratio
// crosses the configured threshold, and the rate-limit monitor pulls
// endpoints that answered 429 until their cooldown lapses. Both publish
// Insert/Remove changes to the balancer discovery channels and block when
// a channel is full rather than dropping a change.
package monitor

import (
	gateway "github.com/eugener/shadowfax/internal"
	"github.com/eugener/shadowfax/internal/balance"
)

// Target is one endpoint under watch: its balancer key, the discovery
// channel of the balancer that owns it, and a factory producing a fresh
// dispatcher when the endpoint is readmitted. Targets are enumerated in
// slice order on every pass, so change emission is reproducible.
type Target struct {
	Key     balance.Key
	Changes chan<- balance.Change
	Build   func() (gateway.Service, error)
}
