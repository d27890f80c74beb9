package telemetry

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eugener/shadowfax/internal/model"
)

// ewmaDecay is the time constant for the peak-EWMA latency estimate. An
// endpoint that stops receiving traffic halves its cost roughly every
// decay/ln2 ~ 14s, so drained endpoints become attractive again.
const ewmaDecay = 10 * time.Second

// windowSlots bounds the rolling window to one minute of 1-second slots.
const windowSlots = 60

// slot is one second of request/error counts. stamp is the unix second the
// slot currently represents; a slot is reused lazily when its second rolls
// around again.
type slot struct {
	stamp    atomic.Int64
	requests atomic.Int64
	errors   atomic.Int64
}

// rollingWindow counts requests and remote-internal errors over the trailing
// window without locks. Counters in stale slots are reset by whichever
// writer first touches the slot in its new second.
type rollingWindow struct {
	slots [windowSlots]slot
}

func (w *rollingWindow) at(sec int64) *slot {
	s := &w.slots[sec%windowSlots]
	for {
		st := s.stamp.Load()
		if st == sec {
			return s
		}
		if s.stamp.CompareAndSwap(st, sec) {
			s.requests.Store(0)
			s.errors.Store(0)
			return s
		}
	}
}

func (w *rollingWindow) add(now time.Time, failed bool) {
	s := w.at(now.Unix())
	s.requests.Add(1)
	if failed {
		s.errors.Add(1)
	}
}

// totals sums slots stamped within (now-window, now].
func (w *rollingWindow) totals(now time.Time, window time.Duration) (requests, errors int64) {
	nowSec := now.Unix()
	span := int64(window / time.Second)
	if span <= 0 || span > windowSlots {
		span = windowSlots
	}
	for i := range w.slots {
		s := &w.slots[i]
		st := s.stamp.Load()
		if st > nowSec-span && st <= nowSec {
			requests += s.requests.Load()
			errors += s.errors.Load()
		}
	}
	return requests, errors
}

// peakEWMA is a latency estimate biased toward spikes: an observation above
// the current value replaces it outright, observations below decay it with
// a time-based weight. Idle endpoints decay toward zero.
type peakEWMA struct {
	mu    sync.Mutex
	value float64 // nanoseconds
	stamp time.Time
}

func (p *peakEWMA) observe(rtt time.Duration, now time.Time) {
	v := float64(rtt)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stamp.IsZero() {
		p.value, p.stamp = v, now
		return
	}
	elapsed := now.Sub(p.stamp)
	p.stamp = now
	if v >= p.value {
		p.value = v
		return
	}
	w := math.Exp(-float64(elapsed) / float64(ewmaDecay))
	p.value = p.value*w + v*(1-w)
}

func (p *peakEWMA) get(now time.Time) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stamp.IsZero() {
		return 0
	}
	return p.value * math.Exp(-float64(now.Sub(p.stamp))/float64(ewmaDecay))
}

// EndpointMetrics is the per-ApiEndpoint runtime statistic shared by the
// dispatcher (writer), the P2C balancer (Load), and the health monitor
// (Stats). One instance per endpoint process-wide; removal from a balancer
// does not reset it, so a readmitted endpoint keeps its history.
type EndpointMetrics struct {
	window   rollingWindow
	latency  peakEWMA
	inflight atomic.Int64
}

// Begin marks a dispatch in flight. The returned func records the request
// outcome: total latency feeds the peak-EWMA, failed marks a remote
// internal error in the rolling window.
func (e *EndpointMetrics) Begin() func(failed bool) {
	e.inflight.Add(1)
	start := time.Now()
	return func(failed bool) {
		now := time.Now()
		e.inflight.Add(-1)
		e.latency.observe(now.Sub(start), now)
		e.window.add(now, failed)
	}
}

// Load is the P2C cost: peak-EWMA latency scaled by outstanding requests.
// Zero for endpoints with no history, so fresh endpoints attract traffic.
func (e *EndpointMetrics) Load() float64 {
	return e.latency.get(time.Now()) * float64(e.inflight.Load()+1)
}

// Inflight returns the number of dispatches currently outstanding.
func (e *EndpointMetrics) Inflight() int64 {
	return e.inflight.Load()
}

// Stats returns request and remote-internal-error totals over the trailing
// window, for the health monitor's reclassification pass.
func (e *EndpointMetrics) Stats(window time.Duration) (requests, errors int64) {
	return e.window.totals(time.Now(), window)
}

// Registry hands out the EndpointMetrics instance for an ApiEndpoint,
// creating it on first use. Read-mostly after warmup.
type Registry struct {
	mu   sync.RWMutex
	byEP map[model.ApiEndpoint]*EndpointMetrics
}

func NewRegistry() *Registry {
	return &Registry{byEP: make(map[model.ApiEndpoint]*EndpointMetrics)}
}

// Get returns the metrics handle for ep, allocating on first sight.
func (r *Registry) Get(ep model.ApiEndpoint) *EndpointMetrics {
	r.mu.RLock()
	m := r.byEP[ep]
	r.mu.RUnlock()
	if m != nil {
		return m
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m = r.byEP[ep]; m == nil {
		m = &EndpointMetrics{}
		r.byEP[ep] = m
	}
	return m
}
