package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// tatEntry is one key's theoretical arrival time plus the last time the
// key was consulted, both as unix nanos.
type tatEntry struct {
	tat      atomic.Int64
	lastUsed atomic.Int64
}

// Memory is the per-process store. Decisions run lock-free on a per-key
// atomic; the map itself takes a read lock on the hot path.
type Memory struct {
	mu   sync.RWMutex
	keys map[string]*tatEntry
}

func NewMemory() *Memory {
	return &Memory{keys: make(map[string]*tatEntry)}
}

// Allow runs one GCRA decision for key. The CAS loop retries when another
// request advanced the TAT between load and swap.
func (m *Memory) Allow(_ context.Context, key string, q Quota) (Result, error) {
	e := m.entry(key)
	for {
		now := time.Now().UnixNano()
		e.lastUsed.Store(now)
		tat := e.tat.Load()
		next, res := decide(tat, now, q)
		if !res.Allowed {
			return res, nil
		}
		if e.tat.CompareAndSwap(tat, next) {
			return res, nil
		}
	}
}

func (m *Memory) entry(key string) *tatEntry {
	m.mu.RLock()
	e := m.keys[key]
	m.mu.RUnlock()
	if e != nil {
		return e
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e = m.keys[key]; e == nil {
		e = &tatEntry{}
		m.keys[key] = e
	}
	return e
}

// EvictStale drops keys not consulted since cutoff and reports how many
// went. A background worker calls it on the configured cleanup interval.
func (m *Memory) EvictStale(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cutoff.UnixNano()
	evicted := 0
	for k, e := range m.keys {
		if e.lastUsed.Load() < c {
			delete(m.keys, k)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of tracked keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}
