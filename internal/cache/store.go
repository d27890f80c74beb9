package cache

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Entry is one cached upstream response together with its freshness
// policy. Entries are immutable once stored; refresh and replacement
// swap in a new value, so readers may hold one without locking.
type Entry struct {
	Status int
	Header http.Header
	Body   []byte
	Policy Policy
}

// size approximates the entry's footprint for the byte cap.
func (e *Entry) size() int64 {
	n := int64(len(e.Body))
	for k, vv := range e.Header {
		n += int64(len(k))
		for _, v := range vv {
			n += int64(len(v))
		}
	}
	return n
}

// Store is the shared response cache: an expirable LRU bounded by entry
// count and, independently, by total stored bytes. The LRU TTL is the
// hard upper bound on entry lifetime; freshness below that bound lives
// in each entry's Policy.
type Store struct {
	mu       sync.Mutex // serializes Set so byte accounting stays exact
	lru      *expirable.LRU[string, *Entry]
	maxBytes int64
	ttl      time.Duration
	bytes    atomic.Int64
	rr       atomic.Uint64
}

// NewStore sizes the cache. onEvict fires once per entry leaving the
// store, whatever the reason, and may be nil.
func NewStore(maxEntries int, maxBytes int64, ttl time.Duration, onEvict func()) *Store {
	s := &Store{maxBytes: maxBytes, ttl: ttl}
	s.lru = expirable.NewLRU[string, *Entry](maxEntries, func(_ string, e *Entry) {
		s.bytes.Add(-e.size())
		if onEvict != nil {
			onEvict()
		}
	}, ttl)
	return s
}

// Get returns the entry under key. Callers must treat it as read-only.
func (s *Store) Get(key string) (*Entry, bool) {
	return s.lru.Get(key)
}

// Set stores or replaces an entry, then evicts from the LRU tail until
// the byte cap holds again. Entries larger than the whole cap are
// dropped outright.
func (s *Store) Set(key string, e *Entry) {
	sz := e.size()
	if s.maxBytes > 0 && sz > s.maxBytes {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Replacing an existing value does not run the eviction callback, so
	// the old footprint has to come off here.
	if old, ok := s.lru.Peek(key); ok {
		s.bytes.Add(-old.size())
	}
	s.bytes.Add(sz)
	s.lru.Add(key, e)
	if s.maxBytes <= 0 {
		return
	}
	for s.bytes.Load() > s.maxBytes {
		if _, _, ok := s.lru.RemoveOldest(); !ok {
			return
		}
	}
}

// NextBucket picks a store bucket when every probed bucket was taken.
func (s *Store) NextBucket(n int) int {
	if n <= 1 {
		return 0
	}
	return int(s.rr.Add(1) % uint64(n))
}

// MaxTTL is the hard bound on entry lifetime.
func (s *Store) MaxTTL() time.Duration { return s.ttl }

// Len reports the number of stored entries.
func (s *Store) Len() int { return s.lru.Len() }

// Bytes reports the accounted footprint of stored entries.
func (s *Store) Bytes() int64 { return s.bytes.Load() }
