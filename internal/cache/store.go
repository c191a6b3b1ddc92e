// Package cache provides the TTL-keyed store backing the map data engine.
// Entries are never deleted on expiry; they are marked stale and served
// while a background refetch replaces them (stale-while-revalidate). An LRU
// bound on entry count keeps memory usage fixed.
package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"meetings-map/internal/geo"
	"meetings-map/internal/lod"
	"meetings-map/internal/meetings"
)

// DefaultTTL is the default entry lifetime before staleness
const DefaultTTL = 3 * time.Minute

// DefaultMaxEntries bounds the LRU when no limit is configured
const DefaultMaxEntries = 512

// Entry represents one cached payload
type Entry struct {
	Key        string
	Data       any
	InsertedAt time.Time
	TTL        time.Duration
}

// IsStale reports whether the entry has outlived its TTL at the given time
func (e *Entry) IsStale(now time.Time) bool {
	return now.Sub(e.InsertedAt) > e.TTL
}

// Hit is the result of a cache lookup
type Hit struct {
	Data    any
	IsStale bool
}

// Store is a TTL key/value store with stale-vs-fresh semantics, shared by
// all streams on the page. Writes are last-write-wins.
type Store struct {
	mu         sync.Mutex
	entries    *lru.Cache[string, *Entry]
	ttl        time.Duration
	thresholds lod.Thresholds
	now        func() time.Time

	hits   int64
	misses int64
}

// NewStore creates a cache store. maxEntries and ttl fall back to defaults
// when non-positive.
func NewStore(maxEntries int, ttl time.Duration, thresholds lod.Thresholds) (*Store, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	entries, err := lru.New[string, *Entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	return &Store{
		entries:    entries,
		ttl:        ttl,
		thresholds: thresholds,
		now:        time.Now,
	}, nil
}

// SetClock overrides the store's time source. Tests use this to age entries
// without sleeping.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Key builds the deterministic cache key for a viewport query. The bounds
// are quantized outward to a zoom-dependent grid so that panning within one
// cell reuses the same key, and the resolution band is included so that a
// clustered payload can never satisfy an individual-mode lookup.
func (s *Store) Key(zoom int, bounds geo.BoundingBox, filters meetings.FilterSet) string {
	step := lod.GridStep(zoom)
	mode := lod.SelectMode(zoom, s.thresholds)
	q := bounds.Quantize(step)
	return fmt.Sprintf("%s:g%g:%g,%g,%g,%g:%s",
		mode, step, q.South, q.West, q.North, q.East, filters.Signature())
}

// StateKey builds the cache key for the viewport-independent state stream
func StateKey(filters meetings.FilterSet) string {
	return "states:" + filters.Signature()
}

// Get returns the entry for a key together with its staleness. A stale
// entry is still returned; the caller serves it immediately and refetches in
// the background.
func (s *Store) Get(key string) (*Hit, bool) {
	s.mu.Lock()
	entry, ok := s.entries.Get(key)
	now := s.now()
	s.mu.Unlock()

	if !ok {
		atomic.AddInt64(&s.misses, 1)
		return nil, false
	}

	atomic.AddInt64(&s.hits, 1)
	return &Hit{Data: entry.Data, IsStale: entry.IsStale(now)}, true
}

// Set inserts or overwrites an entry, stamped with the current time
func (s *Store) Set(key string, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries.Add(key, &Entry{
		Key:        key,
		Data:       data,
		InsertedAt: s.now(),
		TTL:        s.ttl,
	})
}

// TTL returns the configured entry lifetime
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Stats returns cache statistics
func (s *Store) Stats() (entries int, hits, misses int64) {
	s.mu.Lock()
	entries = s.entries.Len()
	s.mu.Unlock()
	return entries, atomic.LoadInt64(&s.hits), atomic.LoadInt64(&s.misses)
}

// Clear removes all cached entries
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries.Purge()
}
