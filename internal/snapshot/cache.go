// Package snapshot keeps recently saved game-state blobs in a bounded
// in-memory map, spilling the oldest entries to the persistent store.
package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	cacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rendezvous_snapshot_cache_entries",
		Help: "Current number of snapshots held in the in-memory cache",
	})
	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rendezvous_snapshot_evictions_total",
		Help: "Total snapshots evicted from the cache to the store",
	})
	cacheEvictionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rendezvous_snapshot_eviction_failures_total",
		Help: "Total snapshot evictions whose store upsert failed",
	})
	cacheFlushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rendezvous_snapshot_flush_failures_total",
		Help: "Total bulk flushes of the snapshot cache that failed",
	})
)

// Entry is one (code, blob) pair handed to the backend in bulk operations.
type Entry struct {
	Code string
	Blob []byte
}

// Backend is the slice of the persistent store the cache needs.
type Backend interface {
	Upsert(ctx context.Context, code string, blob []byte) error
	UpsertBatch(ctx context.Context, entries []Entry) error
	Load(ctx context.Context, code string) ([]byte, bool, error)
}

type entry struct {
	blob    []byte
	savedAt time.Time
}

// Cache is a bounded map of code -> snapshot. Overflow evicts the entry
// with the oldest write time to the backend. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	max     int
	entries map[string]entry
	backend Backend
	logger  zerolog.Logger

	// evictTimeout bounds the asynchronous store upsert on eviction.
	evictTimeout time.Duration
}

// NewCache returns a cache bounded at max entries backed by the store.
func NewCache(max int, backend Backend, logger zerolog.Logger) *Cache {
	return &Cache{
		max:          max,
		entries:      make(map[string]entry),
		backend:      backend,
		logger:       logger.With().Str("component", "snapshot").Logger(),
		evictTimeout: 30 * time.Second,
	}
}

// Save overwrites the snapshot for code with a fresh timestamp. If the
// cache then exceeds its bound, the oldest entry is dropped and written to
// the backend asynchronously; an upsert failure is logged, never re-queued.
func (c *Cache) Save(code string, blob []byte) {
	cp := make([]byte, len(blob))
	copy(cp, blob)

	c.mu.Lock()
	c.entries[code] = entry{blob: cp, savedAt: time.Now()}
	var victimCode string
	var victim entry
	if len(c.entries) > c.max {
		victimCode, victim = c.oldestLocked()
		delete(c.entries, victimCode)
	}
	cacheEntries.Set(float64(len(c.entries)))
	c.mu.Unlock()

	if victimCode != "" {
		go c.spill(victimCode, victim.blob)
	}
}

// oldestLocked returns the entry with the smallest write timestamp.
// Caller holds c.mu.
func (c *Cache) oldestLocked() (string, entry) {
	var oldestCode string
	var oldest entry
	for code, e := range c.entries {
		if oldestCode == "" || e.savedAt.Before(oldest.savedAt) {
			oldestCode, oldest = code, e
		}
	}
	return oldestCode, oldest
}

func (c *Cache) spill(code string, blob []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), c.evictTimeout)
	defer cancel()

	cacheEvictions.Inc()
	if err := c.backend.Upsert(ctx, code, blob); err != nil {
		cacheEvictionFailures.Inc()
		c.logger.Error().
			Err(err).
			Str("code", code).
			Int("blob_bytes", len(blob)).
			Msg("Failed to spill evicted snapshot to store")
	}
}

// Load returns the snapshot for code. A cache miss falls through to the
// backend; a backend hit re-populates the cache (subject to the same
// eviction bound) so a restored lobby can be flushed again later. Load is
// non-destructive.
func (c *Cache) Load(ctx context.Context, code string) ([]byte, bool, error) {
	c.mu.Lock()
	if e, ok := c.entries[code]; ok {
		blob := make([]byte, len(e.blob))
		copy(blob, e.blob)
		c.mu.Unlock()
		return blob, true, nil
	}
	c.mu.Unlock()

	blob, ok, err := c.backend.Load(ctx, code)
	if err != nil {
		return nil, false, fmt.Errorf("loading snapshot %q from store: %w", code, err)
	}
	if !ok {
		return nil, false, nil
	}

	// The store load completed before re-caching, so concurrent restores
	// of the same code converge on the stored blob. First writer wins.
	c.mu.Lock()
	if e, dup := c.entries[code]; dup {
		blob = make([]byte, len(e.blob))
		copy(blob, e.blob)
		c.mu.Unlock()
		return blob, true, nil
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	c.entries[code] = entry{blob: cp, savedAt: time.Now()}
	var victimCode string
	var victim entry
	if len(c.entries) > c.max {
		victimCode, victim = c.oldestLocked()
		delete(c.entries, victimCode)
	}
	cacheEntries.Set(float64(len(c.entries)))
	c.mu.Unlock()

	if victimCode != "" {
		go c.spill(victimCode, victim.blob)
	}
	return blob, true, nil
}

// Has reports whether code is present in the cache. It never consults the
// backend.
func (c *Cache) Has(code string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[code]
	return ok
}

// Len returns the number of cached snapshots.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// FlushAll upserts every cached entry to the backend in one batch. Entries
// stay cached regardless of outcome.
func (c *Cache) FlushAll(ctx context.Context) error {
	c.mu.Lock()
	batch := make([]Entry, 0, len(c.entries))
	for code, e := range c.entries {
		blob := make([]byte, len(e.blob))
		copy(blob, e.blob)
		batch = append(batch, Entry{Code: code, Blob: blob})
	}
	c.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := c.backend.UpsertBatch(ctx, batch); err != nil {
		cacheFlushFailures.Inc()
		return fmt.Errorf("flushing %d snapshots to store: %w", len(batch), err)
	}
	c.logger.Debug().
		Int("snapshots", len(batch)).
		Msg("Flushed snapshot cache to store")
	return nil
}
