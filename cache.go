// cache.go: shared TTL cache fabric with frequency-biased eviction
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package dirrest

import (
	"context"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// cacheEntry tracks one cached value with its usage bookkeeping.
// Timestamps are unix nanoseconds from timecache.
type cacheEntry struct {
	value          any
	createdAt      int64
	lastAccessedAt int64
	accessCount    int64
}

// FabricConfig configures a cache fabric instance.
type FabricConfig struct {
	// TTL is the maximum age after which a value is invalid regardless of
	// access pattern. Zero selects the default of 60s.
	TTL time.Duration `json:"ttl" yaml:"ttl"`

	// MaxEntries bounds the fabric size. Zero selects the default of 512.
	MaxEntries int `json:"max_entries" yaml:"max_entries"`

	// SweepInterval is the period of the optional eager expiry sweep started
	// by StartSweeper. Zero selects the default of one TTL.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

func (c *FabricConfig) setDefaults() {
	if c.TTL <= 0 {
		c.TTL = 60 * time.Second
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 512
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.TTL
	}
}

// Fabric is a generic key/value cache shared across the whole process.
//
// One instance serves both decision caching (threat-intelligence verdicts)
// and directory-read caching; callers partition the key space with prefixes
// ("intel:...", "dir:users:...") and invalidate by glob.
//
// Two invariants hold at all times:
//   - the fabric never holds more than MaxEntries entries
//   - Get never returns a value whose age has reached the TTL, even between
//     sweeps (expiry is checked lazily on every access)
//
// Eviction under capacity pressure removes the entry with the lowest access
// count, ties broken by the oldest last access. This is deliberately
// frequency-biased rather than pure recency-LRU: directory-tree navigation
// and decision lookups are bursty but repetitive, so repeated use is the
// stronger signal of future reuse. Changing this to plain LRU is a behavior
// change, not a fix.
//
// All mutations are serialized with a mutex, so the fabric is safe for
// concurrent use from request handlers.
type Fabric struct {
	config FabricConfig

	mu      sync.Mutex
	entries map[string]*cacheEntry

	// Statistics, atomic for lock-free reads
	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
}

// NewFabric creates a cache fabric with the given configuration.
func NewFabric(config FabricConfig) *Fabric {
	config.setDefaults()
	return &Fabric{
		config:  config,
		entries: make(map[string]*cacheEntry),
	}
}

// Get returns the cached value for key, updating the entry's access
// bookkeeping on a hit. An expired entry is evicted and reported as a miss;
// expired values are never returned.
func (f *Fabric) Get(key string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[key]
	if !ok {
		f.misses.Add(1)
		return nil, false
	}

	now := timecache.CachedTimeNano()
	if f.expired(entry, now) {
		delete(f.entries, key)
		f.expirations.Add(1)
		f.misses.Add(1)
		return nil, false
	}

	entry.lastAccessedAt = now
	entry.accessCount++
	f.hits.Add(1)
	return entry.value, true
}

// GetAs returns the cached value for key if present, unexpired, and of
// type T.
func GetAs[T any](f *Fabric, key string) (T, bool) {
	var zero T
	value, ok := f.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := value.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// Set stores value under key. Overwriting an existing key resets the entry's
// age and usage counters; storing a new key at capacity first evicts per the
// frequency-biased policy until the new entry fits within the limit.
func (f *Fabric) Set(key string, value any) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := timecache.CachedTimeNano()
	if _, exists := f.entries[key]; !exists {
		for len(f.entries) >= f.config.MaxEntries {
			f.evictOne(now)
		}
	}
	f.entries[key] = &cacheEntry{
		value:          value,
		createdAt:      now,
		lastAccessedAt: now,
	}
}

// Has reports whether key holds an unexpired value. Unlike Get it does not
// count as a use: it neither bumps the access count nor refreshes the last
// access time.
func (f *Fabric) Has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[key]
	if !ok {
		return false
	}
	if f.expired(entry, timecache.CachedTimeNano()) {
		delete(f.entries, key)
		f.expirations.Add(1)
		return false
	}
	return true
}

// Invalidate removes key from the fabric. Removing an absent key is a no-op.
func (f *Fabric) Invalidate(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
}

// InvalidatePattern removes every key matching the glob pattern (path.Match
// syntax) and returns the number of removed entries. A malformed pattern
// removes nothing.
func (f *Fabric) InvalidatePattern(pattern string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	removed := 0
	for key := range f.entries {
		ok, err := path.Match(pattern, key)
		if err != nil {
			return removed
		}
		if ok {
			delete(f.entries, key)
			removed++
		}
	}
	return removed
}

// Tune applies new TTL and capacity limits at runtime. A lowered TTL takes
// effect lazily on the next access; a lowered capacity evicts down to the
// new limit immediately, per the usual policy, so the size bound holds
// across a reload. Used by config hot-reload.
func (f *Fabric) Tune(config FabricConfig) {
	config.setDefaults()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config.TTL = config.TTL
	f.config.MaxEntries = config.MaxEntries

	now := timecache.CachedTimeNano()
	for len(f.entries) > f.config.MaxEntries {
		f.evictOne(now)
	}
}

// Clear removes all entries.
func (f *Fabric) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = make(map[string]*cacheEntry)
}

// SweepExpired eagerly removes every expired entry and returns the count.
// Lazy expiry on Get makes this optional; the sweep only bounds memory held
// by entries nobody asks for again.
func (f *Fabric) SweepExpired() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := timecache.CachedTimeNano()
	removed := 0
	for key, entry := range f.entries {
		if f.expired(entry, now) {
			delete(f.entries, key)
			removed++
		}
	}
	f.expirations.Add(int64(removed))
	return removed
}

// Len returns the current number of entries, expired or not.
func (f *Fabric) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// StartSweeper runs the periodic expiry sweep until ctx is cancelled.
// It returns immediately; the sweep runs on its own goroutine.
func (f *Fabric) StartSweeper(ctx context.Context, logger Logger) {
	if logger == nil {
		logger = DefaultLogger()
	}
	go func() {
		ticker := time.NewTicker(f.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := f.SweepExpired(); n > 0 {
					logger.Debug("Cache sweep removed expired entries", "count", n)
				}
			}
		}
	}()
}

// FabricStats is a snapshot of fabric counters for observability.
type FabricStats struct {
	Entries     int   `json:"entries"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
}

// Stats returns a consistent snapshot of the fabric counters.
func (f *Fabric) Stats() FabricStats {
	return FabricStats{
		Entries:     f.Len(),
		Hits:        f.hits.Load(),
		Misses:      f.misses.Load(),
		Evictions:   f.evictions.Load(),
		Expirations: f.expirations.Load(),
	}
}

func (f *Fabric) expired(entry *cacheEntry, now int64) bool {
	return now-entry.createdAt >= int64(f.config.TTL)
}

// evictOne removes the entry with the lowest access count, ties broken by
// the oldest last access. An already-expired entry is removed first if one
// exists. Must be called with the mutex held.
func (f *Fabric) evictOne(now int64) {
	var victim string
	var victimCount int64 = -1
	var victimAccessed int64
	for key, entry := range f.entries {
		if f.expired(entry, now) {
			delete(f.entries, key)
			f.expirations.Add(1)
			return
		}
		if victimCount < 0 || entry.accessCount < victimCount ||
			(entry.accessCount == victimCount && entry.lastAccessedAt < victimAccessed) {
			victim = key
			victimCount = entry.accessCount
			victimAccessed = entry.lastAccessedAt
		}
	}
	if victimCount >= 0 {
		delete(f.entries, victim)
		f.evictions.Add(1)
	}
}
