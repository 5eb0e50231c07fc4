package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"k8s.io/utils/clock"
)

// ErrUnavailable marks a failed round trip to the remote result tier. It is
// logged and counted but never returned to callers of ContentCache.
var ErrUnavailable = errors.New("result cache unavailable")

const (
	defaultShards         = 32
	defaultBackendBackoff = 5 * time.Second
	entryHeaderLen        = 16
)

// Entry is one cached transform result. Entries are never mutated after
// insertion; a Put for an existing fingerprint swaps in a new Entry.
type Entry struct {
	Fingerprint string
	Value       []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

func (e *Entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// SizeObserver is notified of every change to the local tier's size.
type SizeObserver interface {
	AddCache(entries, bytes int64)
}

// ContentOptions configures a ContentCache.
type ContentOptions struct {
	TTL      time.Duration
	Capacity int   // total entries across shards
	MaxBytes int64 // total value bytes across shards, 0 for no byte bound
	Shards   int

	// Backend is the optional remote tier. Nil keeps the cache process-local.
	Backend        Cache
	BackendBackoff time.Duration

	Clock    clock.PassiveClock
	Logger   *slog.Logger
	Observer SizeObserver
}

// ContentStats is a point-in-time view of the cache.
type ContentStats struct {
	Entries         int   `json:"entries"`
	Bytes           int64 `json:"bytes"`
	BackendErrors   int64 `json:"backend_errors"`
	BackendDegraded bool  `json:"backend_degraded"`
}

// slot is an LRU value. used is the global access tick of the entry's last
// insert or hit and is only touched under the shard lock.
type slot struct {
	entry *Entry
	used  int64
}

type shard struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, *slot]
}

// ContentCache maps input fingerprints to transform results. The local tier is
// a set of independently locked LRU shards whose entry and byte bounds apply to
// the cache as a whole: when a Put takes the total over a bound, the entry with
// the oldest access tick across all shards is evicted until it fits. The
// optional backend is consulted on local misses and written through on Put.
type ContentCache struct {
	shards   []*shard
	ttl      time.Duration
	capacity int64
	maxBytes int64
	backend  Cache
	backoff  time.Duration
	clock    clock.PassiveClock
	logger   *slog.Logger
	observer SizeObserver

	tick    atomic.Int64
	entries atomic.Int64
	bytes   atomic.Int64

	downUntil     atomic.Int64
	backendErrors atomic.Int64
}

// NewContentCache builds a ContentCache from opts.
func NewContentCache(opts ContentOptions) (*ContentCache, error) {
	if opts.TTL <= 0 {
		return nil, fmt.Errorf("content cache: ttl must be positive")
	}
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("content cache: capacity must be positive")
	}
	n := opts.Shards
	if n <= 0 {
		n = defaultShards
	}
	if n > opts.Capacity {
		n = opts.Capacity
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BackendBackoff <= 0 {
		opts.BackendBackoff = defaultBackendBackoff
	}

	c := &ContentCache{
		shards:   make([]*shard, n),
		ttl:      opts.TTL,
		capacity: int64(opts.Capacity),
		maxBytes: opts.MaxBytes,
		backend:  opts.Backend,
		backoff:  opts.BackendBackoff,
		clock:    opts.Clock,
		logger:   opts.Logger,
		observer: opts.Observer,
	}

	for i := range c.shards {
		// A single shard may hold the whole cache; the total bound is enforced
		// by evictUntilFits.
		s := &shard{}
		l, err := simplelru.NewLRU[string, *slot](opts.Capacity, c.onEvict)
		if err != nil {
			return nil, fmt.Errorf("content cache: create shard: %w", err)
		}
		s.lru = l
		c.shards[i] = s
	}
	return c, nil
}

// onEvict keeps the totals in step with every removal the LRU performs. It
// runs with the shard lock held.
func (c *ContentCache) onEvict(_ string, sl *slot) {
	size := int64(len(sl.entry.Value))
	c.entries.Add(-1)
	c.bytes.Add(-size)
	c.observe(-1, -size)
}

func (c *ContentCache) observe(entries, bytes int64) {
	if c.observer != nil {
		c.observer.AddCache(entries, bytes)
	}
}

func (c *ContentCache) shardFor(fingerprint string) *shard {
	return c.shards[xxhash.Sum64String(fingerprint)%uint64(len(c.shards))]
}

// Get returns the live value for fingerprint. Expired entries are dropped and
// reported as misses. The returned slice must not be modified.
func (c *ContentCache) Get(ctx context.Context, fingerprint string) ([]byte, bool) {
	now := c.clock.Now()
	s := c.shardFor(fingerprint)

	var value []byte
	s.mu.Lock()
	sl, ok := s.lru.Get(fingerprint)
	if ok {
		if sl.entry.expired(now) {
			s.lru.Remove(fingerprint)
			ok = false
		} else {
			sl.used = c.tick.Add(1)
			value = sl.entry.Value
		}
	}
	s.mu.Unlock()
	if ok {
		return value, true
	}

	if !c.backendUsable(now) {
		return nil, false
	}
	raw, found, err := c.backend.Get(ctx, ResultKey(fingerprint))
	if err != nil {
		c.markDown(now, "get", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	remote, err := decodeEntry(fingerprint, raw)
	if err != nil {
		c.logger.Warn("discarding malformed cached result", "fingerprint", fingerprint, "error", err)
		return nil, false
	}
	if remote.expired(now) {
		return nil, false
	}
	c.insert(s, remote)
	return remote.Value, true
}

// Put stores value under fingerprint for ttl, or the default TTL when ttl <= 0.
// The value is copied; later changes by the caller are not observed.
func (c *ContentCache) Put(ctx context.Context, fingerprint string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.clock.Now()
	e := &Entry{
		Fingerprint: fingerprint,
		Value:       bytes.Clone(value),
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	c.insert(c.shardFor(fingerprint), e)

	if !c.backendUsable(now) {
		return
	}
	if err := c.backend.Set(ctx, ResultKey(fingerprint), encodeEntry(e), ttl); err != nil {
		c.markDown(now, "set", err)
	}
}

func (c *ContentCache) insert(s *shard, e *Entry) {
	size := int64(len(e.Value))
	if c.maxBytes > 0 && size > c.maxBytes {
		c.logger.Debug("result larger than cache byte bound, not cached locally",
			"fingerprint", e.Fingerprint,
			"bytes", size,
			"max_bytes", c.maxBytes,
		)
		return
	}

	s.mu.Lock()
	// Add replaces in place without invoking the evict callback.
	s.lru.Remove(e.Fingerprint)
	s.lru.Add(e.Fingerprint, &slot{entry: e, used: c.tick.Add(1)})
	c.entries.Add(1)
	c.bytes.Add(size)
	c.observe(1, size)
	s.mu.Unlock()

	c.evictUntilFits()
}

func (c *ContentCache) overBounds() bool {
	if c.entries.Load() > c.capacity {
		return true
	}
	return c.maxBytes > 0 && c.bytes.Load() > c.maxBytes
}

func (c *ContentCache) evictUntilFits() {
	for c.overBounds() {
		if !c.evictOldest() {
			return
		}
	}
}

// evictOldest removes the entry with the oldest access tick across all
// shards. Shard locks are taken one at a time. It reports false when every
// shard is empty.
func (c *ContentCache) evictOldest() bool {
	for {
		var (
			victim *shard
			key    string
			oldest int64 = math.MaxInt64
		)
		for _, s := range c.shards {
			s.mu.Lock()
			if k, sl, ok := s.lru.GetOldest(); ok && sl.used < oldest {
				victim, key, oldest = s, k, sl.used
			}
			s.mu.Unlock()
		}
		if victim == nil {
			return false
		}

		victim.mu.Lock()
		k, sl, ok := victim.lru.GetOldest()
		removed := ok && k == key && sl.used == oldest
		if removed {
			victim.lru.RemoveOldest()
		}
		victim.mu.Unlock()
		if removed {
			return true
		}
		// The shard changed between the scan and the removal; look again.
	}
}

// Sweep removes every expired entry from the local tier and returns how many
// were dropped.
func (c *ContentCache) Sweep() int {
	now := c.clock.Now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for _, k := range s.lru.Keys() {
			if sl, ok := s.lru.Peek(k); ok && sl.entry.expired(now) {
				s.lru.Remove(k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Shrink evicts the least recently used fraction of the cache, on top of
// normal TTL and capacity eviction.
func (c *ContentCache) Shrink(fraction float64) int {
	if fraction <= 0 {
		return 0
	}
	if fraction > 1 {
		fraction = 1
	}
	n := int(math.Ceil(float64(c.entries.Load()) * fraction))
	removed := 0
	for removed < n && c.evictOldest() {
		removed++
	}
	return removed
}

// Stats reports the local tier's size and the backend's health.
func (c *ContentCache) Stats() ContentStats {
	st := ContentStats{
		Entries: int(c.entries.Load()),
		Bytes:   c.bytes.Load(),
	}
	st.BackendErrors = c.backendErrors.Load()
	st.BackendDegraded = c.backend != nil && !c.backendUsable(c.clock.Now())
	return st
}

// Ping checks the remote tier. A process-local cache is always healthy.
func (c *ContentCache) Ping(ctx context.Context) error {
	if c.backend == nil {
		return nil
	}
	return c.backend.Ping(ctx)
}

func (c *ContentCache) backendUsable(now time.Time) bool {
	return c.backend != nil && now.UnixNano() >= c.downUntil.Load()
}

func (c *ContentCache) markDown(now time.Time, op string, err error) {
	c.backendErrors.Add(1)
	c.downUntil.Store(now.Add(c.backoff).UnixNano())
	c.logger.Warn("result cache backend failed, serving from local tier",
		"op", op,
		"retry_after", c.backoff,
		"error", fmt.Errorf("%w: %v", ErrUnavailable, err),
	)
}

// encodeEntry prefixes the value with its creation and expiry times so a copy
// pulled into another process keeps the original deadline.
func encodeEntry(e *Entry) []byte {
	buf := make([]byte, entryHeaderLen+len(e.Value))
	binary.BigEndian.PutUint64(buf[0:8], uint64(e.CreatedAt.UnixNano()))
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.ExpiresAt.UnixNano()))
	copy(buf[entryHeaderLen:], e.Value)
	return buf
}

func decodeEntry(fingerprint string, raw []byte) (*Entry, error) {
	if len(raw) < entryHeaderLen {
		return nil, fmt.Errorf("entry too short: %d bytes", len(raw))
	}
	return &Entry{
		Fingerprint: fingerprint,
		CreatedAt:   time.Unix(0, int64(binary.BigEndian.Uint64(raw[0:8]))),
		ExpiresAt:   time.Unix(0, int64(binary.BigEndian.Uint64(raw[8:16]))),
		Value:       bytes.Clone(raw[entryHeaderLen:]),
	}, nil
}
