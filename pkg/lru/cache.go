// Package lru implements a size-bounded object cache whose payloads live in a
// pluggable backend. The cache itself only keeps bookkeeping: the recency
// order of keys and the total number of bytes accounted to them.
//
// Eviction is FIFO over the recency order. Because every hit and every set
// moves its key to the newest end, the oldest end is always the least recently
// used key, which gives LRU behavior without a linked list. Reordering is O(n)
// in the number of keys; caches here hold at most a few thousand objects.
package lru

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/richardartoul/fetchcache/pkg/locking"
	"github.com/richardartoul/fetchcache/pkg/metrics"
)

var (
	// ErrTooLarge is returned by Set when an entry is at least as large as the
	// whole cache. Such entries are never stored.
	ErrTooLarge = errors.New("lru: entry does not fit in cache")

	// ErrInvalidSize is returned for negative sizes.
	ErrInvalidSize = errors.New("lru: size must not be negative")
)

// Backend stores the payloads. Implementations report absence with ok=false
// rather than an error.
type Backend[V any] interface {
	Get(ctx context.Context, key string) (value V, ok bool, err error)
	Put(ctx context.Context, key string, value V, size int64) error
	Delete(ctx context.Context, key string) error
	// Size returns the size recorded for key without loading the payload.
	Size(ctx context.Context, key string) (size int64, ok bool, err error)
}

// StateStore persists the bookkeeping so a restarted process can warm start.
type StateStore interface {
	SaveState(ctx context.Context, name string, state State) error
}

// StateLoader is implemented by state stores that more than one process
// writes. The cache then reloads the persisted state at the start of every
// locked section, so each mutation starts from the last writer's view.
type StateLoader interface {
	LoadState(ctx context.Context, name string) (state State, ok bool, err error)
}

// Cache is a bounded object cache. It is safe for concurrent use; mutations
// are serialized per cache name through a locking.Group. When the state store
// also implements StateLoader, caches in several processes can share one
// backend as long as their lock groups exclude each other.
type Cache[V any] struct {
	name     string
	capacity int64
	backend  Backend[V]
	states   StateStore
	loader   StateLoader
	locks    locking.Group
	logger   *slog.Logger
	metrics  *metrics.CacheMetrics
	latency  *metrics.LatencyTracker

	mu        sync.Mutex
	keys      []string // oldest first
	present   map[string]struct{}
	totalSize int64
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	initial *State
	states  StateStore
	locks   locking.Group
	logger  *slog.Logger
	metrics *metrics.CacheMetrics
	latency *metrics.LatencyTracker
}

// WithInitialState warm starts the cache from a previously persisted state.
func WithInitialState(s State) Option {
	return func(o *options) {
		o.initial = &s
	}
}

// WithStateStore persists the state after every mutation.
func WithStateStore(s StateStore) Option {
	return func(o *options) {
		o.states = s
	}
}

// WithLockGroup overrides the default in-memory lock group.
func WithLockGroup(g locking.Group) Option {
	return func(o *options) {
		o.locks = g
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func WithMetrics(m *metrics.CacheMetrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func WithLatencyTracker(lt *metrics.LatencyTracker) Option {
	return func(o *options) {
		o.latency = lt
	}
}

// New creates a cache named name that holds at most capacity bytes.
func New[V any](name string, capacity int64, backend Backend[V], opts ...Option) (*Cache[V], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("lru: capacity must be positive, got %d", capacity)
	}
	if backend == nil {
		return nil, errors.New("lru: backend is required")
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.locks == nil {
		o.locks = locking.NewMemLock()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	c := &Cache[V]{
		name:     name,
		capacity: capacity,
		backend:  backend,
		states:   o.states,
		locks:    o.locks,
		logger:   o.logger.With("cache", name),
		metrics:  o.metrics,
		latency:  o.latency,
		present:  make(map[string]struct{}),
	}
	if l, ok := o.states.(StateLoader); ok {
		c.loader = l
	}
	if o.initial != nil {
		c.restore(*o.initial)
	}
	c.metrics.Size(name, c.totalSize, len(c.keys))
	return c, nil
}

// restore loads a persisted state. Duplicate keys keep their newest position.
func (c *Cache[V]) restore(s State) {
	seen := make(map[string]struct{}, len(s.Keys))
	keys := make([]string, 0, len(s.Keys))
	for i := len(s.Keys) - 1; i >= 0; i-- {
		k := s.Keys[i]
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	slices.Reverse(keys)

	c.keys = keys
	c.present = seen
	c.totalSize = max(s.TotalSize, 0)
	if len(c.keys) == 0 {
		c.totalSize = 0
	}
}

// Name returns the cache name used for locking, metrics and persisted state.
func (c *Cache[V]) Name() string { return c.name }

// Capacity returns the byte budget.
func (c *Cache[V]) Capacity() int64 { return c.capacity }

// Len returns the number of keys in the recency order.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.keys)
}

// State returns a snapshot of the bookkeeping.
func (c *Cache[V]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Cache[V]) snapshotLocked() State {
	keys := make([]string, len(c.keys))
	copy(keys, c.keys)
	return State{
		Keys:      keys,
		TotalSize: c.totalSize,
	}
}

type hit[V any] struct {
	value V
}

// Get returns the payload stored for key. A missing backend record, or a
// backend that fails, is a miss and leaves the recency order untouched.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool) {
	defer c.latency.Since(metrics.OpCacheGet, time.Now())

	v, _ := c.locks.DoWithLock(c.name, func() (any, error) {
		c.sync(ctx)
		value, ok, err := c.backend.Get(ctx, key)
		if err != nil {
			c.logger.Warn("cache backend get failed, treating as miss", "key", key, "error", err)
			return nil, nil
		}
		if !ok {
			return nil, nil
		}

		if c.touch(key) {
			if err := c.persist(ctx); err != nil {
				c.logger.Warn("failed to persist cache state after hit", "key", key, "error", err)
			}
		}
		return hit[V]{value: value}, nil
	})

	h, ok := v.(hit[V])
	if !ok {
		c.metrics.Miss(c.name)
		var zero V
		return zero, false
	}
	c.metrics.Hit(c.name)
	return h.value, true
}

// Set stores value under key, evicting the oldest keys until it fits. Setting a
// key that is already present only refreshes its recency.
func (c *Cache[V]) Set(ctx context.Context, key string, value V, size int64) error {
	defer c.latency.Since(metrics.OpCacheSet, time.Now())

	if size < 0 {
		return ErrInvalidSize
	}
	if size >= c.capacity {
		c.metrics.Rejected(c.name)
		return fmt.Errorf("%w: %d bytes, capacity %d", ErrTooLarge, size, c.capacity)
	}

	_, err := c.locks.DoWithLock(c.name, func() (any, error) {
		c.sync(ctx)
		if c.touch(key) {
			if c.overCapacity() {
				if err := c.evictFor(ctx, 0); err != nil {
					return nil, errors.Join(err, c.persist(ctx))
				}
			}
			return nil, c.persist(ctx)
		}

		if err := c.evictFor(ctx, size); err != nil {
			return nil, errors.Join(err, c.persist(ctx))
		}

		c.mu.Lock()
		c.keys = append(c.keys, key)
		c.present[key] = struct{}{}
		c.totalSize += size
		c.mu.Unlock()

		if err := c.backend.Put(ctx, key, value, size); err != nil {
			c.forget(key, size)
			return nil, errors.Join(fmt.Errorf("failed to write %q to cache backend: %w", key, err), c.persist(ctx))
		}
		return nil, c.persist(ctx)
	})
	return err
}

// Delete removes key. size is the caller's record of the entry size and is
// subtracted from the total. Deleting an unknown key is a no-op.
func (c *Cache[V]) Delete(ctx context.Context, key string, size int64) error {
	_, err := c.locks.DoWithLock(c.name, func() (any, error) {
		c.sync(ctx)
		if !c.contains(key) {
			return nil, nil
		}
		c.forget(key, size)

		if err := c.backend.Delete(ctx, key); err != nil {
			return nil, errors.Join(fmt.Errorf("failed to delete %q from cache backend: %w", key, err), c.persist(ctx))
		}
		return nil, c.persist(ctx)
	})
	return err
}

// Purge evicts every key, deleting each backend record.
func (c *Cache[V]) Purge(ctx context.Context) error {
	_, err := c.locks.DoWithLock(c.name, func() (any, error) {
		c.sync(ctx)
		c.mu.Lock()
		keys := c.keys
		c.keys = nil
		c.present = make(map[string]struct{})
		c.totalSize = 0
		c.mu.Unlock()

		var errs []error
		for _, k := range keys {
			if err := c.backend.Delete(ctx, k); err != nil {
				errs = append(errs, fmt.Errorf("delete %q: %w", k, err))
			}
		}
		errs = append(errs, c.persist(ctx))
		return nil, errors.Join(errs...)
	})
	return err
}

// Reload refreshes the bookkeeping from a shared state store. It is a no-op
// when the state store does not implement StateLoader.
func (c *Cache[V]) Reload(ctx context.Context) {
	_, _ = c.locks.DoWithLock(c.name, func() (any, error) {
		c.sync(ctx)
		return nil, nil
	})
}

// Trim evicts from the oldest end until the accounted bytes fit the capacity.
// A state restored under a smaller capacity than it was written with needs
// this before the cache is used.
func (c *Cache[V]) Trim(ctx context.Context) error {
	_, err := c.locks.DoWithLock(c.name, func() (any, error) {
		c.sync(ctx)
		if !c.overCapacity() {
			return nil, nil
		}
		if err := c.evictFor(ctx, 0); err != nil {
			return nil, errors.Join(err, c.persist(ctx))
		}
		return nil, c.persist(ctx)
	})
	return err
}

func (c *Cache[V]) overCapacity() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSize > c.capacity
}

// sync replaces the bookkeeping with the persisted state when the state store
// is shared. Must be called inside the cache's lock group section.
func (c *Cache[V]) sync(ctx context.Context) {
	if c.loader == nil {
		return
	}
	s, ok, err := c.loader.LoadState(ctx, c.name)
	if err != nil {
		c.logger.Warn("failed to reload cache state, using local view", "error", err)
		return
	}
	if !ok {
		return
	}
	c.mu.Lock()
	c.restore(s)
	total, n := c.totalSize, len(c.keys)
	c.mu.Unlock()
	c.metrics.Size(c.name, total, n)
}

// evictFor drops keys from the oldest end until size more bytes fit. Must be
// called inside the cache's lock group section.
func (c *Cache[V]) evictFor(ctx context.Context, size int64) error {
	for {
		c.mu.Lock()
		if c.totalSize+size <= c.capacity || len(c.keys) == 0 {
			if len(c.keys) == 0 {
				// Nothing is tracked, so anything left in the total is drift.
				c.totalSize = 0
			}
			c.mu.Unlock()
			return nil
		}
		victim := c.keys[0]
		c.mu.Unlock()

		start := time.Now()
		victimSize, ok, err := c.backend.Size(ctx, victim)
		if err != nil {
			return fmt.Errorf("failed to read size of eviction victim %q: %w", victim, err)
		}
		if !ok {
			// Already gone from the backend: drop it from the order but
			// there are no bytes to give back.
			victimSize = 0
			c.logger.Debug("eviction victim missing from backend", "key", victim)
		}

		c.mu.Lock()
		c.keys = c.keys[1:]
		delete(c.present, victim)
		c.totalSize = max(c.totalSize-victimSize, 0)
		c.mu.Unlock()

		if ok {
			if err := c.backend.Delete(ctx, victim); err != nil {
				c.logger.Warn("failed to delete evicted entry", "key", victim, "error", err)
			}
		}
		c.metrics.Evicted(c.name)
		c.latency.Since(metrics.OpCacheEvict, start)
		c.logger.Debug("evicted cache entry", "key", victim, "size", victimSize)
	}
}

func (c *Cache[V]) contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.present[key]
	return ok
}

// touch moves key to the newest end. It reports false if the key is unknown.
func (c *Cache[V]) touch(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.present[key]; !ok {
		return false
	}
	i := slices.Index(c.keys, key)
	c.keys = append(slices.Delete(c.keys, i, i+1), key)
	return true
}

func (c *Cache[V]) forget(key string, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := slices.Index(c.keys, key); i >= 0 {
		c.keys = slices.Delete(c.keys, i, i+1)
	}
	delete(c.present, key)
	c.totalSize = max(c.totalSize-size, 0)
	if len(c.keys) == 0 {
		c.totalSize = 0
	}
}

// persist writes one snapshot of the state. Must be called inside the cache's
// lock group section.
func (c *Cache[V]) persist(ctx context.Context) error {
	c.mu.Lock()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.metrics.Size(c.name, snap.TotalSize, len(snap.Keys))
	if c.states == nil {
		return nil
	}
	if err := c.states.SaveState(ctx, c.name, snap); err != nil {
		return fmt.Errorf("failed to persist cache state: %w", err)
	}
	return nil
}
