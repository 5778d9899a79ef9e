package backends

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/richardartoul/fetchcache/pkg/kv"
	"github.com/richardartoul/fetchcache/pkg/locking"
	"github.com/richardartoul/fetchcache/pkg/lru"
	"github.com/richardartoul/fetchcache/pkg/metrics"
)

// Cache is the byte cache of one domain.
type Cache = lru.Cache[[]byte]

// Registry owns at most one cache per domain over a shared kv store. Build
// one at process start and pass it to whatever needs a cache.
type Registry struct {
	store      kv.Store
	states     *StateStore
	logger     *slog.Logger
	locks      locking.Group
	metrics    *metrics.CacheMetrics
	latency    *metrics.LatencyTracker
	capacities map[Domain]int64
	debug      bool

	mu     sync.Mutex
	caches map[Domain]*Cache
}

type RegistryOption func(*Registry)

func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithLockGroup sets the lock group shared by every domain cache. Use a
// locking.FileLock when several processes share one on-disk store; the
// caches reload the persisted state inside every locked section. It is
// ignored over kv.Unavailable.
func WithLockGroup(g locking.Group) RegistryOption {
	return func(r *Registry) {
		r.locks = g
	}
}

func WithMetrics(m *metrics.CacheMetrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

func WithLatencyTracker(lt *metrics.LatencyTracker) RegistryOption {
	return func(r *Registry) {
		r.latency = lt
	}
}

// WithCapacity overrides the default budget of one domain.
func WithCapacity(d Domain, bytes int64) RegistryOption {
	return func(r *Registry) {
		r.capacities[d] = bytes
	}
}

// WithDebug wraps every domain backend in Debug.
func WithDebug(enabled bool) RegistryOption {
	return func(r *Registry) {
		r.debug = enabled
	}
}

func NewRegistry(store kv.Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:      store,
		states:     NewStateStore(store),
		logger:     slog.Default(),
		capacities: make(map[Domain]int64),
		caches:     make(map[Domain]*Cache),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.locks == nil {
		r.locks = locking.NewMemLock()
	}
	if kv.IsUnavailable(store) {
		// Nothing is stored, so there is no state to protect.
		r.locks = locking.NewNoOpGroup()
	}
	return r
}

// Cache returns the domain's cache, building and hydrating it on first use.
func (r *Registry) Cache(ctx context.Context, d Domain) (*Cache, error) {
	if _, err := ParseDomain(string(d)); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.caches[d]; ok {
		return c, nil
	}

	capacity := d.Capacity()
	if override, ok := r.capacities[d]; ok {
		capacity = override
	}

	var backend lru.Backend[[]byte] = NewKV(r.store, d)
	if r.debug {
		backend = NewDebug(backend, r.logger)
	}

	c, err := lru.New(string(d), capacity, backend,
		lru.WithInitialState(Hydrate(ctx, r.store, d, r.logger)),
		lru.WithStateStore(r.states),
		lru.WithLockGroup(r.locks),
		lru.WithLogger(r.logger),
		lru.WithMetrics(r.metrics),
		lru.WithLatencyTracker(r.latency),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s cache: %w", d, err)
	}
	// The state may have been written under a larger capacity.
	if err := c.Trim(ctx); err != nil {
		r.logger.Warn("failed to trim cache to capacity", "domain", d, "error", err)
	}
	r.caches[d] = c
	return c, nil
}

// DomainStats summarizes one domain cache.
type DomainStats struct {
	Domain    Domain
	Capacity  int64
	Entries   int
	TotalSize int64
}

// Stats reports every domain, hydrating caches that were not used yet.
func (r *Registry) Stats(ctx context.Context) ([]DomainStats, error) {
	stats := make([]DomainStats, 0, len(domainSpecs))
	for _, d := range Domains() {
		c, err := r.Cache(ctx, d)
		if err != nil {
			return nil, err
		}
		c.Reload(ctx)
		s := c.State()
		stats = append(stats, DomainStats{
			Domain:    d,
			Capacity:  c.Capacity(),
			Entries:   len(s.Keys),
			TotalSize: s.TotalSize,
		})
	}
	return stats, nil
}

// Clear purges one domain cache.
func (r *Registry) Clear(ctx context.Context, d Domain) error {
	c, err := r.Cache(ctx, d)
	if err != nil {
		return err
	}
	return c.Purge(ctx)
}

// Close closes the underlying store. Caches must not be used afterwards.
func (r *Registry) Close() error {
	return r.store.Close()
}
