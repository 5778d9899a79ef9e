package lru

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	value []byte
	size  int64
}

// mapBackend is an in-memory Backend that records calls.
type mapBackend struct {
	mu      sync.Mutex
	records map[string]record
	getErr  error
	putErr  error
	deleted []string
}

func newMapBackend() *mapBackend {
	return &mapBackend{records: make(map[string]record)}
}

func (b *mapBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.getErr != nil {
		return nil, false, b.getErr
	}
	r, ok := b.records[key]
	return r.value, ok, nil
}

func (b *mapBackend) Put(_ context.Context, key string, value []byte, size int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.putErr != nil {
		return b.putErr
	}
	b.records[key] = record{value: value, size: size}
	return nil
}

func (b *mapBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, key)
	b.deleted = append(b.deleted, key)
	return nil
}

func (b *mapBackend) Size(_ context.Context, key string) (int64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.records[key]
	return r.size, ok, nil
}

func (b *mapBackend) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.records[key]
	return ok
}

func (b *mapBackend) sizeOf(key string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.records[key].size
}

// stateRecorder is a StateStore keeping every snapshot.
type stateRecorder struct {
	mu    sync.Mutex
	saves []State
}

func (r *stateRecorder) SaveState(_ context.Context, _ string, s State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves = append(r.saves, s)
	return nil
}

func (r *stateRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.saves)
}

func (r *stateRecorder) last() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves[len(r.saves)-1]
}

func newTestCache(t *testing.T, capacity int64, opts ...Option) (*Cache[[]byte], *mapBackend, *stateRecorder) {
	t.Helper()
	backend := newMapBackend()
	states := &stateRecorder{}
	c, err := New[[]byte]("test", capacity, backend, append([]Option{WithStateStore(states)}, opts...)...)
	require.NoError(t, err)
	return c, backend, states
}

func assertInvariants(t *testing.T, c *Cache[[]byte], b *mapBackend) {
	t.Helper()
	s := c.State()

	seen := make(map[string]bool)
	var sum int64
	for _, k := range s.Keys {
		require.False(t, seen[k], "duplicate key %q in order %v", k, s.Keys)
		seen[k] = true
		sum += b.sizeOf(k)
	}
	require.Equal(t, sum, s.TotalSize, "total size drifted from backend sizes")
	require.LessOrEqual(t, s.TotalSize, c.Capacity())
}

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	c, b, _ := newTestCache(t, 100)

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "a", []byte("alpha"), 10))
	v, ok := c.Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, []byte("alpha"), v)

	require.NoError(t, c.Delete(ctx, "a", 10))
	_, ok = c.Get(ctx, "a")
	assert.False(t, ok)
	assert.False(t, b.has("a"))
	assert.Equal(t, State{Keys: []string{}, TotalSize: 0}, c.State())
}

func TestSetRejectsEntriesThatDoNotFit(t *testing.T) {
	ctx := context.Background()
	c, b, states := newTestCache(t, 50)

	err := c.Set(ctx, "huge", []byte("x"), 50)
	require.ErrorIs(t, err, ErrTooLarge)
	err = c.Set(ctx, "huger", []byte("x"), 51)
	require.ErrorIs(t, err, ErrTooLarge)

	assert.False(t, b.has("huge"))
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, states.count(), "rejected entries must not persist state")
}

func TestSetExistingKeyOnlyReorders(t *testing.T) {
	ctx := context.Background()
	c, b, _ := newTestCache(t, 100)

	require.NoError(t, c.Set(ctx, "a", []byte("a"), 10))
	require.NoError(t, c.Set(ctx, "b", []byte("b"), 20))
	require.NoError(t, c.Set(ctx, "a", []byte("a"), 10))

	s := c.State()
	assert.Equal(t, []string{"b", "a"}, s.Keys)
	assert.Equal(t, int64(30), s.TotalSize)
	assertInvariants(t, c, b)
}

func TestEvictsOldestFirst(t *testing.T) {
	ctx := context.Background()
	c, b, _ := newTestCache(t, 100)

	require.NoError(t, c.Set(ctx, "a", []byte("a"), 40))
	require.NoError(t, c.Set(ctx, "b", []byte("b"), 40))

	// Reading a makes b the least recently used.
	_, ok := c.Get(ctx, "a")
	require.True(t, ok)

	require.NoError(t, c.Set(ctx, "c", []byte("c"), 40))

	assert.Equal(t, []string{"a", "c"}, c.State().Keys)
	assert.False(t, b.has("b"))
	assert.Equal(t, []string{"b"}, b.deleted)
	assertInvariants(t, c, b)
}

func TestGetDanglingKeyIsMiss(t *testing.T) {
	ctx := context.Background()
	c, _, states := newTestCache(t, 100, WithInitialState(State{Keys: []string{"ghost", "other"}, TotalSize: 20}))

	_, ok := c.Get(ctx, "ghost")
	assert.False(t, ok)
	assert.Equal(t, []string{"ghost", "other"}, c.State().Keys, "a miss must not reorder")
	assert.Equal(t, int64(20), c.State().TotalSize)
	assert.Equal(t, 0, states.count(), "a miss must not persist state")
}

func TestBackendFailureDegradesToMiss(t *testing.T) {
	ctx := context.Background()
	c, b, _ := newTestCache(t, 100)

	require.NoError(t, c.Set(ctx, "a", []byte("a"), 10))
	b.getErr = errors.New("store offline")

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
}

func TestEveryMutationPersistsOnce(t *testing.T) {
	ctx := context.Background()
	c, _, states := newTestCache(t, 100)

	require.NoError(t, c.Set(ctx, "a", []byte("a"), 60))
	assert.Equal(t, 1, states.count())

	// Evicts a, still a single snapshot.
	require.NoError(t, c.Set(ctx, "b", []byte("b"), 60))
	assert.Equal(t, 2, states.count())

	_, ok := c.Get(ctx, "b")
	require.True(t, ok)
	assert.Equal(t, 3, states.count())

	require.NoError(t, c.Delete(ctx, "b", 60))
	assert.Equal(t, 4, states.count())

	// Deleting an absent key is a no-op.
	require.NoError(t, c.Delete(ctx, "b", 60))
	assert.Equal(t, 4, states.count())

	assert.Equal(t, State{Keys: []string{}, TotalSize: 0}, states.last())
}

func TestStaleStateReconciledOnEviction(t *testing.T) {
	ctx := context.Background()
	c, b, states := newTestCache(t, 50, WithInitialState(State{Keys: []string{"stale"}, TotalSize: 25}))

	require.NoError(t, c.Set(ctx, "fresh", []byte("payload"), 30))

	want := State{Keys: []string{"fresh"}, TotalSize: 30}
	assert.Equal(t, want, c.State())
	assert.Equal(t, want, states.last())
	assert.True(t, b.has("fresh"))
}

func TestStaleKeysAmongLiveOnes(t *testing.T) {
	ctx := context.Background()
	b := newMapBackend()
	require.NoError(t, b.Put(ctx, "live", []byte("l"), 20))

	c, err := New[[]byte]("test", 60, b, WithInitialState(State{Keys: []string{"gone", "live"}, TotalSize: 40}))
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, "new", []byte("n"), 30))

	for _, k := range c.State().Keys {
		assert.True(t, b.has(k), "state references %q which is not in the backend", k)
	}
	assert.LessOrEqual(t, c.State().TotalSize, int64(60))
}

func TestInitialStateDeduplicates(t *testing.T) {
	c, _, _ := newTestCache(t, 100, WithInitialState(State{Keys: []string{"a", "b", "a"}, TotalSize: 30}))
	assert.Equal(t, []string{"b", "a"}, c.State().Keys)
}

func TestPutFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	c, b, states := newTestCache(t, 100)
	b.putErr = errors.New("disk full")

	err := c.Set(ctx, "a", []byte("a"), 10)
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.State().TotalSize)
	assert.Equal(t, 1, states.count())
}

func TestTrimAfterCapacityWasLowered(t *testing.T) {
	ctx := context.Background()
	c, b, states := newTestCache(t, 50, WithInitialState(State{Keys: []string{"a", "b", "c"}, TotalSize: 90}))
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, b.Put(ctx, k, []byte(k), 30))
	}

	require.NoError(t, c.Trim(ctx))

	want := State{Keys: []string{"c"}, TotalSize: 30}
	assert.Equal(t, want, c.State())
	assert.Equal(t, want, states.last())
	assert.False(t, b.has("a"))
	assert.False(t, b.has("b"))
	assertInvariants(t, c, b)

	// Already within capacity: nothing to evict or persist.
	saves := states.count()
	require.NoError(t, c.Trim(ctx))
	assert.Equal(t, saves, states.count())
}

func TestSetOfKnownKeyTrimsOversizedState(t *testing.T) {
	ctx := context.Background()
	c, b, _ := newTestCache(t, 50, WithInitialState(State{Keys: []string{"a", "b"}, TotalSize: 60}))
	require.NoError(t, b.Put(ctx, "a", []byte("a"), 30))
	require.NoError(t, b.Put(ctx, "b", []byte("b"), 30))

	require.NoError(t, c.Set(ctx, "a", []byte("a"), 30))

	assert.Equal(t, State{Keys: []string{"a"}, TotalSize: 30}, c.State())
	assertInvariants(t, c, b)
}

// sharedStates is a StateStore that also loads, standing in for a store
// several processes write to.
type sharedStates struct {
	mu     sync.Mutex
	states map[string]State
}

func (s *sharedStates) SaveState(_ context.Context, name string, st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[name] = st
	return nil
}

func (s *sharedStates) LoadState(_ context.Context, name string) (State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[name]
	return st, ok, nil
}

func TestCachesSharingStateSeeEachOthersWrites(t *testing.T) {
	ctx := context.Background()
	backend := newMapBackend()
	states := &sharedStates{states: make(map[string]State)}

	first, err := New[[]byte]("files", 100, backend, WithStateStore(states))
	require.NoError(t, err)
	second, err := New[[]byte]("files", 100, backend, WithStateStore(states))
	require.NoError(t, err)

	require.NoError(t, first.Set(ctx, "a", []byte("a"), 60))
	// second has never seen a, but must account for it before admitting b.
	require.NoError(t, second.Set(ctx, "b", []byte("b"), 60))

	want := State{Keys: []string{"b"}, TotalSize: 60}
	assert.Equal(t, want, second.State())
	assert.False(t, backend.has("a"))

	// first picks up the eviction instead of overwriting it with its own view.
	v, ok := first.Get(ctx, "b")
	require.True(t, ok)
	assert.Equal(t, []byte("b"), v)
	assert.Equal(t, want, first.State())

	require.NoError(t, first.Delete(ctx, "b", 60))
	second.Reload(ctx)
	assert.Equal(t, 0, second.Len())
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	c, b, _ := newTestCache(t, 100)
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprint(i), []byte("x"), 10))
	}

	require.NoError(t, c.Purge(ctx))
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, b.records)
}

func TestRandomOperationsKeepInvariants(t *testing.T) {
	ctx := context.Background()
	c, b, _ := newTestCache(t, 1000)
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 2000; i++ {
		key := fmt.Sprintf("k%d", rng.IntN(40))
		switch rng.IntN(3) {
		case 0, 1:
			size := rng.Int64N(400)
			if c.contains(key) {
				size = b.sizeOf(key)
			}
			require.NoError(t, c.Set(ctx, key, []byte(key), size))
		case 2:
			require.NoError(t, c.Delete(ctx, key, b.sizeOf(key)))
		}
		assertInvariants(t, c, b)
	}
}

func TestConcurrentSetsSerialize(t *testing.T) {
	ctx := context.Background()
	c, b, _ := newTestCache(t, 500)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				key := fmt.Sprintf("g%d-%d", g, i)
				assert.NoError(t, c.Set(ctx, key, []byte(key), 25))
				c.Get(ctx, key)
			}
		}(g)
	}
	wg.Wait()

	assertInvariants(t, c, b)
	assert.Equal(t, int64(500), c.State().TotalSize)
}

func TestStateEncoding(t *testing.T) {
	data, err := State{}.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"lruKeyList":[],"itemsListSize":0}`, string(data))

	s, err := DecodeState([]byte(`{"lruKeyList":["a","b"],"itemsListSize":12}`))
	require.NoError(t, err)
	assert.Equal(t, State{Keys: []string{"a", "b"}, TotalSize: 12}, s)

	_, err = DecodeState([]byte("not json"))
	assert.Error(t, err)
}
