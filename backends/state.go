package backends

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/richardartoul/fetchcache/pkg/kv"
	"github.com/richardartoul/fetchcache/pkg/lru"
)

const stateCollection = "lru-state"

// StateStore persists lru.State records in the kv store, keyed by cache name.
type StateStore struct {
	store kv.Store
}

var (
	_ lru.StateStore  = (*StateStore)(nil)
	_ lru.StateLoader = (*StateStore)(nil)
)

func NewStateStore(store kv.Store) *StateStore {
	return &StateStore{store: store}
}

func (s *StateStore) SaveState(ctx context.Context, name string, state lru.State) error {
	data, err := state.Encode()
	if err != nil {
		return err
	}
	return s.store.Put(ctx, stateCollection, name, data)
}

func (s *StateStore) LoadState(ctx context.Context, name string) (lru.State, bool, error) {
	data, ok, err := s.store.Get(ctx, stateCollection, name)
	if err != nil || !ok {
		return lru.State{}, false, err
	}
	state, err := lru.DecodeState(data)
	if err != nil {
		return lru.State{}, false, err
	}
	return state, true, nil
}

// Hydrate builds the starting state for a domain cache. It prefers the
// persisted state and otherwise rebuilds the order from entry metadata,
// oldest put first. Any failure is logged and yields an empty state.
func Hydrate(ctx context.Context, store kv.Store, domain Domain, logger *slog.Logger) lru.State {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("domain", domain)

	state, ok, err := NewStateStore(store).LoadState(ctx, string(domain))
	if err != nil {
		logger.Warn("failed to load persisted cache state, rebuilding", "error", err)
	} else if ok {
		return state
	}

	records, err := store.GetAll(ctx, domain.metaCollection())
	if err != nil {
		logger.Warn("failed to scan cache metadata, starting empty", "error", err)
		return lru.State{Keys: []string{}}
	}

	type item struct {
		key  string
		meta entryMeta
	}
	items := make([]item, 0, len(records))
	for _, r := range records {
		var m entryMeta
		if err := json.Unmarshal(r.Value, &m); err != nil {
			logger.Warn("skipping corrupt cache metadata", "key", r.Key, "error", err)
			continue
		}
		items = append(items, item{key: r.Key, meta: m})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].meta.PutTime < items[j].meta.PutTime })

	state = lru.State{Keys: make([]string, 0, len(items))}
	for _, it := range items {
		state.Keys = append(state.Keys, it.key)
		state.TotalSize += it.meta.Size
	}
	logger.Debug("rebuilt cache state from metadata", "entries", len(state.Keys), "bytes", state.TotalSize)
	return state
}
