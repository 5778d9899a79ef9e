package backends

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/richardartoul/fetchcache/pkg/kv"
	"github.com/richardartoul/fetchcache/pkg/lru"
)

// entryMeta is stored next to each payload so sizes can be read, and the
// cache rebuilt, without loading payloads.
type entryMeta struct {
	Size    int64 `json:"size"`
	Kind    Kind  `json:"kind"`
	PutTime int64 `json:"put_time"`
}

// KV is the lru.Backend for one domain. Payloads go to the collection named
// after the domain and metadata to <domain>.meta.
type KV struct {
	store  kv.Store
	domain Domain
	now    func() time.Time
}

var _ lru.Backend[[]byte] = (*KV)(nil)

func NewKV(store kv.Store, domain Domain) *KV {
	return &KV{store: store, domain: domain, now: time.Now}
}

// GetEntry loads the entry stored under key.
func (b *KV) GetEntry(ctx context.Context, key string) (BlobEntry, bool, error) {
	data, ok, err := b.store.Get(ctx, string(b.domain), key)
	if err != nil || !ok {
		return BlobEntry{}, false, err
	}

	kind := b.domain.Kind()
	meta, ok, err := b.meta(ctx, key)
	if err != nil {
		return BlobEntry{}, false, err
	}
	if ok && meta.Kind != "" {
		kind = meta.Kind
	}
	entry, err := NewEntry(kind, data)
	if err != nil {
		return BlobEntry{}, false, fmt.Errorf("entry %q: %w", key, err)
	}
	return entry, true, nil
}

// Get returns the payload of the variant this domain reads. An entry of the
// other variant is reported as absent.
func (b *KV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, ok, err := b.GetEntry(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	data, ok := entry.Payload(b.domain.Kind())
	return data, ok, nil
}

func (b *KV) Put(ctx context.Context, key string, value []byte, size int64) error {
	if value == nil {
		value = []byte{}
	}
	meta, err := json.Marshal(entryMeta{Size: size, Kind: b.domain.Kind(), PutTime: b.now().Unix()})
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := b.store.Put(ctx, string(b.domain), key, value); err != nil {
		return err
	}
	if err := b.store.Put(ctx, b.domain.metaCollection(), key, meta); err != nil {
		// Leave no payload without metadata behind.
		return errors.Join(err, b.store.Delete(ctx, string(b.domain), key))
	}
	return nil
}

func (b *KV) Delete(ctx context.Context, key string) error {
	return errors.Join(
		b.store.Delete(ctx, string(b.domain), key),
		b.store.Delete(ctx, b.domain.metaCollection(), key),
	)
}

// Size reads the recorded size. A payload without metadata reports its length.
func (b *KV) Size(ctx context.Context, key string) (int64, bool, error) {
	meta, ok, err := b.meta(ctx, key)
	if err != nil {
		return 0, false, err
	}
	if ok {
		return meta.Size, true, nil
	}
	data, ok, err := b.store.Get(ctx, string(b.domain), key)
	if err != nil || !ok {
		return 0, false, err
	}
	return int64(len(data)), true, nil
}

func (b *KV) meta(ctx context.Context, key string) (entryMeta, bool, error) {
	raw, ok, err := b.store.Get(ctx, b.domain.metaCollection(), key)
	if err != nil || !ok {
		return entryMeta{}, false, err
	}
	var m entryMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return entryMeta{}, false, fmt.Errorf("corrupt metadata for %q: %w", key, err)
	}
	return m, true, nil
}
