package kv

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// Memory is a Store held in process memory. Values are copied on the way in
// and out.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
	closed      bool
}

func NewMemory() *Memory {
	return &Memory{collections: make(map[string]map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, collection, key string, value []byte) error {
	if err := validate(collection, key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	c, ok := m.collections[collection]
	if !ok {
		c = make(map[string][]byte)
		m.collections[collection] = c
	}
	c[key] = bytes.Clone(value)
	return nil
}

func (m *Memory) Get(_ context.Context, collection, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	v, ok := m.collections[collection][key]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

func (m *Memory) Delete(_ context.Context, collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.collections[collection], key)
	return nil
}

// GetAll returns the collection's records sorted by key.
func (m *Memory) GetAll(_ context.Context, collection string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	c := m.collections[collection]
	records := make([]Record, 0, len(c))
	for k, v := range c {
		records = append(records, Record{Key: k, Value: bytes.Clone(v)})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
