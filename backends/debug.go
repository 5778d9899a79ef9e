package backends

import (
	"context"
	"log/slog"

	"github.com/richardartoul/fetchcache/pkg/lru"
)

// Debug wraps any cache backend and logs every call at debug level.
// This allows any backend implementation to have debug logging without
// coupling the debug logic to the backend implementation.
type Debug struct {
	backend lru.Backend[[]byte]
	logger  *slog.Logger
}

var _ lru.Backend[[]byte] = (*Debug)(nil)

// NewDebug creates a new debug wrapper around an existing backend.
func NewDebug(backend lru.Backend[[]byte], logger *slog.Logger) *Debug {
	if logger == nil {
		logger = slog.Default()
	}
	return &Debug{
		backend: backend,
		logger:  logger.With("backend", "debug"),
	}
}

func (d *Debug) Get(ctx context.Context, key string) ([]byte, bool, error) {
	d.logger.Debug("get", "key", key)

	value, ok, err := d.backend.Get(ctx, key)
	switch {
	case err != nil:
		d.logger.Debug("get failed", "key", key, "error", err)
	case !ok:
		d.logger.Debug("get miss", "key", key)
	default:
		d.logger.Debug("get hit", "key", key, "size", len(value))
	}
	return value, ok, err
}

func (d *Debug) Put(ctx context.Context, key string, value []byte, size int64) error {
	d.logger.Debug("put", "key", key, "size", size)

	err := d.backend.Put(ctx, key, value, size)
	if err != nil {
		d.logger.Debug("put failed", "key", key, "error", err)
	}
	return err
}

func (d *Debug) Delete(ctx context.Context, key string) error {
	d.logger.Debug("delete", "key", key)

	err := d.backend.Delete(ctx, key)
	if err != nil {
		d.logger.Debug("delete failed", "key", key, "error", err)
	}
	return err
}

func (d *Debug) Size(ctx context.Context, key string) (int64, bool, error) {
	size, ok, err := d.backend.Size(ctx, key)
	d.logger.Debug("size", "key", key, "size", size, "found", ok, "error", err)
	return size, ok, err
}
