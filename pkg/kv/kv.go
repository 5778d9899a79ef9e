// Package kv defines the persistent key-value store the caches write through
// to, and its implementations. Values are grouped in named collections.
package kv

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/redis/go-redis/v9"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("kv: store is closed")

// Record is one key/value pair of a collection.
type Record struct {
	Key   string
	Value []byte
}

// Store is a persistent key-value store. Get reports absence with ok=false.
type Store interface {
	Put(ctx context.Context, collection, key string, value []byte) error
	Get(ctx context.Context, collection, key string) (value []byte, ok bool, err error)
	Delete(ctx context.Context, collection, key string) error
	GetAll(ctx context.Context, collection string) ([]Record, error)
	Close() error
}

// Unavailable is the store used when no real store can be opened. Reads find
// nothing and writes are dropped, so caches on top of it always miss instead
// of failing.
type Unavailable struct{}

func (Unavailable) Put(context.Context, string, string, []byte) error { return nil }

func (Unavailable) Get(context.Context, string, string) ([]byte, bool, error) {
	return nil, false, nil
}

func (Unavailable) Delete(context.Context, string, string) error { return nil }

func (Unavailable) GetAll(context.Context, string) ([]Record, error) { return nil, nil }

func (Unavailable) Close() error { return nil }

// IsUnavailable reports whether s is the degraded store.
func IsUnavailable(s Store) bool {
	_, ok := s.(Unavailable)
	return ok
}

// Open opens a store from a URL:
//
//	mem://                     in-memory
//	sqlite:///var/lib/fc.db    SQLite file
//	redis://host:6379/0        Redis, one hash per collection
//	file:///dir, s3://bucket   any gocloud.dev blob bucket
//
// On failure it returns Unavailable together with the error, so callers can
// log and keep going with a cache that always misses.
func Open(ctx context.Context, rawURL string) (Store, error) {
	s, err := open(ctx, rawURL)
	if err != nil {
		return Unavailable{}, fmt.Errorf("kv: open %q: %w", rawURL, err)
	}
	return s, nil
}

func open(ctx context.Context, rawURL string) (Store, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "mem":
		return NewMemory(), nil
	case "sqlite":
		path := u.Path
		if u.Host != "" {
			// sqlite://relative/path.db
			path = u.Host + u.Path
		}
		return OpenSQLite(ctx, path)
	case "redis", "rediss":
		opts, err := redis.ParseURL(rawURL)
		if err != nil {
			return nil, err
		}
		prefix := u.Query().Get("prefix")
		if prefix == "" {
			prefix = "fetchcache:"
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return NewRedis(client, prefix), nil
	case "":
		return nil, errors.New("missing scheme")
	default:
		bucket, err := blob.OpenBucket(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		return NewBlob(bucket), nil
	}
}

func validate(collection, key string) error {
	if collection == "" {
		return errors.New("kv: collection must not be empty")
	}
	if key == "" {
		return errors.New("kv: key must not be empty")
	}
	if strings.ContainsRune(collection, '/') {
		return fmt.Errorf("kv: collection %q must not contain '/'", collection)
	}
	return nil
}
