package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store keeping each collection in one Redis hash named
// <prefix><collection>.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps an existing client. The store owns the client and closes it.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) hash(collection string) string {
	return r.prefix + collection
}

func (r *Redis) Put(ctx context.Context, collection, key string, value []byte) error {
	if err := validate(collection, key); err != nil {
		return err
	}
	if err := r.client.HSet(ctx, r.hash(collection), key, value).Err(); err != nil {
		return fmt.Errorf("hset %s/%s: %w", collection, key, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, collection, key string) ([]byte, bool, error) {
	value, err := r.client.HGet(ctx, r.hash(collection), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("hget %s/%s: %w", collection, key, err)
	}
	return value, true, nil
}

func (r *Redis) Delete(ctx context.Context, collection, key string) error {
	if err := r.client.HDel(ctx, r.hash(collection), key).Err(); err != nil {
		return fmt.Errorf("hdel %s/%s: %w", collection, key, err)
	}
	return nil
}

// GetAll returns the collection's records sorted by key.
func (r *Redis) GetAll(ctx context.Context, collection string) ([]Record, error) {
	all, err := r.client.HGetAll(ctx, r.hash(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", collection, err)
	}
	records := make([]Record, 0, len(all))
	for k, v := range all {
		records = append(records, Record{Key: k, Value: []byte(v)})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
