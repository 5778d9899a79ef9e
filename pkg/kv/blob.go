package kv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// Blob is a Store on top of a gocloud.dev bucket. Each value is one object
// named <collection>/<escaped key>.
type Blob struct {
	bucket *blob.Bucket
}

// NewBlob wraps an open bucket. The store owns the bucket and closes it.
func NewBlob(bucket *blob.Bucket) *Blob {
	return &Blob{bucket: bucket}
}

func objectName(collection, key string) string {
	return collection + "/" + url.PathEscape(key)
}

func (b *Blob) Put(ctx context.Context, collection, key string, value []byte) error {
	if err := validate(collection, key); err != nil {
		return err
	}
	if err := b.bucket.WriteAll(ctx, objectName(collection, key), value, nil); err != nil {
		return fmt.Errorf("write %s/%s: %w", collection, key, err)
	}
	return nil
}

func (b *Blob) Get(ctx context.Context, collection, key string) ([]byte, bool, error) {
	value, err := b.bucket.ReadAll(ctx, objectName(collection, key))
	if isNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s/%s: %w", collection, key, err)
	}
	return value, true, nil
}

func (b *Blob) Delete(ctx context.Context, collection, key string) error {
	err := b.bucket.Delete(ctx, objectName(collection, key))
	if err != nil && !isNotExist(err) {
		return fmt.Errorf("delete %s/%s: %w", collection, key, err)
	}
	return nil
}

// GetAll lists the collection prefix. Listing order is the bucket's, which
// for the supported drivers is lexicographic by key.
func (b *Blob) GetAll(ctx context.Context, collection string) ([]Record, error) {
	prefix := collection + "/"
	iter := b.bucket.List(&blob.ListOptions{Prefix: prefix})

	var records []Record
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", collection, err)
		}
		if obj.IsDir {
			continue
		}
		key, err := url.PathUnescape(obj.Key[len(prefix):])
		if err != nil {
			return nil, fmt.Errorf("decode key %q: %w", obj.Key, err)
		}
		value, err := b.bucket.ReadAll(ctx, obj.Key)
		if isNotExist(err) {
			// Deleted between list and read.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", obj.Key, err)
		}
		records = append(records, Record{Key: key, Value: value})
	}
}

func (b *Blob) Close() error {
	return b.bucket.Close()
}

func isNotExist(err error) bool {
	return err != nil && gcerrors.Code(err) == gcerrors.NotFound
}
