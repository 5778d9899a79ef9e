// Package partstore holds the fetched byte ranges of in-flight downloads until
// they are consumed in order.
package partstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
)

// ErrNotFound is returned by Get for a part that was never stored or was
// already deleted.
var ErrNotFound = errors.New("partstore: part not found")

// Store keeps parts keyed by download id and range index.
type Store interface {
	Put(ctx context.Context, id string, index int, data []byte) error
	Get(ctx context.Context, id string, index int) ([]byte, error)
	Delete(ctx context.Context, id string, index int) error
	// DeleteAll removes every part of a download.
	DeleteAll(ctx context.Context, id string) error
}

// Blob is a Store over a gocloud.dev bucket. Parts are stored as
// <id>/part-NNNNNN.
type Blob struct {
	bucket *blob.Bucket
}

var _ Store = (*Blob)(nil)

func NewBlob(bucket *blob.Bucket) *Blob {
	return &Blob{bucket: bucket}
}

// NewMemory returns a Blob store over an in-memory bucket.
func NewMemory() *Blob {
	return NewBlob(memblob.OpenBucket(nil))
}

// Open opens a part store from a bucket URL such as mem:// or file:///tmp/parts.
// The directory of a file:// bucket is created if needed.
func Open(ctx context.Context, bucketURL string) (*Blob, error) {
	if u, err := url.Parse(bucketURL); err == nil && u.Scheme == "file" {
		if err := os.MkdirAll(filepath.FromSlash(u.Path), 0o755); err != nil {
			return nil, fmt.Errorf("partstore: create bucket directory: %w", err)
		}
	}
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("partstore: open bucket: %w", err)
	}
	return NewBlob(bucket), nil
}

func partKey(id string, index int) string {
	return fmt.Sprintf("%s/part-%06d", id, index)
}

func (b *Blob) Put(ctx context.Context, id string, index int, data []byte) error {
	if err := b.bucket.WriteAll(ctx, partKey(id, index), data, nil); err != nil {
		return fmt.Errorf("partstore: write part %d: %w", index, err)
	}
	return nil
}

func (b *Blob) Get(ctx context.Context, id string, index int) ([]byte, error) {
	data, err := b.bucket.ReadAll(ctx, partKey(id, index))
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, partKey(id, index))
		}
		return nil, fmt.Errorf("partstore: read part %d: %w", index, err)
	}
	return data, nil
}

func (b *Blob) Delete(ctx context.Context, id string, index int) error {
	if err := b.bucket.Delete(ctx, partKey(id, index)); err != nil && !isNotExist(err) {
		return fmt.Errorf("partstore: delete part %d: %w", index, err)
	}
	return nil
}

func (b *Blob) DeleteAll(ctx context.Context, id string) error {
	iter := b.bucket.List(&blob.ListOptions{Prefix: id + "/"})
	var errs []error
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("partstore: list parts: %w", err))
			break
		}
		if err := b.bucket.Delete(ctx, obj.Key); err != nil && !isNotExist(err) {
			errs = append(errs, fmt.Errorf("partstore: delete %s: %w", obj.Key, err))
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of parts stored for id.
func (b *Blob) Count(ctx context.Context, id string) (int, error) {
	iter := b.bucket.List(&blob.ListOptions{Prefix: id + "/"})
	n := 0
	for {
		_, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

func (b *Blob) Close() error {
	return b.bucket.Close()
}

func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
