package rangefetch

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/richardartoul/fetchcache/pkg/partstore"
)

// ErrSequenceClosed is returned by Next after Close.
var ErrSequenceClosed = errors.New("rangefetch: sequence closed")

// Sequence yields the parts of a finished download in index order. Each part
// is deleted from the part store once read. Close releases whatever was not
// read; it must be called on every path, or the sequence drained fully.
type Sequence struct {
	id     string
	size   int64
	total  int
	parts  partstore.Store
	logger *slog.Logger

	mu     sync.Mutex
	next   int
	closed bool
}

// ID returns the download id the parts are stored under.
func (s *Sequence) ID() string { return s.id }

// Size returns the object size in bytes.
func (s *Sequence) Size() int64 { return s.size }

// Len returns the number of parts.
func (s *Sequence) Len() int { return s.total }

// Next returns the next part, or io.EOF after the last one.
func (s *Sequence) Next(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSequenceClosed
	}
	if s.next >= s.total {
		return nil, io.EOF
	}

	data, err := s.parts.Get(ctx, s.id, s.next)
	if err != nil {
		return nil, err
	}
	if err := s.parts.Delete(ctx, s.id, s.next); err != nil {
		s.logger.Warn("failed to delete consumed part", "index", s.next, "error", err)
	}
	s.next++
	return data, nil
}

// Close deletes any unread parts. It is safe to call more than once.
func (s *Sequence) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.next >= s.total {
		return nil
	}
	return s.parts.DeleteAll(context.Background(), s.id)
}

// Chunks ranges over the remaining parts. The sequence is closed when the
// loop ends, whether it ran to completion or not.
func (s *Sequence) Chunks(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		defer s.Close()
		for {
			data, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(data, nil) {
				return
			}
		}
	}
}

// Reader exposes the remaining parts as one stream. Closing the reader
// closes the sequence.
func (s *Sequence) Reader(ctx context.Context) io.ReadCloser {
	return &reader{ctx: ctx, seq: s}
}

type reader struct {
	ctx context.Context
	seq *Sequence
	buf []byte
}

func (r *reader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		data, err := r.seq.Next(r.ctx)
		if err != nil {
			return 0, err
		}
		r.buf = data
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *reader) Close() error {
	return r.seq.Close()
}
