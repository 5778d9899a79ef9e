// Package orchestrator drives one object download end to end: consult the
// cache, open the byte source, and deliver the bytes either chunk by chunk or
// as one buffer. Each download ends in exactly one of OnSuccess or OnError.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/richardartoul/fetchcache/backends"
	"github.com/richardartoul/fetchcache/pkg/metrics"
)

// Descriptor identifies the object to download.
type Descriptor struct {
	ID   string
	Name string
	Size int64
	// Domain selects the cache consulted before downloading. Empty skips the
	// cache.
	Domain backends.Domain
	// CacheKey defaults to ID.
	CacheKey string
}

func (d Descriptor) cacheKey() string {
	if d.CacheKey != "" {
		return d.CacheKey
	}
	return d.ID
}

// Progress reports bytes loaded so far.
type Progress struct {
	Loaded int64
	Total  int64
}

// ChunkReader yields decoded chunks in order and io.EOF at the end.
// *rangefetch.Sequence implements it.
type ChunkReader interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Source opens the decoded bytes of an object.
type Source interface {
	Open(ctx context.Context, desc Descriptor, progress func(Progress)) (ChunkReader, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, desc Descriptor, progress func(Progress)) (ChunkReader, error)

func (f SourceFunc) Open(ctx context.Context, desc Descriptor, progress func(Progress)) (ChunkReader, error) {
	return f(ctx, desc, progress)
}

// Callbacks receive the outcome of a download. Any of them may be nil.
// OnChunk and OnBlob own the slices they are given; returning an error from
// them fails the download.
type Callbacks struct {
	OnProgress func(Progress)
	OnSuccess  func()
	OnError    func(ErrorPayload)
	OnChunk    func([]byte) error
	OnBlob     func([]byte) error
}

// DeliveryStrategy chooses how bytes reach the caller.
type DeliveryStrategy int

const (
	// DeliverChunks forwards each chunk as it arrives.
	DeliverChunks DeliveryStrategy = iota
	// DeliverBlob buffers the whole object and hands it over once.
	DeliverBlob
)

func (s DeliveryStrategy) String() string {
	if s == DeliverBlob {
		return "blob"
	}
	return "chunks"
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStrategy fixes the delivery strategy.
func WithStrategy(s DeliveryStrategy) Option {
	return func(o *Orchestrator) {
		o.probe = func() DeliveryStrategy { return s }
	}
}

// WithStrategyProbe picks the strategy per download, e.g. from whether the
// consumer can take a stream at all.
func WithStrategyProbe(fn func() DeliveryStrategy) Option {
	return func(o *Orchestrator) {
		o.probe = fn
	}
}

// WithCache serves cache hits without opening the source, and fills the
// cache from blob downloads.
func WithCache(r *backends.Registry) Option {
	return func(o *Orchestrator) {
		o.cache = r
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

func WithLatencyTracker(lt *metrics.LatencyTracker) Option {
	return func(o *Orchestrator) {
		o.latency = lt
	}
}

// Orchestrator runs downloads. It is safe for concurrent use.
type Orchestrator struct {
	source  Source
	probe   func() DeliveryStrategy
	cache   *backends.Registry
	logger  *slog.Logger
	latency *metrics.LatencyTracker
}

func New(source Source, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		source: source,
		probe:  func() DeliveryStrategy { return DeliverChunks },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// DownloadObject downloads desc and reports through cb. It returns once the
// download finished; cancelling ctx aborts it.
func (o *Orchestrator) DownloadObject(ctx context.Context, desc Descriptor, cb Callbacks) *Run {
	run := newRun()
	o.run(ctx, run, desc, cb, o.probe())
	return run
}

// Go runs DownloadObject on its own goroutine.
func (o *Orchestrator) Go(ctx context.Context, desc Descriptor, cb Callbacks) *Run {
	run := newRun()
	strategy := o.probe()
	go o.run(ctx, run, desc, cb, strategy)
	return run
}

// Sink is the destination Save writes to. *relay.Sink implements it.
type Sink interface {
	io.WriteCloser
	Abort(reason error)
}

// Save writes desc into sink using the orchestrator's delivery strategy. The
// sink is closed when every byte was written and aborted otherwise.
func (o *Orchestrator) Save(ctx context.Context, desc Descriptor, sink Sink, onProgress func(Progress)) error {
	run := o.DownloadObject(ctx, desc, SinkCallbacks(sink, onProgress))
	return Finish(run, desc.Name, sink)
}

// SinkCallbacks returns callbacks that write every delivered byte to sink,
// whichever strategy the run uses.
func SinkCallbacks(sink Sink, onProgress func(Progress)) Callbacks {
	write := func(p []byte) error {
		_, err := sink.Write(p)
		return err
	}
	return Callbacks{
		OnProgress: onProgress,
		OnChunk:    write,
		OnBlob:     write,
	}
}

// Finish waits for run and then settles sink: it is closed if the run
// succeeded and aborted with the run's error otherwise.
func Finish(run *Run, name string, sink Sink) error {
	<-run.Done()
	if err := run.Err(); err != nil {
		sink.Abort(err)
		return err
	}
	if err := sink.Close(); err != nil {
		return fmt.Errorf("finish saving %s: %w", name, err)
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, run *Run, desc Descriptor, cb Callbacks, strategy DeliveryStrategy) {
	start := time.Now()
	logger := o.logger.With("object", desc.ID, "strategy", strategy)

	err := o.download(ctx, run, desc, cb, strategy, logger)
	if err == nil {
		run.succeed(cb)
		o.latency.Since(metrics.OpDownload, start)
		logger.Debug("download succeeded", "duration", time.Since(start))
		return
	}

	aborted := ctx.Err() != nil
	if aborted && !errors.Is(err, ctx.Err()) {
		// The failure raced with cancellation; report the cancellation.
		err = fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	run.fail(cb, err, aborted)
	if aborted {
		logger.Debug("download aborted", "error", err)
	} else {
		logger.Warn("download failed", "error", err)
	}
}

func (o *Orchestrator) download(ctx context.Context, run *Run, desc Descriptor, cb Callbacks, strategy DeliveryStrategy, logger *slog.Logger) error {
	run.setState(StateFetching)

	cache := o.domainCache(ctx, desc, logger)
	if cache != nil {
		if data, ok := cache.Get(ctx, desc.cacheKey()); ok {
			logger.Debug("serving object from cache", "bytes", len(data))
			return o.deliverCached(ctx, run, data, cb, strategy)
		}
	}

	progress := func(p Progress) {
		if cb.OnProgress != nil {
			cb.OnProgress(p)
		}
	}
	reader, err := o.source.Open(ctx, desc, progress)
	if err != nil {
		return err
	}
	defer func() {
		if err := reader.Close(); err != nil {
			logger.Warn("failed to release chunk reader", "error", err)
		}
	}()

	if strategy == DeliverBlob {
		run.setState(StateBuffering)
		var buf bytes.Buffer
		if desc.Size > 0 {
			buf.Grow(int(desc.Size))
		}
		if err := drain(ctx, reader, func(chunk []byte) error {
			buf.Write(chunk)
			return nil
		}); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		data := buf.Bytes()
		if cache != nil {
			if err := cache.Set(ctx, desc.cacheKey(), data, int64(len(data))); err != nil {
				logger.Debug("object not cached", "error", err)
			}
		}
		return deliverBlob(cb, data)
	}

	run.setState(StateStreaming)
	return drain(ctx, reader, func(chunk []byte) error {
		if cb.OnChunk == nil {
			return nil
		}
		return cb.OnChunk(chunk)
	})
}

func (o *Orchestrator) domainCache(ctx context.Context, desc Descriptor, logger *slog.Logger) *backends.Cache {
	if o.cache == nil || desc.Domain == "" {
		return nil
	}
	c, err := o.cache.Cache(ctx, desc.Domain)
	if err != nil {
		logger.Warn("cache unavailable, downloading", "domain", desc.Domain, "error", err)
		return nil
	}
	return c
}

func (o *Orchestrator) deliverCached(ctx context.Context, run *Run, data []byte, cb Callbacks, strategy DeliveryStrategy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cb.OnProgress != nil {
		cb.OnProgress(Progress{Loaded: int64(len(data)), Total: int64(len(data))})
	}
	if strategy == DeliverBlob {
		run.setState(StateBuffering)
		return deliverBlob(cb, data)
	}
	run.setState(StateStreaming)
	if cb.OnChunk == nil {
		return nil
	}
	return cb.OnChunk(data)
}

func deliverBlob(cb Callbacks, data []byte) error {
	if cb.OnBlob == nil {
		return nil
	}
	if err := cb.OnBlob(data); err != nil {
		return fmt.Errorf("deliver blob: %w", err)
	}
	return nil
}

// drain feeds every chunk to fn, checking for cancellation between chunks.
func drain(ctx context.Context, r ChunkReader, fn func([]byte) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(chunk); err != nil {
			return fmt.Errorf("deliver chunk: %w", err)
		}
	}
}

// State is the lifecycle of one download.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateStreaming
	StateBuffering
	StateSucceeded
	StateFailed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateStreaming:
		return "streaming"
	case StateBuffering:
		return "buffering"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Run tracks one download.
type Run struct {
	mu      sync.Mutex
	state   State
	err     error
	payload *ErrorPayload

	once sync.Once
	done chan struct{}
}

func newRun() *Run {
	return &Run{done: make(chan struct{})}
}

func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the failure, or nil if the download succeeded or is running.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Payload returns what was passed to OnError, if anything.
func (r *Run) Payload() (ErrorPayload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.payload == nil {
		return ErrorPayload{}, false
	}
	return *r.payload, true
}

// Done is closed when the download finished.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

func (r *Run) succeed(cb Callbacks) {
	r.once.Do(func() {
		r.setState(StateSucceeded)
		if cb.OnSuccess != nil {
			cb.OnSuccess()
		}
		close(r.done)
	})
}

func (r *Run) fail(cb Callbacks, err error, aborted bool) {
	r.once.Do(func() {
		payload := newErrorPayload(err, aborted)
		r.mu.Lock()
		r.err = err
		r.payload = &payload
		r.state = StateFailed
		if aborted {
			r.state = StateAborted
		}
		r.mu.Unlock()

		if cb.OnError != nil {
			cb.OnError(payload)
		}
		close(r.done)
	})
}
