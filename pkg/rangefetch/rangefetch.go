// Package rangefetch downloads large objects with parallel HTTP byte-range
// requests.
//
// Ranges are fetched by a bounded pool and written to a part store as they
// arrive, in whatever order they complete. Once every range is in, the caller
// gets a Sequence that hands the parts back in index order and deletes each
// one after it is read.
//
// A range that fails on every attempt fails the whole download. There is no
// resumption of individual ranges: the pool is torn down and every stored
// part is deleted.
package rangefetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/richardartoul/fetchcache/pkg/metrics"
	"github.com/richardartoul/fetchcache/pkg/partstore"
)

// URLResolver returns the URLs an object can be fetched from. Attempts rotate
// through them.
type URLResolver func(ctx context.Context) ([]string, error)

// Options configures a Downloader.
type Options struct {
	// Concurrency is the number of ranges fetched at once.
	// Default: 6
	Concurrency int

	// RetryLimit is the number of attempts per range.
	// Default: 5
	RetryLimit int

	// Timeout bounds a single attempt.
	// Default: 30s
	Timeout time.Duration

	// HTTPClient performs the range requests. The default disables
	// transparent compression so byte offsets stay meaningful.
	HTTPClient *http.Client

	// Parts holds fetched ranges until they are read.
	// Default: an in-memory bucket.
	Parts partstore.Store

	Logger  *slog.Logger
	Metrics *metrics.FetchMetrics
	Latency *metrics.LatencyTracker
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Concurrency: 6,
		RetryLimit:  5,
		Timeout:     30 * time.Second,
	}
}

// Downloader runs range-parallel downloads. It is safe for concurrent use.
type Downloader struct {
	opts   Options
	client *http.Client
	logger *slog.Logger
}

// New creates a Downloader. Zero fields of opts take their defaults.
func New(opts Options) *Downloader {
	defaults := DefaultOptions()
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaults.Concurrency
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = defaults.RetryLimit
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}
	if opts.Parts == nil {
		opts.Parts = partstore.NewMemory()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	client := opts.HTTPClient
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.MaxIdleConnsPerHost = opts.Concurrency * 2
		transport.DisableCompression = true
		client = &http.Client{Transport: transport}
	}

	return &Downloader{
		opts:   opts,
		client: client,
		logger: opts.Logger,
	}
}

// Progress is reported after every stored range.
type Progress struct {
	BytesFetched int64
	TotalBytes   int64
	RangesDone   int
	RangesTotal  int
}

// DownloadOption configures a single download.
type DownloadOption func(*downloadOptions)

type downloadOptions struct {
	progress func(Progress)
	id       string
}

// WithProgress registers a progress callback. Calls are serialized.
func WithProgress(fn func(Progress)) DownloadOption {
	return func(o *downloadOptions) {
		o.progress = fn
	}
}

// WithDownloadID sets the part store namespace. Default: a random UUID.
func WithDownloadID(id string) DownloadOption {
	return func(o *downloadOptions) {
		o.id = id
	}
}

// Download fetches objectSize bytes in ranges of rangeSize and returns the
// ordered parts. It returns only after every range is stored, or after the
// first range fails for good, in which case no Sequence is returned and the
// stored parts are deleted.
func (d *Downloader) Download(ctx context.Context, resolve URLResolver, objectSize, rangeSize int64, opts ...DownloadOption) (*Sequence, error) {
	o := downloadOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}

	ranges, err := Partition(objectSize, rangeSize)
	if err != nil {
		return nil, err
	}
	urls, err := resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("rangefetch: resolve urls: %w", err)
	}
	if len(urls) == 0 {
		return nil, ErrNoURLs
	}

	logger := d.logger.With("download", o.id)
	logger.Debug("starting download", "size", objectSize, "ranges", len(ranges), "urls", len(urls))
	start := time.Now()

	report := d.progressReporter(o.progress, objectSize, len(ranges))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Concurrency)
	for _, r := range ranges {
		g.Go(func() error {
			data, err := d.fetchRange(gctx, urls, r)
			if err != nil {
				return err
			}

			writeStart := time.Now()
			if err := d.opts.Parts.Put(gctx, o.id, r.Index, data); err != nil {
				return fmt.Errorf("store range %d: %w", r.Index, err)
			}
			d.opts.Latency.Since(metrics.OpPartWrite, writeStart)
			d.opts.Metrics.RangeFetched(len(data))
			report(r.Len())
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if cleanupErr := d.opts.Parts.DeleteAll(context.WithoutCancel(ctx), o.id); cleanupErr != nil {
			logger.Warn("failed to delete parts of failed download", "error", cleanupErr)
		}
		if errors.Is(err, context.Canceled) {
			d.opts.Metrics.Download("aborted")
		} else {
			d.opts.Metrics.Download("failed")
		}
		logger.Debug("download failed", "error", err)
		return nil, err
	}

	d.opts.Metrics.Download("ok")
	d.opts.Latency.Since(metrics.OpDownload, start)
	logger.Debug("download complete", "duration", time.Since(start))

	return &Sequence{
		id:     o.id,
		size:   objectSize,
		total:  len(ranges),
		parts:  d.opts.Parts,
		logger: logger,
	}, nil
}

func (d *Downloader) progressReporter(fn func(Progress), total int64, ranges int) func(n int64) {
	if fn == nil {
		return func(int64) {}
	}
	var (
		mu sync.Mutex
		p  = Progress{TotalBytes: total, RangesTotal: ranges}
	)
	return func(n int64) {
		mu.Lock()
		defer mu.Unlock()
		p.BytesFetched += n
		p.RangesDone++
		fn(p)
	}
}
