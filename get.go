package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/richardartoul/fetchcache/backends"
	"github.com/richardartoul/fetchcache/internal/config"
	"github.com/richardartoul/fetchcache/pkg/metrics"
	"github.com/richardartoul/fetchcache/pkg/orchestrator"
	"github.com/richardartoul/fetchcache/pkg/partstore"
	"github.com/richardartoul/fetchcache/pkg/rangefetch"
	"github.com/richardartoul/fetchcache/pkg/relay"
	"github.com/richardartoul/fetchcache/pkg/resolve"
)

type getOptions struct {
	urls      []string
	name      string
	size      int64
	dir       string
	relayURL  string
	domain    string
	key       string
	blob      bool
	progress  bool
	rangeSize string
	metrics   string
}

func runGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ExitOnError)

	var common commonFlags
	common.register(fs)
	var opts getOptions
	fs.StringVar(&opts.name, "name", "", "File name to save as (default: last element of the URL path)")
	fs.Int64Var(&opts.size, "size", 0, "Object size in bytes (default: ask the server)")
	fs.StringVar(&opts.dir, "dir", "", "Directory to save into when no relay is given")
	fs.StringVar(&opts.relayURL, "relay", "", "Websocket URL of a remote save endpoint")
	fs.StringVar(&opts.domain, "domain", string(backends.Files), "Cache domain, empty to bypass the cache")
	fs.StringVar(&opts.key, "key", "", "Cache key (default: the first URL)")
	fs.BoolVar(&opts.blob, "blob", false, "Buffer the whole object before saving and keep it in the cache")
	fs.BoolVar(&opts.progress, "progress", false, "Report download progress")
	fs.StringVar(&opts.rangeSize, "range-size", "", "Bytes per range request, e.g. 8MB")
	fs.StringVar(&opts.metrics, "metrics", "", "Write download and cache metrics in Prometheus text format to this file, - for stdout")
	concurrency := fs.Int("concurrency", 0, "Number of ranges fetched at once")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: fetchcache get [options] <url> [<url>...]

Download an object with parallel HTTP range requests and save it through the
relay. Several URLs for the same object are tried in rotation. s3://bucket/key
URLs are presigned with the default AWS credential chain.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}
	opts.urls = fs.Args()
	if len(opts.urls) == 0 {
		fmt.Fprintln(os.Stderr, "Error: at least one URL is required")
		fs.Usage()
		return ExitInvalidArgs
	}

	flags := config.Config{Download: config.DownloadConfig{Concurrency: *concurrency}}
	if opts.rangeSize != "" {
		size, err := config.ParseBytes(opts.rangeSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid -range-size: %v\n", err)
			return ExitInvalidArgs
		}
		flags.Download.RangeSize = size
	}
	if opts.dir != "" {
		flags.Relay.Dir = opts.dir
	}
	cfg, err := common.load(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return get(ctx, cfg, opts, newLogger(cfg.Debug))
}

func get(ctx context.Context, cfg config.Config, opts getOptions, logger *slog.Logger) int {
	latency := metrics.NewLatencyTracker(0.01)
	reg := prometheus.NewRegistry()
	if opts.metrics != "" {
		defer func() {
			if err := writeMetrics(opts.metrics, reg); err != nil {
				logger.Warn("failed to write metrics", "path", opts.metrics, "error", err)
			}
		}()
	}
	fetchMetrics, err := metrics.NewFetchMetrics(reg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: register fetch metrics: %v\n", err)
		return ExitGeneralError
	}

	registry, err := openRegistry(ctx, cfg, logger, reg, latency)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	defer registry.Close()

	parts, err := partstore.Open(ctx, cfg.PartsURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: open part store: %v\n", err)
		return ExitStorageError
	}
	defer parts.Close()

	downloader := rangefetch.New(rangefetch.Options{
		Concurrency: cfg.Download.Concurrency,
		RetryLimit:  cfg.Download.RetryLimit,
		Timeout:     cfg.Download.Timeout,
		Parts:       parts,
		Logger:      logger,
		Metrics:     fetchMetrics,
		Latency:     latency,
	})

	src, err := newSource(ctx, cfg, opts.urls)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	desc := orchestrator.Descriptor{
		ID:       opts.urls[0],
		Name:     opts.name,
		Size:     opts.size,
		CacheKey: opts.key,
	}
	if desc.Name == "" {
		desc.Name = nameFromURL(opts.urls[0])
	}
	if opts.domain != "" {
		d, err := backends.ParseDomain(opts.domain)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitInvalidArgs
		}
		desc.Domain = d
	}
	if desc.Size == 0 {
		info, err := src.stat(ctx, http.DefaultClient)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitSourceError
		}
		desc.Size = info.Size
		if !info.AcceptsRanges {
			logger.Warn("server does not advertise range support", "url", opts.urls[0])
		}
	}

	var dial relay.Dialer
	if opts.relayURL != "" {
		dial = relay.DialWebSocket(opts.relayURL, nil)
	} else {
		saver, err := relay.NewDirSaver(cfg.Relay.Dir, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitStorageError
		}
		dial = relay.NewPipe(relay.NewEndpoint(saver, relay.WithEndpointLogger(logger)))
	}
	r := relay.New(dial,
		relay.WithLogger(logger),
		relay.WithCloseTimeout(cfg.Relay.CloseTimeout),
		relay.WithTrigger(func(u string) {
			logger.Info("saved object is available", "url", u)
		}),
	)
	defer r.Close()

	sink, err := r.CreateWriteStream(ctx, desc.Name, relay.WithSize(desc.Size))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: open save stream: %v\n", err)
		return ExitStorageError
	}

	strategy := orchestrator.DeliverChunks
	if opts.blob {
		strategy = orchestrator.DeliverBlob
	}
	orch := orchestrator.New(
		orchestrator.DownloaderSource{
			Downloader: downloader,
			Resolve:    func(orchestrator.Descriptor) rangefetch.URLResolver { return src.resolve },
			RangeSize:  cfg.Download.RangeSize,
		},
		orchestrator.WithStrategy(strategy),
		orchestrator.WithCache(registry),
		orchestrator.WithLogger(logger),
		orchestrator.WithLatencyTracker(latency),
	)

	var reporter *progressReporter
	var onProgress func(orchestrator.Progress)
	if opts.progress {
		reporter = &progressReporter{}
		onProgress = reporter.update
	}

	start := time.Now()
	run := orch.Go(ctx, desc, orchestrator.SinkCallbacks(sink, onProgress))
	if reporter != nil {
		reporter.watch(run.Done(), time.Second, os.Stderr)
	}
	if err := orchestrator.Finish(run, desc.Name, sink); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "[fetchcache] Download aborted")
			return ExitAborted
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitSourceError
	}

	elapsed := time.Since(start)
	fmt.Fprintf(os.Stderr, "[fetchcache] Saved %s (%s) in %s\n",
		desc.Name, humanize.Bytes(uint64(desc.Size)), elapsed.Round(time.Millisecond))
	if cfg.Debug {
		for _, s := range latency.GetAllStats() {
			logger.Debug("latency", "stats", s.String())
		}
	}
	return ExitSuccess
}

// source resolves the object's URLs, presigning s3:// ones.
type source struct {
	urls      []string
	presigner *resolve.S3Presigner
	bucket    string
	key       string
}

func newSource(ctx context.Context, cfg config.Config, urls []string) (*source, error) {
	s := &source{urls: urls}
	u, err := url.Parse(urls[0])
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", urls[0], err)
	}
	if u.Scheme != "s3" {
		return s, nil
	}
	if len(urls) > 1 {
		return nil, errors.New("s3:// sources take a single URL")
	}

	s.bucket = u.Host
	s.key = strings.TrimPrefix(u.Path, "/")
	s.presigner, err = resolve.NewS3Presigner(ctx, resolve.S3Config{
		Region:       cfg.S3.Region,
		Endpoint:     cfg.S3.Endpoint,
		UsePathStyle: cfg.S3.PathStyle,
		Expires:      cfg.S3.Expires,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *source) resolve(ctx context.Context) ([]string, error) {
	if s.presigner != nil {
		return s.presigner.Resolver(s.bucket, s.key)(ctx)
	}
	return resolve.Static(s.urls...)(ctx)
}

func (s *source) stat(ctx context.Context, client *http.Client) (resolve.ObjectInfo, error) {
	if s.presigner != nil {
		return s.presigner.Stat(ctx, client, s.bucket, s.key)
	}
	return resolve.Stat(ctx, client, s.urls[0])
}

func nameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" || strings.HasSuffix(u.Path, "/") {
		return "download.bin"
	}
	return path.Base(u.Path)
}

// progressReporter keeps the latest progress of a running download.
type progressReporter struct {
	mu   sync.Mutex
	last orchestrator.Progress
}

func (p *progressReporter) update(pr orchestrator.Progress) {
	p.mu.Lock()
	p.last = pr
	p.mu.Unlock()
}

// watch prints the latest progress every interval until done is closed, and
// once more at the end.
func (p *progressReporter) watch(done <-chan struct{}, interval time.Duration, w io.Writer) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			p.print(w)
			return
		case <-ticker.C:
			p.print(w)
		}
	}
}

func (p *progressReporter) print(w io.Writer) {
	p.mu.Lock()
	pr := p.last
	p.mu.Unlock()

	pct := 100.0
	if pr.Total > 0 {
		pct = float64(pr.Loaded) / float64(pr.Total) * 100
	}
	fmt.Fprintf(w, "[fetchcache] %s / %s (%.1f%%)\n",
		humanize.Bytes(uint64(pr.Loaded)), humanize.Bytes(uint64(pr.Total)), pct)
}

// writeMetrics dumps everything gathered by g in the Prometheus text format.
func writeMetrics(path string, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	if path == "-" {
		_, err := os.Stdout.Write(buf.Bytes())
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
