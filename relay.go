package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/richardartoul/fetchcache/backends"
	"github.com/richardartoul/fetchcache/internal/config"
	"github.com/richardartoul/fetchcache/pkg/metrics"
	"github.com/richardartoul/fetchcache/pkg/relay"
)

func runRelay(args []string) int {
	fs := flag.NewFlagSet("relay", flag.ExitOnError)

	var common commonFlags
	common.register(fs)
	listen := fs.String("listen", "", "Address to serve the websocket endpoint and /metrics on")
	dir := fs.String("dir", "", "Directory saved objects are written to")
	stdio := fs.Bool("stdio", false, "Serve a single client over stdin/stdout instead of HTTP")
	publicURL := fs.String("public-url", "", "Base URL saved files are reachable under, reported to clients")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: fetchcache relay [options]

Serve the save endpoint. Clients announce a file, stream its bytes and get an
acknowledgement once it is committed to disk.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	cfg, err := common.load(config.Config{Relay: config.RelayConfig{Listen: *listen, Dir: *dir}})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	logger := newLogger(cfg.Debug)

	saver, err := relay.NewDirSaver(cfg.Relay.Dir, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	opts := []relay.EndpointOption{relay.WithEndpointLogger(logger)}
	if *publicURL != "" {
		base := *publicURL
		opts = append(opts, relay.WithDownloadURL(func(_, name string) string {
			u, err := url.JoinPath(base, name)
			if err != nil {
				return ""
			}
			return u
		}))
	}
	endpoint := relay.NewEndpoint(saver, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *stdio {
		if err := endpoint.ServeStream(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("stdio relay failed", "error", err)
			return ExitGeneralError
		}
		return ExitSuccess
	}

	// The relay shares the cache store with get; its /metrics reports the
	// domain caches as the last writer left them.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry, err := openRegistry(ctx, cfg, logger, reg, metrics.NewLatencyTracker(0.01))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	defer registry.Close()

	if err := serveRelay(ctx, cfg.Relay.Listen, relayHandler(endpoint, reg, registry), logger); err != nil {
		logger.Error("relay server failed", "error", err)
		return ExitGeneralError
	}
	return ExitSuccess
}

// relayHandler routes the websocket endpoint and the metrics of reg. The cache
// gauges of registry, if set, are refreshed before every scrape.
func relayHandler(endpoint http.Handler, reg *prometheus.Registry, registry *backends.Registry) http.Handler {
	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	mux := http.NewServeMux()
	mux.Handle("/relay", endpoint)
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if registry != nil {
			if _, err := registry.Stats(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		metricsHandler.ServeHTTP(w, r)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func serveRelay(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
