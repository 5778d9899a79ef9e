package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/richardartoul/fetchcache/backends"
	"github.com/richardartoul/fetchcache/internal/config"
	"github.com/richardartoul/fetchcache/pkg/kv"
	"github.com/richardartoul/fetchcache/pkg/locking"
	"github.com/richardartoul/fetchcache/pkg/metrics"
)

// commonFlags are accepted by every command.
type commonFlags struct {
	configPath string
	kvURL      string
	debug      bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&c.kvURL, "kv", "", "Cache store URL (mem://, sqlite:///path, redis://host, file:///dir, s3://bucket)")
	fs.BoolVar(&c.debug, "debug", false, "Enable debug logging")
}

// load layers defaults, the config file, FETCHCACHE_ variables and flags.
func (c *commonFlags) load(flags config.Config) (config.Config, error) {
	cfg := config.Default()
	if c.configPath != "" {
		var err error
		cfg, err = config.LoadFromFile(c.configPath)
		if err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}

	flags.KVURL = c.kvURL
	flags.Debug = c.debug
	cfg = cfg.Merge(flags)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openRegistry opens the cache store and builds the domain caches on it. An
// unreachable store degrades to caches that always miss.
func openRegistry(ctx context.Context, cfg config.Config, logger *slog.Logger, reg prometheus.Registerer, latency *metrics.LatencyTracker) (*backends.Registry, error) {
	store, err := kv.Open(ctx, cfg.KVURL)
	if err != nil {
		logger.Warn("cache store unavailable, caching disabled", "url", cfg.KVURL, "error", err)
	}

	opts := []backends.RegistryOption{
		backends.WithLogger(logger),
		backends.WithLatencyTracker(latency),
		backends.WithDebug(cfg.Debug),
	}
	if cfg.LockDir != "" && !kv.IsUnavailable(store) {
		locks, err := locking.NewFileLock(cfg.LockDir)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("create lock dir: %w", err)
		}
		opts = append(opts, backends.WithLockGroup(locks))
	}
	if reg != nil {
		m, err := metrics.NewCacheMetrics(reg)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("register cache metrics: %w", err)
		}
		opts = append(opts, backends.WithMetrics(m))
	}
	for d, n := range cfg.Capacities {
		opts = append(opts, backends.WithCapacity(d, n))
	}
	return backends.NewRegistry(store, opts...), nil
}
