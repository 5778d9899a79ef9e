package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/richardartoul/fetchcache/backends"
	"github.com/richardartoul/fetchcache/internal/config"
	"github.com/richardartoul/fetchcache/pkg/metrics"
)

func runCache(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: fetchcache cache <stats|clear> [options]")
		return ExitInvalidArgs
	}
	action := args[0]

	fs := flag.NewFlagSet("cache "+action, flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	domain := fs.String("domain", "", "Domain to clear (default: all)")

	if err := fs.Parse(args[1:]); err != nil {
		return ExitInvalidArgs
	}
	cfg, err := common.load(config.Config{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	ctx := context.Background()
	registry, err := openRegistry(ctx, cfg, newLogger(cfg.Debug), nil, metrics.NewLatencyTracker(0.01))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	defer registry.Close()

	switch action {
	case "stats":
		if err := printStats(ctx, os.Stdout, registry); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitStorageError
		}
		return ExitSuccess
	case "clear":
		domains := backends.Domains()
		if *domain != "" {
			d, err := backends.ParseDomain(*domain)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return ExitInvalidArgs
			}
			domains = []backends.Domain{d}
		}
		for _, d := range domains {
			if err := registry.Clear(ctx, d); err != nil {
				fmt.Fprintf(os.Stderr, "Error: clear %s: %v\n", d, err)
				return ExitStorageError
			}
			fmt.Fprintf(os.Stderr, "[fetchcache] Cleared %s\n", d)
		}
		return ExitSuccess
	default:
		fmt.Fprintf(os.Stderr, "Unknown cache action: %s\n", action)
		return ExitInvalidArgs
	}
}

func printStats(ctx context.Context, w io.Writer, registry *backends.Registry) error {
	stats, err := registry.Stats(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DOMAIN\tENTRIES\tSIZE\tCAPACITY\tUSED")
	for _, s := range stats {
		used := 0.0
		if s.Capacity > 0 {
			used = float64(s.TotalSize) / float64(s.Capacity) * 100
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%.1f%%\n",
			s.Domain, s.Entries, humanize.Bytes(uint64(s.TotalSize)), humanize.Bytes(uint64(s.Capacity)), used)
	}
	return tw.Flush()
}
