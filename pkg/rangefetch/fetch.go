package rangefetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/richardartoul/fetchcache/pkg/metrics"
)

// fetchRange fetches r, rotating through urls on each attempt. Retries are
// immediate.
func (d *Downloader) fetchRange(ctx context.Context, urls []string, r Range) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < d.opts.RetryLimit; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		url := urls[(r.Index+attempt)%len(urls)]
		start := time.Now()
		data, err := d.fetchOnce(ctx, url, r)
		if err == nil {
			d.opts.Latency.Since(metrics.OpRangeFetch, start)
			return data, nil
		}
		if ctx.Err() != nil {
			// Cancelled from outside, or another range already failed.
			return nil, ctx.Err()
		}

		d.opts.Metrics.AttemptFailed()
		if !retryable(err) {
			return nil, &RangeError{Index: r.Index, Attempts: attempt + 1, Err: err}
		}
		d.logger.Debug("range attempt failed",
			"index", r.Index, "attempt", attempt+1, "url", redact(url), "error", err)
		lastErr = err
	}
	return nil, &RangeError{
		Index:    r.Index,
		Attempts: d.opts.RetryLimit,
		Err:      fmt.Errorf("%w: %w", ErrMaxRetriesReached, lastErr),
	}
}

func (d *Downloader) fetchOnce(ctx context.Context, url string, r Range) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Range", r.Header())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		start, end, _, err := ParseContentRange(cr)
		if err != nil {
			return nil, err
		}
		if start != r.Start || end != r.End {
			return nil, fmt.Errorf("%w: asked for %d-%d, got %d-%d", ErrShortRange, r.Start, r.End, start, end)
		}
	}

	want := r.Len()
	data, err := io.ReadAll(io.LimitReader(resp.Body, want+1))
	if err != nil {
		return nil, fmt.Errorf("read range body: %w", err)
	}
	if int64(len(data)) != want {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrShortRange, want, len(data))
	}
	return data, nil
}

// ParseContentRange parses a Content-Range header value.
// Returns start, end, total bytes. Total is -1 if unknown.
func ParseContentRange(header string) (start, end, total int64, err error) {
	// bytes start-end/total or bytes start-end/*
	spec, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}
	span, size, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}
	first, last, ok := strings.Cut(span, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}
	if end, err = strconv.ParseInt(last, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}
	if size == "*" {
		return start, end, -1, nil
	}
	if total, err = strconv.ParseInt(size, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
	}
	return start, end, total, nil
}

// redact drops the query string, which for presigned URLs carries credentials.
func redact(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i] + "?..."
	}
	return url
}
