// Package resolve turns object references into URLs the range downloader can
// fetch.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/richardartoul/fetchcache/pkg/rangefetch"
)

// Static always resolves to urls.
func Static(urls ...string) rangefetch.URLResolver {
	return func(context.Context) ([]string, error) {
		if len(urls) == 0 {
			return nil, rangefetch.ErrNoURLs
		}
		return append([]string(nil), urls...), nil
	}
}

// ObjectInfo is what a HEAD request tells about an object.
type ObjectInfo struct {
	Size          int64
	ETag          string
	AcceptsRanges bool
}

var ErrUnknownSize = errors.New("resolve: server did not report a content length")

// Stat issues a HEAD request for url. A nil client uses http.DefaultClient.
func Stat(ctx context.Context, client *http.Client, url string) (ObjectInfo, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("head request: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ObjectInfo{}, fmt.Errorf("head request: unexpected status %s", resp.Status)
	}
	if resp.ContentLength < 0 {
		return ObjectInfo{}, ErrUnknownSize
	}
	return ObjectInfo{
		Size:          resp.ContentLength,
		ETag:          strings.Trim(strings.TrimPrefix(resp.Header.Get("ETag"), "W/"), `"`),
		AcceptsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
	}, nil
}
