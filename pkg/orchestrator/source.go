package orchestrator

import (
	"context"
	"fmt"

	"github.com/richardartoul/fetchcache/pkg/rangefetch"
)

// DownloaderSource opens objects with a ranged download. The returned reader
// is the downloader's ordered Sequence, so each part is released as it is
// delivered.
type DownloaderSource struct {
	Downloader *rangefetch.Downloader
	// Resolve returns the URL resolver for an object.
	Resolve func(desc Descriptor) rangefetch.URLResolver
	// RangeSize is the size of each ranged request.
	RangeSize int64
}

func (s DownloaderSource) Open(ctx context.Context, desc Descriptor, progress func(Progress)) (ChunkReader, error) {
	if s.Downloader == nil || s.Resolve == nil {
		return nil, fmt.Errorf("orchestrator: downloader source is not configured")
	}
	seq, err := s.Downloader.Download(ctx, s.Resolve(desc), desc.Size, s.RangeSize,
		rangefetch.WithProgress(func(p rangefetch.Progress) {
			progress(Progress{Loaded: p.BytesFetched, Total: p.TotalBytes})
		}),
	)
	if err != nil {
		return nil, err
	}
	return seq, nil
}
