package rangefetch

import (
	"errors"
	"fmt"
)

// ErrInvalidRangeSize is returned by Partition for range sizes below one byte.
var ErrInvalidRangeSize = errors.New("rangefetch: range size must be at least 1 byte")

// Range is one byte range of an object. Start and End are inclusive, like the
// HTTP Range header.
type Range struct {
	Start int64
	End   int64
	Index int
}

// Len returns the number of bytes in the range.
func (r Range) Len() int64 {
	return r.End - r.Start + 1
}

// Header returns the Range header value for r.
func (r Range) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// Partition splits [0, size) into contiguous ranges of rangeSize bytes. The
// last range is truncated to the object. A zero-byte object has no ranges.
func Partition(size, rangeSize int64) ([]Range, error) {
	if rangeSize < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidRangeSize, rangeSize)
	}
	if size < 0 {
		return nil, fmt.Errorf("rangefetch: object size must not be negative, got %d", size)
	}

	n := (size + rangeSize - 1) / rangeSize
	ranges := make([]Range, 0, n)
	for start, i := int64(0), 0; start < size; start, i = start+rangeSize, i+1 {
		ranges = append(ranges, Range{
			Start: start,
			End:   min(start+rangeSize-1, size-1),
			Index: i,
		})
	}
	return ranges, nil
}
