package backends

import "fmt"

// Kind tags which field of a BlobEntry is populated.
type Kind string

const (
	KindSource  Kind = "source"
	KindPreview Kind = "preview"
)

// BlobEntry is a cached object payload. Exactly one of Source or Preview is
// set, depending on the domain it was stored under.
type BlobEntry struct {
	Source  []byte
	Preview []byte
}

// NewEntry wraps data as the given variant.
func NewEntry(kind Kind, data []byte) (BlobEntry, error) {
	switch kind {
	case KindSource:
		return BlobEntry{Source: data}, nil
	case KindPreview:
		return BlobEntry{Preview: data}, nil
	default:
		return BlobEntry{}, fmt.Errorf("unknown entry kind %q", kind)
	}
}

func (e BlobEntry) HasSource() bool { return e.Source != nil }

func (e BlobEntry) HasPreview() bool { return e.Preview != nil }

// Payload returns the bytes of the requested variant.
func (e BlobEntry) Payload(kind Kind) ([]byte, bool) {
	switch kind {
	case KindSource:
		return e.Source, e.HasSource()
	case KindPreview:
		return e.Preview, e.HasPreview()
	}
	return nil, false
}
