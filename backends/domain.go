// Package backends holds the per-domain cache adapters that translate cache
// operations onto a persistent kv.Store, and the registry that owns one cache
// per domain.
package backends

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Domain identifies one cached object family. Its string form names the kv
// collections and the persisted cache state.
type Domain string

const (
	Files         Domain = "files"
	FilePreviews  Domain = "file-previews"
	Photos        Domain = "photos"
	PhotoPreviews Domain = "photo-previews"
)

type domainSpec struct {
	capacity int64
	kind     Kind
}

var domainSpecs = map[Domain]domainSpec{
	Files:         {capacity: 450 * humanize.MByte, kind: KindSource},
	FilePreviews:  {capacity: 50 * humanize.MByte, kind: KindPreview},
	Photos:        {capacity: 400 * humanize.MByte, kind: KindSource},
	PhotoPreviews: {capacity: 100 * humanize.MByte, kind: KindPreview},
}

// Domains returns every known domain in a stable order.
func Domains() []Domain {
	return []Domain{Files, FilePreviews, Photos, PhotoPreviews}
}

// ParseDomain validates a domain name.
func ParseDomain(s string) (Domain, error) {
	d := Domain(s)
	if _, ok := domainSpecs[d]; !ok {
		return "", fmt.Errorf("unknown cache domain %q", s)
	}
	return d, nil
}

// Capacity is the default byte budget of the domain's cache.
func (d Domain) Capacity() int64 {
	return domainSpecs[d].capacity
}

// Kind is the BlobEntry variant the domain stores.
func (d Domain) Kind() Kind {
	return domainSpecs[d].kind
}

func (d Domain) metaCollection() string {
	return string(d) + ".meta"
}
