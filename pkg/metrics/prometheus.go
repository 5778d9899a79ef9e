package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CacheMetrics exposes bounded-cache bookkeeping as prometheus collectors.
// All methods are safe on a nil receiver.
type CacheMetrics struct {
	hits      *prometheus.CounterVec
	misses    *prometheus.CounterVec
	evictions *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	bytes     *prometheus.GaugeVec
	entries   *prometheus.GaugeVec
}

// NewCacheMetrics creates cache collectors and registers them on reg.
func NewCacheMetrics(reg prometheus.Registerer) (*CacheMetrics, error) {
	m := &CacheMetrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetchcache_cache_hits_total",
			Help: "Cache lookups answered from the backend",
		}, []string{"cache"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetchcache_cache_misses_total",
			Help: "Cache lookups that found nothing",
		}, []string{"cache"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetchcache_cache_evictions_total",
			Help: "Entries evicted to stay under capacity",
		}, []string{"cache"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetchcache_cache_rejected_total",
			Help: "Entries rejected because they were larger than the cache",
		}, []string{"cache"}),
		bytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fetchcache_cache_bytes",
			Help: "Bytes accounted to the cache",
		}, []string{"cache"}),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fetchcache_cache_entries",
			Help: "Keys tracked in the cache recency order",
		}, []string{"cache"}),
	}
	for _, c := range []prometheus.Collector{m.hits, m.misses, m.evictions, m.rejected, m.bytes, m.entries} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *CacheMetrics) Hit(cache string) {
	if m != nil {
		m.hits.WithLabelValues(cache).Inc()
	}
}

func (m *CacheMetrics) Miss(cache string) {
	if m != nil {
		m.misses.WithLabelValues(cache).Inc()
	}
}

func (m *CacheMetrics) Evicted(cache string) {
	if m != nil {
		m.evictions.WithLabelValues(cache).Inc()
	}
}

func (m *CacheMetrics) Rejected(cache string) {
	if m != nil {
		m.rejected.WithLabelValues(cache).Inc()
	}
}

// Size publishes the current bookkeeping totals.
func (m *CacheMetrics) Size(cache string, bytes int64, entries int) {
	if m != nil {
		m.bytes.WithLabelValues(cache).Set(float64(bytes))
		m.entries.WithLabelValues(cache).Set(float64(entries))
	}
}

// FetchMetrics exposes range downloader activity. Safe on a nil receiver.
type FetchMetrics struct {
	ranges    prometheus.Counter
	failures  prometheus.Counter
	bytes     prometheus.Counter
	downloads *prometheus.CounterVec
}

// NewFetchMetrics creates downloader collectors and registers them on reg.
func NewFetchMetrics(reg prometheus.Registerer) (*FetchMetrics, error) {
	m := &FetchMetrics{
		ranges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetchcache_ranges_fetched_total",
			Help: "Byte ranges fetched successfully",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetchcache_range_attempts_failed_total",
			Help: "Range fetch attempts that failed and were retried or gave up",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fetchcache_range_bytes_total",
			Help: "Bytes received from range requests",
		}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fetchcache_downloads_total",
			Help: "Object downloads by outcome",
		}, []string{"outcome"}),
	}
	for _, c := range []prometheus.Collector{m.ranges, m.failures, m.bytes, m.downloads} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *FetchMetrics) RangeFetched(n int) {
	if m != nil {
		m.ranges.Inc()
		m.bytes.Add(float64(n))
	}
}

func (m *FetchMetrics) AttemptFailed() {
	if m != nil {
		m.failures.Inc()
	}
}

// Download records a finished download; outcome is "ok", "failed" or "aborted".
func (m *FetchMetrics) Download(outcome string) {
	if m != nil {
		m.downloads.WithLabelValues(outcome).Inc()
	}
}
