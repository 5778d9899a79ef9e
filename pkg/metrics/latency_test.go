package metrics

import (
	"testing"
	"time"
)

func TestLatencyTracker(t *testing.T) {
	tracker := NewLatencyTracker(0.01)

	operations := []string{OpCacheGet, OpCacheSet, OpRangeFetch, OpPartWrite}

	for _, op := range operations {
		tracker.Record(op, 1*time.Millisecond)
		tracker.Record(op, 5*time.Millisecond)
		tracker.Record(op, 10*time.Millisecond)
		tracker.Record(op, 50*time.Millisecond)
		tracker.Record(op, 100*time.Millisecond)
	}

	for _, op := range operations {
		stats, err := tracker.GetStats(op)
		if err != nil {
			t.Errorf("Failed to get stats for %s: %v", op, err)
			continue
		}

		if stats.Count != 5 {
			t.Errorf("Expected count 5 for %s, got %d", op, stats.Count)
		}

		if stats.Min < 0.9 || stats.Min > 1.1 {
			t.Errorf("Expected min ~1ms for %s, got %.2fms", op, stats.Min)
		}

		if stats.Max < 99 || stats.Max > 101 {
			t.Errorf("Expected max ~100ms for %s, got %.2fms", op, stats.Max)
		}

		if stats.P50 < 5 || stats.P50 > 15 {
			t.Errorf("Expected p50 ~10ms for %s, got %.2fms", op, stats.P50)
		}
	}

	allStats := tracker.GetAllStats()
	if len(allStats) != len(operations) {
		t.Errorf("Expected %d operations in GetAllStats, got %d", len(operations), len(allStats))
	}
	for i := 1; i < len(allStats); i++ {
		if allStats[i-1].Operation > allStats[i].Operation {
			t.Errorf("GetAllStats not sorted: %s before %s", allStats[i-1].Operation, allStats[i].Operation)
		}
	}

	if _, err := tracker.GetStats("nonexistent"); err == nil {
		t.Error("Expected error for non-existent operation, got nil")
	}
}

func TestLatencyTrackerRecordFunc(t *testing.T) {
	tracker := NewLatencyTracker(0.01)

	err := tracker.RecordFunc(OpDownload, func() error {
		time.Sleep(10 * time.Millisecond)
		return nil
	})
	if err != nil {
		t.Errorf("RecordFunc returned error: %v", err)
	}

	stats, err := tracker.GetStats(OpDownload)
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.Count != 1 {
		t.Errorf("Expected count 1, got %d", stats.Count)
	}
	if stats.Min < 9 {
		t.Errorf("Expected min >= 9ms, got %.2fms", stats.Min)
	}
}

func TestNilLatencyTracker(t *testing.T) {
	var tracker *LatencyTracker
	// Must not panic.
	tracker.Record(OpCacheGet, time.Millisecond)
	tracker.Since(OpCacheGet, time.Now())
}

func TestStatsString(t *testing.T) {
	stats := Stats{
		Operation: "range_fetch",
		Count:     100,
		Min:       1.5,
		P50:       10.2,
		P90:       50.7,
		P99:       99.1,
		Max:       120.5,
	}

	expected := "  range_fetch (n=100): min=1.50ms p50=10.20ms p90=50.70ms p99=99.10ms max=120.50ms"
	if str := stats.String(); str != expected {
		t.Errorf("Expected:\n%s\nGot:\n%s", expected, str)
	}

	emptyStats := Stats{Operation: "empty_op"}
	if got := emptyStats.String(); got != "  empty_op: no data" {
		t.Errorf("Expected:\n  empty_op: no data\nGot:\n%s", got)
	}
}

func BenchmarkLatencyTrackerRecord(b *testing.B) {
	tracker := NewLatencyTracker(0.01)
	duration := 10 * time.Millisecond

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tracker.Record(OpRangeFetch, duration)
	}
}
