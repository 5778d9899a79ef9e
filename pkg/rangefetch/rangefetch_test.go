package rangefetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardartoul/fetchcache/pkg/metrics"
	"github.com/richardartoul/fetchcache/pkg/partstore"
)

func testData(n int) []byte {
	data := make([]byte, n)
	rng := rand.New(rand.NewPCG(7, 11))
	for i := range data {
		data[i] = byte(rng.IntN(256))
	}
	return data
}

// rangeServer serves data honoring Range headers.
func rangeServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "object", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func static(urls ...string) URLResolver {
	return func(context.Context) ([]string, error) { return urls, nil }
}

func drain(t *testing.T, seq *Sequence) []byte {
	t.Helper()
	var out []byte
	for chunk, err := range seq.Chunks(context.Background()) {
		require.NoError(t, err)
		out = append(out, chunk...)
	}
	return out
}

func TestPartition(t *testing.T) {
	tests := []struct {
		name      string
		size      int64
		rangeSize int64
		want      []Range
	}{
		{"empty object", 0, 10, []Range{}},
		{"exact fit", 20, 10, []Range{{0, 9, 0}, {10, 19, 1}}},
		{"truncated tail", 25, 10, []Range{{0, 9, 0}, {10, 19, 1}, {20, 24, 2}}},
		{"one byte ranges", 3, 1, []Range{{0, 0, 0}, {1, 1, 1}, {2, 2, 2}}},
		{"range larger than object", 5, 100, []Range{{0, 4, 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Partition(tt.size, tt.rangeSize)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Partition(10, 0)
	assert.ErrorIs(t, err, ErrInvalidRangeSize)
	_, err = Partition(10, -5)
	assert.ErrorIs(t, err, ErrInvalidRangeSize)
}

func TestPartitionCoversObject(t *testing.T) {
	ranges, err := Partition(1024000, 300000)
	require.NoError(t, err)
	require.Len(t, ranges, 4)
	assert.Equal(t, Range{Start: 900000, End: 1023999, Index: 3}, ranges[3])

	var next int64
	for i, r := range ranges {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, next, r.Start)
		next = r.End + 1
	}
	assert.Equal(t, int64(1024000), next)
}

func TestDownloadFetchesAllRangesInOneWave(t *testing.T) {
	data := testData(1024000)

	var (
		arrived  atomic.Int32
		allIn    = make(chan struct{})
		oneWave  atomic.Bool
		closeAll sync.Once
	)
	oneWave.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if arrived.Add(1) == 4 {
			closeAll.Do(func() { close(allIn) })
		}
		select {
		case <-allIn:
		case <-time.After(5 * time.Second):
			oneWave.Store(false)
		}
		http.ServeContent(w, r, "object", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	var reports []Progress
	d := New(DefaultOptions())
	seq, err := d.Download(context.Background(), static(srv.URL), int64(len(data)), 300000,
		WithProgress(func(p Progress) { reports = append(reports, p) }))
	require.NoError(t, err)

	assert.True(t, oneWave.Load(), "all 4 ranges should be in flight together")
	assert.Equal(t, 4, seq.Len())
	assert.Equal(t, data, drain(t, seq))

	require.Len(t, reports, 4)
	assert.Equal(t, Progress{BytesFetched: 1024000, TotalBytes: 1024000, RangesDone: 4, RangesTotal: 4}, reports[3])
}

func TestDownloadConsumesInIndexOrder(t *testing.T) {
	data := testData(1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Earlier ranges answer later.
		if r.Header.Get("Range") == "bytes=0-99" {
			time.Sleep(50 * time.Millisecond)
		}
		http.ServeContent(w, r, "object", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	parts := partstore.NewMemory()
	d := New(Options{Concurrency: 10, Parts: parts})
	seq, err := d.Download(context.Background(), static(srv.URL), int64(len(data)), 100, WithDownloadID("ordered"))
	require.NoError(t, err)
	assert.Equal(t, "ordered", seq.ID())

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		chunk, err := seq.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, data[i*100:(i+1)*100], chunk, "chunk %d", i)

		n, err := parts.Count(ctx, "ordered")
		require.NoError(t, err)
		assert.Equal(t, 9-i, n, "consumed parts are deleted")
	}
	_, err = seq.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, seq.Close())
}

func TestDownloadMaxRetriesReached(t *testing.T) {
	data := testData(300)
	var failing atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") == "bytes=100-199" {
			failing.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		http.ServeContent(w, r, "object", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	parts := partstore.NewMemory()
	reg := prometheus.NewRegistry()
	fm, err := metrics.NewFetchMetrics(reg)
	require.NoError(t, err)

	d := New(Options{Parts: parts, Metrics: fm})
	seq, err := d.Download(context.Background(), static(srv.URL), 300, 100, WithDownloadID("doomed"))
	require.Error(t, err)
	assert.Nil(t, seq)

	assert.ErrorIs(t, err, ErrMaxRetriesReached)
	assert.ErrorIs(t, err, ErrServerError)
	assert.Contains(t, err.Error(), "max retries reached")

	var rangeErr *RangeError
	require.ErrorAs(t, err, &rangeErr)
	assert.Equal(t, 1, rangeErr.Index)
	assert.Equal(t, 5, rangeErr.Attempts)
	assert.Equal(t, int32(5), failing.Load())

	n, err := parts.Count(context.Background(), "doomed")
	require.NoError(t, err)
	assert.Zero(t, n, "no parts survive a failed download")

	assert.Equal(t, float64(5), counterValue(t, reg, "fetchcache_range_attempts_failed_total"))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestDownloadRecoversWithinRetryLimit(t *testing.T) {
	data := testData(500)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 4 {
			// Close the connection mid-response.
			conn, _, err := w.(http.Hijacker).Hijack()
			if err != nil {
				t.Errorf("hijack: %v", err)
				return
			}
			conn.Close()
			return
		}
		http.ServeContent(w, r, "object", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	d := New(Options{Concurrency: 1})
	seq, err := d.Download(context.Background(), static(srv.URL), 500, 500)
	require.NoError(t, err)
	assert.Equal(t, data, drain(t, seq))
}

func TestDownloadRotatesURLs(t *testing.T) {
	data := testData(200)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	good := rangeServer(t, data)

	d := New(Options{RetryLimit: 2})
	seq, err := d.Download(context.Background(), static(bad.URL, good.URL), 200, 50)
	require.NoError(t, err)
	assert.Equal(t, data, drain(t, seq))
}

func TestDownloadNonRetryableStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusRequestedRangeNotSatisfiable, ErrRangeNotSupported},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			d := New(Options{Concurrency: 1})
			_, err := d.Download(context.Background(), static(srv.URL), 10, 10)
			assert.ErrorIs(t, err, tt.want)
			assert.NotErrorIs(t, err, ErrMaxRetriesReached)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestDownloadRejectsServerIgnoringRanges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("the whole object"))
	}))
	defer srv.Close()

	_, err := New(Options{}).Download(context.Background(), static(srv.URL), 16, 4)
	assert.ErrorIs(t, err, ErrRangeNotSupported)
}

func TestDownloadShortBodyRetries(t *testing.T) {
	data := testData(100)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Content-Range", "bytes 0-99/100")
			w.WriteHeader(http.StatusPartialContent)
			w.Write(data[:10])
			return
		}
		http.ServeContent(w, r, "object", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	seq, err := New(Options{}).Download(context.Background(), static(srv.URL), 100, 100)
	require.NoError(t, err)
	assert.Equal(t, data, drain(t, seq))
	assert.Equal(t, int32(2), calls.Load())
}

func TestDownloadPerAttemptTimeout(t *testing.T) {
	data := testData(10)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		http.ServeContent(w, r, "object", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	d := New(Options{Timeout: 100 * time.Millisecond})
	seq, err := d.Download(context.Background(), static(srv.URL), 10, 10)
	require.NoError(t, err)
	assert.Equal(t, data, drain(t, seq))
}

func TestDownloadCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	parts := partstore.NewMemory()
	_, err := New(Options{Parts: parts}).Download(ctx, static(srv.URL), 100, 10, WithDownloadID("cancelled"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrMaxRetriesReached)
}

func TestDownloadEmptyObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for an empty object")
	}))
	defer srv.Close()

	seq, err := New(Options{}).Download(context.Background(), static(srv.URL), 0, 10)
	require.NoError(t, err)
	_, err = seq.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestDownloadResolverErrors(t *testing.T) {
	d := New(Options{})
	_, err := d.Download(context.Background(), static(), 10, 10)
	assert.ErrorIs(t, err, ErrNoURLs)

	boom := errors.New("boom")
	_, err = d.Download(context.Background(), func(context.Context) ([]string, error) { return nil, boom }, 10, 10)
	assert.ErrorIs(t, err, boom)
}

func TestSequenceCloseReleasesUnreadParts(t *testing.T) {
	data := testData(400)
	srv := rangeServer(t, data)
	parts := partstore.NewMemory()

	seq, err := New(Options{Parts: parts}).Download(context.Background(), static(srv.URL), 400, 100, WithDownloadID("partial"))
	require.NoError(t, err)

	for chunk, err := range seq.Chunks(context.Background()) {
		require.NoError(t, err)
		assert.Equal(t, data[:100], chunk)
		break
	}

	n, err := parts.Count(context.Background(), "partial")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = seq.Next(context.Background())
	assert.ErrorIs(t, err, ErrSequenceClosed)
	assert.NoError(t, seq.Close())
}

func TestSequenceReader(t *testing.T) {
	data := testData(1000)
	srv := rangeServer(t, data)

	seq, err := New(Options{}).Download(context.Background(), static(srv.URL), 1000, 128)
	require.NoError(t, err)

	r := seq.Reader(context.Background())
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, data, got)
}

func TestParseContentRange(t *testing.T) {
	start, end, total, err := ParseContentRange("bytes 0-99/1000")
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 99, 1000}, []int64{start, end, total})

	_, _, total, err = ParseContentRange("bytes 5-9/*")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), total)

	for _, bad := range []string{"", "bytes 0-99", "bytes x-9/10", "items 0-1/2"} {
		_, _, _, err := ParseContentRange(bad)
		assert.Error(t, err, bad)
	}
}
