package resolve

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardartoul/fetchcache/pkg/rangefetch"
)

func TestStatic(t *testing.T) {
	urls, err := Static("http://a", "http://b")(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a", "http://b"}, urls)

	_, err = Static()(context.Background())
	assert.ErrorIs(t, err, rangefetch.ErrNoURLs)
}

func TestStat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Content-Length", "4096")
		w.Header().Set("ETag", `"abc123"`)
		w.Header().Set("Accept-Ranges", "bytes")
	}))
	defer srv.Close()

	info, err := Stat(context.Background(), nil, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, ObjectInfo{Size: 4096, ETag: "abc123", AcceptsRanges: true}, info)
}

func TestStatNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := Stat(context.Background(), nil, srv.URL)
	assert.Error(t, err)
}

func TestS3PresignerPathStyle(t *testing.T) {
	p, err := NewS3Presigner(context.Background(), S3Config{
		Region:       "us-east-1",
		Endpoint:     "http://localhost:9000",
		UsePathStyle: true,
		AccessKey:    "AKIDEXAMPLE",
		SecretKey:    "secret",
		Expires:      time.Minute,
	})
	require.NoError(t, err)

	urls, err := p.Resolver("bucket", "dir/object.bin")(context.Background())
	require.NoError(t, err)
	require.Len(t, urls, 1)

	u, err := url.Parse(urls[0])
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", u.Host)
	assert.Equal(t, "/bucket/dir/object.bin", u.Path)
	assert.Equal(t, "60", u.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
	assert.Contains(t, u.Query().Get("X-Amz-Credential"), "AKIDEXAMPLE")
}
