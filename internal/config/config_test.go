package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardartoul/fetchcache/backends"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	home := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", home)
	cfg := Default()

	dir := filepath.Join(home, "fetchcache")
	assert.Equal(t, dir, DefaultDir())
	assert.Equal(t, "sqlite://"+filepath.Join(dir, "fetchcache.db"), cfg.KVURL)
	assert.Equal(t, "file://"+filepath.Join(dir, "parts"), cfg.PartsURL)
	assert.Equal(t, filepath.Join(dir, "locks"), cfg.LockDir)
	assert.Equal(t, 6, cfg.Download.Concurrency)
	assert.Equal(t, 5, cfg.Download.RetryLimit)
	assert.Equal(t, 30*time.Second, cfg.Download.Timeout)
	assert.Equal(t, int64(4<<20), cfg.Download.RangeSize)
	assert.Equal(t, 15*time.Minute, cfg.S3.Expires)
	assert.Equal(t, backends.Files.Capacity(), cfg.Capacity(backends.Files))
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
kv_url: sqlite:///tmp/cache.db
lock_dir: /tmp/locks
debug: true
capacities:
  files: 1GB
  photo-previews: 20MiB
download:
  concurrency: 12
  timeout: 5s
  range_size: 8MB
relay:
  listen: 0.0.0.0:9000
  close_timeout: 1m
s3:
  endpoint: http://localhost:9000
  path_style: true
  expires: 1h
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite:///tmp/cache.db", cfg.KVURL)
	assert.Equal(t, Default().PartsURL, cfg.PartsURL, "unset fields keep their defaults")
	assert.Equal(t, "/tmp/locks", cfg.LockDir)
	assert.True(t, cfg.Debug)
	assert.Equal(t, 12, cfg.Download.Concurrency)
	assert.Equal(t, 5, cfg.Download.RetryLimit)
	assert.Equal(t, 5*time.Second, cfg.Download.Timeout)
	assert.Equal(t, int64(8_000_000), cfg.Download.RangeSize)
	assert.Equal(t, "0.0.0.0:9000", cfg.Relay.Listen)
	assert.Equal(t, time.Minute, cfg.Relay.CloseTimeout)
	assert.Equal(t, "http://localhost:9000", cfg.S3.Endpoint)
	assert.True(t, cfg.S3.PathStyle)
	assert.Equal(t, time.Hour, cfg.S3.Expires)

	assert.Equal(t, int64(1_000_000_000), cfg.Capacity(backends.Files))
	assert.Equal(t, int64(20<<20), cfg.Capacity(backends.PhotoPreviews))
	assert.Equal(t, backends.Photos.Capacity(), cfg.Capacity(backends.Photos))
}

func TestLoadFromFileErrors(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/path/config.yaml")
	assert.Error(t, err)

	tests := map[string]string{
		"invalid yaml":      "invalid: [yaml: content",
		"bad duration":      "download:\n  timeout: soon\n",
		"bad range size":    "download:\n  range_size: lots\n",
		"unknown domain":    "capacities:\n  videos: 1GB\n",
		"bad capacity":      "capacities:\n  files: big\n",
		"bad s3 expiry":     "s3:\n  expires: 1 hour\n",
		"bad relay timeout": "relay:\n  close_timeout: x\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFromFile(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FETCHCACHE_KV_URL", "redis://localhost:6379/0")
	t.Setenv("FETCHCACHE_CONCURRENCY", "3")
	t.Setenv("FETCHCACHE_TIMEOUT", "500ms")
	t.Setenv("FETCHCACHE_RANGE_SIZE", "1MiB")
	t.Setenv("FETCHCACHE_DEBUG", "1")
	t.Setenv("FETCHCACHE_S3_PATH_STYLE", "true")
	t.Setenv("FETCHCACHE_CAPACITY_FILE_PREVIEWS", "10MB")

	cfg := Default()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, "redis://localhost:6379/0", cfg.KVURL)
	assert.Equal(t, 3, cfg.Download.Concurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.Download.Timeout)
	assert.Equal(t, int64(1<<20), cfg.Download.RangeSize)
	assert.True(t, cfg.Debug)
	assert.True(t, cfg.S3.PathStyle)
	assert.Equal(t, int64(10_000_000), cfg.Capacity(backends.FilePreviews))
}

func TestLoadFromEnvErrors(t *testing.T) {
	tests := map[string]string{
		"FETCHCACHE_CONCURRENCY":     "many",
		"FETCHCACHE_TIMEOUT":         "soon",
		"FETCHCACHE_RANGE_SIZE":      "lots",
		"FETCHCACHE_CAPACITY_PHOTOS": "big",
	}
	for name, value := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv(name, value)
			cfg := Default()
			assert.Error(t, cfg.LoadFromEnv())
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "missing kv url", mutate: func(c *Config) { c.KVURL = "" }, wantErr: true},
		{name: "zero concurrency", mutate: func(c *Config) { c.Download.Concurrency = 0 }, wantErr: true},
		{name: "zero retries", mutate: func(c *Config) { c.Download.RetryLimit = 0 }, wantErr: true},
		{name: "zero timeout", mutate: func(c *Config) { c.Download.Timeout = 0 }, wantErr: true},
		{name: "zero range size", mutate: func(c *Config) { c.Download.RangeSize = 0 }, wantErr: true},
		{
			name: "zero capacity",
			mutate: func(c *Config) {
				c.Capacities = map[backends.Domain]int64{backends.Photos: 0}
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMerge(t *testing.T) {
	base := Default()
	base.Capacities = map[backends.Domain]int64{backends.Files: 100, backends.Photos: 200}

	merged := base.Merge(Config{
		KVURL:      "sqlite:///x.db",
		Download:   DownloadConfig{RangeSize: 1024},
		Capacities: map[backends.Domain]int64{backends.Photos: 300},
	})

	assert.Equal(t, "sqlite:///x.db", merged.KVURL)
	assert.Equal(t, int64(1024), merged.Download.RangeSize)
	assert.Equal(t, 6, merged.Download.Concurrency)
	assert.Equal(t, int64(100), merged.Capacity(backends.Files))
	assert.Equal(t, int64(300), merged.Capacity(backends.Photos))
	assert.Equal(t, int64(200), base.Capacities[backends.Photos], "merge must not modify the receiver's map")
}

func TestParseBytes(t *testing.T) {
	tests := map[string]int64{
		"450MB":  450_000_000,
		"4MiB":   4 << 20,
		"1024":   1024,
		" 1 KB ": 1000,
	}
	for in, want := range tests {
		got, err := ParseBytes(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseBytes("lots")
	assert.Error(t, err)
}
