package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/richardartoul/fetchcache/backends"
)

const envPrefix = "FETCHCACHE_"

// Config defines configuration for the fetchcache CLI.
type Config struct {
	// KVURL selects the cache store, e.g. "sqlite:///var/cache/fetchcache.db",
	// "redis://localhost:6379/0" or "mem://".
	KVURL string
	// PartsURL is the bucket holding fetched ranges until they are read.
	PartsURL string
	// LockDir enables cross-process cache locking with lock files.
	LockDir string
	Debug   bool

	Download DownloadConfig
	Relay    RelayConfig
	S3       S3Config

	// Capacities overrides the byte budget of individual cache domains.
	Capacities map[backends.Domain]int64
}

// DownloadConfig tunes ranged downloads.
type DownloadConfig struct {
	Concurrency int
	RetryLimit  int
	Timeout     time.Duration
	RangeSize   int64
}

// RelayConfig configures the save endpoint.
type RelayConfig struct {
	Listen       string
	Dir          string
	CloseTimeout time.Duration
}

// S3Config configures presigning for s3:// sources.
type S3Config struct {
	Region    string
	Endpoint  string
	PathStyle bool
	Expires   time.Duration
}

// DefaultDir is where the default stores live: fetchcache under the user
// cache directory, or under the temp directory when there is none.
func DefaultDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "fetchcache")
}

// Default returns a Config with sensible defaults. The cache, the fetched
// ranges and the lock files all live under DefaultDir.
func Default() Config {
	dir := DefaultDir()
	return Config{
		KVURL:    "sqlite://" + filepath.Join(dir, "fetchcache.db"),
		PartsURL: "file://" + filepath.ToSlash(filepath.Join(dir, "parts")),
		LockDir:  filepath.Join(dir, "locks"),
		Download: DownloadConfig{
			Concurrency: 6,
			RetryLimit:  5,
			Timeout:     30 * time.Second,
			RangeSize:   4 * humanize.MiByte,
		},
		Relay: RelayConfig{
			Listen:       "127.0.0.1:7070",
			Dir:          ".",
			CloseTimeout: 30 * time.Second,
		},
		S3: S3Config{
			Region:  "us-east-1",
			Expires: 15 * time.Minute,
		},
	}
}

// yamlConfig mirrors Config with sizes and durations as strings.
type yamlConfig struct {
	KVURL      string            `yaml:"kv_url"`
	PartsURL   string            `yaml:"parts_url"`
	LockDir    string            `yaml:"lock_dir"`
	Debug      bool              `yaml:"debug"`
	Capacities map[string]string `yaml:"capacities"`
	Download   struct {
		Concurrency int    `yaml:"concurrency"`
		RetryLimit  int    `yaml:"retry_limit"`
		Timeout     string `yaml:"timeout"`
		RangeSize   string `yaml:"range_size"`
	} `yaml:"download"`
	Relay struct {
		Listen       string `yaml:"listen"`
		Dir          string `yaml:"dir"`
		CloseTimeout string `yaml:"close_timeout"`
	} `yaml:"relay"`
	S3 struct {
		Region    string `yaml:"region"`
		Endpoint  string `yaml:"endpoint"`
		PathStyle bool   `yaml:"path_style"`
		Expires   string `yaml:"expires"`
	} `yaml:"s3"`
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	override := Config{
		KVURL:    yc.KVURL,
		PartsURL: yc.PartsURL,
		LockDir:  yc.LockDir,
		Debug:    yc.Debug,
		Download: DownloadConfig{
			Concurrency: yc.Download.Concurrency,
			RetryLimit:  yc.Download.RetryLimit,
		},
		Relay: RelayConfig{
			Listen: yc.Relay.Listen,
			Dir:    yc.Relay.Dir,
		},
		S3: S3Config{
			Region:    yc.S3.Region,
			Endpoint:  yc.S3.Endpoint,
			PathStyle: yc.S3.PathStyle,
		},
	}

	durations := []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"download.timeout", yc.Download.Timeout, &override.Download.Timeout},
		{"relay.close_timeout", yc.Relay.CloseTimeout, &override.Relay.CloseTimeout},
		{"s3.expires", yc.S3.Expires, &override.S3.Expires},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.field, err)
		}
		*d.dst = v
	}

	if yc.Download.RangeSize != "" {
		size, err := ParseBytes(yc.Download.RangeSize)
		if err != nil {
			return Config{}, fmt.Errorf("parse download.range_size: %w", err)
		}
		override.Download.RangeSize = size
	}

	for name, raw := range yc.Capacities {
		if err := override.setCapacity(name, raw); err != nil {
			return Config{}, fmt.Errorf("parse capacities.%s: %w", name, err)
		}
	}

	return Default().Merge(override), nil
}

// LoadFromEnv applies FETCHCACHE_ environment variables.
func (c *Config) LoadFromEnv() error {
	strs := map[string]*string{
		"KV_URL":       &c.KVURL,
		"PARTS_URL":    &c.PartsURL,
		"LOCK_DIR":     &c.LockDir,
		"RELAY_LISTEN": &c.Relay.Listen,
		"RELAY_DIR":    &c.Relay.Dir,
		"S3_REGION":    &c.S3.Region,
		"S3_ENDPOINT":  &c.S3.Endpoint,
	}
	for name, dst := range strs {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"CONCURRENCY": &c.Download.Concurrency,
		"RETRY_LIMIT": &c.Download.RetryLimit,
	}
	for name, dst := range ints {
		if v := os.Getenv(envPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse %s%s: %w", envPrefix, name, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"TIMEOUT":             &c.Download.Timeout,
		"RELAY_CLOSE_TIMEOUT": &c.Relay.CloseTimeout,
		"S3_EXPIRES":          &c.S3.Expires,
	}
	for name, dst := range durations {
		if v := os.Getenv(envPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parse %s%s: %w", envPrefix, name, err)
			}
			*dst = d
		}
	}

	bools := map[string]*bool{
		"DEBUG":         &c.Debug,
		"S3_PATH_STYLE": &c.S3.PathStyle,
	}
	for name, dst := range bools {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	if v := os.Getenv(envPrefix + "RANGE_SIZE"); v != "" {
		size, err := ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse %sRANGE_SIZE: %w", envPrefix, err)
		}
		c.Download.RangeSize = size
	}

	for _, d := range backends.Domains() {
		name := "CAPACITY_" + strings.ToUpper(strings.ReplaceAll(string(d), "-", "_"))
		if v := os.Getenv(envPrefix + name); v != "" {
			if err := c.setCapacity(string(d), v); err != nil {
				return fmt.Errorf("parse %s%s: %w", envPrefix, name, err)
			}
		}
	}
	return nil
}

func (c *Config) setCapacity(domain, raw string) error {
	d, err := backends.ParseDomain(domain)
	if err != nil {
		return err
	}
	size, err := ParseBytes(raw)
	if err != nil {
		return err
	}
	if c.Capacities == nil {
		c.Capacities = make(map[backends.Domain]int64)
	}
	c.Capacities[d] = size
	return nil
}

// Capacity returns the configured budget for d, falling back to the domain
// default.
func (c Config) Capacity(d backends.Domain) int64 {
	if n, ok := c.Capacities[d]; ok {
		return n
	}
	return d.Capacity()
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.KVURL == "" {
		errs = append(errs, errors.New("config: kv_url is required"))
	}
	if c.Download.Concurrency <= 0 {
		errs = append(errs, errors.New("config: download.concurrency must be positive"))
	}
	if c.Download.RetryLimit <= 0 {
		errs = append(errs, errors.New("config: download.retry_limit must be positive"))
	}
	if c.Download.Timeout <= 0 {
		errs = append(errs, errors.New("config: download.timeout must be positive"))
	}
	if c.Download.RangeSize <= 0 {
		errs = append(errs, errors.New("config: download.range_size must be positive"))
	}
	for d, n := range c.Capacities {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("config: capacity of %s must be positive", d))
		}
	}
	return errors.Join(errs...)
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.KVURL != "" {
		c.KVURL = override.KVURL
	}
	if override.PartsURL != "" {
		c.PartsURL = override.PartsURL
	}
	if override.LockDir != "" {
		c.LockDir = override.LockDir
	}
	if override.Debug {
		c.Debug = true
	}
	if override.Download.Concurrency != 0 {
		c.Download.Concurrency = override.Download.Concurrency
	}
	if override.Download.RetryLimit != 0 {
		c.Download.RetryLimit = override.Download.RetryLimit
	}
	if override.Download.Timeout != 0 {
		c.Download.Timeout = override.Download.Timeout
	}
	if override.Download.RangeSize != 0 {
		c.Download.RangeSize = override.Download.RangeSize
	}
	if override.Relay.Listen != "" {
		c.Relay.Listen = override.Relay.Listen
	}
	if override.Relay.Dir != "" {
		c.Relay.Dir = override.Relay.Dir
	}
	if override.Relay.CloseTimeout != 0 {
		c.Relay.CloseTimeout = override.Relay.CloseTimeout
	}
	if override.S3.Region != "" {
		c.S3.Region = override.S3.Region
	}
	if override.S3.Endpoint != "" {
		c.S3.Endpoint = override.S3.Endpoint
	}
	if override.S3.PathStyle {
		c.S3.PathStyle = true
	}
	if override.S3.Expires != 0 {
		c.S3.Expires = override.S3.Expires
	}
	if len(override.Capacities) > 0 {
		merged := make(map[backends.Domain]int64, len(c.Capacities)+len(override.Capacities))
		for d, n := range c.Capacities {
			merged[d] = n
		}
		for d, n := range override.Capacities {
			merged[d] = n
		}
		c.Capacities = merged
	}
	return c
}

// ParseBytes parses a humanized byte size such as "450MB", "4MiB" or "1024".
func ParseBytes(s string) (int64, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("size %q is too large", s)
	}
	return int64(n), nil
}
