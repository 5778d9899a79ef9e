package locking

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// FileLock is a Group implementation that combines an in-process MemLock with
// an exclusive flock(2) on <dir>/<key>.lock. It is used when the key-value
// store holding cache payloads and LRU state lives on a local disk that more
// than one fetchcache process may open (for example a CLI invocation running
// next to a long-lived relay server). The lock only serializes the critical
// sections; callers must reload shared state at the start of each one, as
// lru.Cache does when its state store implements lru.StateLoader.
type FileLock struct {
	dir string
	mem *MemLock
}

// NewFileLock creates the lock directory if needed and returns a FileLock.
func NewFileLock(dir string) (*FileLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FileLock{
		dir: dir,
		mem: NewMemLock(),
	}, nil
}

func (f *FileLock) DoWithLock(key string, fn func() (any, error)) (v any, err error) {
	// The in-process lock is taken first so goroutines of this process don't
	// contend on the file descriptor; flock only arbitrates between processes.
	return f.mem.DoWithLock(key, func() (any, error) {
		fl := flock.New(f.path(key))
		if err := fl.Lock(); err != nil {
			return nil, fmt.Errorf("failed to acquire file lock for %q: %w", key, err)
		}
		defer fl.Unlock()
		return fn()
	})
}

func (f *FileLock) path(key string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(key)
	return filepath.Join(f.dir, safe+".lock")
}
