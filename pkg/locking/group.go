package locking

// locking.Group is an abstraction for running functions with mutual exclusion
// over sets of keys. Caches use it to serialize their read-modify-write
// sections (eviction bookkeeping plus the persisted LRU state) per cache name.
type Group interface {
	// DoWithLock runs the given function with mutual exclusion over the given key.
	DoWithLock(key string, fn func() (any, error)) (v any, err error)
}
