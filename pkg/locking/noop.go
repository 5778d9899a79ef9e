package locking

// NoOpGroup is a Group implementation that performs no locking.
// Every call executes the function immediately. The cache registry uses it
// over a degraded store where there is no shared state to protect.
type NoOpGroup struct{}

// NewNoOpGroup creates a new NoOpGroup.
func NewNoOpGroup() *NoOpGroup {
	return &NoOpGroup{}
}

func (n *NoOpGroup) DoWithLock(key string, fn func() (any, error)) (v any, err error) {
	v, err = fn()
	return v, err
}
