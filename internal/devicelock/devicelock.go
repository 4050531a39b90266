// Package devicelock serializes multi-step operations against a single
// device. Each device id gets its own lock, created lazily, so operations on
// different devices never block each other.
package devicelock

import (
	"context"
	"sync"
)

// Registry holds one lock per device id.
type Registry struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewRegistry creates an empty lock registry.
func NewRegistry() *Registry {
	return &Registry{
		locks: make(map[string]chan struct{}),
	}
}

func (r *Registry) sem(deviceID string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	sem, ok := r.locks[deviceID]
	if !ok {
		sem = make(chan struct{}, 1)
		r.locks[deviceID] = sem
	}
	return sem
}

// WithLock runs fn while holding the device's lock, creating the lock if it
// does not exist yet. Waiters are queued in FIFO order on the lock channel.
// The lock is released on every exit path and fn's error is propagated to
// the caller unchanged. There is no lock timeout; callers needing a bounded
// wait pass a context with a deadline.
func (r *Registry) WithLock(ctx context.Context, deviceID string, fn func() error) error {
	sem := r.sem(deviceID)

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-sem }()

	return fn()
}

// Remove drops the registry entry for a device. Only call this once no
// operation is queued or holding the lock; it is a cleanup hook, not a
// cancellation mechanism.
func (r *Registry) Remove(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, deviceID)
}

// Len returns the number of device locks currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}
