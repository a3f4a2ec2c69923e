// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package holder guards lazy creation and safe sharing of one expensive,
// recreatable resource (an AMQP session or link) across concurrent callers.
package holder

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultCreateTimeout bounds a single factory invocation when no other
// timeout is configured
var DefaultCreateTimeout = time.Minute

// ErrClosed is returned to waiters whose in-flight creation was abandoned by
// Close
var ErrClosed = errors.New("holder closed during creation")

// Factory creates a new instance of the held resource
type Factory[T comparable] func(ctx context.Context) (T, error)

// Teardown releases a resource that is evicted from the holder
type Teardown[T comparable] func(ctx context.Context, resource T)

// Holder caches one lazily-created resource. At most one creation is in
// flight at any time; concurrent callers of GetOrCreate share the result of
// that creation.
type Holder[T comparable] struct {
	factory       Factory[T]
	teardown      Teardown[T]
	createTimeout time.Duration

	mu       sync.Mutex
	resource T
	live     bool
	inflight *creation[T]
}

type creation[T comparable] struct {
	done     chan struct{}
	resource T
	err      error
}

// Option configures a Holder
type Option[T comparable] func(*Holder[T])

// WithCreateTimeout bounds the factory invocation, independent of the
// timeouts of the callers waiting on it
func WithCreateTimeout[T comparable](timeout time.Duration) Option[T] {
	return func(h *Holder[T]) {
		h.createTimeout = timeout
	}
}

// New returns a Holder that creates resources with factory and releases them
// with teardown. The teardown may be nil.
func New[T comparable](factory Factory[T], teardown Teardown[T], options ...Option[T]) *Holder[T] {
	h := &Holder[T]{
		factory:       factory,
		teardown:      teardown,
		createTimeout: DefaultCreateTimeout,
	}
	for _, option := range options {
		option(h)
	}
	return h
}

// GetOrCreate returns the cached resource if it is live, otherwise it starts
// a single creation and waits for it. Callers arriving while a creation is in
// flight wait on that same creation. A caller whose context expires stops
// waiting and receives the context error; the creation itself continues for
// the remaining waiters.
func (h *Holder[T]) GetOrCreate(ctx context.Context) (T, error) {
	h.mu.Lock()
	if h.live {
		resource := h.resource
		h.mu.Unlock()
		return resource, nil
	}
	c := h.inflight
	if c == nil {
		c = &creation[T]{done: make(chan struct{})}
		h.inflight = c
		go h.create(c)
	}
	h.mu.Unlock()

	select {
	case <-c.done:
		return c.resource, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// create runs the factory outside the holder lock so that cache reads and
// waiter cancellation are never blocked on a slow creation.
func (h *Holder[T]) create(c *creation[T]) {
	ctx, cancel := context.WithTimeout(context.Background(), h.createTimeout)
	defer cancel()
	resource, err := h.factory(ctx)
	h.mu.Lock()
	if h.inflight == c {
		h.inflight = nil
		if err == nil {
			h.resource = resource
			h.live = true
		}
		c.resource, c.err = resource, err
		h.mu.Unlock()
		close(c.done)
		return
	}
	h.mu.Unlock()
	// Close detached this creation while the factory was running; the
	// result must not outlive the holder state it was created for.
	if err == nil && h.teardown != nil {
		h.teardown(ctx, resource)
	}
	c.err = ErrClosed
	close(c.done)
}

// TryGet returns the cached resource without triggering creation. The second
// return value reports whether a live resource was present.
func (h *Holder[T]) TryGet() (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.live {
		var zero T
		return zero, false
	}
	return h.resource, true
}

// Invalidate clears the cache slot without tearing the resource down. It is
// meant for peer-initiated closes, where the resource is already dead; the
// next GetOrCreate recreates from scratch.
func (h *Holder[T]) Invalidate() {
	h.mu.Lock()
	var zero T
	h.resource = zero
	h.live = false
	h.mu.Unlock()
}

// InvalidateResource clears the cache slot only if it still holds resource.
// This prevents the closed-event of a stale resource from evicting its
// replacement.
func (h *Holder[T]) InvalidateResource(resource T) {
	h.mu.Lock()
	if h.live && h.resource == resource {
		var zero T
		h.resource = zero
		h.live = false
	}
	h.mu.Unlock()
}

// Close tears down the cached resource (if any) and clears the cache slot. A
// creation still in flight is abandoned: its waiters receive ErrClosed and
// its result is torn down instead of cached. Close is idempotent; a
// subsequent GetOrCreate recreates from scratch.
func (h *Holder[T]) Close(ctx context.Context) {
	h.mu.Lock()
	resource, live := h.resource, h.live
	var zero T
	h.resource = zero
	h.live = false
	h.inflight = nil
	h.mu.Unlock()
	if live && h.teardown != nil {
		h.teardown(ctx, resource)
	}
}
