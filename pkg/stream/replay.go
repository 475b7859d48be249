// Package stream provides a replay-capable multicast stream.
//
// A [Replay] is an append-only log of values with any number of
// subscribers. Every subscriber receives the full history first and then
// live values, so a late subscriber never misses anything already
// published. The worker pool uses it for worker-to-main messages and the
// installer uses it for progress events.
package stream

import (
	"context"
	"sync"
)

// Replay is an append-only multicast stream. The zero value is not usable;
// create one with [NewReplay].
type Replay[T any] struct {
	mu      sync.Mutex
	items   []T
	closed  bool
	changed chan struct{}
	done    chan struct{}
}

// NewReplay creates an empty open stream.
func NewReplay[T any]() *Replay[T] {
	return &Replay[T]{
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Publish appends v to the stream. It reports false if the stream is closed.
func (r *Replay[T]) Publish(v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.items = append(r.items, v)
	close(r.changed)
	r.changed = make(chan struct{})
	return true
}

// Close marks the stream complete. Subscribers drain the history and then
// their channel is closed. Closing twice is a no-op.
func (r *Replay[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.changed)
	close(r.done)
}

// Done is closed once the stream is closed.
func (r *Replay[T]) Done() <-chan struct{} { return r.done }

// Closed reports whether Close has been called.
func (r *Replay[T]) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Len returns the number of values published so far.
func (r *Replay[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Snapshot returns a copy of the values published so far.
func (r *Replay[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

// Subscribe returns a channel that yields every value of the stream, from
// the first one published, until the stream is closed or ctx is done.
func (r *Replay[T]) Subscribe(ctx context.Context) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		next := 0
		for {
			r.mu.Lock()
			batch := r.items[next:len(r.items):len(r.items)]
			next = len(r.items)
			changed, closed := r.changed, r.closed
			r.mu.Unlock()

			for _, v := range batch {
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
			if len(batch) > 0 {
				continue
			}
			if closed {
				return
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// First blocks until a value matching pred is published and returns it.
// It fails with ErrClosed if the stream completes without a match.
func (r *Replay[T]) First(ctx context.Context, pred func(T) bool) (T, error) {
	sub, cancel := context.WithCancel(ctx)
	defer cancel()
	for v := range r.Subscribe(sub) {
		if pred(v) {
			return v, nil
		}
	}
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	return zero, ErrClosed
}
