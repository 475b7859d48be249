package registry

import (
	"context"
	"sort"
	"sync"
)

// Memo deduplicates work by key: at most one producer runs per key, and
// every concurrent caller of [Memo.Do] with that key shares its result.
//
// Successful results are kept for the lifetime of the memo. Failures are
// evicted once settled so that a later call retries.
type Memo[V any] struct {
	mu    sync.Mutex
	calls map[string]*call[V]
}

type call[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// NewMemo creates an empty memo.
func NewMemo[V any]() *Memo[V] {
	return &Memo[V]{calls: make(map[string]*call[V])}
}

// Do returns the value for key, running fn if no call for key is settled
// or pending. fn runs detached from the caller's cancellation: ctx only
// bounds how long this caller waits.
func (m *Memo[V]) Do(ctx context.Context, key string, fn func(ctx context.Context) (V, error)) (V, error) {
	m.mu.Lock()
	c, ok := m.calls[key]
	if !ok {
		c = &call[V]{done: make(chan struct{})}
		m.calls[key] = c
		go m.run(context.WithoutCancel(ctx), key, c, fn)
	}
	m.mu.Unlock()

	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

func (m *Memo[V]) run(ctx context.Context, key string, c *call[V], fn func(ctx context.Context) (V, error)) {
	c.val, c.err = fn(ctx)
	if c.err != nil {
		m.mu.Lock()
		if m.calls[key] == c {
			delete(m.calls, key)
		}
		m.mu.Unlock()
	}
	close(c.done)
}

// Peek returns the settled value of key without waiting. Pending and
// failed calls report false.
func (m *Memo[V]) Peek(key string) (V, bool) {
	m.mu.Lock()
	c, ok := m.calls[key]
	m.mu.Unlock()
	var zero V
	if !ok {
		return zero, false
	}
	select {
	case <-c.done:
		if c.err != nil {
			return zero, false
		}
		return c.val, true
	default:
		return zero, false
	}
}

// Pending reports whether a call for key is in flight.
func (m *Memo[V]) Pending(key string) bool {
	m.mu.Lock()
	c, ok := m.calls[key]
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Keys returns the keys of pending and settled calls, sorted.
func (m *Memo[V]) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.calls))
	for k := range m.calls {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Values returns the settled successful values, ordered by key.
func (m *Memo[V]) Values() []V {
	var out []V
	for _, k := range m.Keys() {
		if v, ok := m.Peek(k); ok {
			out = append(out, v)
		}
	}
	return out
}

// Forget drops key. A pending producer still runs to completion but its
// result is not kept.
func (m *Memo[V]) Forget(key string) {
	m.mu.Lock()
	delete(m.calls, key)
	m.mu.Unlock()
}

// Reset drops every key.
func (m *Memo[V]) Reset() {
	m.mu.Lock()
	m.calls = make(map[string]*call[V])
	m.mu.Unlock()
}
