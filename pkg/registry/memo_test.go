package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoSharesPendingCall(t *testing.T) {
	m := NewMemo[int]()
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := m.Do(context.Background(), "k", func(context.Context) (int, error) {
				calls.Add(1)
				<-release
				return 42, nil
			})
			if err != nil {
				t.Errorf("Do() error: %v", err)
			}
			results[i] = v
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	if !m.Pending("k") {
		t.Error("Pending() = false while producer blocked")
	}
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("producer ran %d times, want 1", n)
	}
	for i, v := range results {
		if v != 42 {
			t.Errorf("results[%d] = %d", i, v)
		}
	}
	if v, ok := m.Peek("k"); !ok || v != 42 {
		t.Errorf("Peek() = %d, %v", v, ok)
	}
}

func TestMemoEvictsFailures(t *testing.T) {
	m := NewMemo[string]()
	boom := errors.New("boom")
	calls := 0
	fn := func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", boom
		}
		return "ok", nil
	}

	if _, err := m.Do(context.Background(), "k", fn); !errors.Is(err, boom) {
		t.Fatalf("first Do() error = %v, want boom", err)
	}
	if _, ok := m.Peek("k"); ok {
		t.Error("failed call should not be kept")
	}
	v, err := m.Do(context.Background(), "k", fn)
	if err != nil || v != "ok" {
		t.Fatalf("second Do() = %q, %v", v, err)
	}
	v, _ = m.Do(context.Background(), "k", fn)
	if v != "ok" || calls != 2 {
		t.Errorf("success should be kept: v=%q calls=%d", v, calls)
	}
}

func TestMemoCallerCancellation(t *testing.T) {
	m := NewMemo[int]()
	release := make(chan struct{})
	finished := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Do(ctx, "k", func(ctx context.Context) (int, error) {
		defer close(finished)
		<-release
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 7, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}

	close(release)
	<-finished
	v, err := m.Do(context.Background(), "k", nil)
	if err != nil || v != 7 {
		t.Errorf("producer should complete detached: %d, %v", v, err)
	}
}

func TestMemoKeysAndReset(t *testing.T) {
	m := NewMemo[int]()
	for _, k := range []string{"b", "a"} {
		if _, err := m.Do(context.Background(), k, func(context.Context) (int, error) { return len(k), nil }); err != nil {
			t.Fatal(err)
		}
	}
	if got := m.Keys(); len(got) != 2 || got[0] != "a" {
		t.Errorf("Keys() = %v", got)
	}
	if got := m.Values(); len(got) != 2 {
		t.Errorf("Values() = %v", got)
	}
	m.Forget("a")
	if _, ok := m.Peek("a"); ok {
		t.Error("Forget() kept the key")
	}
	m.Reset()
	if len(m.Keys()) != 0 {
		t.Error("Reset() kept keys")
	}
}
