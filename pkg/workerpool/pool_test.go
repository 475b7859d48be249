package workerpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matzehuels/webpm/pkg/events"
	"github.com/matzehuels/webpm/pkg/stream"
)

const helperEnv = "WEBPM_WORKER_HELPER"

// TestMain turns the test binary into a worker when started by the
// Process factory.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		entries := NewEntries()
		entries.Register("test.pid", func(context.Context, Input) (any, error) {
			return os.Getpid(), nil
		})
		if err := ServeStdio(context.Background(), HostOptions{Entries: entries}); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// gauge tracks how many tasks run at once.
type gauge struct {
	active atomic.Int32
	peak   atomic.Int32
}

func (g *gauge) enter() {
	n := g.active.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (g *gauge) leave() { g.active.Add(-1) }

func testEntries(g *gauge) *Entries {
	e := NewEntries()
	e.Register("test.sleep", func(ctx context.Context, in Input) (any, error) {
		g.enter()
		defer g.leave()
		time.Sleep(20 * time.Millisecond)
		return in.WorkerID, nil
	})
	e.Register("test.worker", func(_ context.Context, in Input) (any, error) {
		return in.WorkerID, nil
	})
	e.Register("test.fail", func(context.Context, Input) (any, error) {
		return nil, errors.New("boom")
	})
	e.Register("test.chan", func(context.Context, Input) (any, error) {
		return make(chan int), nil
	})
	e.Register("test.data", func(ctx context.Context, in Input) (any, error) {
		got := make(chan json.RawMessage, 1)
		in.Context.OnData(func(d json.RawMessage) { got <- d })
		in.Context.Info("waiting for data", map[string]string{"task": in.TaskID})
		select {
		case d := <-got:
			return d, nil
		case <-time.After(5 * time.Second):
			return nil, errors.New("no data received")
		}
	})
	e.Register("test.answer", func(_ context.Context, in Input) (any, error) {
		var v int
		if err := in.Scope.Variable("answer", &v); err != nil {
			return nil, err
		}
		return v, nil
	})
	e.Register("test.double", func(_ context.Context, in Input) (any, error) {
		var v int
		if err := in.Bind(&v); err != nil {
			return nil, err
		}
		return 2 * v, nil
	})
	return e
}

func newPool(t *testing.T, opts Options, entries *Entries) *Pool {
	t.Helper()
	if opts.Factory == nil {
		opts.Factory = InProcess{Host: HostOptions{Entries: entries}}
	}
	p := New(opts)
	t.Cleanup(p.Terminate)
	return p
}

func drain(t *testing.T, s *stream.Replay[Message]) []Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out []Message
	for m := range s.Subscribe(ctx) {
		out = append(out, m)
	}
	if ctx.Err() != nil {
		t.Fatalf("task did not exit, got %d messages", len(out))
	}
	return out
}

// exitOf checks that msgs hold exactly one Exit, as last message.
func exitOf(t *testing.T, msgs []Message) Message {
	t.Helper()
	exits := 0
	for _, m := range msgs {
		if m.Type == TypeExit {
			exits++
		}
	}
	if exits != 1 || len(msgs) == 0 || msgs[len(msgs)-1].Type != TypeExit {
		t.Fatalf("want exactly one trailing Exit, got %v", types(msgs))
	}
	return msgs[len(msgs)-1]
}

func types(msgs []Message) []Type {
	out := make([]Type, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

func timeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPoolBound(t *testing.T) {
	g := &gauge{}
	p := newPool(t, Options{Size: Size{StretchTo: 2}}, testEntries(g))

	var streams []*stream.Replay[Message]
	for i := range 5 {
		s, err := p.Schedule(context.Background(), ScheduleInput{Title: fmt.Sprintf("task %d", i), EntryPoint: "test.sleep"})
		if err != nil {
			t.Fatalf("Schedule() error: %v", err)
		}
		streams = append(streams, s)
	}

	for _, s := range streams {
		msgs := drain(t, s)
		exit := exitOf(t, msgs)
		if exit.Failed {
			t.Errorf("task failed: %s", exit.Result)
		}
		if msgs[0].Type != TypeStart {
			t.Errorf("first message = %s, want Start", msgs[0].Type)
		}
	}
	if peak := g.peak.Load(); peak > 2 {
		t.Errorf("%d tasks ran at once, want at most 2", peak)
	}
	workers := p.Workers()
	if len(workers) != 2 {
		t.Fatalf("Workers() = %v, want 2 workers", workers)
	}
	done := 0
	for _, w := range workers {
		done += w.Tasks
	}
	if done != 5 {
		t.Errorf("workers ran %d tasks, want 5", done)
	}
}

func TestPoolAffinity(t *testing.T) {
	p := newPool(t, Options{Size: Size{StartAt: 2, StretchTo: 2}}, testEntries(&gauge{}))
	if err := p.Ready(timeout(t)); err != nil {
		t.Fatalf("Ready() error: %v", err)
	}
	workers := p.Workers()
	if len(workers) != 2 {
		t.Fatalf("Workers() = %v", workers)
	}
	target := workers[1].ID

	var streams []*stream.Replay[Message]
	for range 4 {
		s, err := p.Schedule(context.Background(), ScheduleInput{Title: "pinned", EntryPoint: "test.worker", TargetWorkerID: target})
		if err != nil {
			t.Fatal(err)
		}
		streams = append(streams, s)
		// Untargeted tasks in between must not steal the pinned ones.
		if _, err := p.Schedule(context.Background(), ScheduleInput{Title: "free", EntryPoint: "test.sleep"}); err != nil {
			t.Fatal(err)
		}
	}
	for _, s := range streams {
		exit := exitOf(t, drain(t, s))
		var ran string
		if err := exit.DecodeResult(&ran); err != nil {
			t.Fatal(err)
		}
		if exit.WorkerID != target || ran != target {
			t.Errorf("pinned task ran on %s (reported %s), want %s", ran, exit.WorkerID, target)
		}
	}
}

func TestScheduleUnknownWorker(t *testing.T) {
	p := newPool(t, Options{Size: Size{StretchTo: 1}}, testEntries(&gauge{}))
	_, err := p.Schedule(context.Background(), ScheduleInput{Title: "x", EntryPoint: "test.worker", TargetWorkerID: "nope"})
	if !errors.Is(err, ErrUnknownWorker) {
		t.Errorf("Schedule() error = %v, want ErrUnknownWorker", err)
	}
}

func TestTaskFailures(t *testing.T) {
	p := newPool(t, Options{Size: Size{StretchTo: 1}}, testEntries(&gauge{}))
	tests := []struct {
		entry  string
		detail string
		post   bool
	}{
		{entry: "test.fail", detail: "boom"},
		{entry: "test.missing", detail: "unknown entry point"},
		{entry: "test.chan", post: true},
	}
	for _, tt := range tests {
		t.Run(tt.entry, func(t *testing.T) {
			s, err := p.Schedule(context.Background(), ScheduleInput{Title: tt.entry, EntryPoint: tt.entry})
			if err != nil {
				t.Fatal(err)
			}
			msgs := drain(t, s)
			exit := exitOf(t, msgs)
			if !exit.Failed {
				t.Fatal("Exit not failed")
			}
			if tt.detail != "" {
				var detail string
				_ = exit.DecodeResult(&detail)
				if !strings.Contains(detail, tt.detail) {
					t.Errorf("result = %q, want %q", detail, tt.detail)
				}
			}
			if tt.post && msgs[len(msgs)-2].Type != TypePostError {
				t.Errorf("messages = %v, want PostError before Exit", types(msgs))
			}
		})
	}

	// The worker survives failed tasks.
	if _, err := p.Run(timeout(t), ScheduleInput{Title: "after", EntryPoint: "test.worker"}); err != nil {
		t.Errorf("Run() error: %v", err)
	}
}

func TestSendData(t *testing.T) {
	p := newPool(t, Options{Size: Size{StretchTo: 1}}, testEntries(&gauge{}))
	ctx := timeout(t)

	s, err := p.Schedule(ctx, ScheduleInput{Title: "data", EntryPoint: "test.data"})
	if err != nil {
		t.Fatal(err)
	}
	start, err := s.First(ctx, func(m Message) bool { return m.Type == TypeStart })
	if err != nil {
		t.Fatal(err)
	}
	if running := p.Running(); len(running) != 1 || running[0].TaskID != start.TaskID {
		t.Errorf("Running() = %v", running)
	}
	if err := p.SendData(start.TaskID, map[string]int{"x": 1}); err != nil {
		t.Fatalf("SendData() error: %v", err)
	}

	msgs := drain(t, s)
	exit := exitOf(t, msgs)
	var got map[string]int
	if err := exit.DecodeResult(&got); err != nil || got["x"] != 1 {
		t.Errorf("result = %s", exit.Result)
	}
	logged := false
	for _, m := range msgs {
		if m.Type == TypeLog && m.Text == "waiting for data" {
			logged = true
		}
	}
	if !logged {
		t.Error("Log message missing")
	}

	if err := p.SendData(start.TaskID, 1); !errors.Is(err, ErrTaskNotRunning) {
		t.Errorf("SendData() after exit = %v, want ErrTaskNotRunning", err)
	}
}

func TestBootstrapEnvironment(t *testing.T) {
	var warmed atomic.Int32
	entries := testEntries(&gauge{})
	entries.Register("test.warm", func(context.Context, Input) (any, error) {
		warmed.Add(1)
		return nil, nil
	})
	p := newPool(t, Options{
		Size:             Size{StretchTo: 1},
		Variables:        map[string]any{"answer": 42},
		Functions:        map[string]string{"double": "test.double"},
		PostInstallTasks: []Task{{Title: "warm", EntryPoint: "test.warm"}},
	}, entries)
	ctx := timeout(t)

	exit, err := p.Run(ctx, ScheduleInput{Title: "answer", EntryPoint: "test.answer"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	var answer int
	if err := exit.DecodeResult(&answer); err != nil || answer != 42 {
		t.Errorf("answer = %d", answer)
	}

	exit, err = p.Run(ctx, ScheduleInput{Title: "call", EntryPoint: EntryCall, Args: CallArgs{Function: "double", Args: json.RawMessage(`21`)}})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if string(exit.Result) != "42" {
		t.Errorf("double(21) = %s", exit.Result)
	}

	// A second bootstrap is a no-op.
	if _, err := p.Run(ctx, ScheduleInput{Title: "again", EntryPoint: EntryInstall}); err != nil {
		t.Fatal(err)
	}
	if n := warmed.Load(); n != 1 {
		t.Errorf("post-install task ran %d times", n)
	}

	var done, console bool
	for _, e := range p.Events().History() {
		if e.WorkerID == "" {
			t.Errorf("event %s not tagged with its worker", e.Step)
		}
		if e.Step == events.StepInstallDone {
			done = true
		}
		if e.Step == events.StepConsole && e.Component == events.ComponentWorker && e.Text == "Install done" {
			console = true
		}
	}
	if !done || !console {
		t.Errorf("install events missing: done=%v console=%v", done, console)
	}
}

func TestBootstrapFailureReleasesWorker(t *testing.T) {
	p := newPool(t, Options{
		Size:             Size{StartAt: 1, StretchTo: 1},
		PostInstallTasks: []Task{{Title: "broken", EntryPoint: "test.missing"}},
	}, testEntries(&gauge{}))
	ctx := timeout(t)
	if err := p.Ready(ctx); err != nil {
		t.Fatal(err)
	}
	if w := p.Workers(); len(w) != 1 || w[0].Status != StatusIdle {
		t.Fatalf("Workers() = %v", w)
	}
	if _, err := p.Run(ctx, ScheduleInput{Title: "after", EntryPoint: "test.worker"}); err != nil {
		t.Errorf("Run() error: %v", err)
	}
}

// failingFactory creates the first worker and fails every later Create.
type failingFactory struct {
	inner Factory
	calls atomic.Int32
}

func (f *failingFactory) Create(ctx context.Context, id string) (Conn, error) {
	if f.calls.Add(1) > 1 {
		return nil, errors.New("spawn refused")
	}
	return f.inner.Create(ctx, id)
}

func TestFailedCreateIsNotRetried(t *testing.T) {
	gate := make(chan struct{})
	entries := testEntries(&gauge{})
	entries.Register("test.hold", func(context.Context, Input) (any, error) {
		<-gate
		return "held", nil
	})
	factory := &failingFactory{inner: InProcess{Host: HostOptions{Entries: entries}}}
	p := newPool(t, Options{Size: Size{StartAt: 1, StretchTo: 2}, Factory: factory}, entries)
	ctx := timeout(t)
	if err := p.Ready(ctx); err != nil {
		t.Fatal(err)
	}

	held, err := p.Schedule(ctx, ScheduleInput{Title: "hold", EntryPoint: "test.hold"})
	if err != nil {
		t.Fatal(err)
	}
	queued, err := p.Schedule(ctx, ScheduleInput{Title: "queued", EntryPoint: "test.worker"})
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(200 * time.Millisecond)
	if n := factory.calls.Load(); n != 2 {
		t.Errorf("Create called %d times while the first worker was busy, want 2", n)
	}

	close(gate)
	if exit := exitOf(t, drain(t, held)); exit.Failed {
		t.Errorf("held task failed: %s", exit.Result)
	}
	if exit := exitOf(t, drain(t, queued)); exit.Failed {
		t.Errorf("queued task failed: %s", exit.Result)
	}
	if n := len(p.Workers()); n != 1 {
		t.Errorf("Workers() = %v, want the single healthy worker", p.Workers())
	}
}

func TestReserveRespectsStretchTo(t *testing.T) {
	p := newPool(t, Options{Size: Size{StretchTo: 2}}, testEntries(&gauge{}))
	if err := p.Reserve(timeout(t), 5); err != nil {
		t.Fatal(err)
	}
	if n := len(p.Workers()); n != 2 {
		t.Errorf("Reserve(5) created %d workers, want 2", n)
	}
}

func TestTerminate(t *testing.T) {
	gate := make(chan struct{})
	t.Cleanup(func() { close(gate) })
	entries := testEntries(&gauge{})
	entries.Register("test.block", func(context.Context, Input) (any, error) {
		<-gate
		return nil, nil
	})
	p := New(Options{Size: Size{StretchTo: 1}, Factory: InProcess{Host: HostOptions{Entries: entries}}})

	running, err := p.Schedule(context.Background(), ScheduleInput{Title: "block", EntryPoint: "test.block"})
	if err != nil {
		t.Fatal(err)
	}
	queued, err := p.Schedule(context.Background(), ScheduleInput{Title: "queued", EntryPoint: "test.worker"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := running.First(timeout(t), func(m Message) bool { return m.Type == TypeStart }); err != nil {
		t.Fatal(err)
	}

	p.Terminate()
	for _, s := range []*stream.Replay[Message]{running, queued} {
		if exit := exitOf(t, drain(t, s)); !exit.Failed {
			t.Error("task not failed by Terminate")
		}
	}
	if _, err := p.Schedule(context.Background(), ScheduleInput{Title: "late", EntryPoint: "test.worker"}); !errors.Is(err, ErrTerminated) {
		t.Errorf("Schedule() after Terminate = %v", err)
	}
}

func TestProcessFactory(t *testing.T) {
	if testing.Short() {
		t.Skip("starts subprocesses")
	}
	exe, err := os.Executable()
	if err != nil {
		t.Skip(err)
	}
	p := New(Options{
		Size:    Size{StretchTo: 1},
		Factory: Process{Path: exe, Args: []string{"-test.run=^$"}, Env: []string{helperEnv + "=1"}},
	})
	t.Cleanup(p.Terminate)

	exit, err := p.Run(timeout(t), ScheduleInput{Title: "pid", EntryPoint: "test.pid"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	var pid int
	if err := exit.DecodeResult(&pid); err != nil {
		t.Fatal(err)
	}
	if pid == 0 || pid == os.Getpid() {
		t.Errorf("task ran in pid %d, want a subprocess", pid)
	}

	exit, err = p.Run(timeout(t), ScheduleInput{Title: "echo", EntryPoint: EntryEcho, Args: map[string]string{"a": "b"}})
	if err != nil {
		t.Fatal(err)
	}
	if string(exit.Result) != `{"a":"b"}` {
		t.Errorf("echo = %s", exit.Result)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Terminate()
	}()
	wg.Wait()
}
