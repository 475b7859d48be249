package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matzehuels/webpm/pkg/cache"
	werrors "github.com/matzehuels/webpm/pkg/errors"
	"github.com/matzehuels/webpm/pkg/graph"
	"github.com/matzehuels/webpm/pkg/registry"
)

const graphResponse = `{
  "graphType": "sequential-v2",
  "lock": [
    {"id": "YQ==", "name": "a", "version": "1.0.0", "type": "js/wasm", "apiKey": "1", "aliases": []},
    {"id": "Yg==", "name": "b", "version": "2.1.0", "type": "js/wasm", "apiKey": "2", "exportedSymbol": "B", "aliases": ["bee"]}
  ],
  "definition": [
    [["YQ==", "YQ==/1.0.0/index.js"]],
    [["Yg==", "Yg==/2.1.0/index.js"]]
  ]
}`

type fakeServer struct {
	*httptest.Server
	calls  atomic.Int32
	mu     sync.Mutex
	bodies []Body
}

func newServer(t *testing.T, handler func(w http.ResponseWriter, b Body)) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.calls.Add(1)
		var b Body
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			t.Errorf("decode body: %v", err)
		}
		fs.mu.Lock()
		fs.bodies = append(fs.bodies, b)
		fs.mu.Unlock()
		handler(w, b)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func ok(w http.ResponseWriter, _ Body) { w.Write([]byte(graphResponse)) }

func TestResolve(t *testing.T) {
	srv := newServer(t, ok)
	reg := registry.New(nil)
	reg.Pin("c#1.0.0")
	r := New(Options{URL: srv.URL, Registry: reg, Pinned: map[string]string{"d": "3.0.0"}})

	g, err := r.Resolve(context.Background(), Query{
		Modules:           []string{"a#^1.0.0 as A", "b"},
		UsingDependencies: []string{"d#3.1.0"},
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if len(g.Definition) != 2 || len(g.Lock) != 2 {
		t.Fatalf("unexpected graph: %+v", g)
	}
	if g.Lock[0].ExportedSymbol != "a" {
		t.Errorf("exportedSymbol not back-filled: %q", g.Lock[0].ExportedSymbol)
	}
	if g.Lock[1].ExportedSymbol != "B" {
		t.Errorf("exportedSymbol overwritten: %q", g.Lock[1].ExportedSymbol)
	}

	body := srv.bodies[0]
	if len(body.Libraries) != 2 || body.Libraries[0] != (library{Name: "a", Version: "^1.0.0"}) || body.Libraries[1].Version != "*" {
		t.Errorf("libraries = %+v", body.Libraries)
	}
	if body.Using["c"] != "1.0.0" {
		t.Errorf("registry pin missing: %v", body.Using)
	}
	if body.Using["d"] != "3.1.0" {
		t.Errorf("explicit using should override the configured pin: %v", body.Using)
	}
}

func TestResolveSharesPendingQuery(t *testing.T) {
	release := make(chan struct{})
	srv := newServer(t, func(w http.ResponseWriter, b Body) {
		<-release
		ok(w, b)
	})
	r := New(Options{URL: srv.URL})

	var wg sync.WaitGroup
	graphs := make([]*graph.LoadingGraph, 5)
	for i := range graphs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := r.Resolve(context.Background(), Query{Modules: []string{"a"}})
			if err != nil {
				t.Errorf("Resolve() error: %v", err)
			}
			graphs[i] = g
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := srv.calls.Load(); n != 1 {
		t.Errorf("server called %d times, want 1", n)
	}
	for _, g := range graphs[1:] {
		if g != graphs[0] {
			t.Error("callers should share the same graph")
		}
	}

	if _, err := r.Resolve(context.Background(), Query{Modules: []string{"a"}}); err != nil {
		t.Fatal(err)
	}
	if n := srv.calls.Load(); n != 1 {
		t.Errorf("settled query re-issued: %d calls", n)
	}
}

func TestResolveErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{
			name:   "dependencies",
			status: http.StatusBadRequest,
			body:   `{"exceptionType":"DependenciesError","detail":{"context":"resolve","errors":[{"query":"a#^9.0.0","fromPackage":{"name":"root","version":"0.0.0"},"detail":"no match"}]}}`,
			check: func(err error) bool {
				var e *werrors.DependenciesError
				return errors.As(err, &e)
			},
		},
		{
			name:   "circular",
			status: http.StatusConflict,
			body:   `{"exceptionType":"UpstreamResponseException","detail":{"exceptionType":"CircularDependencies","detail":{"context":"resolve","packages":{"a":[{"name":"b","version":"1.0.0"}]}}}}`,
			check: func(err error) bool {
				var e *werrors.CircularDependencies
				return errors.As(err, &e)
			},
		},
		{
			name:   "server failure",
			status: http.StatusInternalServerError,
			body:   `oops`,
			check: func(err error) bool {
				var e *werrors.LoadingGraphError
				return errors.As(err, &e)
			},
		},
		{
			name:   "schema violation",
			status: http.StatusOK,
			body:   `{"graphType":"sequential-v2","lock":[{"name":"a"}],"definition":[]}`,
			check: func(err error) bool {
				var e *werrors.LoadingGraphError
				return errors.As(err, &e)
			},
		},
		{
			name:   "dangling entry",
			status: http.StatusOK,
			body:   `{"graphType":"sequential-v2","lock":[],"definition":[[["YQ==","YQ==/1.0.0/a.js"]]]}`,
			check: func(err error) bool {
				var e *werrors.LoadingGraphError
				return errors.As(err, &e)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, func(w http.ResponseWriter, _ Body) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			r := New(Options{URL: srv.URL})
			_, err := r.Resolve(context.Background(), Query{Modules: []string{"a"}})
			if err == nil || !tt.check(err) {
				t.Errorf("Resolve() error = %v (%T)", err, err)
			}
		})
	}
}

func TestResolveRetriesAfterFailure(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := newServer(t, func(w http.ResponseWriter, b Body) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		ok(w, b)
	})
	r := New(Options{URL: srv.URL})

	if _, err := r.Resolve(context.Background(), Query{Modules: []string{"a"}}); err == nil {
		t.Fatal("expected an error")
	}
	fail.Store(false)
	if _, err := r.Resolve(context.Background(), Query{Modules: []string{"a"}}); err != nil {
		t.Fatalf("second Resolve() error: %v", err)
	}
	if n := srv.calls.Load(); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

func TestResolvePersistentCache(t *testing.T) {
	srv := newServer(t, ok)
	fc, err := cache.NewFileCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer fc.Close()

	for i := 0; i < 2; i++ {
		// A fresh registry per round: only the persistent cache is shared.
		r := New(Options{URL: srv.URL, Cache: fc, TTL: time.Hour})
		g, err := r.Resolve(context.Background(), Query{Modules: []string{"a"}})
		if err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
		if g.Lock[0].Name != "a" {
			t.Errorf("round %d: lock = %+v", i, g.Lock)
		}
	}
	if n := srv.calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestResolveRejectsBadModule(t *testing.T) {
	r := New(Options{URL: "http://unused"})
	if _, err := r.Resolve(context.Background(), Query{Modules: []string{"../evil"}}); err == nil {
		t.Error("expected a validation error")
	}
}

func TestAlreadyInstalled(t *testing.T) {
	reg := registry.New(nil)
	scope := registry.NewScope(nil)
	lib := graph.Library{Name: "a", Version: "1.4.0", ExportedSymbol: "a", APIKey: "1", Type: graph.KindScript}
	if _, err := reg.RegisterActivated([]registry.Activated{{Library: lib, Value: 1}}, scope); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		modules []string
		want    bool
	}{
		{[]string{"a#^1.0.0"}, true},
		{[]string{"a"}, true},
		{[]string{"a#^1.0.0 as A"}, true},
		{[]string{"a#^2.0.0"}, false},
		{[]string{"a", "b"}, false},
	}
	for _, tt := range tests {
		if got := AlreadyInstalled(reg, tt.modules); got != tt.want {
			t.Errorf("AlreadyInstalled(%v) = %v, want %v", tt.modules, got, tt.want)
		}
	}
}
