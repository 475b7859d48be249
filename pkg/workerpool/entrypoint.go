package workerpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/matzehuels/webpm/pkg/pipeline"
	"github.com/matzehuels/webpm/pkg/registry"
)

// Names of the built-in entry points.
const (
	EntryInstall   = "webpm.install"
	EntryEcho      = "webpm.echo"
	EntryCall      = "webpm.call"
	EntrySymbols   = "webpm.symbols"
	EntryInstalled = "webpm.installed"
)

// ErrUnknownEntryPoint is returned when a task names an entry point the
// worker does not know.
var ErrUnknownEntryPoint = errors.New("unknown entry point")

// EntryPoint is a function a worker can run. Its result must be JSON
// serializable.
type EntryPoint func(ctx context.Context, in Input) (any, error)

// Input is passed to an entry point.
type Input struct {
	Args     json.RawMessage
	TaskID   string
	WorkerID string
	Context  *Context
	Scope    *WorkerScope
}

// Bind decodes the arguments into v.
func (in Input) Bind(v any) error {
	if len(in.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(in.Args, v); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}

// Entries is a set of named entry points.
type Entries struct {
	mu sync.RWMutex
	m  map[string]EntryPoint
}

// NewEntries returns a set holding the built-in entry points.
func NewEntries() *Entries {
	e := &Entries{m: make(map[string]EntryPoint)}
	e.Register(EntryInstall, entryInstall)
	e.Register(EntryEcho, entryEcho)
	e.Register(EntryCall, entryCall)
	e.Register(EntrySymbols, entrySymbols)
	e.Register(EntryInstalled, entryInstalled)
	return e
}

// Register adds or replaces an entry point.
func (e *Entries) Register(name string, fn EntryPoint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.m[name] = fn
}

// Lookup returns the entry point registered under name.
func (e *Entries) Lookup(name string) (EntryPoint, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.m[name]
	return fn, ok
}

// Names returns the registered names, sorted.
func (e *Entries) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.m))
	for name := range e.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WorkerScope is the state shared by the tasks of one worker: the
// installed environment and the variables and functions exposed by the
// bootstrap.
type WorkerScope struct {
	mu        sync.RWMutex
	installer *pipeline.Installer
	variables map[string]json.RawMessage
	functions map[string]EntryPoint
	installed bool
}

func newWorkerScope() *WorkerScope {
	return &WorkerScope{
		variables: make(map[string]json.RawMessage),
		functions: make(map[string]EntryPoint),
	}
}

// Installer returns the installer of the worker environment, nil before
// the bootstrap ran.
func (s *WorkerScope) Installer() *pipeline.Installer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.installer
}

// Symbols returns the symbol scope of the worker environment.
func (s *WorkerScope) Symbols() *registry.Scope {
	if inst := s.Installer(); inst != nil {
		return inst.Scope()
	}
	return nil
}

// Variable decodes the exposed variable id into v.
func (s *WorkerScope) Variable(id string, v any) error {
	s.mu.RLock()
	raw, ok := s.variables[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("variable %s not exposed", id)
	}
	return json.Unmarshal(raw, v)
}

// Function returns the exposed function id.
func (s *WorkerScope) Function(id string) (EntryPoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.functions[id]
	return fn, ok
}

// Installed reports whether the bootstrap completed.
func (s *WorkerScope) Installed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.installed
}

func entryEcho(_ context.Context, in Input) (any, error) {
	if len(in.Args) == 0 {
		return nil, nil
	}
	return in.Args, nil
}

// CallArgs are the arguments of the webpm.call entry point.
type CallArgs struct {
	Function string          `json:"function"`
	Args     json.RawMessage `json:"args,omitempty"`
}

func entryCall(ctx context.Context, in Input) (any, error) {
	var args CallArgs
	if err := in.Bind(&args); err != nil {
		return nil, err
	}
	fn, ok := in.Scope.Function(args.Function)
	if !ok {
		return nil, fmt.Errorf("function %s not exposed", args.Function)
	}
	in.Args = args.Args
	return fn(ctx, in)
}

func entrySymbols(_ context.Context, in Input) (any, error) {
	scope := in.Scope.Symbols()
	if scope == nil {
		return []string{}, nil
	}
	return scope.Symbols().Names(), nil
}

// InstalledLibrary is an element of the webpm.installed result.
type InstalledLibrary struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	APIKey  string `json:"apiKey"`
}

func entryInstalled(_ context.Context, in Input) (any, error) {
	out := []InstalledLibrary{}
	inst := in.Scope.Installer()
	if inst == nil {
		return out, nil
	}
	for _, rec := range inst.Registry().Installed() {
		out = append(out, InstalledLibrary{Name: rec.Name, Version: rec.Version, APIKey: rec.APIKey})
	}
	return out, nil
}
