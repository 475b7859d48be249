package registry

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Artifact is the fetched content of a script or module.
type Artifact struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	AssetID string `json:"assetId"`
	URL     string `json:"url"`
	Content []byte `json:"-"`
}

// Evaluator activates artifacts. It returns the artifact's export, which
// may be nil for artifacts that export nothing.
type Evaluator interface {
	Evaluate(ctx context.Context, scope *Scope, a *Artifact) (any, error)
}

// EvaluatorFunc adapts a function to an Evaluator.
type EvaluatorFunc func(ctx context.Context, scope *Scope, a *Artifact) (any, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, scope *Scope, a *Artifact) (any, error) {
	return f(ctx, scope, a)
}

// Member is implemented by exports that expose named properties other
// than through a map, such as backend clients.
type Member interface {
	Member(name string) (any, bool)
}

// SymbolTable maps bound names to values.
type SymbolTable map[string]any

// Merge copies other into t.
func (t SymbolTable) Merge(other SymbolTable) {
	maps.Copy(t, other)
}

// Names returns the bound names, sorted.
func (t SymbolTable) Names() []string {
	return slices.Sorted(maps.Keys(t))
}

// Scope is an execution scope: a symbol table, the record of what was
// evaluated in it, and the evaluator used to activate artifacts.
type Scope struct {
	evaluator Evaluator

	mu          sync.RWMutex
	symbols     map[string]any
	scripts     []string
	stylesheets []string
	attrs       map[string]string
}

// NewScope creates an empty scope. A nil evaluator means [DecodeEvaluator].
func NewScope(ev Evaluator) *Scope {
	if ev == nil {
		ev = DecodeEvaluator{}
	}
	return &Scope{
		evaluator: ev,
		symbols:   make(map[string]any),
		attrs:     make(map[string]string),
	}
}

// Evaluate activates a in the scope and records its URL.
func (s *Scope) Evaluate(ctx context.Context, a *Artifact) (any, error) {
	v, err := s.evaluator.Evaluate(ctx, s, a)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if !slices.Contains(s.scripts, a.URL) {
		s.scripts = append(s.scripts, a.URL)
	}
	s.mu.Unlock()
	return v, nil
}

// Evaluated reports whether url was evaluated in the scope.
func (s *Scope) Evaluated(url string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.scripts, url)
}

// Scripts returns the evaluated URLs in evaluation order.
func (s *Scope) Scripts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.scripts)
}

// Get returns the value bound to name.
func (s *Scope) Get(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.symbols[name]
	return v, ok
}

// Set binds name to v.
func (s *Scope) Set(name string, v any) {
	s.mu.Lock()
	s.symbols[name] = v
	s.mu.Unlock()
}

// Bind binds every entry of t.
func (s *Scope) Bind(t SymbolTable) {
	s.mu.Lock()
	maps.Copy(s.symbols, t)
	s.mu.Unlock()
}

// Delete unbinds name.
func (s *Scope) Delete(name string) {
	s.mu.Lock()
	delete(s.symbols, name)
	s.mu.Unlock()
}

// Symbols returns a copy of the symbol table.
func (s *Scope) Symbols() SymbolTable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.symbols)
}

// Lookup resolves a dotted path such as "rxjs.operators" starting from
// the scope's symbols.
func (s *Scope) Lookup(path string) (any, bool) {
	head, rest, _ := strings.Cut(path, ".")
	v, ok := s.Get(head)
	if !ok {
		return nil, false
	}
	if rest == "" {
		return v, true
	}
	return Project(v, rest)
}

// AddStylesheet records a stylesheet URL. It reports false if the URL was
// already recorded.
func (s *Scope) AddStylesheet(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.Contains(s.stylesheets, url) {
		return false
	}
	s.stylesheets = append(s.stylesheets, url)
	return true
}

// HasStylesheet reports whether url was recorded.
func (s *Scope) HasStylesheet(url string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.stylesheets, url)
}

// Stylesheets returns the recorded stylesheet URLs.
func (s *Scope) Stylesheets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.stylesheets)
}

// SetAttr sets a scope attribute, such as the cross-origin policy applied
// to requests made on the scope's behalf.
func (s *Scope) SetAttr(key, value string) {
	s.mu.Lock()
	s.attrs[key] = value
	s.mu.Unlock()
}

// Attr returns a scope attribute.
func (s *Scope) Attr(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attrs[key]
}

// Project walks a dotted property path from v. Maps with string keys and
// [Member] implementations can be walked.
func Project(v any, path string) (any, bool) {
	for _, key := range strings.Split(path, ".") {
		switch m := v.(type) {
		case map[string]any:
			next, ok := m[key]
			if !ok {
				return nil, false
			}
			v = next
		case Member:
			next, ok := m.Member(key)
			if !ok {
				return nil, false
			}
			v = next
		default:
			return nil, false
		}
	}
	return v, true
}
