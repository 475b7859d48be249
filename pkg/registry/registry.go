// Package registry keeps track of what is installed in a runtime.
//
// A [Registry] is the single source of truth of one runtime (a CLI process
// or a pool worker): the installed versions of every library and the
// symbols they are bound to, the installed Python modules, and the memos
// deduplicating loading graph queries, artifact fetches, channels and
// runtime singletons. It is created once and passed to every installer.
//
// Activation happens in a [Scope], the symbol table artifacts are bound
// into. Each (name, apiKey) compatibility class owns one slot symbol
// "<exportedSymbol>_APIv<apiKey>" holding its newest version; the plain
// exported symbol and the declared aliases follow the newest version of
// the name overall.
package registry

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/webpm/pkg/channel"
	"github.com/matzehuels/webpm/pkg/graph"
)

// Record is one installed version of a library.
type Record struct {
	Name           string     `json:"name"`
	Version        string     `json:"version"`
	VersionNumber  int64      `json:"versionNumber"`
	APIKey         string     `json:"apiKey"`
	ExportedSymbol string     `json:"exportedSymbol"`
	Aliases        []string   `json:"aliases"`
	Kind           graph.Kind `json:"type"`
	URL            string     `json:"url,omitempty"`
}

// Symbol returns the slot symbol of the record's compatibility class.
func (r Record) Symbol() string {
	return graph.FullExportedSymbol(r.ExportedSymbol, r.APIKey)
}

// Activated is a library whose artifact has been evaluated.
type Activated struct {
	Library graph.Library
	URL     string
	Value   any
}

// Registry is the installation state of a runtime. It is safe for
// concurrent use.
type Registry struct {
	// Graphs memoizes loading graph queries by request body.
	Graphs *Memo[*graph.LoadingGraph]
	// Scripts memoizes artifact fetches by URL.
	Scripts *Memo[*Artifact]
	// Channels memoizes open push channels by URL.
	Channels *Memo[*channel.Channel]
	// Runtimes holds runtime singletons, such as the Python environment.
	Runtimes *Memo[any]

	logger *log.Logger

	mu        sync.RWMutex
	installed map[string][]Record
	latest    map[string]string
	pyModules []string
	pinned    []string
}

// New creates an empty registry. A nil logger discards output.
func New(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	r := &Registry{logger: logger}
	r.init()
	return r
}

func (r *Registry) init() {
	r.Graphs = NewMemo[*graph.LoadingGraph]()
	r.Scripts = NewMemo[*Artifact]()
	r.Channels = NewMemo[*channel.Channel]()
	r.Runtimes = NewMemo[any]()
	r.installed = make(map[string][]Record)
	r.latest = make(map[string]string)
	r.pyModules = nil
}

// Logger returns the registry's logger.
func (r *Registry) Logger() *log.Logger { return r.logger }

// =============================================================================
// Compatibility
// =============================================================================

// IsCompatible reports whether a request for name#version with the given
// API key is already served: the exact version is installed, or a greater
// version sharing the API key is.
func (r *Registry) IsCompatible(name, version, apiKey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.installed[name] {
		if rec.Version == version {
			return true
		}
		if rec.APIKey == apiKey && graph.Compare(rec.Version, version) > 0 {
			r.logger.Debug("greater compatible version already installed, skip install",
				"name", name, "queried", version, "installed", rec.Version, "apiKey", apiKey)
			return true
		}
	}
	return false
}

// =============================================================================
// Registration
// =============================================================================

// RegisterActivated records activated libraries and binds their symbols
// in scope. For every library the slot symbol of its compatibility class
// is bound unless a newer version of the class is registered; the plain
// exported symbol and aliases are rebound unless a newer version of the
// name is registered. Member aliases "alias:member.path" bind a property
// of the export.
//
// The returned table holds every binding made. Libraries without an
// export are reported in the error and skipped.
func (r *Registry) RegisterActivated(libs []Activated, scope *Scope) (SymbolTable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	table := make(SymbolTable)
	var errs []error
	for _, a := range libs {
		lib := a.Library
		if a.Value == nil {
			r.logger.Error("export symbol not found", "name", lib.Name, "version", lib.Version, "symbol", lib.FullExportedSymbol())
			errs = append(errs, fmt.Errorf("%s#%s: no export to bind at %s", lib.Name, lib.Version, lib.FullExportedSymbol()))
			continue
		}
		rec := Record{
			Name:           lib.Name,
			Version:        lib.Version,
			VersionNumber:  graph.VersionNumber(lib.Version),
			APIKey:         lib.APIKey,
			ExportedSymbol: lib.ExportedSymbol,
			Aliases:        slices.Clone(lib.Aliases),
			Kind:           lib.Type,
			URL:            a.URL,
		}
		r.insert(rec)

		if r.newestOfClass(rec) {
			table[rec.Symbol()] = a.Value
			scope.Set(rec.Symbol(), a.Value)
		}
		r.bindLatest(rec, a.Value, scope, table)
	}
	return table, errors.Join(errs...)
}

func (r *Registry) insert(rec Record) {
	versions := r.installed[rec.Name]
	for _, v := range versions {
		if v.Version == rec.Version {
			return
		}
	}
	versions = append(versions, rec)
	sort.SliceStable(versions, func(i, j int) bool {
		return graph.Compare(versions[i].Version, versions[j].Version) > 0
	})
	r.installed[rec.Name] = versions
}

func (r *Registry) newestOfClass(rec Record) bool {
	for _, v := range r.installed[rec.Name] {
		if v.APIKey == rec.APIKey {
			return v.Version == rec.Version
		}
	}
	return true
}

func (r *Registry) bindLatest(rec Record, value any, scope *Scope, table SymbolTable) {
	prev, ok := r.latest[rec.Name]
	if ok && (prev == rec.Version || graph.Compare(rec.Version, prev) < 0) {
		return
	}
	if ok {
		if old, found := r.find(rec.Name, prev); found {
			for _, name := range append([]string{old.ExportedSymbol}, old.Aliases...) {
				base, _, _ := strings.Cut(name, ":")
				scope.Delete(base)
			}
		}
	}
	for _, alias := range append([]string{rec.ExportedSymbol}, rec.Aliases...) {
		base, member, isMember := strings.Cut(alias, ":")
		v := value
		if isMember {
			projected, found := Project(value, member)
			if !found {
				r.logger.Warn("can not create alias", "alias", base, "member", member, "name", rec.Name)
				continue
			}
			v = projected
		}
		table[base] = v
		scope.Set(base, v)
	}
	r.latest[rec.Name] = rec.Version
}

func (r *Registry) find(name, version string) (Record, bool) {
	for _, rec := range r.installed[name] {
		if rec.Version == version {
			return rec, true
		}
	}
	return Record{}, false
}

// =============================================================================
// Introspection
// =============================================================================

// Installed returns every installed version, ordered by name then newest
// first.
func (r *Registry) Installed() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.installed))
	for name := range r.installed {
		names = append(names, name)
	}
	sort.Strings(names)
	var out []Record
	for _, name := range names {
		out = append(out, r.installed[name]...)
	}
	return out
}

// Versions returns the installed versions of name, newest first.
func (r *Registry) Versions(name string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.installed[name])
}

// Latest returns the version of name whose exported symbol is bound.
func (r *Registry) Latest(name string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.latest[name]
	if !ok {
		return Record{}, false
	}
	return r.find(name, v)
}

// Resolve returns the newest installed version of name in the semver
// range.
func (r *Registry) Resolve(name, rng string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.installed[name] {
		if graph.Satisfies(rec.Version, rng) {
			return rec, true
		}
	}
	return Record{}, false
}

// Artifacts returns the fetched artifacts, ordered by URL.
func (r *Registry) Artifacts() []*Artifact {
	return r.Scripts.Values()
}

// =============================================================================
// Python modules
// =============================================================================

// RegisterPyModules records installed Python modules.
func (r *Registry) RegisterPyModules(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		if !slices.Contains(r.pyModules, n) {
			r.pyModules = append(r.pyModules, n)
		}
	}
}

// PyModules returns the installed Python modules.
func (r *Registry) PyModules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.pyModules)
}

// HasPyModule reports whether a Python module is installed.
func (r *Registry) HasPyModule(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.pyModules, name)
}

// =============================================================================
// Pinned dependencies
// =============================================================================

// Pin adds "name#version" queries that every loading graph query uses.
func (r *Registry) Pin(queries ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pinned = append(r.pinned, queries...)
}

// Pinned returns the pinned queries.
func (r *Registry) Pinned() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.pinned)
}

// =============================================================================
// Reset
// =============================================================================

// Clear unbinds every registered symbol from scope and resets the
// registry.
func (r *Registry) Clear(scope *Scope) {
	r.mu.RLock()
	for _, versions := range r.installed {
		for _, rec := range versions {
			scope.Delete(rec.Symbol())
			for _, name := range append([]string{rec.ExportedSymbol}, rec.Aliases...) {
				base, _, _ := strings.Cut(name, ":")
				scope.Delete(base)
			}
		}
	}
	r.mu.RUnlock()
	r.Reset()
}

// Reset forgets everything, closing open channels. Pinned queries are
// kept.
func (r *Registry) Reset() {
	for _, ch := range r.Channels.Values() {
		_ = ch.Close()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init()
}
