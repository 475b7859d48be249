package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/matzehuels/webpm/pkg/backend"
	"github.com/matzehuels/webpm/pkg/buildinfo"
	"github.com/matzehuels/webpm/pkg/cache"
	"github.com/matzehuels/webpm/pkg/channel"
	"github.com/matzehuels/webpm/pkg/config"
	"github.com/matzehuels/webpm/pkg/events"
	"github.com/matzehuels/webpm/pkg/fetch"
	"github.com/matzehuels/webpm/pkg/graph"
	"github.com/matzehuels/webpm/pkg/integrations"
	"github.com/matzehuels/webpm/pkg/integrations/github"
	"github.com/matzehuels/webpm/pkg/python"
	"github.com/matzehuels/webpm/pkg/registry"
	"github.com/matzehuels/webpm/pkg/resolver"
	"github.com/matzehuels/webpm/pkg/session"
)

// Options configure an Installer. Only Backend is required.
type Options struct {
	// Backend holds the URLs of the resolution server.
	Backend config.Backend
	// Registry is the installation state; a fresh one when nil.
	Registry *registry.Registry
	// Scope receives activated symbols by default; a fresh one when nil.
	Scope *registry.Scope

	// Cache persists loading graphs and artifacts across processes.
	Cache cache.Cache
	Keyer cache.Keyer
	TTL   time.Duration
	// Headers are added to every request.
	Headers map[string]string
	// Pinned maps names to versions used by every loading graph query.
	Pinned map[string]string
	// CrossOrigin is recorded on the scope of every install.
	CrossOrigin string
	PatchURL    fetch.PatchFunc

	// Sessions locate the local server for backend installs.
	Sessions session.Source
	Dialer   channel.Dialer
	// PartitionID of the backends; a random one when empty.
	PartitionID string

	PythonLoader python.Loader
	Releases     *github.Client

	// Events receives the events of every install.
	Events events.Sink
	Logger *log.Logger
}

// Installer runs installations against one registry. It is safe for
// concurrent use.
type Installer struct {
	reg       *registry.Registry
	scope     *registry.Scope
	resolver  *resolver.Resolver
	fetcher   *fetch.Fetcher
	backends  *backend.Installer
	python    *python.Installer
	partition string
	origin    string
	events    events.Sink
	logger    *log.Logger
}

// NewInstaller creates an installer and the components it drives.
func NewInstaller(opts Options) *Installer {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	reg := opts.Registry
	if reg == nil {
		reg = registry.New(logger)
	}
	scope := opts.Scope
	if scope == nil {
		scope = registry.NewScope(nil)
	}
	partition := opts.PartitionID
	if partition == "" {
		partition = uuid.NewString()[:8]
	}
	headers := map[string]string{"User-Agent": buildinfo.UserAgent()}
	for k, v := range opts.Headers {
		headers[k] = v
	}
	client := integrations.NewClient(nil, buildinfo.Name, 0, headers)

	return &Installer{
		reg:   reg,
		scope: scope,
		resolver: resolver.New(resolver.Options{
			URL:      opts.Backend.URLLoadingGraph,
			Registry: reg,
			Client:   client,
			Cache:    opts.Cache,
			Keyer:    opts.Keyer,
			TTL:      opts.TTL,
			Pinned:   opts.Pinned,
			Logger:   logger,
		}),
		fetcher: fetch.New(fetch.Options{
			ResourceURL: opts.Backend.URLResource,
			Registry:    reg,
			Client:      client,
			PatchURL:    opts.PatchURL,
			Cache:       opts.Cache,
			Keyer:       opts.Keyer,
			TTL:         opts.TTL,
			Logger:      logger,
		}),
		backends: backend.New(backend.Options{
			Registry: reg,
			Sessions: opts.Sessions,
			Dialer:   opts.Dialer,
			Client:   client,
			Logger:   logger,
		}),
		python: python.New(python.Options{
			Registry:   reg,
			Loader:     opts.PythonLoader,
			Client:     client,
			Releases:   opts.Releases,
			PyodideURL: opts.Backend.URLPyodide,
			PypiURL:    opts.Backend.URLPypi,
			Logger:     logger,
		}),
		partition: partition,
		origin:    opts.CrossOrigin,
		events:    events.OrDiscard(opts.Events),
		logger:    logger,
	}
}

// Registry returns the installation state.
func (in *Installer) Registry() *registry.Registry { return in.reg }

// Scope returns the default scope.
func (in *Installer) Scope() *registry.Scope { return in.scope }

// Resolver returns the loading graph resolver.
func (in *Installer) Resolver() *resolver.Resolver { return in.resolver }

// Backends returns the backend installer.
func (in *Installer) Backends() *backend.Installer { return in.backends }

// PartitionID returns the default backend partition.
func (in *Installer) PartitionID() string { return in.partition }

// run carries the per-install state shared by the install paths.
type run struct {
	scope     *registry.Scope
	sink      events.Sink
	partition string
}

func (in *Installer) console(r run, level events.Level, component events.Component, text string) {
	r.sink.Emit(events.Console(level, component, text))
	switch level {
	case events.LevelError:
		in.logger.Error(text, "component", component)
	case events.LevelWarning:
		in.logger.Warn(text, "component", component)
	default:
		in.logger.Debug(text, "component", component)
	}
}

// Install runs an installation. Python, modules (followed by standalone
// scripts) and stylesheets are installed concurrently; the first failure
// of a path stops that path only. The errors of every path are joined.
func (in *Installer) Install(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	r := run{scope: req.Scope, sink: events.Multi(in.events, req.Events), partition: req.Backends.PartitionID}
	if r.scope == nil {
		r.scope = in.scope
	}
	if r.partition == "" {
		r.partition = in.partition
	}
	if err := req.Validate(); err != nil {
		r.sink.Emit(events.InstallError(err))
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if in.origin != "" {
		r.scope.SetAttr(AttrCrossOrigin, in.origin)
	}

	result := &Result{Symbols: make(registry.SymbolTable)}
	var (
		mu                    sync.Mutex
		wg                    sync.WaitGroup
		pyErr, modErr, cssErr error
	)
	merge := func(t registry.SymbolTable) {
		mu.Lock()
		result.Symbols.Merge(t)
		mu.Unlock()
	}

	if req.Pyodide != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := time.Now()
			res, err := in.installPython(ctx, *req.Pyodide, r)
			result.Stats.PythonTime = time.Since(t)
			if err != nil {
				pyErr = err
				return
			}
			merge(res.Symbols)
			result.PythonLock = res.Lock
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.Now()
		symbols, g, err := in.installModules(ctx, req, r, &result.Stats)
		merge(symbols)
		result.Graph = g
		if err == nil && len(req.ESM.Scripts) > 0 {
			err = in.installScripts(ctx, req.ESM.Scripts, r)
		}
		result.Stats.ModulesTime = time.Since(t)
		modErr = err
	}()

	if len(req.CSS) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := time.Now()
			cssErr = in.installCSS(ctx, req.CSS, r)
			result.Stats.CSSTime = time.Since(t)
		}()
	}

	wg.Wait()
	result.Stats.Duration = time.Since(start)

	if err := errors.Join(pyErr, modErr, cssErr); err != nil {
		in.logger.Error("installation failed", "err", err, "duration", result.Stats.Duration)
		r.sink.Emit(events.InstallError(err))
		return nil, err
	}
	in.logger.Info("installed",
		"layers", result.Stats.Layers,
		"activated", result.Stats.Activated,
		"skipped", result.Stats.Skipped,
		"backends", result.Stats.Backends,
		"duration", result.Stats.Duration)
	r.sink.Emit(events.InstallDone())
	return result, nil
}

// installModules resolves and installs the modules and backends of req,
// then binds the aliases.
func (in *Installer) installModules(ctx context.Context, req Request, r run, stats *Stats) (registry.SymbolTable, *graph.LoadingGraph, error) {
	aliases := make(map[string]string)
	for k, v := range req.ESM.Aliases {
		aliases[k] = v
	}
	for k, v := range graph.InlinedAliases(req.ESM.Modules, "") {
		aliases[k] = v
	}
	for k, v := range graph.InlinedAliases(req.Backends.Modules, graph.PartitionPrefix+r.partition) {
		aliases[k] = v
	}

	modules := append(append([]string{}, req.ESM.Modules...), req.Backends.Modules...)
	if len(modules) == 0 {
		return in.installAliases(aliases, r), nil, nil
	}
	if len(req.Backends.Modules) == 0 && resolver.AlreadyInstalled(in.reg, modules) {
		in.logger.Debug("modules already installed", "modules", modules)
		return in.installAliases(aliases, r), nil, nil
	}

	r.sink.Emit(events.LoadingGraphQuery())
	t := time.Now()
	g, err := in.resolver.Resolve(ctx, resolver.Query{
		Modules:           modules,
		UsingDependencies: req.ESM.UsingDependencies,
		ExtraIndex:        req.ESM.ExtraIndex,
	})
	stats.ResolveTime = time.Since(t)
	if err != nil {
		in.console(r, events.LevelError, events.ComponentLoadingGraph,
			"Failed to retrieve the loading graph: HTTP request failed. See console for details.")
		r.sink.Emit(events.LoadingGraphError(err))
		return nil, nil, err
	}
	r.sink.Emit(events.LoadingGraphResolved(g))
	in.logger.Info("resolved loading graph",
		"modules", len(modules),
		"layers", len(g.Definition),
		"libraries", len(g.Lock),
		"duration", stats.ResolveTime)

	symbols, err := in.installGraph(ctx, GraphInput{
		Graph:          g,
		SideEffects:    req.ESM.ModulesSideEffects,
		Configurations: req.Backends.Configurations,
	}, r, stats)
	if err != nil {
		return symbols, g, err
	}
	symbols.Merge(in.installAliases(aliases, r))
	return symbols, g, nil
}

// installAliases binds aliases. A "name#range" target resolves to the
// newest registered version in range; any other target is a symbol path
// in the scope. Targets that cannot be resolved are skipped.
func (in *Installer) installAliases(aliases map[string]string, r run) registry.SymbolTable {
	table := make(registry.SymbolTable)
	names := make([]string, 0, len(aliases))
	for alias := range aliases {
		names = append(names, alias)
	}
	sort.Strings(names)

	for _, alias := range names {
		target := aliases[alias]
		var (
			value any
			ok    bool
		)
		if name, rng, isQuery := strings.Cut(target, "#"); isQuery {
			if rec, found := in.reg.Resolve(name, rng); found {
				value, ok = r.scope.Get(rec.Symbol())
			}
		} else {
			value, ok = r.scope.Lookup(target)
		}
		if !ok {
			in.console(r, events.LevelWarning, events.ComponentESM,
				fmt.Sprintf("can not create alias %s: %s not found", alias, target))
			continue
		}
		r.scope.Set(alias, value)
		table[alias] = value
	}
	return table
}

func (in *Installer) installPython(ctx context.Context, p Pyodide, r run) (*python.Result, error) {
	alias := p.Alias
	if alias == "" {
		alias = DefaultPyodideAlias
	}
	return in.python.Install(ctx, python.Request{
		Version:  p.Version,
		Modules:  p.Modules,
		Alias:    alias,
		IndexURL: p.IndexURL,
		Scope:    r.scope,
		Events:   r.sink,
	})
}
