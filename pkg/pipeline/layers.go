package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matzehuels/webpm/pkg/backend"
	werrors "github.com/matzehuels/webpm/pkg/errors"
	"github.com/matzehuels/webpm/pkg/events"
	"github.com/matzehuels/webpm/pkg/graph"
	"github.com/matzehuels/webpm/pkg/observability"
	"github.com/matzehuels/webpm/pkg/registry"
)

// GraphInput is an already resolved loading graph to install.
type GraphInput struct {
	Graph          *graph.LoadingGraph
	SideEffects    map[string]ModuleSideEffect
	Configurations map[string]backend.BuildConfig
	PartitionID    string
	Scope          *registry.Scope
	Events         events.Sink
}

// InstallGraph installs a loading graph layer by layer and returns the
// symbols bound.
func (in *Installer) InstallGraph(ctx context.Context, input GraphInput) (registry.SymbolTable, error) {
	r := run{scope: input.Scope, sink: events.Multi(in.events, input.Events), partition: input.PartitionID}
	if r.scope == nil {
		r.scope = in.scope
	}
	if r.partition == "" {
		r.partition = in.partition
	}
	var stats Stats
	return in.installGraph(ctx, input, r, &stats)
}

func (in *Installer) installGraph(ctx context.Context, input GraphInput, r run, stats *Stats) (registry.SymbolTable, error) {
	g := input.Graph
	hooks := observability.Install()
	symbols := make(registry.SymbolTable)
	for i, layer := range g.Definition {
		in.console(r, events.LevelInfo, events.ComponentESM, fmt.Sprintf("Layer %d includes %d modules", i, len(layer)))
		fronts, backs := g.Split(layer)
		hooks.OnLayerStart(ctx, i, len(fronts), len(backs))

		start := time.Now()
		table, err := in.installLayer(ctx, input, r, fronts, backs, stats)
		hooks.OnLayerComplete(ctx, i, time.Since(start), err)
		symbols.Merge(table)
		if err != nil {
			return symbols, err
		}
		stats.Layers++
		in.logger.Debug("layer installed", "layer", i, "scripts", len(fronts), "backends", len(backs), "duration", time.Since(start))
	}
	return symbols, nil
}

// pendingScript is a script of a layer that needs to be activated.
type pendingScript struct {
	lib      graph.Library
	order    int
	target   events.Target
	artifact *registry.Artifact
}

func (in *Installer) installLayer(ctx context.Context, input GraphInput, r run, fronts, backs graph.Layer, stats *Stats) (registry.SymbolTable, error) {
	g := input.Graph
	order := make(map[string]int, len(g.Lock))
	for i, lib := range g.Lock {
		order[lib.ID+"/"+lib.Version] = i
	}

	var scripts []*pendingScript
	for _, e := range fronts {
		lib, ok := g.Library(e)
		if !ok {
			return nil, fmt.Errorf("entry %s is missing from the lock", e.Path())
		}
		target := in.fetcher.Target(lib.Name, e.Path())
		in.console(r, events.LevelInfo, events.ComponentESM, fmt.Sprintf("Entry point %s : %s", lib.Key(), target.URL))
		compatible := in.reg.IsCompatible(lib.Name, lib.Version, lib.APIKey)
		in.console(r, events.LevelInfo, events.ComponentESM,
			fmt.Sprintf("Compatible version found in runtime for %s: %t", lib.Key(), compatible))
		if compatible {
			r.sink.Emit(events.SourceParsed(target))
			stats.Skipped++
			continue
		}
		scripts = append(scripts, &pendingScript{lib: lib, order: order[lib.ID+"/"+lib.Version], target: target})
	}

	var backends graph.Layer
	var backendLibs []graph.Library
	for _, e := range backs {
		lib, ok := g.Library(e)
		if !ok {
			return nil, fmt.Errorf("entry %s is missing from the lock", e.Path())
		}
		if in.reg.IsCompatible(graph.BackendName(lib.Name, r.partition), lib.Version, lib.APIKey) {
			in.console(r, events.LevelInfo, events.ComponentBackend,
				fmt.Sprintf("Compatible version found in runtime for %s: true", lib.Key()))
			stats.Skipped++
			continue
		}
		backends = append(backends, e)
		backendLibs = append(backendLibs, lib)
	}

	var (
		wg         sync.WaitGroup
		backendSym registry.SymbolTable
		backendErr error
	)
	if len(backends) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			backendSym, backendErr = in.backends.Install(ctx, backend.Request{
				Graph: &graph.LoadingGraph{
					GraphType:  g.GraphType,
					Definition: []graph.Layer{backends},
					Lock:       backendLibs,
				},
				Configurations: input.Configurations,
				PartitionID:    r.partition,
				Scope:          r.scope,
				Events:         r.sink,
			})
		}()
	}
	fetchErrs := make([]error, len(scripts))
	for i, s := range scripts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := in.fetcher.Fetch(ctx, s.target, r.sink)
			if err != nil {
				in.console(r, events.LevelError, events.ComponentESM, "Error while fetching script at "+s.target.URL)
				fetchErrs[i] = err
				return
			}
			s.artifact = a
		}()
	}
	wg.Wait()

	var failed []error
	for _, err := range fetchErrs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) > 0 {
		return nil, errors.Join(&werrors.FetchErrors{Errors: failed}, backendErr)
	}
	if backendErr != nil {
		return nil, backendErr
	}

	symbols := make(registry.SymbolTable)
	symbols.Merge(backendSym)
	stats.Backends += len(backends)

	sort.SliceStable(scripts, func(i, j int) bool { return scripts[i].order < scripts[j].order })
	for _, s := range scripts {
		table, err := in.activate(ctx, s, input.SideEffects, r)
		symbols.Merge(table)
		if err != nil {
			return symbols, err
		}
		stats.Activated++
	}
	return symbols, nil
}

// activate evaluates a fetched script, registers it and runs the side
// effects matching its name and version.
func (in *Installer) activate(ctx context.Context, s *pendingScript, sideEffects map[string]ModuleSideEffect, r run) (registry.SymbolTable, error) {
	value, err := r.scope.Evaluate(ctx, s.artifact)
	if err != nil {
		r.sink.Emit(events.ParseError(s.target))
		return nil, &werrors.SourceParsingFailed{
			AssetID: s.target.AssetID,
			Name:    s.lib.Name,
			URL:     s.target.URL,
			Message: err.Error(),
		}
	}
	r.sink.Emit(events.SourceParsed(s.target))
	if value == nil {
		in.console(r, events.LevelError, events.ComponentESM,
			fmt.Sprintf("Module %s#%s not found at %s", s.lib.Name, s.lib.Version, s.lib.FullExportedSymbol()))
		return nil, nil
	}

	table, err := in.reg.RegisterActivated([]registry.Activated{{Library: s.lib, URL: s.target.URL, Value: value}}, r.scope)
	if err != nil {
		in.console(r, events.LevelError, events.ComponentESM, err.Error())
	}

	keys := make([]string, 0, len(sideEffects))
	for key := range sideEffects {
		if graph.MatchKey(key, s.lib.Name, s.lib.Version) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		err := sideEffects[key](ctx, ModuleSideEffectInput{
			Library: s.lib,
			Module:  value,
			Origin:  s.artifact,
			Scope:   r.scope,
			Events:  r.sink,
		})
		if err != nil {
			return table, fmt.Errorf("side effect %s on %s: %w", key, s.lib.Key(), err)
		}
	}
	return table, nil
}
