// Package pipeline installs modules, backends, Python environments and
// stylesheets.
//
// The [Installer] is the single entry point used by the CLI and by pool
// workers. One call to [Installer.Install] runs three independent paths:
//
//  1. Python: the runtime and its packages (see package python)
//  2. Modules: resolve the loading graph, then install it layer by layer,
//     then the standalone scripts and the aliases
//  3. Stylesheets
//
// A failure on one path does not cancel the others. The errors are joined
// once every path has settled and the install ends with an InstallDone or
// an InstallError event.
//
// # Layers
//
// Layer i+1 of a loading graph starts only once layer i is settled. Within
// a layer, script fetches and the backend install run concurrently; fetch
// errors are raised together after every fetch settled. Scripts are then
// activated in lock order.
//
// # Usage
//
//	inst := pipeline.NewInstaller(pipeline.Options{Backend: cfg.BackendURLs()})
//	res, err := inst.Install(ctx, pipeline.Request{
//	    ESM: pipeline.ESM{Modules: []string{"rxjs#^7.0.0 as rx"}},
//	})
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/matzehuels/webpm/pkg/backend"
	werrors "github.com/matzehuels/webpm/pkg/errors"
	"github.com/matzehuels/webpm/pkg/events"
	"github.com/matzehuels/webpm/pkg/graph"
	"github.com/matzehuels/webpm/pkg/registry"
)

// =============================================================================
// Default Values
// =============================================================================

const (
	// DefaultPyodideAlias binds the Python runtime when no alias is given.
	DefaultPyodideAlias = "pyodide"
	// AttrCrossOrigin is the scope attribute carrying the cross-origin
	// policy of fetched artifacts.
	AttrCrossOrigin = "crossOrigin"
)

// =============================================================================
// Request
// =============================================================================

// Request is one installation. Every part is optional.
type Request struct {
	ESM      ESM        `json:"esm"`
	Backends Backends   `json:"backends"`
	Pyodide  *Pyodide   `json:"pyodide,omitempty"`
	CSS      []CSSInput `json:"css,omitempty"`

	// Scope receives the activated symbols; the installer's scope when nil.
	Scope *registry.Scope `json:"-"`
	// Events receives progress events in addition to the installer's sink.
	Events events.Sink `json:"-"`
}

// ESM lists the script modules to install.
type ESM struct {
	// Modules are "name#range" queries, optionally "name#range as alias".
	Modules []string `json:"modules,omitempty"`
	// Scripts are standalone resources installed after the modules.
	Scripts []ScriptInput `json:"scripts,omitempty"`
	// Aliases bind alias → "name#range" or alias → symbol path.
	Aliases map[string]string `json:"aliases,omitempty"`
	// UsingDependencies force "name#version" for indirect dependencies.
	UsingDependencies []string `json:"usingDependencies,omitempty"`
	ExtraIndex        string   `json:"extraIndex,omitempty"`
	// ModulesSideEffects run after the activation of every library whose
	// name and version match the "name#range" key.
	ModulesSideEffects map[string]ModuleSideEffect `json:"-"`
}

// ScriptInput is a standalone script, identified by a resource id
// "name#version~path".
type ScriptInput struct {
	Location   string           `json:"location"`
	SideEffect ScriptSideEffect `json:"-"`
}

// Backends lists the backends to install.
type Backends struct {
	Modules        []string                       `json:"modules,omitempty"`
	Configurations map[string]backend.BuildConfig `json:"configurations,omitempty"`
	// PartitionID isolates the backends of one client; the installer's
	// partition when empty.
	PartitionID string `json:"partition,omitempty"`
}

// Pyodide requests a Python environment.
type Pyodide struct {
	Version  string   `json:"version,omitempty"`
	Modules  []string `json:"modules,omitempty"`
	Alias    string   `json:"alias,omitempty"`
	IndexURL string   `json:"indexUrl,omitempty"`
}

// CSSInput is a stylesheet, identified by a resource id.
type CSSInput struct {
	Location   string        `json:"location"`
	SideEffect CSSSideEffect `json:"-"`
}

// =============================================================================
// Side effects
// =============================================================================

// ModuleSideEffectInput describes an activated library.
type ModuleSideEffectInput struct {
	Library graph.Library
	Module  any
	Origin  *registry.Artifact
	Scope   *registry.Scope
	Events  events.Sink
}

// ModuleSideEffect runs after a library has been activated.
type ModuleSideEffect func(ctx context.Context, in ModuleSideEffectInput) error

// ScriptSideEffectInput describes an activated standalone script.
type ScriptSideEffectInput struct {
	Origin *registry.Artifact
	Value  any
	Scope  *registry.Scope
	Events events.Sink
}

// ScriptSideEffect runs after a standalone script has been activated.
type ScriptSideEffect func(ctx context.Context, in ScriptSideEffectInput) error

// CSSSideEffectInput describes an installed stylesheet.
type CSSSideEffectInput struct {
	Target events.Target
	Scope  *registry.Scope
}

// CSSSideEffect runs after a stylesheet has been installed.
type CSSSideEffect func(ctx context.Context, in CSSSideEffectInput) error

// =============================================================================
// Validation
// =============================================================================

// Validate checks the queries and resource ids of the request.
func (r *Request) Validate() error {
	if _, err := graph.SanitizeModules(r.ESM.Modules); err != nil {
		return err
	}
	if _, err := graph.SanitizeModules(r.Backends.Modules); err != nil {
		return err
	}
	if err := werrors.ValidatePartitionID(r.Backends.PartitionID); err != nil {
		return err
	}
	for _, dep := range r.ESM.UsingDependencies {
		if _, err := graph.ParseQuery(dep); err != nil {
			return err
		}
	}
	for _, s := range r.ESM.Scripts {
		if _, err := graph.ParseResource(s.Location); err != nil {
			return err
		}
	}
	for _, c := range r.CSS {
		if _, err := graph.ParseResource(c.Location); err != nil {
			return err
		}
	}
	if r.Pyodide != nil {
		for _, m := range r.Pyodide.Modules {
			name, _, _ := cutRequirement(m)
			if err := werrors.ValidatePythonPackageName(name); err != nil {
				return fmt.Errorf("pyodide module %q: %w", m, err)
			}
		}
	}
	return nil
}

// IsEmpty reports whether the request installs nothing.
func (r *Request) IsEmpty() bool {
	return len(r.ESM.Modules) == 0 && len(r.ESM.Scripts) == 0 && len(r.ESM.Aliases) == 0 &&
		len(r.Backends.Modules) == 0 && r.Pyodide == nil && len(r.CSS) == 0
}

// cutRequirement splits the package name off a Python requirement.
func cutRequirement(req string) (name, rest string, found bool) {
	for i, c := range req {
		switch c {
		case '=', '<', '>', '!', '~', '[', ';', ' ':
			return req[:i], req[i:], true
		}
	}
	return req, "", false
}

// =============================================================================
// Result
// =============================================================================

// Result holds the outputs of an installation.
type Result struct {
	// Symbols are the bindings made by the installation.
	Symbols registry.SymbolTable
	// Graph is the resolved loading graph, nil when none was needed.
	Graph *graph.LoadingGraph
	// PythonLock is the frozen Python environment, if one was installed.
	PythonLock string
	Stats      Stats
}

// Stats contains execution metrics.
type Stats struct {
	ResolveTime time.Duration
	ModulesTime time.Duration
	PythonTime  time.Duration
	CSSTime     time.Duration
	Duration    time.Duration

	Layers    int
	Activated int
	Skipped   int
	Backends  int
}
