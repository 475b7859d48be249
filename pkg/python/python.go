// Package python installs the Python runtime and its packages.
//
// The runtime is a singleton per registry: the first install bootstraps
// it (resolving the latest release when no version is given), later ones
// reuse it. Required packages are installed concurrently, bundled ones
// from the distribution and the others from a PyPI-compatible index. The
// first failure aborts the remaining installs; packages already installed
// stay installed.
package python

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/matzehuels/webpm/pkg/config"
	werrors "github.com/matzehuels/webpm/pkg/errors"
	"github.com/matzehuels/webpm/pkg/events"
	"github.com/matzehuels/webpm/pkg/integrations"
	"github.com/matzehuels/webpm/pkg/integrations/github"
	"github.com/matzehuels/webpm/pkg/registry"
)

// runtimeKey is the key of the runtime in the registry.
const runtimeKey = "pyodide"

// PackageManager is the package installed before any required module.
const PackageManager = "micropip"

// Release repository queried when no version is requested.
const (
	ReleaseOwner = "pyodide"
	ReleaseRepo  = "pyodide"
)

// Options configure an Installer.
type Options struct {
	Registry *registry.Registry
	// Loader instantiates the runtime; an IndexLoader when nil.
	Loader Loader
	// Client fetches the bootstrap script.
	Client *integrations.Client
	// Releases resolves the latest version when none is requested.
	Releases *github.Client
	// PyodideURL is the distribution URL template ($VERSION substituted).
	PyodideURL string
	// PypiURL is the package index used for packages not bundled.
	PypiURL string
	Logger  *log.Logger
}

// Installer installs Python environments.
type Installer struct {
	reg        *registry.Registry
	loader     Loader
	client     *integrations.Client
	releases   *github.Client
	pyodideURL string
	pypiURL    string
	logger     *log.Logger
}

// New creates an installer.
func New(opts Options) *Installer {
	i := &Installer{
		reg:        opts.Registry,
		loader:     opts.Loader,
		client:     opts.Client,
		releases:   opts.Releases,
		pyodideURL: opts.PyodideURL,
		pypiURL:    opts.PypiURL,
		logger:     opts.Logger,
	}
	if i.logger == nil {
		i.logger = log.New(io.Discard)
	}
	if i.reg == nil {
		i.reg = registry.New(i.logger)
	}
	if i.client == nil {
		i.client = integrations.NewClient(nil, "pyodide", 0, nil)
	}
	if i.loader == nil {
		i.loader = IndexLoader{Client: i.client, Logger: i.logger}
	}
	if i.releases == nil {
		i.releases = github.NewClient(nil, "", 0)
	}
	if i.pyodideURL == "" {
		i.pyodideURL = config.DefaultPyodideURL
	}
	if i.pypiURL == "" {
		i.pypiURL = config.DefaultPypiURL
	}
	return i
}

// Request is one Python environment installation.
type Request struct {
	// Version of the runtime; the latest release when empty.
	Version string
	Modules []string
	// Alias binds the runtime in the scope under this name.
	Alias string
	// IndexURL overrides the distribution URL template.
	IndexURL string
	Scope    *registry.Scope
	Events   events.Sink
}

// Result of an installation.
type Result struct {
	Runtime Runtime
	// Lock is the frozen environment.
	Lock string
	// Symbols holds the alias binding, if any.
	Symbols registry.SymbolTable
}

// Install makes sure the runtime is available and installs the requested
// modules.
func (i *Installer) Install(ctx context.Context, req Request) (*Result, error) {
	sink := events.OrDiscard(req.Events)
	info := func(text string) {
		sink.Emit(events.Console(events.LevelInfo, events.ComponentPython, text))
	}

	var required []string
	for _, m := range req.Modules {
		if !i.reg.HasPyModule(m) {
			required = append(required, m)
		}
	}

	if rt, ok := i.reg.Runtimes.Peek(runtimeKey); ok {
		info(fmt.Sprintf("Pyodide runtime already available at %s", rt.(Runtime).Version()))
	}
	v, err := i.reg.Runtimes.Do(ctx, runtimeKey, func(ctx context.Context) (any, error) {
		return i.bootstrap(ctx, req, sink, info)
	})
	if err != nil {
		sink.Emit(events.PyEnvironmentError(err.Error()))
		return nil, &werrors.PyEnvironmentError{Detail: "runtime bootstrap failed", Cause: err}
	}
	rt := v.(Runtime)

	result := &Result{Runtime: rt, Symbols: registry.SymbolTable{}}
	if req.Alias != "" {
		result.Symbols[req.Alias] = rt
		if req.Scope != nil {
			req.Scope.Set(req.Alias, rt)
		}
	}

	sink.Emit(events.PyRuntimeReady(rt.Version()))
	sink.Emit(events.StartPyEnvironmentInstall())
	sink.Emit(events.InstallPyModule(PackageManager))
	if err := rt.LoadPackage(ctx, PackageManager); err != nil {
		sink.Emit(events.PyModuleError(PackageManager))
		sink.Emit(events.PyEnvironmentError(err.Error()))
		return nil, &werrors.PyEnvironmentError{Detail: err.Error(), Cause: err}
	}
	sink.Emit(events.PyModuleLoaded(PackageManager))

	for _, m := range required {
		sink.Emit(events.InstallPyModule(m))
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range required {
		g.Go(func() error {
			if err := i.installModule(gctx, rt, m, info); err != nil {
				sink.Emit(events.PyModuleError(m))
				return err
			}
			i.reg.RegisterPyModules(m)
			sink.Emit(events.PyModuleLoaded(m))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		sink.Emit(events.PyEnvironmentError(err.Error()))
		return nil, &werrors.PyEnvironmentError{Detail: err.Error(), Cause: err}
	}
	sink.Emit(events.PyEnvironmentReady())

	lock, err := rt.Freeze(ctx)
	if err != nil {
		return nil, &werrors.PyEnvironmentError{Detail: "freeze environment", Cause: err}
	}
	result.Lock = lock
	return result, nil
}

func (i *Installer) installModule(ctx context.Context, rt Runtime, module string, info func(string)) error {
	if rt.Bundled(module) {
		info(fmt.Sprintf("Package %s part of Pyodide distribution, load using pyodide.loadPackage", module))
		return rt.LoadPackage(ctx, module)
	}
	info(fmt.Sprintf("> await micropip.install(requirements='%s', index_urls='%s')", module, i.pypiURL))
	return rt.InstallFromIndex(ctx, module, i.pypiURL)
}

func (i *Installer) bootstrap(ctx context.Context, req Request, sink events.Sink, info func(string)) (Runtime, error) {
	info("No Pyodide runtime available, proceed to installation")
	version := req.Version
	if version == "" {
		info(fmt.Sprintf("No Pyodide version provided, fetch the latest from tag from %s/repos/%s/%s/releases/latest", github.DefaultBaseURL, ReleaseOwner, ReleaseRepo))
		tag, err := i.releases.LatestTag(ctx, ReleaseOwner, ReleaseRepo)
		if err != nil {
			return nil, fmt.Errorf("resolve latest runtime version: %w", err)
		}
		version = tag
		info(fmt.Sprintf("Found latest Pyodide version: %s", version))
	}

	base := req.IndexURL
	if base == "" {
		base = i.pyodideURL
	}
	indexURL := strings.TrimSuffix(strings.ReplaceAll(base, config.VersionPlaceholder, version), "/")
	bootstrapURL := indexURL + "/pyodide.js"

	info(fmt.Sprintf("Install Pyodide from '%s'", indexURL))
	sink.Emit(events.FetchPyRuntime(bootstrapURL, version))
	content, err := i.client.GetBytes(ctx, bootstrapURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", bootstrapURL, err)
	}
	sink.Emit(events.FetchedPyRuntime(bootstrapURL, version))
	sink.Emit(events.StartPyRuntime(version))

	rt, err := i.loader.Load(ctx, indexURL, version, content)
	if err != nil {
		return nil, err
	}
	i.logger.Info("python runtime ready", "version", rt.Version(), "index", indexURL)
	return rt, nil
}
