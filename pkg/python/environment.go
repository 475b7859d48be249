package python

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/webpm/pkg/integrations"
	"github.com/matzehuels/webpm/pkg/integrations/pypi"
)

// Runtime is a loaded Python package environment.
type Runtime interface {
	// Version of the runtime distribution.
	Version() string
	// Bundled reports whether a package ships with the distribution.
	Bundled(name string) bool
	// LoadPackage installs a bundled package and its dependencies.
	LoadPackage(ctx context.Context, name string) error
	// InstallFromIndex installs a requirement from a package index.
	InstallFromIndex(ctx context.Context, requirement, indexURL string) error
	// Freeze returns the lock file of the installed packages.
	Freeze(ctx context.Context) (string, error)
}

// Loader instantiates a runtime from its distribution.
type Loader interface {
	Load(ctx context.Context, indexURL, version string, bootstrap []byte) (Runtime, error)
}

// LockFile is the package index of a distribution (pyodide-lock.json),
// also used as the format of [Runtime.Freeze].
type LockFile struct {
	Info     LockInfo               `json:"info"`
	Packages map[string]LockPackage `json:"packages"`
}

// LockInfo describes the distribution.
type LockInfo struct {
	Arch     string `json:"arch,omitempty"`
	Platform string `json:"platform,omitempty"`
	Version  string `json:"version"`
	Python   string `json:"python,omitempty"`
}

// LockPackage is one package of a lock file.
type LockPackage struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	FileName    string   `json:"file_name"`
	InstallDir  string   `json:"install_dir"`
	SHA256      string   `json:"sha256"`
	PackageType string   `json:"package_type,omitempty"`
	Imports     []string `json:"imports"`
	Depends     []string `json:"depends"`
}

// IndexLoader loads environments described by the pyodide-lock.json file
// of a distribution. Bundled packages are resolved from that file; other
// requirements from a PyPI-compatible index.
type IndexLoader struct {
	Client *integrations.Client
	Logger *log.Logger
}

// Load implements Loader.
func (l IndexLoader) Load(ctx context.Context, indexURL, version string, bootstrap []byte) (Runtime, error) {
	client := l.Client
	if client == nil {
		client = integrations.NewClient(nil, "pyodide", 0, nil)
	}
	logger := l.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	var lock LockFile
	url := strings.TrimSuffix(indexURL, "/") + "/pyodide-lock.json"
	if err := client.Get(ctx, url, &lock); err != nil {
		return nil, fmt.Errorf("load distribution index %s: %w", url, err)
	}
	if lock.Info.Version == "" {
		lock.Info.Version = version
	}
	logger.Debug("distribution loaded", "version", lock.Info.Version, "packages", len(lock.Packages), "bootstrap", len(bootstrap))
	return &Environment{
		dist:      lock,
		installed: make(map[string]LockPackage),
		indexes:   make(map[string]*pypi.Client),
		logger:    logger,
	}, nil
}

// Environment is the Runtime built by IndexLoader. It tracks installed
// packages; it does not execute Python code.
type Environment struct {
	dist   LockFile
	logger *log.Logger

	mu        sync.Mutex
	installed map[string]LockPackage
	indexes   map[string]*pypi.Client
}

// Version implements Runtime.
func (e *Environment) Version() string { return e.dist.Info.Version }

// Bundled implements Runtime.
func (e *Environment) Bundled(name string) bool {
	_, ok := e.dist.Packages[integrations.NormalizePkgName(name)]
	return ok
}

// LoadPackage implements Runtime.
func (e *Environment) LoadPackage(ctx context.Context, name string) error {
	return e.loadBundled(integrations.NormalizePkgName(name), nil)
}

func (e *Environment) loadBundled(name string, seen map[string]bool) error {
	if seen == nil {
		seen = make(map[string]bool)
	}
	if seen[name] {
		return nil
	}
	seen[name] = true
	pkg, ok := e.dist.Packages[name]
	if !ok {
		return fmt.Errorf("no known package with name '%s'", name)
	}
	for _, dep := range pkg.Depends {
		if err := e.loadBundled(integrations.NormalizePkgName(dep), seen); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	e.mu.Lock()
	e.installed[name] = pkg
	e.mu.Unlock()
	return nil
}

// InstallFromIndex implements Runtime. Only pure-Python wheels can be
// installed; dependencies are installed from the distribution when
// bundled and from the index otherwise.
func (e *Environment) InstallFromIndex(ctx context.Context, requirement, indexURL string) error {
	return e.installFromIndex(ctx, requirement, e.index(indexURL), make(map[string]bool))
}

func (e *Environment) installFromIndex(ctx context.Context, requirement string, index *pypi.Client, seen map[string]bool) error {
	name, version := parseRequirement(requirement)
	if seen[name] {
		return nil
	}
	seen[name] = true
	if e.has(name) {
		return nil
	}
	info, err := index.FetchRelease(ctx, name, version, false)
	if err != nil {
		return fmt.Errorf("install %s: %w", requirement, err)
	}
	if !info.PureWheel() {
		return fmt.Errorf("can't find a pure Python 3 wheel for '%s'", requirement)
	}
	for _, dep := range info.Dependencies {
		dep = integrations.NormalizePkgName(dep)
		if e.Bundled(dep) {
			err = e.loadBundled(dep, nil)
		} else {
			err = e.installFromIndex(ctx, dep, index, seen)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	e.mu.Lock()
	e.installed[name] = LockPackage{
		Name:        info.Name,
		Version:     info.Version,
		FileName:    info.Wheel,
		InstallDir:  "site",
		SHA256:      info.WheelSHA256,
		PackageType: "package",
		Imports:     []string{strings.ReplaceAll(name, "-", "_")},
		Depends:     info.Dependencies,
	}
	e.mu.Unlock()
	e.logger.Debug("installed from index", "package", info.Name, "version", info.Version)
	return nil
}

func (e *Environment) index(url string) *pypi.Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.indexes[url]
	if !ok {
		c = pypi.NewClientWithBaseURL(nil, 0, url)
		e.indexes[url] = c
	}
	return c
}

func (e *Environment) has(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.installed[name]
	return ok
}

// Installed returns the names of the installed packages, sorted.
func (e *Environment) Installed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.installed))
	for name := range e.installed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Freeze implements Runtime.
func (e *Environment) Freeze(ctx context.Context) (string, error) {
	e.mu.Lock()
	lock := LockFile{Info: e.dist.Info, Packages: make(map[string]LockPackage, len(e.installed))}
	for name, pkg := range e.installed {
		lock.Packages[name] = pkg
	}
	e.mu.Unlock()
	data, err := json.Marshal(lock)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// parseRequirement splits "name==version" requirements; other specifiers
// resolve to the latest release.
func parseRequirement(req string) (name, version string) {
	req = strings.TrimSpace(req)
	if n, v, ok := strings.Cut(req, "=="); ok {
		return integrations.NormalizePkgName(n), strings.TrimSpace(v)
	}
	if i := strings.IndexAny(req, "<>=!~;[ "); i >= 0 {
		req = req[:i]
	}
	return integrations.NormalizePkgName(req), ""
}
