package devserver

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.yaml.in/yaml/v3"

	"github.com/matzehuels/webpm/pkg/cache"
	"github.com/matzehuels/webpm/pkg/errors"
	"github.com/matzehuels/webpm/pkg/graph"
)

// DefaultEntry is the resource a package is installed from when its entry
// is not set.
const DefaultEntry = "index.json"

//go:embed schema/index.schema.json
var schemaBytes []byte

var (
	compiledSchema *jsonschema.Schema
	compileOnce    sync.Once
	compileErr     error
)

func getSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
		if err != nil {
			compileErr = fmt.Errorf("unmarshaling schema JSON: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("index.schema.json", doc); err != nil {
			compileErr = fmt.Errorf("adding schema resource: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile("index.schema.json")
	})
	return compiledSchema, compileErr
}

// BackendSpec describes how the server brings a backend package up. Both
// commands run with sh in the package directory; an empty command
// succeeds.
type BackendSpec struct {
	Install      string `yaml:"install" json:"install,omitempty"`
	Start        string `yaml:"start" json:"start,omitempty"`
	ClientSymbol string `yaml:"clientSymbol" json:"clientSymbol,omitempty"`
}

// Package is one version of a package served by the development server.
type Package struct {
	Name           string            `yaml:"name" json:"name"`
	Version        string            `yaml:"version" json:"version"`
	Type           graph.Kind        `yaml:"type" json:"type,omitempty"`
	APIKey         string            `yaml:"apiKey" json:"apiKey,omitempty"`
	ExportedSymbol string            `yaml:"exportedSymbol" json:"exportedSymbol,omitempty"`
	Aliases        []string          `yaml:"aliases" json:"aliases,omitempty"`
	Dependencies   map[string]string `yaml:"dependencies" json:"dependencies,omitempty"`
	Entry          string            `yaml:"entry" json:"entry,omitempty"`
	Files          map[string]string `yaml:"files" json:"files,omitempty"`
	Dir            string            `yaml:"dir" json:"dir,omitempty"`
	Private        bool              `yaml:"private" json:"private,omitempty"`
	Backend        *BackendSpec      `yaml:"backend" json:"backend,omitempty"`
}

// Key returns "name#version".
func (p *Package) Key() string { return p.Name + "#" + p.Version }

// AssetID returns the asset id of the package.
func (p *Package) AssetID() string { return graph.AssetID(p.Name) }

// EntryPath returns the cdn path of the package entry,
// "assetId/version/entry".
func (p *Package) EntryPath() string {
	return p.AssetID() + "/" + p.Version + "/" + p.Entry
}

// IsBackend reports whether the package is a backend service.
func (p *Package) IsBackend() bool { return p.Type == graph.KindBackend }

// Library returns the lock entry of the package.
func (p *Package) Library() graph.Library {
	lib := graph.Library{
		ID:             p.AssetID(),
		Name:           p.Name,
		Version:        p.Version,
		Type:           p.Type,
		ExportedSymbol: p.ExportedSymbol,
		APIKey:         p.APIKey,
		Aliases:        slices.Clone(p.Aliases),
	}
	if lib.Aliases == nil {
		lib.Aliases = []string{}
	}
	if content, err := p.Read(p.Entry); err == nil {
		lib.Fingerprint = cache.Fingerprint(content)
	}
	return lib
}

// Read returns the content of a package file. Inline files win over files
// of the package directory.
func (p *Package) Read(name string) ([]byte, error) {
	name = strings.TrimPrefix(name, "/")
	if content, ok := p.Files[name]; ok {
		return []byte(content), nil
	}
	if p.Dir == "" {
		return nil, os.ErrNotExist
	}
	full := filepath.Join(p.Dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(p.Dir, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, os.ErrNotExist
	}
	return os.ReadFile(full)
}

// Index is the set of packages a development server resolves against.
type Index struct {
	Packages []*Package `yaml:"packages" json:"packages"`

	byName map[string][]*Package
}

// ParseIndex decodes and validates a YAML index. Relative package
// directories are resolved against baseDir.
func ParseIndex(data []byte, baseDir string) (*Index, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	if err := validate(raw); err != nil {
		return nil, err
	}
	var idx Index
	if err := yaml.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	for _, p := range idx.Packages {
		if p.Dir != "" && !filepath.IsAbs(p.Dir) {
			p.Dir = filepath.Join(baseDir, p.Dir)
		}
	}
	if err := idx.init(); err != nil {
		return nil, err
	}
	return &idx, nil
}

// LoadIndex reads an index file.
func LoadIndex(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	return ParseIndex(data, filepath.Dir(path))
}

// NewIndex builds an index from packages, filling defaults.
func NewIndex(pkgs ...*Package) (*Index, error) {
	idx := &Index{Packages: pkgs}
	if err := idx.init(); err != nil {
		return nil, err
	}
	return idx, nil
}

func validate(raw any) error {
	schema, err := getSchema()
	if err != nil {
		return err
	}
	// Round-trip through JSON so that yaml scalars get JSON types.
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("decode index: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode index: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfig, err, "invalid index")
	}
	return nil
}

func (idx *Index) init() error {
	idx.byName = make(map[string][]*Package)
	seen := make(map[string]bool)
	for _, p := range idx.Packages {
		if err := errors.ValidateModuleName(p.Name); err != nil {
			return err
		}
		if seen[p.Key()] {
			return errors.New(errors.ErrCodeInvalidConfig, "duplicate package %s", p.Key())
		}
		seen[p.Key()] = true
		if p.Type == "" {
			p.Type = graph.KindScript
		}
		if p.ExportedSymbol == "" {
			p.ExportedSymbol = p.Name
		}
		if p.APIKey == "" {
			p.APIKey = graph.APIKey(p.Version)
		}
		if p.Entry == "" {
			p.Entry = DefaultEntry
		}
		if p.IsBackend() && p.Backend == nil {
			p.Backend = &BackendSpec{}
		}
		idx.byName[p.Name] = append(idx.byName[p.Name], p)
	}
	return nil
}

// Versions returns the versions of a package name.
func (idx *Index) Versions(name string) []string {
	pkgs := idx.byName[name]
	out := make([]string, len(pkgs))
	for i, p := range pkgs {
		out[i] = p.Version
	}
	return out
}

// Get returns one version of a package.
func (idx *Index) Get(name, version string) (*Package, bool) {
	for _, p := range idx.byName[name] {
		if p.Version == version {
			return p, true
		}
	}
	return nil, false
}

// Latest returns the highest version of name within a semver range.
func (idx *Index) Latest(name, rng string) (*Package, bool) {
	version, ok := graph.Latest(idx.Versions(name), rng)
	if !ok {
		return nil, false
	}
	return idx.Get(name, version)
}

// Has reports whether any version of name exists.
func (idx *Index) Has(name string) bool { return len(idx.byName[name]) > 0 }
