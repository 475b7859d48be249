package graph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/matzehuels/webpm/pkg/errors"
)

// Kind of artifact a library resolves to.
type Kind string

const (
	KindScript  Kind = "js/wasm"
	KindBackend Kind = "backend"
)

// GraphTypeSequential is the layout of graphs produced by the resolver.
const GraphTypeSequential = "sequential-v2"

// Library is one resolved entry of a loading graph's lock set.
type Library struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Version        string   `json:"version"`
	Namespace      string   `json:"namespace,omitempty"`
	Type           Kind     `json:"type"`
	Fingerprint    string   `json:"fingerprint,omitempty"`
	ExportedSymbol string   `json:"exportedSymbol"`
	APIKey         string   `json:"apiKey"`
	Aliases        []string `json:"aliases"`
}

// IsBackend reports whether the library is a backend service.
func (l Library) IsBackend() bool { return l.Type == KindBackend }

// Key returns "name#version".
func (l Library) Key() string { return l.Name + "#" + l.Version }

// FullExportedSymbol is the symbol the library's export is bound to in an
// execution scope; one exists per (name, apiKey) compatibility class.
func (l Library) FullExportedSymbol() string {
	return FullExportedSymbol(l.ExportedSymbol, l.APIKey)
}

// FullExportedSymbol builds the slot symbol of a compatibility class.
func FullExportedSymbol(symbol, apiKey string) string {
	return fmt.Sprintf("%s_APIv%s", symbol, apiKey)
}

// Entry is one (assetId, cdnPath) pair of a layer. The cdn path is
// "assetId/version/path".
type Entry [2]string

// AssetID returns the asset id of the entry.
func (e Entry) AssetID() string { return e[0] }

// Path returns the resource path relative to the resource base URL.
func (e Entry) Path() string { return e[1] }

// Version returns the version encoded in the resource path.
func (e Entry) Version() string {
	parts := strings.Split(e[1], "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// Layer is a batch of entries installable in any order once every previous
// layer is installed.
type Layer []Entry

// LoadingGraph is the result of a resolution.
type LoadingGraph struct {
	GraphType  string    `json:"graphType"`
	Lock       []Library `json:"lock"`
	Definition []Layer   `json:"definition"`
}

// Library returns the lock entry matching an entry's asset id and version.
func (g *LoadingGraph) Library(e Entry) (Library, bool) {
	version := e.Version()
	for _, l := range g.Lock {
		if l.ID == e.AssetID() && l.Version == version {
			return l, true
		}
	}
	return Library{}, false
}

// Split partitions a layer into script entries and backend entries,
// following the kind recorded in the lock set.
func (g *LoadingGraph) Split(layer Layer) (scripts, backends Layer) {
	for _, e := range layer {
		if l, ok := g.Library(e); ok && l.IsBackend() {
			backends = append(backends, e)
			continue
		}
		scripts = append(scripts, e)
	}
	return scripts, backends
}

// Backends returns the sub-graph made of backend entries only, keeping
// empty layers out.
func (g *LoadingGraph) Backends() *LoadingGraph {
	out := &LoadingGraph{GraphType: g.GraphType, Lock: g.Lock}
	for _, layer := range g.Definition {
		if _, backs := g.Split(layer); len(backs) > 0 {
			out.Definition = append(out.Definition, backs)
		}
	}
	return out
}

// IsEmpty reports whether the graph has nothing to install.
func (g *LoadingGraph) IsEmpty() bool {
	for _, layer := range g.Definition {
		if len(layer) > 0 {
			return false
		}
	}
	return true
}

// EntryCount returns the number of entries over all layers.
func (g *LoadingGraph) EntryCount() int {
	n := 0
	for _, layer := range g.Definition {
		n += len(layer)
	}
	return n
}

// Fill back-fills optional lock fields the resolver may omit.
func (g *LoadingGraph) Fill() {
	for i := range g.Lock {
		if g.Lock[i].ExportedSymbol == "" {
			g.Lock[i].ExportedSymbol = g.Lock[i].Name
		}
		if g.Lock[i].Type == "" {
			g.Lock[i].Type = KindScript
		}
		if g.Lock[i].Aliases == nil {
			g.Lock[i].Aliases = []string{}
		}
	}
}

// Validate checks that every entry of the definition points to the lock.
func (g *LoadingGraph) Validate() error {
	for i, layer := range g.Definition {
		for _, e := range layer {
			if _, ok := g.Library(e); !ok {
				return errors.New(errors.ErrCodeInvalidGraph, "layer %d: entry %s not found in lock", i, e.Path())
			}
		}
	}
	return nil
}

// =============================================================================
// Serialization
// =============================================================================

// Marshal encodes a graph as indented JSON.
func Marshal(g *LoadingGraph) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(g, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write encodes a graph as indented JSON to w.
func Write(g *LoadingGraph, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(g)
}

// WriteFile writes a graph to a JSON file.
func WriteFile(g *LoadingGraph, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	return Write(g, f)
}

// Read decodes and validates a graph.
func Read(r io.Reader) (*LoadingGraph, error) {
	var g LoadingGraph
	if err := json.NewDecoder(r).Decode(&g); err != nil {
		return nil, fmt.Errorf("decode loading graph: %w", err)
	}
	g.Fill()
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// ReadFile reads a graph from a JSON file.
func ReadFile(path string) (*LoadingGraph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return Read(f)
}
