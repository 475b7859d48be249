package devserver

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/matzehuels/webpm/pkg/dag"
	"github.com/matzehuels/webpm/pkg/dag/transform"
	werrors "github.com/matzehuels/webpm/pkg/errors"
	"github.com/matzehuels/webpm/pkg/graph"
)

// resolutionContext is reported in the resolution errors.
const resolutionContext = "Loading graph resolution stage"

// rootRef stands for the query itself in dependency issues.
var rootRef = werrors.PackageRef{Name: "root", Version: "N/A"}

// LibraryQuery is one requested library: a name and a semver range.
type LibraryQuery struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// QueryBody is the payload of a loading graph request.
type QueryBody struct {
	Libraries []LibraryQuery `json:"libraries"`
	// Using pins versions by name.
	Using      map[string]string `json:"using"`
	ExtraIndex string            `json:"extraIndex,omitempty"`
}

// Resolve computes the loading graph of a query.
//
// Every query picks the highest version of the index within its range. A
// version already selected for the same name is reused when it satisfies
// the range, so that compatible dependents share one install. Using
// entries win for dependencies, and for direct queries when they satisfy
// the requested range.
//
// Unsatisfiable queries are collected into a [*werrors.DependenciesError];
// a dependency cycle yields a [*werrors.CircularDependencies].
func (idx *Index) Resolve(body QueryBody) (*graph.LoadingGraph, error) {
	r := &resolution{
		idx:    idx,
		using:  body.Using,
		g:      dag.New(nil),
		chosen: make(map[string][]*Package),
	}
	return r.run(body.Libraries)
}

type resolution struct {
	idx    *Index
	using  map[string]string
	g      *dag.DAG
	chosen map[string][]*Package
	queue  []*Package
	issues []werrors.DependencyIssue
}

func (r *resolution) run(roots []LibraryQuery) (*graph.LoadingGraph, error) {
	if len(roots) == 0 {
		return &graph.LoadingGraph{GraphType: graph.GraphTypeSequential, Lock: []graph.Library{}, Definition: []graph.Layer{}}, nil
	}
	for _, q := range roots {
		r.selectVersion(q.Name, rangeOf(q.Version), nil)
	}
	for len(r.queue) > 0 {
		p := r.queue[0]
		r.queue = r.queue[1:]
		names := make([]string, 0, len(p.Dependencies))
		for name := range p.Dependencies {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if dep := r.selectVersion(name, rangeOf(p.Dependencies[name]), p); dep != nil {
				_ = r.g.AddEdge(dag.Edge{From: p.Key(), To: dep.Key()})
			}
		}
	}
	if len(r.issues) > 0 {
		return nil, &werrors.DependenciesError{Context: resolutionContext, Errors: r.issues}
	}
	if err := transform.AssignLayers(r.g); err != nil {
		return nil, r.circular()
	}
	return r.loadingGraph(), nil
}

// selectVersion picks the package serving name#rng for the dependent from
// (nil for a direct query) and schedules new packages for crawling.
func (r *resolution) selectVersion(name, rng string, from *Package) *Package {
	fromRef := rootRef
	if from != nil {
		fromRef = werrors.PackageRef{Name: from.Name, Version: from.Version}
	}
	issue := func(detail string) *Package {
		r.issues = append(r.issues, werrors.DependencyIssue{
			Query:       name + "#" + rng,
			FromPackage: fromRef,
			Detail:      detail,
		})
		return nil
	}

	var p *Package
	if pinned, ok := r.using[name]; ok && (from != nil || graph.Satisfies(pinned, rng)) {
		found, ok := r.idx.Get(name, pinned)
		if !ok {
			return issue(fmt.Sprintf("Pinned version %s not found", pinned))
		}
		p = found
	}
	if p == nil {
		for _, c := range r.chosen[name] {
			if graph.Satisfies(c.Version, rng) {
				p = c
				break
			}
		}
	}
	if p == nil {
		found, ok := r.idx.Latest(name, rng)
		switch {
		case !ok && !r.idx.Has(name):
			return issue("Package not found")
		case !ok:
			return issue(fmt.Sprintf("No version match the query (available: %s)", strings.Join(r.idx.Versions(name), ", ")))
		}
		p = found
	}

	if _, known := r.g.Node(p.Key()); !known {
		_ = r.g.AddNode(dag.Node{ID: p.Key(), Meta: dag.Metadata{"package": p}})
		r.chosen[name] = append(r.chosen[name], p)
		r.queue = append(r.queue, p)
	}
	return p
}

func (r *resolution) loadingGraph() *graph.LoadingGraph {
	g := &graph.LoadingGraph{GraphType: graph.GraphTypeSequential, Lock: []graph.Library{}}
	for _, ids := range transform.Layers(r.g) {
		layer := make(graph.Layer, 0, len(ids))
		for _, id := range ids {
			p := r.pkg(id)
			layer = append(layer, graph.Entry{p.AssetID(), p.EntryPath()})
			g.Lock = append(g.Lock, p.Library())
		}
		g.Definition = append(g.Definition, layer)
	}
	return g
}

func (r *resolution) circular() error {
	members := transform.CycleMembers(r.g)
	packages := make(map[string][]werrors.PackageRef, len(members))
	for id, deps := range members {
		p := r.pkg(id)
		refs := make([]werrors.PackageRef, 0, len(deps))
		for _, dep := range deps {
			d := r.pkg(dep)
			refs = append(refs, werrors.PackageRef{Name: d.Name, Version: d.Version})
		}
		packages[p.Name] = append(packages[p.Name], refs...)
	}
	for name := range packages {
		slices.SortFunc(packages[name], func(a, b werrors.PackageRef) int {
			return strings.Compare(a.Name+"#"+a.Version, b.Name+"#"+b.Version)
		})
	}
	return &werrors.CircularDependencies{Context: resolutionContext, Packages: packages}
}

func (r *resolution) pkg(id string) *Package {
	n, _ := r.g.Node(id)
	return n.Meta["package"].(*Package)
}

func rangeOf(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || v == "latest" {
		return "*"
	}
	return strings.ReplaceAll(v, "latest", "*")
}
