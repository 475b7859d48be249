// Package resolver queries loading graphs.
//
// A [Resolver] turns module queries such as "rxjs#^7.0.0" into a layered,
// version-pinned [graph.LoadingGraph] with a single POST to the loading
// graph endpoint. Requests are memoized in the registry by their
// normalized query, so concurrent installs of the same modules share one
// round trip. Responses are validated against an embedded JSON schema and
// may be kept in a persistent cache across processes.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/matzehuels/webpm/pkg/cache"
	werrors "github.com/matzehuels/webpm/pkg/errors"
	"github.com/matzehuels/webpm/pkg/graph"
	"github.com/matzehuels/webpm/pkg/integrations"
	"github.com/matzehuels/webpm/pkg/observability"
	"github.com/matzehuels/webpm/pkg/registry"
)

// Query is a loading graph request.
type Query struct {
	// Modules are "name#range" queries; an "as alias" suffix is ignored.
	Modules []string `json:"modules"`
	// UsingDependencies force "name#version" for indirect dependencies.
	UsingDependencies []string `json:"usingDependencies"`
	// ExtraIndex is an optional additional package index.
	ExtraIndex string `json:"extraIndex,omitempty"`
}

type library struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Body is the payload posted to the loading graph endpoint.
type Body struct {
	Libraries  []library         `json:"libraries"`
	Using      map[string]string `json:"using"`
	ExtraIndex string            `json:"extraIndex,omitempty"`
}

// Options configure a Resolver.
type Options struct {
	// URL of the loading graph endpoint.
	URL string
	// Registry memoizing queries; a private one is created when nil.
	Registry *registry.Registry
	// Client performing requests; a cache-less client when nil.
	Client *integrations.Client
	// Cache persists resolved graphs across processes when set.
	Cache cache.Cache
	Keyer cache.Keyer
	TTL   time.Duration
	// Pinned maps names to versions used for every query.
	Pinned map[string]string
	Logger *log.Logger
}

// Resolver queries loading graphs.
type Resolver struct {
	url    string
	reg    *registry.Registry
	client *integrations.Client
	cache  cache.Cache
	keyer  cache.Keyer
	ttl    time.Duration
	pinned []string
	logger *log.Logger
}

// New creates a resolver.
func New(opts Options) *Resolver {
	r := &Resolver{
		url:    opts.URL,
		reg:    opts.Registry,
		client: opts.Client,
		cache:  opts.Cache,
		keyer:  opts.Keyer,
		ttl:    opts.TTL,
		logger: opts.Logger,
	}
	if r.reg == nil {
		r.reg = registry.New(opts.Logger)
	}
	if r.client == nil {
		r.client = integrations.NewClient(nil, "resolver", 0, nil)
	}
	if r.cache == nil {
		r.cache = cache.NewNullCache()
	}
	if r.keyer == nil {
		r.keyer = cache.NewDefaultKeyer()
	}
	if r.logger == nil {
		r.logger = log.New(io.Discard)
	}
	for name, version := range opts.Pinned {
		r.pinned = append(r.pinned, name+"#"+version)
	}
	sort.Strings(r.pinned)
	return r
}

// URL returns the loading graph endpoint.
func (r *Resolver) URL() string { return r.url }

// Resolve returns the loading graph of q. Identical queries, pending or
// settled, share one request.
func (r *Resolver) Resolve(ctx context.Context, q Query) (*graph.LoadingGraph, error) {
	q, err := r.normalize(q)
	if err != nil {
		return nil, err
	}
	key, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	return r.reg.Graphs.Do(ctx, string(key), func(ctx context.Context) (*graph.LoadingGraph, error) {
		return r.query(ctx, q)
	})
}

// normalize prepends pinned dependencies and validates module names.
func (r *Resolver) normalize(q Query) (Query, error) {
	if _, err := graph.SanitizeModules(q.Modules); err != nil {
		return Query{}, err
	}
	using := make([]string, 0, len(r.pinned)+len(q.UsingDependencies))
	using = append(using, r.reg.Pinned()...)
	using = append(using, r.pinned...)
	using = append(using, q.UsingDependencies...)
	return Query{Modules: q.Modules, UsingDependencies: using, ExtraIndex: q.ExtraIndex}, nil
}

// NewBody builds the request payload of a query. Later using entries win
// over earlier ones for the same name.
func NewBody(q Query) (Body, error) {
	queries, err := graph.SanitizeModules(q.Modules)
	if err != nil {
		return Body{}, err
	}
	b := Body{
		Libraries:  make([]library, 0, len(queries)),
		Using:      make(map[string]string, len(q.UsingDependencies)),
		ExtraIndex: q.ExtraIndex,
	}
	for _, mq := range queries {
		b.Libraries = append(b.Libraries, library{Name: mq.Name, Version: mq.Range})
	}
	for _, dep := range q.UsingDependencies {
		name, version, _ := strings.Cut(dep, "#")
		b.Using[name] = version
	}
	return b, nil
}

func (r *Resolver) query(ctx context.Context, q Query) (*graph.LoadingGraph, error) {
	hooks := observability.Install()
	start := time.Now()
	hooks.OnResolveStart(ctx, q.Modules)

	g, err := r.fetch(ctx, q)
	layers := 0
	if g != nil {
		layers = len(g.Definition)
	}
	hooks.OnResolveComplete(ctx, q.Modules, layers, time.Since(start), err)
	if err != nil {
		r.logger.Debug("loading graph query failed", "modules", q.Modules, "err", err)
		return nil, err
	}
	r.logger.Debug("loading graph resolved", "modules", q.Modules, "layers", layers, "lock", len(g.Lock))
	return g, nil
}

func (r *Resolver) fetch(ctx context.Context, q Query) (*graph.LoadingGraph, error) {
	body, err := NewBody(q)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}

	key := r.keyer.GraphKey(r.url, payload)
	if data, ok, _ := r.cache.Get(ctx, key); ok {
		if g, err := decode(data); err == nil {
			observability.Cache().OnCacheHit(ctx, "graph")
			return g, nil
		}
	}
	observability.Cache().OnCacheMiss(ctx, "graph")

	data, err := r.client.Post(ctx, r.url, nil, payload)
	if err != nil {
		var se *integrations.StatusError
		if errors.As(err, &se) {
			return nil, werrors.FromServer(se.Code, se.Body)
		}
		return nil, &werrors.LoadingGraphError{Detail: "HTTP request failed", Cause: err}
	}
	if err := ValidateGraph(data); err != nil {
		return nil, &werrors.LoadingGraphError{Detail: err.Error(), Cause: err}
	}
	g, err := decode(data)
	if err != nil {
		return nil, &werrors.LoadingGraphError{Detail: err.Error(), Cause: err}
	}

	if r.ttl > 0 {
		if encoded, err := json.Marshal(g); err == nil && r.cache.Set(ctx, key, encoded, r.ttl) == nil {
			observability.Cache().OnCacheSet(ctx, "graph", len(encoded))
		}
	}
	return g, nil
}

func decode(data []byte) (*graph.LoadingGraph, error) {
	var g graph.LoadingGraph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode loading graph: %w", err)
	}
	g.Fill()
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// AlreadyInstalled reports whether every module query is served by the
// latest installed version of its name, in which case no loading graph
// is needed.
func AlreadyInstalled(reg *registry.Registry, modules []string) bool {
	queries, err := graph.SanitizeModules(modules)
	if err != nil {
		return false
	}
	for _, q := range queries {
		latest, ok := reg.Latest(q.Name)
		if !ok || !graph.Satisfies(latest.Version, q.Range) {
			return false
		}
	}
	return true
}
