package dag

import (
	"errors"
	"maps"
	"slices"
)

var (
	// ErrInvalidNodeID is returned by [DAG.AddNode] when the node ID is empty.
	ErrInvalidNodeID = errors.New("node ID must not be empty")

	// ErrDuplicateNodeID is returned by [DAG.AddNode] when a node with the
	// same ID already exists in the graph.
	ErrDuplicateNodeID = errors.New("duplicate node ID")

	// ErrUnknownSourceNode is returned by [DAG.AddEdge] when the From node
	// does not exist.
	ErrUnknownSourceNode = errors.New("unknown source node")

	// ErrUnknownTargetNode is returned by [DAG.AddEdge] when the To node
	// does not exist.
	ErrUnknownTargetNode = errors.New("unknown target node")

	// ErrGraphHasCycle is returned by [DAG.Validate] when the dependency
	// relation is not acyclic. The returned error is a [*CycleError].
	ErrGraphHasCycle = errors.New("graph contains a cycle")
)

// Metadata stores arbitrary key-value pairs attached to nodes or the graph.
// Metadata maps are never nil once added to a graph.
type Metadata map[string]any

// Node is one package version of a dependency graph. Row is the install
// layer: a node only depends on nodes of lower rows.
type Node struct {
	ID   string
	Row  int
	Meta Metadata
}

// Edge states that From depends on To.
type Edge struct {
	From string
	To   string
}

// CycleError reports a dependency cycle. Path starts and ends with the
// same node.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return ErrGraphHasCycle.Error() + ": " + joinPath(e.Path)
}

func (e *CycleError) Unwrap() error { return ErrGraphHasCycle }

func joinPath(path []string) string {
	out := ""
	for i, id := range path {
		if i > 0 {
			out += " -> "
		}
		out += id
	}
	return out
}

// DAG is a package dependency graph. Nodes keep their insertion order,
// which makes every traversal deterministic.
//
// The zero value is not usable; use New. DAG is not safe for concurrent use.
type DAG struct {
	nodes    map[string]*Node
	order    []string
	edges    []Edge
	outgoing map[string][]string // node -> dependencies
	incoming map[string][]string // node -> dependents
	meta     Metadata
}

// New creates an empty DAG with optional graph-level metadata.
func New(meta Metadata) *DAG {
	if meta == nil {
		meta = Metadata{}
	}
	return &DAG{
		nodes:    make(map[string]*Node),
		outgoing: make(map[string][]string),
		incoming: make(map[string][]string),
		meta:     meta,
	}
}

// Meta returns the graph-level metadata map.
func (d *DAG) Meta() Metadata { return d.meta }

// AddNode adds a node to the graph.
func (d *DAG) AddNode(n Node) error {
	if n.ID == "" {
		return ErrInvalidNodeID
	}
	if _, exists := d.nodes[n.ID]; exists {
		return ErrDuplicateNodeID
	}
	if n.Meta == nil {
		n.Meta = Metadata{}
	}
	d.nodes[n.ID] = &n
	d.order = append(d.order, n.ID)
	return nil
}

// AddEdge adds a dependency between two existing nodes. Adding the same
// edge twice is a no-op.
func (d *DAG) AddEdge(e Edge) error {
	if _, ok := d.nodes[e.From]; !ok {
		return ErrUnknownSourceNode
	}
	if _, ok := d.nodes[e.To]; !ok {
		return ErrUnknownTargetNode
	}
	if slices.Contains(d.outgoing[e.From], e.To) {
		return nil
	}
	d.edges = append(d.edges, e)
	d.outgoing[e.From] = append(d.outgoing[e.From], e.To)
	d.incoming[e.To] = append(d.incoming[e.To], e.From)
	return nil
}

// SetRows updates the row of the listed nodes.
func (d *DAG) SetRows(rows map[string]int) {
	for id, row := range rows {
		if n, ok := d.nodes[id]; ok {
			n.Row = row
		}
	}
}

// Nodes returns all nodes in insertion order. The pointers refer to the
// graph's nodes.
func (d *DAG) Nodes() []*Node {
	nodes := make([]*Node, 0, len(d.order))
	for _, id := range d.order {
		nodes = append(nodes, d.nodes[id])
	}
	return nodes
}

// Edges returns a copy of all edges in insertion order.
func (d *DAG) Edges() []Edge { return slices.Clone(d.edges) }

// NodeCount returns the number of nodes in the graph.
func (d *DAG) NodeCount() int { return len(d.nodes) }

// EdgeCount returns the number of edges in the graph.
func (d *DAG) EdgeCount() int { return len(d.edges) }

// Children returns the dependencies of a node. The slice must not be
// modified.
func (d *DAG) Children(id string) []string { return d.outgoing[id] }

// Parents returns the dependents of a node. The slice must not be modified.
func (d *DAG) Parents(id string) []string { return d.incoming[id] }

// OutDegree returns the number of dependencies of a node.
func (d *DAG) OutDegree(id string) int { return len(d.outgoing[id]) }

// InDegree returns the number of dependents of a node.
func (d *DAG) InDegree(id string) int { return len(d.incoming[id]) }

// Node returns the node with the given ID.
func (d *DAG) Node(id string) (*Node, bool) {
	n, ok := d.nodes[id]
	return n, ok
}

// NodesInRow returns the nodes of a row in insertion order.
func (d *DAG) NodesInRow(row int) []*Node {
	var out []*Node
	for _, id := range d.order {
		if n := d.nodes[id]; n.Row == row {
			out = append(out, n)
		}
	}
	return out
}

// RowIDs returns the distinct rows in ascending order.
func (d *DAG) RowIDs() []int {
	rows := make(map[int]struct{})
	for _, n := range d.nodes {
		rows[n.Row] = struct{}{}
	}
	return slices.Sorted(maps.Keys(rows))
}

// Sources returns the nodes nothing depends on, in insertion order.
func (d *DAG) Sources() []*Node {
	var out []*Node
	for _, id := range d.order {
		if len(d.incoming[id]) == 0 {
			out = append(out, d.nodes[id])
		}
	}
	return out
}

// Sinks returns the nodes without dependencies, in insertion order.
func (d *DAG) Sinks() []*Node {
	var out []*Node
	for _, id := range d.order {
		if len(d.outgoing[id]) == 0 {
			out = append(out, d.nodes[id])
		}
	}
	return out
}

// Validate returns a [*CycleError] for the first cycle found, nil if the
// graph is acyclic.
func (d *DAG) Validate() error {
	if path := d.FindCycle(); path != nil {
		return &CycleError{Path: path}
	}
	return nil
}

// FindCycle returns the first dependency cycle met by a depth-first walk
// in insertion order, as a path whose first and last node are the same.
// It returns nil for an acyclic graph.
func (d *DAG) FindCycle() []string {
	const (
		white = iota
		gray
		black
	)

	color := make(map[string]int, len(d.nodes))
	var stack, cycle []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, child := range d.outgoing[id] {
			switch color[child] {
			case white:
				if dfs(child) {
					return true
				}
			case gray:
				start := slices.Index(stack, child)
				cycle = append(slices.Clone(stack[start:]), child)
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range d.order {
		if color[id] == white && dfs(id) {
			return cycle
		}
	}
	return nil
}

// PosMap maps each ID to its index in the slice.
func PosMap(ids []string) map[string]int {
	m := make(map[string]int, len(ids))
	for i, id := range ids {
		m[id] = i
	}
	return m
}

// NodeIDs extracts the IDs of a node slice.
func NodeIDs(nodes []*Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}
