package transform

import (
	"slices"

	"github.com/matzehuels/webpm/pkg/dag"
)

// Cycles returns every cycle closed by a back edge of a depth-first walk
// started from the sources, then from any node left unvisited. Each cycle
// is a path whose first and last node are the same. The graph is not
// modified.
func Cycles(g *dag.DAG) [][]string {
	const (
		white = iota
		gray
		black
	)

	color := make(map[string]int)
	var stack []string
	var cycles [][]string

	var dfs func(node string)
	dfs = func(node string) {
		color[node] = gray
		stack = append(stack, node)
		for _, child := range g.Children(node) {
			switch color[child] {
			case white:
				dfs(child)
			case gray:
				start := slices.Index(stack, child)
				cycles = append(cycles, append(slices.Clone(stack[start:]), child))
			}
		}
		stack = stack[:len(stack)-1]
		color[node] = black
	}

	for _, n := range g.Sources() {
		if color[n.ID] == white {
			dfs(n.ID)
		}
	}
	for _, n := range g.Nodes() {
		if color[n.ID] == white {
			dfs(n.ID)
		}
	}
	return cycles
}

// CycleMembers returns the dependencies each node keeps on the cycles of
// the graph, restricted to the edges lying on a cycle.
func CycleMembers(g *dag.DAG) map[string][]string {
	members := make(map[string][]string)
	for _, c := range Cycles(g) {
		for i := 0; i+1 < len(c); i++ {
			if !slices.Contains(members[c[i]], c[i+1]) {
				members[c[i]] = append(members[c[i]], c[i+1])
			}
		}
	}
	return members
}
