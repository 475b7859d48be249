package transform

import (
	"slices"

	"github.com/matzehuels/webpm/pkg/dag"
)

// AssignLayers assigns every node the install layer it belongs to: nodes
// without dependencies are at row 0 and every other node sits one row
// below its deepest dependency. Existing rows are overwritten.
//
// The traversal is Kahn's algorithm run from the sinks, so each node is
// placed once all of its dependencies are. Nodes on a cycle are never
// reached: AssignLayers returns a [*dag.CycleError] naming one of them and
// leaves the graph unchanged.
//
// Time complexity is O(V + E).
func AssignLayers(g *dag.DAG) error {
	nodes := g.Nodes()
	outDegree := make(map[string]int, len(nodes))
	rows := make(map[string]int, len(nodes))
	queue := make([]string, 0, len(nodes))

	for _, n := range nodes {
		degree := g.OutDegree(n.ID)
		outDegree[n.ID] = degree
		if degree == 0 {
			queue = append(queue, n.ID)
		}
	}

	placed := 0
	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]
		placed++

		for _, parent := range g.Parents(curr) {
			if row := rows[curr] + 1; row > rows[parent] {
				rows[parent] = row
			}
			outDegree[parent]--
			if outDegree[parent] == 0 {
				queue = append(queue, parent)
			}
		}
	}

	if placed != len(nodes) {
		if path := g.FindCycle(); path != nil {
			return &dag.CycleError{Path: path}
		}
		return dag.ErrGraphHasCycle
	}
	g.SetRows(rows)
	return nil
}

// Layers groups node IDs by row after [AssignLayers]. Layer i holds the
// nodes of row i in insertion order; rows without nodes are skipped.
func Layers(g *dag.DAG) [][]string {
	var layers [][]string
	for _, row := range g.RowIDs() {
		ids := dag.NodeIDs(g.NodesInRow(row))
		if len(ids) > 0 {
			layers = append(layers, slices.Clip(ids))
		}
	}
	return layers
}
