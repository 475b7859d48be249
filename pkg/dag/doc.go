// Package dag provides the package dependency graph used to compute
// installation layers.
//
// # Overview
//
// A [DAG] holds one node per resolved package version and one edge per
// dependency (From depends on To). Nodes keep their insertion order so that
// layers and error reports are stable from one resolution to the next.
//
//	g := dag.New(nil)
//	g.AddNode(dag.Node{ID: "app#1.0.0"})
//	g.AddNode(dag.Node{ID: "lib#2.1.0"})
//	g.AddEdge(dag.Edge{From: "app#1.0.0", To: "lib#2.1.0"})
//
// # Cycles
//
// [DAG.FindCycle] walks the graph depth-first and returns the first cycle
// it meets; [DAG.Validate] wraps it in a [CycleError]. Layering with the
// transform package requires an acyclic graph.
package dag
