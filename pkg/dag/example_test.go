package dag_test

import (
	"errors"
	"fmt"

	"github.com/matzehuels/webpm/pkg/dag"
)

func ExampleDAG_basic() {
	// app -> lib -> core
	g := dag.New(nil)
	_ = g.AddNode(dag.Node{ID: "app"})
	_ = g.AddNode(dag.Node{ID: "lib"})
	_ = g.AddNode(dag.Node{ID: "core"})
	_ = g.AddEdge(dag.Edge{From: "app", To: "lib"})
	_ = g.AddEdge(dag.Edge{From: "lib", To: "core"})

	fmt.Println("Nodes:", g.NodeCount())
	fmt.Println("Edges:", g.EdgeCount())
	fmt.Println("Sources:", dag.NodeIDs(g.Sources()))
	fmt.Println("Sinks:", dag.NodeIDs(g.Sinks()))
	// Output:
	// Nodes: 3
	// Edges: 2
	// Sources: [app]
	// Sinks: [core]
}

func ExampleDAG_traversal() {
	g := dag.New(nil)
	_ = g.AddNode(dag.Node{ID: "app"})
	_ = g.AddNode(dag.Node{ID: "auth"})
	_ = g.AddNode(dag.Node{ID: "cache"})
	_ = g.AddEdge(dag.Edge{From: "app", To: "auth"})
	_ = g.AddEdge(dag.Edge{From: "app", To: "cache"})

	fmt.Println("Children of app:", g.Children("app"))
	fmt.Println("Parents of auth:", g.Parents("auth"))
	fmt.Println("Out-degree of app:", g.OutDegree("app"))
	// Output:
	// Children of app: [auth cache]
	// Parents of auth: [app]
	// Out-degree of app: 2
}

func ExampleDAG_Validate() {
	g := dag.New(nil)
	_ = g.AddNode(dag.Node{ID: "a"})
	_ = g.AddNode(dag.Node{ID: "b"})
	_ = g.AddNode(dag.Node{ID: "c"})
	_ = g.AddEdge(dag.Edge{From: "a", To: "b"})
	_ = g.AddEdge(dag.Edge{From: "b", To: "c"})
	_ = g.AddEdge(dag.Edge{From: "c", To: "b"})

	err := g.Validate()
	var cycle *dag.CycleError
	fmt.Println(errors.Is(err, dag.ErrGraphHasCycle))
	if errors.As(err, &cycle) {
		fmt.Println(cycle.Path)
	}
	// Output:
	// true
	// [b c b]
}
