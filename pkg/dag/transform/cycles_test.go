package transform

import (
	"errors"
	"reflect"
	"testing"

	"github.com/matzehuels/webpm/pkg/dag"
)

func build(t *testing.T, nodes []string, edges [][2]string) *dag.DAG {
	t.Helper()
	g := dag.New(nil)
	for _, id := range nodes {
		if err := g.AddNode(dag.Node{ID: id}); err != nil {
			t.Fatalf("AddNode(%s): %v", id, err)
		}
	}
	for _, e := range edges {
		if err := g.AddEdge(dag.Edge{From: e[0], To: e[1]}); err != nil {
			t.Fatalf("AddEdge(%v): %v", e, err)
		}
	}
	return g
}

func TestCycles(t *testing.T) {
	tests := []struct {
		name  string
		nodes []string
		edges [][2]string
		want  [][]string
	}{
		{
			name:  "no cycles",
			nodes: []string{"a", "b", "c"},
			edges: [][2]string{{"a", "b"}, {"b", "c"}},
		},
		{
			name:  "two nodes",
			nodes: []string{"a", "b"},
			edges: [][2]string{{"a", "b"}, {"b", "a"}},
			want:  [][]string{{"a", "b", "a"}},
		},
		{
			name:  "cycle below a source",
			nodes: []string{"app", "x", "y"},
			edges: [][2]string{{"app", "x"}, {"x", "y"}, {"y", "x"}},
			want:  [][]string{{"x", "y", "x"}},
		},
		{
			name:  "self loop",
			nodes: []string{"a"},
			edges: [][2]string{{"a", "a"}},
			want:  [][]string{{"a", "a"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := build(t, tt.nodes, tt.edges)
			if got := Cycles(g); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Cycles() = %v, want %v", got, tt.want)
			}
			if g.EdgeCount() != len(tt.edges) {
				t.Error("Cycles() modified the graph")
			}
		})
	}
}

func TestCycleMembers(t *testing.T) {
	g := build(t, []string{"app", "x", "y", "z"}, [][2]string{{"app", "x"}, {"x", "y"}, {"y", "x"}, {"y", "z"}})
	got := CycleMembers(g)
	want := map[string][]string{"x": {"y"}, "y": {"x"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("CycleMembers() = %v, want %v", got, want)
	}
}

func TestAssignLayers(t *testing.T) {
	g := build(t,
		[]string{"app", "ui", "http", "core"},
		[][2]string{{"app", "ui"}, {"app", "http"}, {"ui", "core"}, {"http", "core"}, {"app", "core"}},
	)
	if err := AssignLayers(g); err != nil {
		t.Fatalf("AssignLayers() error: %v", err)
	}
	want := [][]string{{"core"}, {"ui", "http"}, {"app"}}
	if got := Layers(g); !reflect.DeepEqual(got, want) {
		t.Errorf("Layers() = %v, want %v", got, want)
	}
	for _, e := range g.Edges() {
		from, _ := g.Node(e.From)
		to, _ := g.Node(e.To)
		if to.Row >= from.Row {
			t.Errorf("%s (row %d) not installed before %s (row %d)", e.To, to.Row, e.From, from.Row)
		}
	}
}

func TestAssignLayersIndependentRoots(t *testing.T) {
	g := build(t, []string{"a", "b"}, nil)
	if err := AssignLayers(g); err != nil {
		t.Fatal(err)
	}
	if got := Layers(g); !reflect.DeepEqual(got, [][]string{{"a", "b"}}) {
		t.Errorf("Layers() = %v", got)
	}
}

func TestAssignLayersCycle(t *testing.T) {
	g := build(t, []string{"app", "x", "y"}, [][2]string{{"app", "x"}, {"x", "y"}, {"y", "x"}})
	err := AssignLayers(g)
	var cycle *dag.CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("AssignLayers() error = %v, want *dag.CycleError", err)
	}
	if !reflect.DeepEqual(cycle.Path, []string{"x", "y", "x"}) {
		t.Errorf("cycle = %v", cycle.Path)
	}
	if !errors.Is(err, dag.ErrGraphHasCycle) {
		t.Error("error does not wrap ErrGraphHasCycle")
	}
}
