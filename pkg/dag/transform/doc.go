// Package transform computes installation layers from a dependency graph.
//
// [AssignLayers] places every package one row below its deepest
// dependency, so that installing the rows in ascending order always finds
// the dependencies of a package already installed. [Layers] then reads the
// rows back as ordered groups of node IDs.
//
//	if err := transform.AssignLayers(g); err != nil {
//	    return err // *dag.CycleError
//	}
//	for i, layer := range transform.Layers(g) {
//	    fmt.Println(i, layer)
//	}
//
// [Cycles] and [CycleMembers] describe the cycles of a graph that cannot be
// layered.
package transform
