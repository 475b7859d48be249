// Package graph provides the loading graph model and its wire format.
//
// A loading graph is the result of resolving a set of module queries: a
// version-pinned lock set plus a layered installation plan.
//
// # Core Types
//
//   - [Library]: one resolved entry of the lock set
//   - [LoadingGraph]: the lock set and the layers of [Entry] to install
//   - [Query]: a parsed module query such as "@youwol/rx-vdom#^1.0.0 as vdom"
//   - [Resource]: a parsed resource id such as "codemirror#5.52.0~mode/python.min.js"
//
// # Serialization
//
// Graphs use the resolver's JSON format:
//
//	{
//	  "graphType": "sequential-v2",
//	  "lock": [{"id": "cnhqcw==", "name": "rxjs", "version": "7.5.6", "type": "js/wasm", "apiKey": "7", ...}],
//	  "definition": [[["cnhqcw==", "cnhqcw==/7.5.6/dist/rxjs.js"]]]
//	}
//
// Common operations:
//
//	g, _ := graph.ReadFile("graph.json")
//	graph.WriteFile(g, "graph.json")
//	dot := graph.ToDOT(g, graph.DOTOptions{})
//
// # Concurrency
//
// A LoadingGraph is immutable once produced by resolution and is safe for
// concurrent reads.
package graph
