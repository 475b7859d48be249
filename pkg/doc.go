// Package pkg holds the libraries behind webpm, a dynamic installer for web
// packages.
//
// An install request names ES modules, backends, Python modules and
// stylesheets. The resolution server turns the modules into a layered
// loading graph; the installer fetches each layer, activates it in an
// execution scope and records what is installed so later requests skip it.
// Worker pools bootstrap every worker with the same installation and then
// schedule tasks on them.
//
// # Data flow
//
//	pipeline.Request
//	     ↓
//	[resolver]   loading graph query (memoized, cached)
//	     ↓
//	[pipeline]   layer by layer: [fetch] scripts, [backend] installs
//	     ↓
//	[registry]   compatibility checks, symbols, aliases
//	     ↓
//	pipeline.Result + [events] published along the way
//
// # Quick Start
//
//	inst := pipeline.NewInstaller(pipeline.Options{
//	    Backend: config.NewBackend("", "http://localhost:8080", config.DefaultPaths()),
//	})
//	res, err := inst.Install(ctx, pipeline.Request{
//	    ESM: pipeline.ESM{Modules: []string{"rxjs#^7.0.0 as rx"}},
//	})
//	fmt.Println(res.Symbols)
//
// # Packages
//
//   - [graph]: libraries, loading graphs, module queries, DOT rendering
//   - [resolver]: loading graph queries and server error mapping
//   - [registry]: installed versions, execution scope, memoization
//   - [fetch]: deduplicated artifact downloads
//   - [backend], [python]: backend and Python environment installers
//   - [pipeline]: the install entry point
//   - [workerpool]: worker pools, their message protocol and worker hosts
//   - [channel], [session], [config], [cache], [events], [stream]: plumbing
//   - [devserver]: a local resolution server for development and tests
//
// [graph]: https://pkg.go.dev/github.com/matzehuels/webpm/pkg/graph
// [resolver]: https://pkg.go.dev/github.com/matzehuels/webpm/pkg/resolver
// [registry]: https://pkg.go.dev/github.com/matzehuels/webpm/pkg/registry
// [fetch]: https://pkg.go.dev/github.com/matzehuels/webpm/pkg/fetch
// [backend]: https://pkg.go.dev/github.com/matzehuels/webpm/pkg/backend
// [python]: https://pkg.go.dev/github.com/matzehuels/webpm/pkg/python
// [pipeline]: https://pkg.go.dev/github.com/matzehuels/webpm/pkg/pipeline
// [workerpool]: https://pkg.go.dev/github.com/matzehuels/webpm/pkg/workerpool
// [channel]: https://pkg.go.dev/github.com/matzehuels/webpm/pkg/channel
// [session]: https://pkg.go.dev/github.com/matzehuels/webpm/pkg/session
// [config]: https://pkg.go.dev/github.com/matzehuels/webpm/pkg/config
// [cache]: https://pkg.go.dev/github.com/matzehuels/webpm/pkg/cache
// [events]: https://pkg.go.dev/github.com/matzehuels/webpm/pkg/events
// [stream]: https://pkg.go.dev/github.com/matzehuels/webpm/pkg/stream
// [devserver]: https://pkg.go.dev/github.com/matzehuels/webpm/pkg/devserver
package pkg
