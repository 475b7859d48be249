// Package devserver implements a local development server for webpm.
//
// # Overview
//
// The server resolves loading graphs against a YAML [Index] of packages,
// serves their resources, installs backends and pushes the install
// progress on two websocket channels. It advertises itself with the
// "w3nest" session cookie, so that a client pointed at it installs
// backends without further configuration.
//
//	idx, err := devserver.LoadIndex("webpm-index.yaml")
//	srv := devserver.New(devserver.Options{Index: idx, Addr: "127.0.0.1:2000"})
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Shutdown(context.Background())
//
// # Index
//
// Each package has a name, a version and optionally an api key (derived
// from the version), an exported symbol, aliases, dependencies given as
// semver ranges, and its files, either inline or read from a directory.
// Private packages are only served to requests carrying the server token.
//
//	packages:
//	  - name: "@demo/ui"
//	    version: 1.2.0
//	    dependencies: {rxjs: "^7.0.0"}
//	    files:
//	      index.json: '{"widgets": ["button"]}'
//	  - name: demo-svc
//	    version: 0.3.0
//	    type: backend
//	    backend: {install: "./install.sh", start: "./start.sh"}
//	    dir: ./demo-svc
//
// # Backends
//
// Installing a backend runs its install command then starts its start
// command in the background. Each phase is published on the data channel
// with the correlation attributes of the request, and the output of both
// commands is published line by line on the logs channel.
package devserver
