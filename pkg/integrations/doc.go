// Package integrations provides the shared HTTP client of webpm and the
// clients of the third-party APIs it talks to.
//
// # Overview
//
// [Client] is embedded by every HTTP consumer: the loading graph resolver,
// the artifact fetcher, the backend installer and the registry clients.
// Subpackages wrap third-party APIs:
//
//   - [pypi]: Python Package Index, used for Python index installs
//   - [github]: GitHub API, used to discover the latest Pyodide release
//
// # Client Pattern
//
//	client := pypi.NewClient(cache.NewNullCache(), 24*time.Hour)
//	pkg, err := client.FetchPackage(ctx, "numpy", false)  // false = use cache
//
// Clients handle:
//   - HTTP requests with retry on transient failures
//   - Response caching through [cache.Cache]
//   - Status mapping: 404 to [ErrNotFound], 401/403 to [ErrUnauthorized],
//     5xx and transport errors to retryable [ErrNetwork]
//
// Non-2xx responses are returned as [StatusError] carrying the response
// body.
//
// [pypi]: github.com/matzehuels/webpm/pkg/integrations/pypi
// [github]: github.com/matzehuels/webpm/pkg/integrations/github
// [cache.Cache]: github.com/matzehuels/webpm/pkg/cache.Cache
package integrations
