// Package github provides an HTTP client for the GitHub releases API.
//
// The Python installer uses it to discover the latest Pyodide release when
// no runtime version is pinned:
//
//	client := github.NewClient(cache.NewNullCache(), token, time.Hour)
//	tag, err := client.LatestTag(ctx, "pyodide", "pyodide")
//
// A token is optional; without one the API allows 60 requests per hour.
// Responses are cached with the TTL given to [NewClient].
package github
