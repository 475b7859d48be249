// Package pypi provides an HTTP client for the Python Package Index JSON API.
//
// The Python installer uses it for modules that are not bundled with the
// Pyodide distribution: [Client.FetchRelease] returns the release metadata
// and the URL of its pure-Python wheel, if any.
//
//	client := pypi.NewClient(cache.NewNullCache(), 24*time.Hour)
//	pkg, err := client.FetchPackage(ctx, "snowballstemmer", false)
//
// Package names are normalized following PEP 503. Dependencies are
// extracted from requires_dist, without extra, dev and test markers.
package pypi
