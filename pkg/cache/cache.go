// Package cache provides the byte-level caches used by webpm.
//
// Three backends implement [Cache]:
//
//   - [FileCache] stores entries as JSON files under a directory. This is the
//     default for the CLI (~/.cache/webpm).
//   - [RedisCache] stores entries in Redis; shared by several CLI processes or
//     pool workers on one host.
//   - [NullCache] never stores anything.
//
// Keys are built with a [Keyer] so every consumer (HTTP clients, the graph
// resolver, the artifact fetcher) uses one stable naming scheme.
package cache

import (
	"context"
	"time"
)

// Cache stores opaque byte values under string keys.
type Cache interface {
	// Get returns the value stored under key. A miss is (nil, false, nil).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores data under key. A zero ttl means no expiration.
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	Close() error
}

// Clearer is implemented by caches that can drop every entry at once.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Keyer builds cache keys.
type Keyer interface {
	// HTTPKey keys a raw HTTP response of an integration client.
	HTTPKey(namespace, key string) string

	// GraphKey keys a resolved loading graph by the origin it was resolved
	// against and the serialized resolution body.
	GraphKey(origin string, body []byte) string

	// ArtifactKey keys a fetched artifact by its URL.
	ArtifactKey(url string) string
}

// DefaultKeyer is the [Keyer] used when none is configured.
type DefaultKeyer struct{}

// NewDefaultKeyer returns a [DefaultKeyer].
func NewDefaultKeyer() Keyer {
	return DefaultKeyer{}
}

// HTTPKey returns "http:<namespace>:<key>".
func (DefaultKeyer) HTTPKey(namespace, key string) string {
	return "http:" + namespace + ":" + key
}

// GraphKey hashes origin and body.
func (DefaultKeyer) GraphKey(origin string, body []byte) string {
	return hashKey("graph", origin, string(body))
}

// ArtifactKey hashes the URL.
func (DefaultKeyer) ArtifactKey(url string) string {
	return hashKey("artifact", url)
}
