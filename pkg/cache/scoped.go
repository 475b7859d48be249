package cache

// ScopedKeyer wraps a Keyer with a prefix. Several origins sharing one
// Redis instance use it to keep their namespaces apart.
//
// Example usage:
//
//	keyer := NewScopedKeyer(NewDefaultKeyer(), "origin:localhost:8080:")
type ScopedKeyer struct {
	inner  Keyer
	prefix string
}

// NewScopedKeyer creates a keyer with a prefix.
// The prefix is prepended to all generated keys.
func NewScopedKeyer(inner Keyer, prefix string) Keyer {
	if inner == nil {
		inner = NewDefaultKeyer()
	}
	return &ScopedKeyer{
		inner:  inner,
		prefix: prefix,
	}
}

// HTTPKey generates a prefixed key for HTTP response caching.
func (k *ScopedKeyer) HTTPKey(namespace, key string) string {
	return k.prefix + k.inner.HTTPKey(namespace, key)
}

// GraphKey generates a prefixed key for loading graph caching.
func (k *ScopedKeyer) GraphKey(origin string, body []byte) string {
	return k.prefix + k.inner.GraphKey(origin, body)
}

// ArtifactKey generates a prefixed key for artifact caching.
func (k *ScopedKeyer) ArtifactKey(url string) string {
	return k.prefix + k.inner.ArtifactKey(url)
}
