package cache

import (
	"crypto/sha256"
	"encoding/hex"
)

// hashKey returns "<kind>:<sha256 of parts>". Parts are NUL-separated so
// that ("ab", "c") and ("a", "bc") key differently.
func hashKey(kind string, parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return kind + ":" + hex.EncodeToString(h.Sum(nil))
}

// Fingerprint returns the hex SHA-256 of an artifact's content.
func Fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
