package integrations

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const httpTimeout = 10 * time.Second

var (
	// ErrNotFound is returned when a package or resource doesn't exist.
	ErrNotFound = errors.New("resource not found")

	// ErrUnauthorized is returned for 401 and 403 responses.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNetwork is returned for HTTP failures (timeouts, connection errors, 5xx responses).
	ErrNetwork = errors.New("network error")
)

// StatusError is returned for non-2xx responses. It keeps the response
// body so callers can decode server-side error descriptions.
type StatusError struct {
	Code int
	URL  string
	Body []byte
	Err  error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %v", e.URL, e.Code, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// NewHTTPClient creates an HTTP client with a standard timeout.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: httpTimeout}
}

var separatorRuns = regexp.MustCompile(`[-_.]+`)

// NormalizePkgName returns the PEP 503 form of a Python package name, the
// key of both the PyPI JSON API and pyodide-lock.json.
func NormalizePkgName(name string) string {
	return separatorRuns.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}
