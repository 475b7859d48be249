package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Exception types as reported by the resolution server and carried by the
// install errors of this package.
const (
	TypeLoadingGraph         = "LoadingGraphError"
	TypeDependencies         = "DependenciesError"
	TypeCircularDependencies = "CircularDependencies"
	TypeUnauthorized         = "Unauthorized"
	TypeURLNotFound          = "UrlNotFound"
	TypeSourceParsingFailed  = "SourceParsingFailed"
	TypeFetchErrors          = "FetchErrors"
	TypeBackend              = "DownloadBackendFailed"
	TypeLocalYouwolRequired  = "LocalYouwolRequired"
	TypePyEnvironment        = "PyEnvironmentError"
	TypeUpstreamResponse     = "UpstreamResponseException"
)

// CdnError is implemented by every error raised while installing.
type CdnError interface {
	error
	ExceptionType() string
}

// PackageRef identifies one version of a package.
type PackageRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// LoadingGraphError is the generic resolution failure.
type LoadingGraphError struct {
	Detail string
	Cause  error
}

func (e *LoadingGraphError) Error() string {
	if e.Detail == "" {
		return "failed to retrieve the loading graph"
	}
	return "failed to retrieve the loading graph: " + e.Detail
}

func (e *LoadingGraphError) Unwrap() error         { return e.Cause }
func (e *LoadingGraphError) ExceptionType() string { return TypeLoadingGraph }

// DependencyIssue is one unsatisfiable query reported by the resolver.
type DependencyIssue struct {
	Query       string     `json:"query"`
	FromPackage PackageRef `json:"fromPackage"`
	Detail      string     `json:"detail"`
}

// DependenciesError reports queries that could not be satisfied.
type DependenciesError struct {
	Context string            `json:"context"`
	Errors  []DependencyIssue `json:"errors"`
}

func (e *DependenciesError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, issue := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s (from %s#%s): %s",
			issue.Query, issue.FromPackage.Name, issue.FromPackage.Version, issue.Detail))
	}
	return fmt.Sprintf("dependencies error: %s: %s", e.Context, strings.Join(parts, "; "))
}

func (e *DependenciesError) ExceptionType() string { return TypeDependencies }

// CircularDependencies reports a cycle in the transitive dependency graph.
// Packages maps each package on the cycle to the dependencies it points to.
type CircularDependencies struct {
	Context  string                  `json:"context"`
	Packages map[string][]PackageRef `json:"packages"`
}

func (e *CircularDependencies) Error() string {
	names := make([]string, 0, len(e.Packages))
	for name := range e.Packages {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("circular dependencies: %s: %s", e.Context, strings.Join(names, ", "))
}

func (e *CircularDependencies) ExceptionType() string { return TypeCircularDependencies }

// Unauthorized is returned for 401 and 403 responses.
type Unauthorized struct {
	AssetID string `json:"assetId"`
	Name    string `json:"name"`
	URL     string `json:"url"`
}

func (e *Unauthorized) Error() string {
	return fmt.Sprintf("%s: unauthorized to access %s", e.Name, e.URL)
}

func (e *Unauthorized) ExceptionType() string { return TypeUnauthorized }

// URLNotFound is returned for 404 responses.
type URLNotFound struct {
	AssetID string `json:"assetId"`
	Name    string `json:"name"`
	URL     string `json:"url"`
	Version string `json:"version,omitempty"`
}

func (e *URLNotFound) Error() string {
	return fmt.Sprintf("%s: resource not found at %s", e.Name, e.URL)
}

func (e *URLNotFound) ExceptionType() string { return TypeURLNotFound }

// SourceParsingFailed is returned when a fetched artifact cannot be activated.
type SourceParsingFailed struct {
	AssetID string `json:"assetId"`
	Name    string `json:"name"`
	URL     string `json:"url"`
	Message string `json:"message"`
}

func (e *SourceParsingFailed) Error() string {
	return fmt.Sprintf("%s: failed to parse source from %s: %s", e.Name, e.URL, e.Message)
}

func (e *SourceParsingFailed) ExceptionType() string { return TypeSourceParsingFailed }

// FetchErrors aggregates the fetch failures of one layer.
type FetchErrors struct {
	Errors []error
}

func (e *FetchErrors) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("%d fetch error(s): %s", len(e.Errors), strings.Join(msgs, "; "))
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *FetchErrors) Unwrap() []error       { return e.Errors }
func (e *FetchErrors) ExceptionType() string { return TypeFetchErrors }

// BackendException reports a backend that failed to download, install or start.
type BackendException struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Detail  string `json:"detail"`
}

func (e *BackendException) Error() string {
	return fmt.Sprintf("backend %s#%s: %s", e.Name, e.Version, e.Detail)
}

func (e *BackendException) ExceptionType() string { return TypeBackend }

// LocalYouwolRequired is returned when an operation needs the local
// development server session and none is available.
type LocalYouwolRequired struct {
	Detail string `json:"detail"`
}

func (e *LocalYouwolRequired) Error() string         { return e.Detail }
func (e *LocalYouwolRequired) ExceptionType() string { return TypeLocalYouwolRequired }

// PyEnvironmentError reports a failed Python environment installation.
type PyEnvironmentError struct {
	Detail string
	Cause  error
}

func (e *PyEnvironmentError) Error() string {
	return "python environment: " + e.Detail
}

func (e *PyEnvironmentError) Unwrap() error         { return e.Cause }
func (e *PyEnvironmentError) ExceptionType() string { return TypePyEnvironment }

// serverError is the JSON error body of the resolution server.
type serverError struct {
	ExceptionType string          `json:"exceptionType"`
	Detail        json.RawMessage `json:"detail"`
}

// FromServer translates an error body returned by the resolution server
// into the matching install error. Upstream wrappers are unwrapped
// recursively; unknown shapes become a [LoadingGraphError].
func FromServer(status int, body []byte) error {
	var se serverError
	if err := json.Unmarshal(body, &se); err != nil || se.ExceptionType == "" {
		return &LoadingGraphError{Detail: fmt.Sprintf("HTTP %d: %s", status, strings.TrimSpace(string(body)))}
	}
	switch se.ExceptionType {
	case TypeUpstreamResponse:
		return FromServer(status, se.Detail)
	case TypeCircularDependencies:
		e := &CircularDependencies{}
		if err := json.Unmarshal(se.Detail, e); err != nil {
			return &LoadingGraphError{Detail: "malformed CircularDependencies detail", Cause: err}
		}
		return e
	case TypeDependencies:
		e := &DependenciesError{}
		if err := json.Unmarshal(se.Detail, e); err != nil {
			return &LoadingGraphError{Detail: "malformed DependenciesError detail", Cause: err}
		}
		return e
	case TypeUnauthorized:
		e := &Unauthorized{}
		_ = json.Unmarshal(se.Detail, e)
		return e
	}
	return &LoadingGraphError{Detail: fmt.Sprintf("%s: %s", se.ExceptionType, detailText(se.Detail))}
}

// ToServer encodes an install error the way the resolution server does.
func ToServer(err error) []byte {
	var ce CdnError
	if !errors.As(err, &ce) {
		ce = &LoadingGraphError{Detail: err.Error()}
	}
	var detail any = ce
	switch e := ce.(type) {
	case *LoadingGraphError:
		detail = e.Detail
	case *LocalYouwolRequired:
		detail = e.Detail
	}
	data, _ := json.Marshal(map[string]any{
		"exceptionType": ce.ExceptionType(),
		"detail":        detail,
	})
	return data
}

func detailText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
