package config

import (
	"fmt"
	"strings"
)

// Default paths served by the local development server.
const (
	DefaultPathLoadingGraph     = "/api/assets-gateway/webpm/queries/loading-graph"
	DefaultPathResource         = "/api/assets-gateway/webpm/resources"
	DefaultPathPypi             = "/python/pypi"
	DefaultPathPyodide          = "/python/pyodide"
	DefaultPathBackendInstall   = "/admin/system/backends/install"
	DefaultPathBackendUninstall = "/admin/system/backends/%UID%/uninstall"

	DefaultPypiURL    = "https://pypi.org/"
	DefaultPyodideURL = "https://cdn.jsdelivr.net/pyodide/v$VERSION/full"

	// VersionPlaceholder is substituted with the Pyodide version.
	VersionPlaceholder = "$VERSION"
	// PartitionPlaceholder is substituted with the backends partition id.
	PartitionPlaceholder = "%UID%"
)

// Origin describes a server origin. Nil pointers mean "not given".
type Origin struct {
	Secure   *bool  `mapstructure:"secure" json:"secure,omitempty"`
	Hostname string `mapstructure:"hostname" json:"hostname,omitempty"`
	Port     int    `mapstructure:"port" json:"port,omitempty"`
}

// ComputeOrigin renders an origin as a URL prefix. A nil origin yields ""
// (relative URLs). Without hostname the origin is http://localhost:8080;
// with a hostname it defaults to https and no explicit port.
func ComputeOrigin(o *Origin) string {
	if o == nil {
		return ""
	}
	secure := o.Hostname != ""
	if o.Secure != nil {
		secure = *o.Secure
	}
	hostname := o.Hostname
	if hostname == "" {
		hostname = "localhost"
	}
	port := o.Port
	if port == 0 && o.Hostname == "" {
		port = 8080
	}

	scheme := "http"
	if secure {
		scheme = "https"
	}
	if port == 0 {
		return fmt.Sprintf("%s://%s", scheme, hostname)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, hostname, port)
}

// Paths are the end-point paths of a backend, relative to its origin.
type Paths struct {
	LoadingGraph     string `mapstructure:"pathLoadingGraph" json:"pathLoadingGraph"`
	Resource         string `mapstructure:"pathResource" json:"pathResource"`
	Pyodide          string `mapstructure:"pathPyodide" json:"pathPyodide,omitempty"`
	Pypi             string `mapstructure:"pathPypi" json:"pathPypi,omitempty"`
	BackendInstall   string `mapstructure:"pathBackendInstall" json:"pathBackendInstall,omitempty"`
	BackendUninstall string `mapstructure:"pathBackendUninstall" json:"pathBackendUninstall,omitempty"`
}

// DefaultPaths returns the paths of the local development server.
func DefaultPaths() Paths {
	return Paths{
		LoadingGraph:     DefaultPathLoadingGraph,
		Resource:         DefaultPathResource,
		Pyodide:          DefaultPathPyodide,
		Pypi:             DefaultPathPypi,
		BackendInstall:   DefaultPathBackendInstall,
		BackendUninstall: DefaultPathBackendUninstall,
	}
}

// Backend holds the absolute URLs webpm talks to.
type Backend struct {
	ID                  string `json:"id,omitempty"`
	Origin              string `json:"origin"`
	URLLoadingGraph     string `json:"urlLoadingGraph"`
	URLResource         string `json:"urlResource"`
	URLPypi             string `json:"urlPypi"`
	URLPyodide          string `json:"urlPyodide"`
	URLBackendInstall   string `json:"urlBackendInstall,omitempty"`
	URLBackendUninstall string `json:"urlBackendUninstall,omitempty"`
}

// NewBackend builds a backend configuration from an origin prefix and
// paths. Missing Python paths fall back to the public PyPI and the
// jsDelivr Pyodide distribution.
func NewBackend(id, origin string, p Paths) Backend {
	b := Backend{
		ID:              id,
		Origin:          origin,
		URLLoadingGraph: origin + p.LoadingGraph,
		URLResource:     origin + p.Resource,
		URLPypi:         DefaultPypiURL,
		URLPyodide:      DefaultPyodideURL,
	}
	if p.Pypi != "" {
		b.URLPypi = origin + p.Pypi
	}
	if p.Pyodide != "" {
		b.URLPyodide = origin + p.Pyodide + "/" + VersionPlaceholder
	}
	if p.BackendInstall != "" {
		b.URLBackendInstall = origin + p.BackendInstall
	}
	if p.BackendUninstall != "" {
		b.URLBackendUninstall = origin + p.BackendUninstall
	}
	return b
}

// PyodideIndexURL returns the Pyodide index URL for a version.
func (b Backend) PyodideIndexURL(version string) string {
	return strings.ReplaceAll(b.URLPyodide, VersionPlaceholder, version)
}

// UninstallURL returns the backend uninstall URL of a partition, or "".
func (b Backend) UninstallURL(partition string) string {
	return strings.ReplaceAll(b.URLBackendUninstall, PartitionPlaceholder, partition)
}

// ResourceURL returns the URL of a path relative to the resource base.
// Absolute URLs under the resource base are returned unchanged.
func (b Backend) ResourceURL(path string) string {
	if strings.HasPrefix(path, b.URLResource) && b.URLResource != "" {
		return path
	}
	return strings.TrimSuffix(b.URLResource, "/") + "/" + strings.TrimPrefix(path, "/")
}
