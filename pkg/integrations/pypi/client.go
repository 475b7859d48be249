package pypi

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/matzehuels/webpm/pkg/cache"
	"github.com/matzehuels/webpm/pkg/integrations"
)

var (
	depRE    = regexp.MustCompile(`^([a-zA-Z0-9_-]+)`)
	markerRE = regexp.MustCompile(`;\s*(.+)`)
	skipRE   = regexp.MustCompile(`extra|dev|test`)
)

// PackageInfo holds metadata for one release of a Python package.
//
// Dependencies list only runtime dependencies; extras, dev, and test deps are excluded.
// Wheel is the URL of a pure-Python wheel ("py3-none-any"), empty when the
// release ships only platform wheels or sources.
type PackageInfo struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Dependencies []string `json:"dependencies,omitempty"`
	Summary      string   `json:"summary,omitempty"`
	License      string   `json:"license,omitempty"`
	Wheel        string   `json:"wheel,omitempty"`
	WheelSHA256  string   `json:"wheelSha256,omitempty"`
}

// PureWheel reports whether the release can be installed from the index
// without a platform build.
func (p *PackageInfo) PureWheel() bool { return p.Wheel != "" }

// Client provides access to the PyPI package registry API.
// It handles HTTP requests with caching and automatic retries.
//
// All methods are safe for concurrent use by multiple goroutines.
type Client struct {
	*integrations.Client
	baseURL string
}

// DefaultBaseURL is the JSON API root of the public index.
const DefaultBaseURL = "https://pypi.org/pypi"

// NewClient creates a PyPI client with the given cache backend.
// The returned Client is safe for concurrent use.
func NewClient(backend cache.Cache, cacheTTL time.Duration) *Client {
	return NewClientWithBaseURL(backend, cacheTTL, DefaultBaseURL)
}

// NewClientWithBaseURL creates a client for a PyPI-compatible index. The
// base URL may be given with or without the trailing "/pypi".
func NewClientWithBaseURL(backend cache.Cache, cacheTTL time.Duration, baseURL string) *Client {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if !strings.HasSuffix(baseURL, "/pypi") {
		baseURL += "/pypi"
	}
	return &Client{
		Client:  integrations.NewClient(backend, "pypi", cacheTTL, nil),
		baseURL: baseURL,
	}
}

// FetchPackage retrieves the latest release of a Python package.
//
// The pkg parameter is normalized automatically (case-insensitive, underscores→hyphens).
// If refresh is true, the cache is bypassed and a fresh API call is made.
//
// Returns [integrations.ErrNotFound] if the package doesn't exist and
// [integrations.ErrNetwork] for HTTP failures.
func (c *Client) FetchPackage(ctx context.Context, pkg string, refresh bool) (*PackageInfo, error) {
	return c.FetchRelease(ctx, pkg, "", refresh)
}

// FetchRelease retrieves one release of a package; an empty version means
// the latest.
func (c *Client) FetchRelease(ctx context.Context, pkg, version string, refresh bool) (*PackageInfo, error) {
	pkg = integrations.NormalizePkgName(pkg)
	key := pkg
	url := fmt.Sprintf("%s/%s/json", c.baseURL, pkg)
	if version != "" {
		key = pkg + "@" + version
		url = fmt.Sprintf("%s/%s/%s/json", c.baseURL, pkg, version)
	}

	var info PackageInfo
	err := c.Cached(ctx, key, refresh, &info, func() error {
		return c.fetch(ctx, url, pkg, &info)
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) fetch(ctx context.Context, url, pkg string, info *PackageInfo) error {
	var data apiResponse
	if err := c.Get(ctx, url, &data); err != nil {
		if errors.Is(err, integrations.ErrNotFound) {
			return fmt.Errorf("%w: pypi package %s", err, pkg)
		}
		return err
	}

	*info = PackageInfo{
		Name:         data.Info.Name,
		Version:      data.Info.Version,
		Summary:      data.Info.Summary,
		License:      extractLicenseType(data.Info.License, data.Info.Classifiers),
		Dependencies: extractDeps(data.Info.RequiresDist),
	}
	if f, ok := pureWheel(data.URLs); ok {
		info.Wheel = f.URL
		info.WheelSHA256 = f.Digests.SHA256
	}
	return nil
}

func pureWheel(files []apiFile) (apiFile, bool) {
	for _, f := range files {
		if f.PackageType == "bdist_wheel" && strings.HasSuffix(f.Filename, "-none-any.whl") {
			return f, true
		}
	}
	return apiFile{}, false
}

func extractDeps(requires []string) []string {
	seen := make(map[string]bool)
	var deps []string
	for _, req := range requires {
		if m := markerRE.FindStringSubmatch(req); len(m) > 1 && skipRE.MatchString(m[1]) {
			continue
		}
		if m := depRE.FindStringSubmatch(req); len(m) > 1 {
			dep := integrations.NormalizePkgName(m[1])
			if !seen[dep] {
				seen[dep] = true
				deps = append(deps, dep)
			}
		}
	}
	return deps
}

type apiResponse struct {
	Info apiInfo   `json:"info"`
	URLs []apiFile `json:"urls"`
}

type apiFile struct {
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	PackageType string `json:"packagetype"`
	Digests     struct {
		SHA256 string `json:"sha256"`
	} `json:"digests"`
}

type apiInfo struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Summary      string   `json:"summary"`
	License      string   `json:"license"`
	Classifiers  []string `json:"classifiers"`
	RequiresDist []string `json:"requires_dist"`
}

// extractLicenseType extracts a short license identifier from PyPI data.
// It prefers the classifier (e.g., "License :: OSI Approved :: MIT License" -> "MIT License")
// and falls back to the license field if it's short enough.
func extractLicenseType(license string, classifiers []string) string {
	// First, try to extract from classifiers
	for _, c := range classifiers {
		if strings.HasPrefix(c, "License :: ") {
			parts := strings.Split(c, " :: ")
			if len(parts) >= 3 {
				// Return the last part, e.g., "MIT License", "BSD-3-Clause"
				return parts[len(parts)-1]
			}
		}
	}

	// If license field is short (likely just the type), use it
	if license != "" && len(license) < 100 && !strings.Contains(license, "\n") {
		return strings.TrimSpace(license)
	}

	// Otherwise, try to extract type from the beginning of the license text
	if license != "" {
		// Common patterns: "MIT License", "BSD 3-Clause License", "Apache License 2.0"
		firstLine := strings.Split(license, "\n")[0]
		firstLine = strings.TrimSpace(firstLine)
		if len(firstLine) < 50 {
			return firstLine
		}
	}

	return ""
}
