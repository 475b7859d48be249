package errors

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

// safeText checks the rules shared by every name and path webpm puts into
// a URL: non-empty, bounded, printable, no traversal.
func safeText(code Code, what, s string, maxLen int) error {
	switch {
	case s == "":
		return New(code, "%s cannot be empty", what)
	case len(s) > maxLen:
		return New(code, "%s too long (max %d characters)", what, maxLen)
	case strings.IndexFunc(s, unicode.IsControl) >= 0:
		return New(code, "%s contains control characters", what)
	case strings.Contains(s, "\\"):
		return New(code, "%s cannot contain backslashes", what)
	case strings.Contains(s, ".."):
		return New(code, "%s cannot contain %q", what, "..")
	}
	return nil
}

// ValidatePackageName rejects names that cannot be embedded safely in a
// resource URL.
func ValidatePackageName(name string) error {
	if err := safeText(ErrCodeInvalidPackage, "package name", name, 256); err != nil {
		return err
	}
	if strings.Contains(name, "//") {
		return New(ErrCodeInvalidPackage, "package name contains %q", "//")
	}
	return nil
}

var (
	// Optionally scoped, lowercase, as published on the package index.
	moduleNameRe = regexp.MustCompile(`^(@[a-z0-9-~][a-z0-9-._~]*/)?[a-z0-9-~][a-z0-9-._~]*$`)
	// PEP 508.
	pythonNameRe = regexp.MustCompile(`^([A-Za-z0-9]|[A-Za-z0-9][A-Za-z0-9._-]*[A-Za-z0-9])$`)
	// Partition ids end up in backend names and URL paths.
	partitionRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)
)

// ValidateModuleName validates the name part of a module query.
func ValidateModuleName(name string) error {
	if err := ValidatePackageName(name); err != nil {
		return err
	}
	if !moduleNameRe.MatchString(name) {
		return New(ErrCodeInvalidPackage, "invalid module name: %q", name)
	}
	return nil
}

// ValidatePythonPackageName validates a Python package name.
func ValidatePythonPackageName(name string) error {
	if err := ValidatePackageName(name); err != nil {
		return err
	}
	if !pythonNameRe.MatchString(name) {
		return New(ErrCodeInvalidPackage, "invalid Python package name: %q", name)
	}
	return nil
}

// ValidatePartitionID validates a backend partition id. The empty id
// selects the default partition and is valid.
func ValidatePartitionID(id string) error {
	if id != "" && !partitionRe.MatchString(id) {
		return New(ErrCodeInvalidInput, "invalid partition id: %q", id)
	}
	return nil
}

// ValidatePath validates a resource path inside a package. Paths are
// relative and may not escape the package.
func ValidatePath(path string) error {
	if err := safeText(ErrCodeInvalidPath, "path", path, 500); err != nil {
		return err
	}
	if strings.HasPrefix(path, "/") {
		return New(ErrCodeInvalidPath, "path must be relative: %q", path)
	}
	return nil
}

// ValidateURL accepts absolute http and https URLs.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return New(ErrCodeInvalidInput, "URL cannot be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return Wrap(ErrCodeInvalidInput, err, "invalid URL %q", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return New(ErrCodeInvalidInput, "URL must use http or https scheme")
	}
	if u.Host == "" {
		return New(ErrCodeInvalidInput, "URL has no host: %q", rawURL)
	}
	return nil
}
