package graph

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/matzehuels/webpm/pkg/errors"
)

// PartitionPrefix separates a backend name from its partition id in the
// names backends are registered under.
const PartitionPrefix = "%p-"

// Query is a parsed module query "name#range as alias".
type Query struct {
	Name  string
	Range string
	Alias string
}

// ParseQuery parses a module query. A missing range, or "latest", means
// any version.
func ParseQuery(s string) (Query, error) {
	pointer, alias, _ := strings.Cut(s, " as ")
	pointer = strings.TrimSpace(pointer)
	name, rng, found := strings.Cut(pointer, "#")
	q := Query{Name: name, Range: "*", Alias: strings.TrimSpace(alias)}
	if found && rng != "" {
		q.Range = strings.ReplaceAll(rng, "latest", "*")
	}
	if err := errors.ValidateModuleName(q.Name); err != nil {
		return Query{}, errors.Wrap(errors.ErrCodeInvalidQuery, err, "invalid module query %q", s)
	}
	return q, nil
}

// String returns "name#range".
func (q Query) String() string { return q.Name + "#" + q.Range }

// SanitizeModules parses a list of module queries.
func SanitizeModules(modules []string) ([]Query, error) {
	out := make([]Query, 0, len(modules))
	for _, m := range modules {
		q, err := ParseQuery(m)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

// InlinedAliases extracts the "as alias" parts of module queries into an
// alias map pointing to "name<suffix>#range".
func InlinedAliases(modules []string, suffix string) map[string]string {
	aliases := make(map[string]string)
	for _, m := range modules {
		if !strings.Contains(m, " as ") {
			continue
		}
		q, err := ParseQuery(m)
		if err != nil || q.Alias == "" {
			continue
		}
		aliases[q.Alias] = fmt.Sprintf("%s%s#%s", q.Name, suffix, q.Range)
	}
	return aliases
}

// BackendName returns the name a backend is registered under for a
// partition.
func BackendName(name, partition string) string {
	return name + PartitionPrefix + partition
}

// AssetID returns the asset id of a package: its base64-encoded name.
func AssetID(name string) string {
	return base64.StdEncoding.EncodeToString([]byte(name))
}

// URLBase returns the base URL of a package version. It does not imply
// that the asset exists.
func URLBase(resourceBase, name, version string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(resourceBase, "/"), AssetID(name), version)
}

// Resource is a parsed resource id "name#version~path".
type Resource struct {
	Name    string
	Version string
	Path    string
	AssetID string
}

// ParseResource parses a resource id such as "codemirror#5.52.0~mode/python.min.js".
func ParseResource(id string) (Resource, error) {
	name, rest, ok := strings.Cut(id, "#")
	if !ok {
		return Resource{}, errors.New(errors.ErrCodeInvalidQuery, "resource id %q misses a version", id)
	}
	version, path, ok := strings.Cut(rest, "~")
	if !ok {
		return Resource{}, errors.New(errors.ErrCodeInvalidQuery, "resource id %q misses a path", id)
	}
	if err := errors.ValidatePath(path); err != nil {
		return Resource{}, err
	}
	return Resource{Name: name, Version: version, Path: path, AssetID: AssetID(name)}, nil
}

// URL returns the resource URL under a resource base.
func (r Resource) URL(resourceBase string) string {
	return URLBase(resourceBase, r.Name, r.Version) + "/" + r.Path
}
