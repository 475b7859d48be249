package graph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// StripWip removes the "-wip" marker of work-in-progress versions.
func StripWip(version string) string {
	return strings.ReplaceAll(version, "-wip", "")
}

// Satisfies reports whether version is in the semver range. An empty
// range matches everything; unparsable inputs match nothing.
func Satisfies(version, rng string) bool {
	if rng == "" || rng == "*" {
		return true
	}
	c, err := semver.NewConstraint(rng)
	if err != nil {
		return false
	}
	v, err := semver.NewVersion(StripWip(version))
	if err != nil {
		return false
	}
	return c.Check(v)
}

// Compare orders two versions; it returns -1, 0 or 1. Unparsable versions
// compare lexically.
func Compare(a, b string) int {
	va, errA := semver.NewVersion(StripWip(a))
	vb, errB := semver.NewVersion(StripWip(b))
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	return va.Compare(vb)
}

// VersionNumber maps a version onto an integer preserving semver order
// for the major.minor.patch part.
func VersionNumber(version string) int64 {
	v, err := semver.NewVersion(StripWip(version))
	if err != nil {
		return 0
	}
	return int64(v.Major())*1_000_000_000_000 + int64(v.Minor())*1_000_000 + int64(v.Patch())
}

// MatchKey reports whether a side-effect key "name#range" applies to the
// given library version. A key without range matches every version.
func MatchKey(key, name, version string) bool {
	keyName, rng, found := strings.Cut(key, "#")
	if keyName != name {
		return false
	}
	if !found {
		rng = "*"
	}
	return Satisfies(version, rng)
}

// APIKey returns the compatibility class of a version: the major version,
// or "0" followed by the minor version for 0.x releases. Unparsable
// versions are their own class.
func APIKey(version string) string {
	v, err := semver.NewVersion(StripWip(version))
	if err != nil {
		return version
	}
	if v.Major() == 0 {
		return fmt.Sprintf("0%d", v.Minor())
	}
	return strconv.FormatUint(v.Major(), 10)
}

// Latest returns the highest version satisfying rng, or false when none
// does.
func Latest(versions []string, rng string) (string, bool) {
	best := ""
	for _, v := range versions {
		if !Satisfies(v, rng) {
			continue
		}
		if best == "" || Compare(v, best) > 0 {
			best = v
		}
	}
	return best, best != ""
}
