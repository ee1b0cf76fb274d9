package sharedlog

import (
	"strings"

	"golang.org/x/mod/semver"
)

// CanonicalVersion returns v in the "vMAJOR.MINOR.PATCH" form understood by
// semver, or "" if v is not a valid version.
func CanonicalVersion(v string) string {
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}

// MaxVersion returns the greater of two versions. Invalid versions lose to
// valid ones.
func MaxVersion(a, b string) string {
	ca, cb := CanonicalVersion(a), CanonicalVersion(b)
	switch {
	case ca == "":
		return b
	case cb == "":
		return a
	case semver.Compare(ca, cb) >= 0:
		return a
	default:
		return b
	}
}
