// Package version implements Velocity's partial-version algebra: parsing,
// partial equality, total ordering, and the "preferred" tiebreak used to rank
// equivalent candidates during recipe planning.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// InvalidVersionError reports a version string that does not match
// M[.m[.p]][-suffix].
type InvalidVersionError struct {
	Input string
}

func (e *InvalidVersionError) Error() string {
	return fmt.Sprintf("invalid version %q", e.Input)
}

// Version is a partial semantic version: major is required, minor/patch are
// each optional (and only meaningful if every field before them is present),
// and an alphanumeric suffix may follow whichever numeric field was given.
type Version struct {
	Major int

	HasMinor bool
	Minor    int

	HasPatch bool
	Patch    int

	HasSuffix bool
	Suffix    string
}

// numericDepth is how many of {major, minor, patch} were specified (1-3).
func (v Version) numericDepth() int {
	switch {
	case v.HasPatch:
		return 3
	case v.HasMinor:
		return 2
	default:
		return 1
	}
}

// Parse parses a version string of the form M[.m[.p]][-suffix].
func Parse(s string) (Version, error) {
	orig := s
	var v Version

	if i := strings.IndexByte(s, '-'); i >= 0 {
		v.Suffix = s[i+1:]
		v.HasSuffix = true
		s = s[:i]
		if v.Suffix == "" {
			return Version{}, &InvalidVersionError{Input: orig}
		}
	}

	if s == "" {
		return Version{}, &InvalidVersionError{Input: orig}
	}

	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return Version{}, &InvalidVersionError{Input: orig}
	}

	nums := make([]int, len(parts))
	for i, p := range parts {
		if p == "" {
			return Version{}, &InvalidVersionError{Input: orig}
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, &InvalidVersionError{Input: orig}
		}
		nums[i] = n
	}

	v.Major = nums[0]
	if len(nums) > 1 {
		v.HasMinor = true
		v.Minor = nums[1]
	}
	if len(nums) > 2 {
		v.HasPatch = true
		v.Patch = nums[2]
	}

	return v, nil
}

// MustParse is Parse but panics on error; used for literal versions in
// constraint specs that have already been validated.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String renders only the fields that were specified, round-tripping Parse.
func (v Version) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d", v.Major)
	if v.HasMinor {
		fmt.Fprintf(&b, ".%d", v.Minor)
	}
	if v.HasPatch {
		fmt.Fprintf(&b, ".%d", v.Patch)
	}
	if v.HasSuffix {
		fmt.Fprintf(&b, "-%s", v.Suffix)
	}
	return b.String()
}

const missingNumeric = -1

// fullKey is the sentinel-filled total-order key: missing numeric fields
// sort below any real integer, and a missing suffix sorts above any suffix
// (a final release outranks any pre-release at the same numeric prefix).
type fullKey struct {
	major, minor, patch int
	noSuffix            bool
	suffix              string
}

func (v Version) fullKey() fullKey {
	k := fullKey{major: v.Major, minor: missingNumeric, patch: missingNumeric}
	if v.HasMinor {
		k.minor = v.Minor
	}
	if v.HasPatch {
		k.patch = v.Patch
	}
	if !v.HasSuffix {
		k.noSuffix = true
	} else {
		k.suffix = v.Suffix
	}
	return k
}

// compare returns -1, 0, or 1 comparing two full keys lexicographically.
func compareKeys(a, b fullKey) int {
	if a.major != b.major {
		return cmpInt(a.major, b.major)
	}
	if a.minor != b.minor {
		return cmpInt(a.minor, b.minor)
	}
	if a.patch != b.patch {
		return cmpInt(a.patch, b.patch)
	}
	// noSuffix ranks above any suffix; if both have suffixes, compare
	// lexicographically.
	if a.noSuffix != b.noSuffix {
		if a.noSuffix {
			return 1
		}
		return -1
	}
	return strings.Compare(a.suffix, b.suffix)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Equal implements the partial equality rule: truncate both sides to the
// shorter side's specified numeric-prefix length and compare byte-wise.
// Suffix is excluded from that truncated comparison whenever either side
// is not fully specified down to patch; once both sides carry major, minor,
// and patch, the suffix rejoins the comparison, so "1.2.3-rc1" and
// "1.2.3-rc2" are not equal.
func (v Version) Equal(o Version) bool {
	n := v.numericDepth()
	if o.numericDepth() < n {
		n = o.numericDepth()
	}
	if v.Major != o.Major {
		return false
	}
	if n >= 2 && v.Minor != o.Minor {
		return false
	}
	if n >= 3 && v.Patch != o.Patch {
		return false
	}
	if v.numericDepth() >= 3 && o.numericDepth() >= 3 && v.Suffix != o.Suffix {
		return false
	}
	return true
}

// LessThan, GreaterThan use the full (untruncated) key.
func (v Version) LessThan(o Version) bool    { return compareKeys(v.fullKey(), o.fullKey()) < 0 }
func (v Version) GreaterThan(o Version) bool { return compareKeys(v.fullKey(), o.fullKey()) > 0 }

// LessOrEqual and GreaterOrEqual defer to Equal before falling back to the
// strict full-key comparison, per spec.
func (v Version) LessOrEqual(o Version) bool {
	return v.Equal(o) || v.LessThan(o)
}

func (v Version) GreaterOrEqual(o Version) bool {
	return v.Equal(o) || v.GreaterThan(o)
}

// Preferred is a total tiebreak among versions that are partially Equal: the
// more specific (deeper) and lexicographically greater full key wins.
func (v Version) Preferred(o Version) bool {
	return compareKeys(v.fullKey(), o.fullKey()) > 0
}
