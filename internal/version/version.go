// Package version parses and orders Meshtastic release identifiers.
//
// Release tags come in three shapes: bare numeric ("v2.7.15"), prerelease
// suffixed ("2.8.0-rc1") and commit suffixed ("2.7.16.def456" as published
// in the meshtastic.github.io content tree). All three must sort into one
// total order so retention and supersession decisions are deterministic.
package version

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	hashiver "github.com/hashicorp/go-version"
)

// FirmwareDirPrefix is the directory naming convention of the content tree.
const FirmwareDirPrefix = "firmware-"

// ErrInvalidVersion is returned for strings with no usable numeric core.
type ErrInvalidVersion struct {
	Raw string
}

func (e *ErrInvalidVersion) Error() string {
	return fmt.Sprintf("invalid version: %q", e.Raw)
}

var (
	prereleaseRE = regexp.MustCompile(`^(\d+(?:\.\d+)*)[.-](?i:(rc|dev|alpha|beta|b))\.?(\d*)$`)
	commitRE     = regexp.MustCompile(`^(\d+(?:\.\d+)*)\.([a-fA-F0-9]{6,40})$`)
	numericRE    = regexp.MustCompile(`^\d+(?:\.\d+)*$`)
	hashDirRE    = regexp.MustCompile(`[.-]([a-fA-F0-9]{6,40})(?:[.-]|$)`)
)

// Version is an immutable, comparable release identifier.
type Version struct {
	raw        string
	tuple      []int
	prerelease string // normalized marker ("rc1", "b0", ...) or ""
	commit     string // short commit hash or ""
	observedAt time.Time
}

// Parse normalizes a raw version-like string. A leading "v"/"V" is
// stripped; the numeric core must lead and be dot separated. A trailing
// prerelease word or commit hash is captured as a suffix.
func Parse(raw string) (*Version, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &ErrInvalidVersion{Raw: raw}
	}
	if trimmed[0] == 'v' || trimmed[0] == 'V' {
		trimmed = trimmed[1:]
	}
	if trimmed == "" {
		return nil, &ErrInvalidVersion{Raw: raw}
	}

	v := &Version{raw: strings.TrimSpace(raw)}

	switch {
	case numericRE.MatchString(trimmed):
		v.tuple = splitTuple(trimmed)
	case prereleaseRE.MatchString(trimmed):
		m := prereleaseRE.FindStringSubmatch(trimmed)
		v.tuple = splitTuple(m[1])
		kind := strings.ToLower(m[2])
		switch kind {
		case "alpha":
			kind = "a"
		case "beta":
			kind = "b"
		}
		num := m[3]
		if num == "" {
			num = "0"
		}
		v.prerelease = kind + num
	case commitRE.MatchString(trimmed):
		m := commitRE.FindStringSubmatch(trimmed)
		v.tuple = splitTuple(m[1])
		v.commit = strings.ToLower(m[2])
	default:
		return nil, &ErrInvalidVersion{Raw: raw}
	}

	if len(v.tuple) == 0 {
		return nil, &ErrInvalidVersion{Raw: raw}
	}
	return v, nil
}

// MustParse is for tests and literals known to be valid.
func MustParse(raw string) *Version {
	v, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return v
}

// ParseObserved parses raw and stamps it with the time it was first seen.
// The stamp breaks ties between two commit-suffixed builds of the same
// numeric tuple, where hash order is meaningless.
func ParseObserved(raw string, observedAt time.Time) (*Version, error) {
	v, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	v.observedAt = observedAt
	return v, nil
}

func splitTuple(s string) []int {
	parts := strings.Split(s, ".")
	tuple := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil
		}
		tuple = append(tuple, n)
	}
	return tuple
}

// String returns the original input string.
func (v *Version) String() string { return v.raw }

// Tuple returns a copy of the numeric components.
func (v *Version) Tuple() []int {
	out := make([]int, len(v.tuple))
	copy(out, v.tuple)
	return out
}

// Commit returns the short commit suffix, if any.
func (v *Version) Commit() string { return v.commit }

// ObservedAt returns the observation stamp (zero if unknown).
func (v *Version) ObservedAt() time.Time { return v.observedAt }

// IsPrerelease reports whether v carries a prerelease or commit suffix.
func (v *Version) IsPrerelease() bool {
	return v.prerelease != "" || v.commit != ""
}

// Base returns the bare numeric form, e.g. "2.7.16" for "2.7.16.def456".
func (v *Version) Base() string {
	parts := make([]string, len(v.tuple))
	for i, n := range v.tuple {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

// Compare orders a against b: -1, 0 or +1.
//
// Numeric tuples compare element-wise with missing trailing components
// treated as zero. When tuples are equal, the bare numeric version is
// newer than any suffixed variant of it, and two suffixed variants order
// by observation recency.
func Compare(a, b *Version) int {
	if c := compareTuple(a.tuple, b.tuple); c != 0 {
		return c
	}
	aMore := a.IsPrerelease()
	bMore := b.IsPrerelease()
	if aMore != bMore {
		if aMore {
			return -1
		}
		return 1
	}
	if !aMore {
		return 0
	}
	// Both are suffixed variants of the same numeric tuple.
	if c := comparePrereleaseMarker(a.prerelease, b.prerelease); c != 0 {
		return c
	}
	if a.commit != b.commit {
		if !a.observedAt.IsZero() || !b.observedAt.IsZero() {
			if a.observedAt.Before(b.observedAt) {
				return -1
			}
			if a.observedAt.After(b.observedAt) {
				return 1
			}
		}
	}
	return 0
}

func compareTuple(a, b []int) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func comparePrereleaseMarker(a, b string) int {
	if a == b {
		return 0
	}
	// A missing marker (commit-only suffix) sorts above rc/dev/beta builds
	// of the same tuple: the content tree publishes those later.
	if a == "" {
		return 1
	}
	if b == "" {
		return -1
	}
	if a < b {
		return -1
	}
	return 1
}

// CompareStrings parses and compares two raw tags. Invalid strings sort
// below valid ones; two invalid strings compare equal.
func CompareStrings(a, b string) int {
	av, aerr := Parse(a)
	bv, berr := Parse(b)
	if aerr != nil && berr != nil {
		return 0
	}
	if aerr != nil {
		return -1
	}
	if berr != nil {
		return 1
	}
	return Compare(av, bv)
}

// Sort orders raw tags ascending, invalid ones first. Stable on ties so
// callers get reproducible listings.
func Sort(tags []string) {
	sort.SliceStable(tags, func(i, j int) bool {
		if c := CompareStrings(tags[i], tags[j]); c != 0 {
			return c < 0
		}
		return tags[i] < tags[j]
	})
}

// ExpectedPrerelease derives the prerelease version expected to follow a
// stable release: the patch component plus one. Returns "" when the tag
// has fewer than two numeric components.
func ExpectedPrerelease(latestStable string) string {
	v, err := Parse(latestStable)
	if err != nil || len(v.tuple) < 2 {
		return ""
	}
	patch := 0
	if len(v.tuple) > 2 {
		patch = v.tuple[2]
	}
	return fmt.Sprintf("%d.%d.%d", v.tuple[0], v.tuple[1], patch+1)
}

// ExtractVersion strips the firmware directory prefix from a content-tree
// directory name ("firmware-2.7.16.def456" -> "2.7.16.def456").
func ExtractVersion(dirName string) string {
	return strings.TrimPrefix(dirName, FirmwareDirPrefix)
}

// CommitFromDir returns the lowercase short hash embedded in a firmware
// directory name, or "".
func CommitFromDir(dirName string) string {
	m := hashDirRE.FindStringSubmatch(ExtractVersion(dirName))
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}

// CleanTag reduces a tag to "vMAJOR.MINOR.PATCH" for tracking records.
func CleanTag(tag string) string {
	v, err := Parse(tag)
	if err != nil {
		return strings.TrimSpace(tag)
	}
	t := v.tuple
	for len(t) < 3 {
		t = append(t, 0)
	}
	return fmt.Sprintf("v%d.%d.%d", t[0], t[1], t[2])
}

// Constraint reports whether tag satisfies a go-version constraint
// expression such as ">= 2.6.0". Used by family gates that only operate
// past a known-good release.
func Constraint(tag, expr string) (bool, error) {
	v, err := Parse(tag)
	if err != nil {
		return false, err
	}
	hv, err := hashiver.NewVersion(v.Base())
	if err != nil {
		return false, fmt.Errorf("constraint version: %w", err)
	}
	c, err := hashiver.NewConstraint(expr)
	if err != nil {
		return false, fmt.Errorf("constraint expr: %w", err)
	}
	return c.Check(hv), nil
}
