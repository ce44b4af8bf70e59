// Package version parses the loosely formatted version strings reported by the
// coordinator and derives the protocol capabilities the agent may rely on.
package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

const snapshotLabel = "SNAPSHOT"

var (
	snapshotRe = regexp.MustCompile(`(?i)[-_.\s]*` + snapshotLabel)
	numericRe  = regexp.MustCompile(`^(\d+)(?:\.(\d+))?(?:\.(\d+))?`)
)

// Version is a parsed server or agent version.
type Version struct {
	Major    uint
	Minor    uint
	Patch    uint
	Snapshot bool
	// Raw is the input exactly as received, surrounding whitespace included.
	Raw string
}

// ParseError is returned when a version string has no leading number.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing version %q: %s", e.Input, e.Reason)
}

// Parse reads a version such as "1.2.5", "9.3.2-SNAPSHOT" or "2.1 SNAPSHOT".
// Missing minor and patch components default to zero and anything after the
// first dotted run of digits is ignored.
func Parse(s string) (Version, error) {
	v := Version{Raw: s}

	trimmed := strings.TrimSpace(s)
	if snapshotRe.MatchString(trimmed) {
		v.Snapshot = true
		trimmed = strings.TrimSpace(snapshotRe.ReplaceAllString(trimmed, ""))
	}

	m := numericRe.FindStringSubmatch(trimmed)
	if m == nil {
		return Version{}, &ParseError{Input: s, Reason: "no leading digit"}
	}

	parts := []*uint{&v.Major, &v.Minor, &v.Patch}
	for i, dst := range parts {
		group := m[i+1]
		if group == "" {
			continue
		}
		n, err := strconv.ParseUint(group, 10, strconv.IntSize)
		if err != nil {
			return Version{}, &ParseError{Input: s, Reason: err.Error()}
		}
		*dst = uint(n)
	}

	return v, nil
}

// MustParse is like Parse but panics on error. Intended for constants.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String renders the normalized form, e.g. "9.3.2-SNAPSHOT".
func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Snapshot {
		s += "-" + snapshotLabel
	}
	return s
}

// Semver converts v into a semantic version. A snapshot becomes a pre-release
// and therefore orders before the release with the same numbers.
func (v Version) Semver() *semver.Version {
	pre := ""
	if v.Snapshot {
		pre = snapshotLabel
	}
	return semver.New(uint64(v.Major), uint64(v.Minor), uint64(v.Patch), pre, "")
}

// Compare returns -1, 0 or 1 depending on whether v orders before, equal to
// or after other.
func (v Version) Compare(other Version) int {
	return v.Semver().Compare(other.Semver())
}
