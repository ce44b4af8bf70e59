package version

import "github.com/Masterminds/semver/v3"

// timelineSince is the server generation assumed to introduce the
// /api/v2/timeline endpoints. Snapshots of that release count as having them.
var timelineSince = semver.MustParse("6.0.0-0")

// Capabilities lists the server features the task pipeline may address.
type Capabilities struct {
	// TimelineAPI reports whether the v2 timeline report endpoints exist.
	TimelineAPI bool
}

// DefaultCapabilities is used while the server version is unknown. The status
// reporter falls back to the legacy endpoints on 404, so assuming the newest
// generation is safe.
func DefaultCapabilities() Capabilities {
	return Capabilities{TimelineAPI: true}
}

// CapabilitiesFor derives the capabilities of a server running v.
func CapabilitiesFor(v Version) Capabilities {
	return Capabilities{
		TimelineAPI: !v.Semver().LessThan(timelineSince),
	}
}
