package probe

import (
	"fmt"
	"strconv"
	"strings"
)

// OSVersion is the 4-tuple version of the running kernel, taken from the
// version resource of a trusted system binary rather than an OS-reported
// string: at least one supported legacy target misreports itself through
// the public API.
type OSVersion struct {
	Major    int
	Minor    int
	Build    int
	Revision int
}

// ParseOSVersion parses a dotted version string with up to four fields;
// missing fields default to zero.
func ParseOSVersion(s string) (OSVersion, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) == 0 || len(parts) > 4 {
		return OSVersion{}, fmt.Errorf("malformed version string %q", s)
	}

	fields := make([]int, 4)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return OSVersion{}, fmt.Errorf("malformed version string %q: %w", s, err)
		}
		fields[i] = n
	}
	return OSVersion{Major: fields[0], Minor: fields[1], Build: fields[2], Revision: fields[3]}, nil
}

func (v OSVersion) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Build, v.Revision)
}

// Compare orders versions strictly lexicographically over
// (major, minor, build, revision).
func (v OSVersion) Compare(o OSVersion) int {
	pairs := [4][2]int{
		{v.Major, o.Major},
		{v.Minor, o.Minor},
		{v.Build, o.Build},
		{v.Revision, o.Revision},
	}
	for _, p := range pairs {
		if p[0] != p[1] {
			if p[0] < p[1] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// AtLeast reports whether v >= o.
func (v OSVersion) AtLeast(o OSVersion) bool {
	return v.Compare(o) >= 0
}

// Server build numbers delimiting the platform families the installer
// handles differently.
const (
	minSupportedBuild = 9200  // Server 2012
	legacyMaxBuild    = 9600  // Server 2012 R2, last of the legacy family
	modernServerBuild = 14393 // Server 2016
	inboxAgentBuild   = 17763 // Server 2019 ships the agent in-box
)

// Supported reports whether the build is one the packaged agent targets.
func (v OSVersion) Supported() bool {
	return v.Build >= minSupportedBuild && v.Build < inboxAgentBuild
}

// IsLegacyServer reports membership in the oldest supported family, which
// needs hotfix remediation and stale-service cleanup before installing.
func (v OSVersion) IsLegacyServer() bool {
	return v.Build >= minSupportedBuild && v.Build <= legacyMaxBuild
}

// IsModernServer reports membership in the family that lacks the in-box
// feature enabled and is subject to the platform-update gate.
func (v OSVersion) IsModernServer() bool {
	return v.Build >= modernServerBuild && v.Build < inboxAgentBuild
}
