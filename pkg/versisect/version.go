package versisect

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// A Channel is the release track a version was published on
type Channel string

const (
	Stable  Channel = "stable"
	Beta    Channel = "beta"
	Nightly Channel = "nightly"
)

// ParseChannel returns the channel with the given name, ignoring case
func ParseChannel(name string) (Channel, error) {
	switch c := Channel(strings.ToLower(strings.TrimSpace(name))); c {
	case Stable, Beta, Nightly:
		return c, nil
	}
	return "", fmt.Errorf("%q is not a valid release channel", name)
}

// VersionSource tells where the binary of a version comes from
type VersionSource string

const (
	Remote VersionSource = "remote" // Fetched from a release registry
	Local  VersionSource = "local"  // A developer's local build
)

// A RunnableVersion is a single build of the runtime which fiddles can be run against.
// Catalogs never modify a RunnableVersion, they only ever replace their whole set.
type RunnableVersion struct {
	Version  string        // The semantic version, without a leading "v"
	Channel  Channel       // The release channel this version was published on
	Obsolete bool          // Whether this version is no longer supported
	Source   VersionSource // Where this version's binary comes from

	LocalPath string // The directory of a local build. Only set if Source is Local
}

func (v RunnableVersion) String() string {
	if v.Source == Local {
		return fmt.Sprintf("%s (local %s)", v.Version, v.LocalPath)
	}
	return v.Version
}

// ParseVersion creates a remote RunnableVersion for a version string, inferring its channel from the pre-release tag.
func ParseVersion(version string) (RunnableVersion, error) {
	version = strings.TrimPrefix(strings.TrimSpace(version), "v")
	if !IsValidVersion(version) {
		return RunnableVersion{}, fmt.Errorf("%q is not a valid semantic version", version)
	}
	return RunnableVersion{
		Version: version,
		Channel: inferChannel(version),
		Source:  Remote,
	}, nil
}

// IsValidVersion reports whether version is a full semantic version, with or without a leading "v".
// Shorthands like "12" or "12.0" are not versions of any release.
func IsValidVersion(version string) bool {
	if version == "" || !semver.IsValid(canonical(version)) {
		return false
	}
	core, _, _ := strings.Cut(version, "-")
	core, _, _ = strings.Cut(core, "+")
	return strings.Count(core, ".") == 2
}

// CompareVersions compares two semantic versions by precedence.
// Pre-releases such as betas and nightlies sort before the release they precede.
// Versions of equal precedence are ordered by their raw string so that the order is total.
func CompareVersions(a, b string) int {
	if c := semverCompare(a, b); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

// semverCompare compares by precedence only, without breaking ties
func semverCompare(a, b string) int {
	return semver.Compare(canonical(a), canonical(b))
}

func canonical(version string) string {
	return "v" + strings.TrimPrefix(version, "v")
}

func major(version string) int {
	var m int
	fmt.Sscanf(strings.TrimPrefix(semver.Major(canonical(version)), "v"), "%d", &m)
	return m
}

func inferChannel(version string) Channel {
	pre := semver.Prerelease(canonical(version))
	switch {
	case strings.Contains(pre, "nightly"):
		return Nightly
	case strings.Contains(pre, "alpha"), strings.Contains(pre, "beta"):
		return Beta
	}
	return Stable
}
