package internal

import (
	"fmt"
	"runtime"
	"strings"
)

const (

	// Name of the daemon, used for logger groups, directories, and CLI help.
	Name = "kilnd"

	// String to indicate an undefined variable
	defaultUndefined = "(undefined)"

	// String to indicate a local (non-pipeline) build
	defaultLocalBuild = "(local)"

	// Release channel that is omitted from version strings.
	stableChannel = "stable"
)

var (
	version   = "" // Version number (e.g., "1.2.3")
	channel   = "" // Release channel (e.g., "stable", "nightly")
	gitCommit = "" // Git commit hash (e.g., "a1b2c3d4")

	rawQuiet   = "false" // Whether to enable quiet mode
	rawDebug   = "false" // Whether to enable debug mode
	rawVerbose = "false" // Whether to enable verbose logging
)

// Returns the current version.
//
// If the version is not set, returns "(undefined)". A leading "v" or "V" is
// stripped.
func Version() string {
	v := strings.TrimSpace(version)
	if v == "" {
		return defaultUndefined
	}
	return strings.TrimPrefix(strings.ToLower(v), "v")
}

// Returns the release channel, or "(undefined)" when not set.
func Channel() string {
	c := strings.TrimSpace(channel)
	if c == "" {
		return defaultUndefined
	}
	return strings.ToLower(c)
}

// Returns the git commit hash, or "(undefined)" when not set.
func GitCommit() string {
	c := strings.TrimSpace(gitCommit)
	if c == "" {
		return defaultUndefined
	}
	return c
}

// Returns the host platform in OCI notation (e.g., "linux/amd64").
func Platform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

// Returns true if this is a local (non-release) build.
//
// Release builds set version, channel, and commit via linker flags. If any
// of them is missing the binary is considered a local build.
func IsLocal() bool {
	return strings.TrimSpace(version) == "" ||
		strings.TrimSpace(gitCommit) == "" ||
		strings.TrimSpace(channel) == ""
}

// Returns a detailed version string.
//
// Local builds report "(local)". Release builds are formatted as
// "<version>[+<channel>] <commit> [<platform>]", with the channel omitted
// on the stable channel.
func VersionString() string {
	if IsLocal() {
		return defaultLocalBuild
	}

	c := Channel()
	if c == stableChannel {
		c = ""
	} else {
		c = "+" + c
	}

	return fmt.Sprintf("%s%s %s [%s]", Version(), c, GitCommit(), Platform())
}
