// Package version tells which build of the player is running.
package version

import "runtime/debug"

// Version is set at build time, e.g. with
// go build -ldflags "-X github.com/midiseq/midiseq/version.Version=$(git describe --dirty)"
var Version string

// VersionOrHash is Version, or the short VCS revision when Version is not set.
var VersionOrHash = orHash(Version, buildSettings())

func buildSettings() map[string]string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	return settings
}

func orHash(version string, settings map[string]string) string {
	if version != "" {
		return version
	}
	rev := settings["vcs.revision"]
	if len(rev) > 7 {
		rev = rev[:7]
	}
	if rev != "" && settings["vcs.modified"] == "true" {
		rev += "-dirty"
	}
	return rev
}
