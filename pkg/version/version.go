// Package version derives the build identity used in producer ids,
// the db_metadata installed-by fingerprint, and log lines.
package version

import "runtime/debug"

// AppName prefixes producer ids and the installed-by fingerprint.
const AppName = "patternops"

// commitOverride is set with -ldflags for container builds where the
// .git directory is not available to the toolchain.
var commitOverride string

// GitCommit is the short commit hash, or "dev" when neither the
// override nor VCS build info is present.
var GitCommit = resolveCommit()

func resolveCommit() string {
	if commitOverride != "" {
		return shorten(commitOverride)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return shorten(s.Value)
			}
		}
	}
	return "dev"
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "patternops/<commit>".
func Full() string {
	return AppName + "/" + GitCommit
}
