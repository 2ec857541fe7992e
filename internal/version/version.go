// Package version holds the build version, injected with -ldflags.
package version

var (
	// Version is the semantic version or "dev" for local builds.
	Version = "dev"
	// Commit is the short git hash the binary was built from.
	Commit = ""
)

// String returns the version with the commit hash when one is set.
func String() string {
	if Commit == "" {
		return Version
	}
	return Version + " (" + Commit + ")"
}
