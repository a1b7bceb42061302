// Package version carries the build metadata stamped into release
// binaries at link time:
//
//	go build -ldflags "-X github.com/icicle-ci/icicle/internal/version.Version=0.3.0 \
//	                   -X github.com/icicle-ci/icicle/internal/version.Commit=$(git rev-parse --short=12 HEAD)"
//
// Development builds leave both empty and report no version at all.
package version

import "fmt"

var (
	// Version is the release tag, e.g. "0.3.0".
	Version string
	// Commit is the short git hash the binary was built from.
	Commit string
)

// String formats the stamped metadata as "version (commit)", dropping
// whichever half is missing; a fully unstamped build yields "".
func String() string {
	switch {
	case Version != "" && Commit != "":
		return fmt.Sprintf("%s (%s)", Version, Commit)
	case Version != "":
		return Version
	case Commit != "":
		return Commit
	default:
		return ""
	}
}
