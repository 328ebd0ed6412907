package version

import (
	"fmt"
	"runtime"
)

// Set via ldflags:
//
//	go build -ldflags "-X github.com/poglesbyg/tracseq-gateway/internal/version.Version=v0.3.0"
var (
	Version   = "dev"             // ex: v0.3.0
	Commit    = "none"            // ex: abcd123
	BuildDate = "unknown"         // ex: 2025-08-11T18:42:00Z
	GoVersion = runtime.Version() // go version
)

// String is the one-line build description printed by the CLI and at startup.
func String() string {
	return fmt.Sprintf("%s (commit=%s, built=%s, go=%s)", Version, Commit, BuildDate, GoVersion)
}
