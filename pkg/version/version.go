// Package version holds build information stamped by -ldflags, shared by
// wendy, wendy-agent and wendy-devcloud.
package version

import (
	"fmt"
	"io"
	"runtime"
)

var (
	// Version is the semantic version (set by build flags)
	Version = "dev"

	// GitCommit is the git commit hash (set by build flags)
	GitCommit = "unknown"

	// BuildDate is the build timestamp (set by build flags)
	BuildDate = "unknown"

	// GoVersion is the Go version used to build
	GoVersion = runtime.Version()
)

// Print writes the version block for program.
func Print(w io.Writer, program string) {
	_, _ = fmt.Fprintf(w, "%s version %s\n", program, Version)
	_, _ = fmt.Fprintf(w, "Git commit: %s\n", GitCommit)
	_, _ = fmt.Fprintf(w, "Build date: %s\n", BuildDate)
	_, _ = fmt.Fprintf(w, "Go version: %s\n", GoVersion)
}
