package version

import (
	"fmt"
	"runtime"
)

// Version is the semantic version, injected at build time.
var Version = "dev"

// GitCommit is the git commit hash, injected at build time.
var GitCommit = "unknown"

// BuildTime is the timestamp when the binary was built, injected at build time.
var BuildTime = "unknown"

// PlanFormat is the revision of the compiled plan encoding. It is bumped whenever
// the compiler changes the canonical form of a plan, which changes every fingerprint.
const PlanFormat = 1

// CompilerTag identifies the plan encoding and is hashed into every plan fingerprint.
// It deliberately excludes the build version so that rebuilding the binary does not
// invalidate stored plans.
func CompilerTag() string {
	return fmt.Sprintf("stratagem-plan/v%d", PlanFormat)
}

// String returns a formatted version string containing version, commit, and build time.
func String() string {
	return fmt.Sprintf("Stratagem %s (commit: %s, built: %s, go: %s, plan format: %d)",
		Version, GitCommit, BuildTime, runtime.Version(), PlanFormat)
}

// Info returns structured version information.
func Info() map[string]string {
	return map[string]string{
		"version":     Version,
		"commit":      GitCommit,
		"buildTime":   BuildTime,
		"goVersion":   runtime.Version(),
		"platform":    fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"compilerTag": CompilerTag(),
	}
}
