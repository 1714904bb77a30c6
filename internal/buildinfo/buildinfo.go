// Package buildinfo holds driftcore's version string, settable at link
// time via -ldflags, the way the teacher's cmd/determined-master sets
// rootCmd.Version from its version package.
package buildinfo

// Version is overridden at build time with
// -ldflags "-X github.com/driftrun/driftcore/internal/buildinfo.Version=...".
var Version = "dev"
