// Package version exposes the build version stamped into backup metadata and
// status reports.
package version

// Version is set at build time via -ldflags "-X .../internal/version.Version=..."
var Version = "dev"
