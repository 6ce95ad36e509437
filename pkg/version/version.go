// Package version holds build version information for tracemap.
package version

import "runtime"

// Build information. Overridden at link time via -ldflags.
var (
	BuildVersion = "0.1.0"
	BuildCommit  = "unknown"
	BuildDate    = "unknown"
)

// Info returns version details as a map for health and metrics endpoints.
func Info() map[string]string {
	return map[string]string{
		"version":    BuildVersion,
		"commit":     BuildCommit,
		"build_date": BuildDate,
		"go_version": runtime.Version(),
	}
}
