// Package version holds build metadata injected with -ldflags.
package version

var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info returns a one-line human readable build description.
func Info() string {
	return Version + " (" + GitCommit + ") built at " + BuildTime
}
