// Package version holds build information injected with -ldflags.
package version

var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info returns "karn <version> (<commit>) built at <time>".
func Info() string {
	return "karn " + Version + " (" + GitCommit + ") built at " + BuildTime
}
