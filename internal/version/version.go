// Package version holds build information injected at link time.
package version

import "fmt"

var (
	Version   = "7.1.0-dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GoVersion = "unknown"
)

func SetInfo(v, bt, gc, gv string) {
	if v != "" {
		Version = v
	}
	if bt != "" {
		BuildTime = bt
	}
	if gc != "" {
		GitCommit = gc
	}
	if gv != "" {
		GoVersion = gv
	}
}

// DeviceID is the identifier reported in status pushes when none is configured.
func DeviceID() string {
	return "rpicampy-" + Version
}

func FormatStartupMessage() string {
	return fmt.Sprintf("rpicampy started (version %s, build %s, commit %s)", Version, BuildTime, GitCommit)
}
