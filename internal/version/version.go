package version

import (
	"fmt"
	"runtime"
	"time"
)

// Set at build time via -ldflags "-X .../internal/version.Version=..."
var (
	Version   = "dev"
	BuildTime = "unknown"
	CommitID  = "unknown"
)

func formatBuildTime() string {
	t, err := time.Parse(time.RFC3339, BuildTime)
	if err != nil {
		return BuildTime
	}
	return t.Format("Mon Jan 2 15:04:05 2006")
}

// Info returns build and runtime details for the version command.
func Info() map[string]string {
	return map[string]string{
		"Version":       Version,
		"GoVersion":     runtime.Version(),
		"GitCommit":     CommitID,
		"BuildTime":     BuildTime,
		"FormattedTime": formatBuildTime(),
		"OS":            runtime.GOOS,
		"Arch":          runtime.GOARCH,
	}
}

// Short is the one-line version string.
func Short() string {
	return fmt.Sprintf("mediarecorder %s (%s, %s/%s)", Version, CommitID, runtime.GOOS, runtime.GOARCH)
}
