package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const devVersion = "0.1.0-dev"

// Set with -ldflags "-X github.com/openmined/treesync/internal/version.Version=..." on release builds.
var (
	AppName   = "treesync"
	Version   = devVersion
	Revision  = "HEAD"
	BuildDate = "unknown"
)

// fromBuildInfo fills in whatever the linker flags left at their defaults.
func fromBuildInfo(mainVersion string, settings []debug.BuildSetting) {
	if Version == devVersion && mainVersion != "" && mainVersion != "(devel)" {
		Version = strings.TrimPrefix(mainVersion, "v")
	}

	var modified bool
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if Revision == "HEAD" && s.Value != "" {
				Revision = s.Value
			}
		case "vcs.modified":
			modified = s.Value == "true"
		case "vcs.time":
			if BuildDate == "unknown" && s.Value != "" {
				BuildDate = s.Value
			}
		}
	}
	if modified && Revision != "HEAD" && !strings.HasSuffix(Revision, "-dirty") {
		Revision += "-dirty"
	}
}

// Short returns `0.1.0 (5e23a4)`.
func Short() string {
	return fmt.Sprintf("%s (%s)", Version, shortRevision())
}

// Detailed returns `0.1.0 (5e23a4; go1.23.6; linux/amd64; 2025-01-01T00:00:00Z)`.
func Detailed() string {
	return fmt.Sprintf("%s (%s; %s; %s/%s; %s)", Version, shortRevision(), runtime.Version(), runtime.GOOS, runtime.GOARCH, BuildDate)
}

func DetailedWithApp() string {
	return AppName + " " + Detailed()
}

func shortRevision() string {
	rev, dirty := strings.CutSuffix(Revision, "-dirty")
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if dirty {
		rev += "-dirty"
	}
	return rev
}

func init() {
	if info, ok := debug.ReadBuildInfo(); ok && info != nil {
		fromBuildInfo(info.Main.Version, info.Settings)
	}
}
