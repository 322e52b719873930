// Package buildinfo reports the version of the running binary.
//
// Release builds stamp Version, GitCommit and BuildTime with -ldflags.
// Builds without them (go install, go run) fall back to the module
// version and VCS settings the Go toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Set with -ldflags "-X .../buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Dirty reports uncommitted changes in the tree the binary was built
// from. Only known when the toolchain recorded VCS settings.
var Dirty bool

var started = time.Now()

func init() {
	if bi, ok := debug.ReadBuildInfo(); ok {
		fillFrom(bi)
	}
}

// fillFrom replaces unstamped values with those recorded in bi.
func fillFrom(bi *debug.BuildInfo) {
	if Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if GitCommit == "unknown" && s.Value != "" {
				GitCommit = s.Value
				if len(GitCommit) > 12 {
					GitCommit = GitCommit[:12]
				}
			}
		case "vcs.time":
			if BuildTime == "unknown" && s.Value != "" {
				BuildTime = s.Value
			}
		case "vcs.modified":
			Dirty = s.Value == "true"
		}
	}
}

// Info returns build and runtime metadata for the status API and the
// version command.
func Info() map[string]string {
	commit := GitCommit
	if Dirty {
		commit += "-dirty"
	}
	return map[string]string{
		"version":    Version,
		"git_commit": commit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime is the time since the process started, in whole seconds.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// String is the one-line form used in logs and by the version command.
func String() string {
	return fmt.Sprintf("vlxmqttha %s (%s) built %s, %s", Version, GitCommit, BuildTime, runtime.Version())
}
