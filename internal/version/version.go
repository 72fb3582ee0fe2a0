// Package version exposes the build identity of the auditor binary.
package version

import (
	"fmt"
	"runtime/debug"
	"sync"
)

// Overridden by -ldflags at build time.
var (
	Version    = "dev"
	CommitHash = ""
	BuildTime  = ""
)

var readVCS sync.Once

// GetInfo returns "<version> (<short commit>)", falling back to VCS build settings.
func GetInfo() string {
	readVCS.Do(func() {
		if CommitHash != "" {
			return
		}
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				CommitHash = setting.Value
			case "vcs.time":
				BuildTime = setting.Value
			}
		}
	})
	if CommitHash == "" {
		return Version
	}
	short := CommitHash
	if len(short) > 7 {
		short = short[:7]
	}
	return fmt.Sprintf("%s (%s)", Version, short)
}
