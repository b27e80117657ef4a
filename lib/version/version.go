// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build identity of mapbroker binaries.
// The variables are set with -ldflags at build time:
//
//	go build -ldflags "-X github.com/bureau-foundation/mapbroker/lib/version.GitCommit=$(git rev-parse --short HEAD)"
//
// When they are not set, Info falls back to the VCS stamp the Go
// toolchain embeds in the binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	// GitCommit is the short git SHA of the build.
	GitCommit = "unknown"

	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"

	// Version is the release version.
	Version = "0.1.0-dev"
)

// Info returns the one-line string printed by --version and reported
// by the admin status action.
func Info() string {
	commit, built := GitCommit, BuildTime
	if commit == "unknown" {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs.revision":
					if len(setting.Value) > 12 {
						commit = setting.Value[:12]
					} else {
						commit = setting.Value
					}
				case "vcs.time":
					if built == "unknown" {
						built = setting.Value
					}
				}
			}
		}
	}
	return fmt.Sprintf("%s (%s, %s)", Version, commit, built)
}

// Full adds the Go version and platform to Info.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
