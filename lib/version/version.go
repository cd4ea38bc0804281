// Copyright 2026 The Telegram Copilot Bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package version exposes the build version of the bridge. The value
// is overridable at link time:
//
//	go build -ldflags "-X .../lib/version.version=1.4.0"
package version

import (
	"fmt"
	"os"
)

// version is the semantic version of this build. Set via -ldflags at
// release time; "dev" for local builds.
var version = "dev"

// Short returns the bare version string, suitable for the serverInfo
// block of the initialize response.
func Short() string {
	return version
}

// Print writes "name version" to stdout. Used by the --version flag
// before the stdio protocol loop starts.
func Print(name string) {
	fmt.Fprintf(os.Stdout, "%s %s\n", name, version)
}
