// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package e2ee

import (
	"runtime"
	"runtime/debug"
	"strings"
)

const Version = "v0.1.0"

// Commit can be set with -ldflags "-X go.mau.fi/e2ee.Commit=<hash>". If it's unset and the module
// is used as a dependency at a pseudo-version, the commit is taken from the build info instead.
var Commit = ""

var DefaultUserAgent = makeUserAgent()

func commitFromBuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, dep := range info.Deps {
		if dep.Path != "go.mau.fi/e2ee" {
			continue
		}
		// Pseudo-versions end in -<14 digit timestamp>-<12 char commit>
		parts := strings.Split(dep.Version, "-")
		if last := parts[len(parts)-1]; len(parts) >= 3 && len(last) == 12 {
			return last
		}
	}
	return ""
}

func makeUserAgent() string {
	version := Version
	if Commit == "" {
		Commit = commitFromBuildInfo()
	}
	if len(Commit) >= 8 {
		version += "+dev." + Commit[:8]
	}
	return "e2ee-go/" + version + " go/" + strings.TrimPrefix(runtime.Version(), "go")
}
