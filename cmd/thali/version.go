// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "unknown-dev"

type versionCmd struct{}

func (versionCmd) Run() error {
	return printVersion(os.Stdout)
}

func version() string {
	if Version != "unknown-dev" {
		return Version
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return bi.Main.Version
	}
	return Version
}

func printVersion(w io.Writer) error {
	_, err := fmt.Fprintf(w, "thali %s (%s %s-%s)\n", version(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return err
}
