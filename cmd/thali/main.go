// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Command thali runs the peer connection layer as a daemon controlled
// through a local HTTP API.
package main

import (
	"os"

	"github.com/alecthomas/kong"
	"github.com/willabides/kongplete"
	_ "go.uber.org/automaxprocs"
)

// CLI is the command line entry point.
type CLI struct {
	Run     runCmd     `cmd:"" help:"Run the connection layer (default)" default:"withargs"`
	Suite   suiteCmd   `cmd:"" help:"Print the packages making up the test suite"`
	Version versionCmd `cmd:"" help:"Show version"`

	InstallCompletions kongplete.InstallCompletions `cmd:"" help:"Print commands to install shell completions"`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("thali"),
		kong.Description("Peer to peer connection layer for local networks."),
		kong.UsageOnError(),
		kong.Vars{"defaultHome": defaultHome()},
	)
	if err != nil {
		panic(err)
	}
	kongplete.Complete(parser)

	ctx, err := parser.Parse(args)
	parser.FatalIfErrorf(err)
	if err := ctx.Run(); err != nil {
		ctx.Errorf("%v", err)
		return 1
	}
	return 0
}
