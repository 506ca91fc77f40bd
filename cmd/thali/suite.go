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
	"text/tabwriter"

	"github.com/thaliproject/thali/lib/suite"
)

// suiteCmd prints the suite packages so that `go test $(thali suite)`
// runs the whole suite.
type suiteCmd struct {
	Verbose bool `short:"v" help:"Print name, package and run pattern of every member"`
}

func (c suiteCmd) Run() error {
	return c.print(os.Stdout)
}

func (c suiteCmd) print(w io.Writer) error {
	if !c.Verbose {
		for _, pkg := range suite.Packages() {
			if _, err := fmt.Fprintln(w, pkg); err != nil {
				return err
			}
		}
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, m := range suite.Members() {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Name, m.Package, m.Run)
	}
	return tw.Flush()
}
