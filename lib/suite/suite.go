// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package suite declares the connection layer test suite: the components
// whose tests together make up the suite, and where those tests live.
// Running the suite is left to go test.
package suite

import "slices"

// Member is one component of the suite.
type Member struct {
	// Name of the component.
	Name string `json:"name"`
	// Package is the module relative package holding its tests.
	Package string `json:"package"`
	// Run is the go test -run pattern selecting its tests.
	Run string `json:"run"`
}

var members = []Member{
	{Name: "ConnectionHelper", Package: "./lib/connections", Run: "^TestHelper"},
	{Name: "ConnectionModel", Package: "./lib/model", Run: "^TestConnectionModel"},
	{Name: "ConnectivityMonitor", Package: "./lib/connectivity", Run: "^Test(Monitor|Classify|NetworkStatus|HasUsableAddress)"},
	{Name: "IncomingSocketThread", Package: "./lib/sockets", Run: "^TestIncomingBridge"},
	{Name: "LifeCycleMonitor", Package: "./lib/lifecycle", Run: "^Test(Monitor|Event)"},
	{Name: "ListenerOrIncomingConnection", Package: "./lib/model", Run: "^TestListenerOrIncomingConnection"},
	{Name: "OutgoingSocketThread", Package: "./lib/sockets", Run: "^TestOutgoingBridge"},
	{Name: "SocketThreadBase", Package: "./lib/sockets", Run: "^Test(Bridge|Direction)"},
	{Name: "StartStopOperationHandler", Package: "./lib/startstop", Run: "^TestHandler"},
	{Name: "StartStopOperation", Package: "./lib/startstop", Run: "^Test(Operation|ManagerState)"},
	{Name: "StreamCopyingThread", Package: "./lib/sockets", Run: "^TestStreamCopier"},
}

// Members returns the suite in its declared order. The slice is a copy.
func Members() []Member {
	return slices.Clone(members)
}

// Packages returns the distinct member packages in first seen order.
func Packages() []string {
	var pkgs []string
	for _, m := range members {
		if !slices.Contains(pkgs, m.Package) {
			pkgs = append(pkgs, m.Package)
		}
	}
	return pkgs
}

// Lookup returns the member with the given name.
func Lookup(name string) (Member, bool) {
	i := slices.IndexFunc(members, func(m Member) bool { return m.Name == name })
	if i < 0 {
		return Member{}, false
	}
	return members[i], true
}
