// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build windows

package transport

import "syscall"

// SO_REUSEADDR on Windows allows port stealing, so it is left unset.
func reuseAddrControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
