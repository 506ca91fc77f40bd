// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build windows

package lifecycle

import (
	"os"

	"golang.org/x/sys/windows"
)

func defaultSignalMap() map[os.Signal][]Event {
	return map[os.Signal][]Event{
		os.Interrupt:    {Paused, Stopped, Destroyed},
		windows.SIGTERM: {Paused, Stopped, Destroyed},
	}
}
