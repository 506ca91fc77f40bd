// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build windows

package connections

import (
	"errors"
	"syscall"
)

// Windows Sockets error codes that are not mapped onto the POSIX errno
// values by the syscall package.
const (
	WSAECONNRESET   = syscall.Errno(10054)
	WSAETIMEDOUT    = syscall.Errno(10060)
	WSAECONNREFUSED = syscall.Errno(10061)
	WSAENETUNREACH  = syscall.Errno(10051)
	WSAENETDOWN     = syscall.Errno(10050)
	WSAEHOSTUNREACH = syscall.Errno(10065)
)

var windowsCategories = map[syscall.Errno]ErrorCategory{
	WSAECONNRESET:   ErrorCategoryConnectionReset,
	WSAETIMEDOUT:    ErrorCategoryTimeout,
	WSAECONNREFUSED: ErrorCategoryConnectionRefused,
	WSAENETUNREACH:  ErrorCategoryNetworkUnreachable,
	WSAENETDOWN:     ErrorCategoryNetworkDown,
	WSAEHOSTUNREACH: ErrorCategoryHostUnreachable,
}

func categorizeWindowsError(err error) ErrorCategory {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return ErrorCategoryUnknown
	}
	if cat, ok := windowsCategories[errno]; ok {
		return cat
	}
	return ErrorCategoryUnknown
}
