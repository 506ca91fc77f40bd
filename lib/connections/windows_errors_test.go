// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

//go:build windows

package connections

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

func TestWindowsErrorCategorization(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		err      error
		expected ErrorCategory
	}{
		{"WSAECONNRESET", WSAECONNRESET, ErrorCategoryConnectionReset},
		{"WSAETIMEDOUT", WSAETIMEDOUT, ErrorCategoryTimeout},
		{"WSAECONNREFUSED", WSAECONNREFUSED, ErrorCategoryConnectionRefused},
		{"WSAENETUNREACH", WSAENETUNREACH, ErrorCategoryNetworkUnreachable},
		{"WSAENETDOWN", WSAENETDOWN, ErrorCategoryNetworkDown},
		{"WSAEHOSTUNREACH", WSAEHOSTUNREACH, ErrorCategoryHostUnreachable},
		{"wrapped", fmt.Errorf("dial: %w", &net.OpError{Op: "dial", Err: WSAECONNREFUSED}), ErrorCategoryConnectionRefused},
		{"other errno", syscall.Errno(12345), ErrorCategoryUnknown},
		{"not an errno", errors.New("boom"), ErrorCategoryUnknown},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := categorizeWindowsError(tc.err); got != tc.expected {
				t.Errorf("categorizeWindowsError(%v) = %v, want %v", tc.err, got, tc.expected)
			}
		})
	}
}
