// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"context"
	"errors"
	"net"
	"syscall"

	"github.com/thaliproject/thali/lib/transport"
)

// ErrorCategory groups dial errors so the retry strategy can be tuned per
// kind of failure.
type ErrorCategory int

const (
	ErrorCategoryUnknown ErrorCategory = iota
	ErrorCategoryConnectionReset
	ErrorCategoryTimeout
	ErrorCategoryConnectionRefused
	ErrorCategoryNetworkUnreachable
	ErrorCategoryNetworkDown
	ErrorCategoryHostUnreachable
	ErrorCategoryTemporary
	// ErrorCategoryHandshake covers a peer that answered but failed the
	// hello exchange. Retrying does not help.
	ErrorCategoryHandshake
)

func (ec ErrorCategory) String() string {
	switch ec {
	case ErrorCategoryConnectionReset:
		return "connection_reset"
	case ErrorCategoryTimeout:
		return "timeout"
	case ErrorCategoryConnectionRefused:
		return "connection_refused"
	case ErrorCategoryNetworkUnreachable:
		return "network_unreachable"
	case ErrorCategoryNetworkDown:
		return "network_down"
	case ErrorCategoryHostUnreachable:
		return "host_unreachable"
	case ErrorCategoryTemporary:
		return "temporary"
	case ErrorCategoryHandshake:
		return "handshake"
	default:
		return "unknown"
	}
}

// Retryable is false for failures another attempt cannot fix.
func (ec ErrorCategory) Retryable() bool {
	return ec != ErrorCategoryHandshake
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isErrno reports whether err is or wraps the given errno. net.OpError
// and os.SyscallError both unwrap to it.
func isErrno(err error, errno syscall.Errno) bool {
	return err != nil && errors.Is(err, errno)
}

func isConnectionResetError(err error) bool {
	return isErrno(err, syscall.ECONNRESET)
}

func isConnectionRefusedError(err error) bool {
	return isErrno(err, syscall.ECONNREFUSED)
}

func isNetworkUnreachableError(err error) bool {
	return isErrno(err, syscall.ENETUNREACH)
}

func isNetworkDownError(err error) bool {
	return isErrno(err, syscall.ENETDOWN)
}

func isHostUnreachableError(err error) bool {
	return isErrno(err, syscall.EHOSTUNREACH)
}

func isTemporaryError(err error) bool {
	if err == nil {
		return false
	}
	var tempErr interface{ Temporary() bool }
	return errors.As(err, &tempErr) && tempErr.Temporary()
}

func isHandshakeError(err error) bool {
	return errors.Is(err, transport.ErrPeerMismatch) ||
		errors.Is(err, transport.ErrInvalidPeerID) ||
		errors.Is(err, transport.ErrUnknownMagic) ||
		errors.Is(err, transport.ErrHelloTooBig)
}

// categorizeError sorts a dial error into a category.
func categorizeError(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryUnknown
	case isHandshakeError(err):
		return ErrorCategoryHandshake
	case isConnectionResetError(err):
		return ErrorCategoryConnectionReset
	case isTimeoutError(err):
		return ErrorCategoryTimeout
	case isConnectionRefusedError(err):
		return ErrorCategoryConnectionRefused
	case isNetworkUnreachableError(err):
		return ErrorCategoryNetworkUnreachable
	case isNetworkDownError(err):
		return ErrorCategoryNetworkDown
	case isHostUnreachableError(err):
		return ErrorCategoryHostUnreachable
	case isTemporaryError(err):
		return ErrorCategoryTemporary
	default:
		return categorizeWindowsError(err)
	}
}
