// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package slogutil holds the attribute helpers and handler setup shared by
// all packages that log.
package slogutil

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
)

// Address returns an attribute for a network address. A nil address is
// logged as an empty string.
func Address(addr net.Addr) slog.Attr {
	if addr == nil {
		return slog.String("address", "")
	}
	return slog.String("address", addr.String())
}

// Error returns an attribute for an error. A nil error is logged as an
// empty string so the key is always present.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

// PeerID returns an attribute for a peer identifier.
func PeerID(id string) slog.Attr {
	return slog.String("peer", id)
}

// Port returns an attribute for a port number.
func Port(port int) slog.Attr {
	return slog.Int("port", port)
}

// ParseLevel converts a level name ("debug", "info", "warn", "error") to
// a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(s)))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", s, err)
	}
	return lvl, nil
}

// NewHandler returns a handler writing to w in the given format, which is
// either "text" or "json".
func NewHandler(w io.Writer, level slog.Level, format string) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}
