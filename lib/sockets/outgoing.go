// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package sockets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/thaliproject/thali/internal/slogutil"
	"github.com/thaliproject/thali/lib/peer"
)

// OutgoingBridge relays a peer connection we opened. The application
// reaches the peer by connecting to the bridge's local listening port.
type OutgoingBridge struct {
	*Bridge

	lnMut sync.Mutex
	ln    *net.TCPListener
	port  int
}

func NewOutgoingBridge(conn net.Conn, props peer.Properties, l BridgeListener, opts Options) *OutgoingBridge {
	return &OutgoingBridge{
		Bridge: newBridge(Outgoing, conn, props, l, opts),
	}
}

// ListeningPort returns the local port the application should connect
// to, or 0 before Start succeeded.
func (b *OutgoingBridge) ListeningPort() int {
	b.lnMut.Lock()
	defer b.lnMut.Unlock()
	return b.port
}

// Start binds the local listener, reports its port to the listener and
// waits in the background for the application to connect. The context
// only bounds binding; the accept wait is bounded by the accept timeout
// and by Close.
func (b *OutgoingBridge) Start(ctx context.Context) error {
	var lc net.ListenConfig
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(b.opts.ListenPort))
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		_ = b.Close()
		return fmt.Errorf("listen for local connection: %w", err)
	}
	tln := ln.(*net.TCPListener)
	port := tln.Addr().(*net.TCPAddr).Port

	b.lnMut.Lock()
	b.ln = tln
	b.port = port
	b.lnMut.Unlock()

	if b.IsClosed() {
		tln.Close()
		return ErrClosed
	}

	slog.Debug("Listening for local connection", slog.String("bridge", b.id), slogutil.Port(port))
	if b.listener != nil {
		b.listener.ListeningForIncomingConnections(b.Bridge, port)
	}

	go b.accept(tln)
	return nil
}

// Close closes the local listener in addition to the bridge connections.
func (b *OutgoingBridge) Close() error {
	b.closeListener()
	return b.Bridge.Close()
}

func (b *OutgoingBridge) closeListener() {
	b.lnMut.Lock()
	ln := b.ln
	b.ln = nil
	b.lnMut.Unlock()
	if ln != nil {
		ln.Close()
	}
}

func (b *OutgoingBridge) accept(ln *net.TCPListener) {
	_ = ln.SetDeadline(time.Now().Add(b.opts.AcceptTimeout))
	conn, err := ln.Accept()
	b.closeListener()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			err = ErrAcceptTimeout
		}
		b.finish(false, err)
		return
	}
	if err := b.relay(conn); err != nil && !errors.Is(err, ErrClosed) {
		b.finish(false, err)
	}
}
