// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package sockets

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/thaliproject/thali/lib/peer"
)

// IncomingBridge relays a peer connection that the remote side opened to
// the application's server port.
type IncomingBridge struct {
	*Bridge
	serverPort int

	portMut   sync.Mutex
	localPort int
}

func NewIncomingBridge(conn net.Conn, props peer.Properties, serverPort int, l BridgeListener, opts Options) *IncomingBridge {
	return &IncomingBridge{
		Bridge:     newBridge(Incoming, conn, props, l, opts),
		serverPort: serverPort,
	}
}

// ServerPort returns the application port the bridge connects to.
func (b *IncomingBridge) ServerPort() int {
	return b.serverPort
}

// LocalPort returns the client side port of the connection to the
// application, or 0 before Start succeeded.
func (b *IncomingBridge) LocalPort() int {
	b.portMut.Lock()
	defer b.portMut.Unlock()
	return b.localPort
}

// Start connects to the application and begins relaying. On failure the
// peer connection is closed and the returned error wraps
// ErrLocalConnectFailed.
func (b *IncomingBridge) Start(ctx context.Context) error {
	d := net.Dialer{Timeout: b.opts.ConnectTimeout}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(b.serverPort))
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		_ = b.Close()
		return fmt.Errorf("%w %d: %w", ErrLocalConnectFailed, b.serverPort, err)
	}
	if tcpAddr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		b.portMut.Lock()
		b.localPort = tcpAddr.Port
		b.portMut.Unlock()
	}
	return b.relay(conn)
}
