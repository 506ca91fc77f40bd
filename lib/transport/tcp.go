// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package transport

import (
	"context"
	"net"
	"time"
)

type tcpAcceptor struct {
	net.Listener
}

func listenTCP(opts Options) (*tcpAcceptor, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(context.Background(), "tcp", opts.ListenAddress)
	if err != nil {
		return nil, err
	}
	return &tcpAcceptor{Listener: ln}, nil
}

func (a *tcpAcceptor) accept(context.Context) (opener, error) {
	c, err := a.Accept()
	if err != nil {
		return nil, err
	}
	return func(context.Context) (net.Conn, error) {
		return c, nil
	}, nil
}

func dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{KeepAlive: 30 * time.Second}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return c, nil
}
