// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const quicCloseGrace = 5 * time.Second

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 15 * time.Second,
		MaxIdleTimeout:  60 * time.Second,
	}
}

type quicAcceptor struct {
	ln *quic.Listener
}

func listenQUIC(opts Options) (*quicAcceptor, error) {
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{*opts.Certificate},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}
	ln, err := quic.ListenAddr(opts.ListenAddress, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	return &quicAcceptor{ln: ln}, nil
}

func (a *quicAcceptor) accept(ctx context.Context) (opener, error) {
	conn, err := a.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (net.Conn, error) {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			conn.CloseWithError(0, "")
			return nil, err
		}
		return &quicStreamConn{Stream: stream, conn: conn}, nil
	}, nil
}

func (a *quicAcceptor) Addr() net.Addr {
	return a.ln.Addr()
}

func (a *quicAcceptor) Close() error {
	return a.ln.Close()
}

func dialQUIC(ctx context.Context, addr string) (net.Conn, error) {
	// Peers authenticate each other through the hello exchange, not
	// through certificates.
	tlsConf := &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return &quicStreamConn{Stream: stream, conn: conn}, nil
}

// quicStreamConn is a single stream presented as a net.Conn. Each peer
// connection gets its own QUIC connection.
type quicStreamConn struct {
	*quic.Stream
	conn *quic.Conn
}

func (c *quicStreamConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *quicStreamConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close ends our side of the stream and closes the connection once the
// remote side went away, or after a grace period.
func (c *quicStreamConn) Close() error {
	c.Stream.CancelRead(0)
	err := c.Stream.Close()
	go func() {
		select {
		case <-c.conn.Context().Done():
		case <-time.After(quicCloseGrace):
		}
		c.conn.CloseWithError(0, "")
	}()
	return err
}
