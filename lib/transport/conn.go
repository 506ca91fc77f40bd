// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package transport

import (
	"net"
	"sync"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/thaliproject/thali/lib/peer"
)

// Conn is an established peer connection.
type Conn struct {
	net.Conn
	remote      peer.Properties
	compressed  bool
	established time.Time
}

func newConn(nc net.Conn, remote peer.Properties, compress bool) (*Conn, error) {
	c := &Conn{Conn: nc, remote: remote, compressed: compress, established: time.Now()}
	if compress {
		cc, err := newCompressedConn(nc)
		if err != nil {
			return nil, err
		}
		c.Conn = cc
	}
	return c, nil
}

// PeerProperties describes the remote end as it introduced itself.
func (c *Conn) PeerProperties() peer.Properties {
	return c.remote
}

// Compressed reports whether LZ4 link compression is in use.
func (c *Conn) Compressed() bool {
	return c.compressed
}

func (c *Conn) Established() time.Time {
	return c.established
}

// compressedConn runs both directions through LZ4 frames. Every Write is
// flushed so that relayed data is never held back.
type compressedConn struct {
	net.Conn
	r *lz4.Reader

	wmut sync.Mutex
	w    *lz4.Writer
}

func newCompressedConn(nc net.Conn) (*compressedConn, error) {
	w := lz4.NewWriter(nc)
	if err := w.Apply(lz4.BlockSizeOption(lz4.Block64Kb)); err != nil {
		return nil, err
	}
	return &compressedConn{Conn: nc, r: lz4.NewReader(nc), w: w}, nil
}

func (c *compressedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *compressedConn) Write(p []byte) (int, error) {
	c.wmut.Lock()
	defer c.wmut.Unlock()
	n, err := c.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, c.w.Flush()
}

// Close closes the socket before taking the write lock, so that a Write
// stalled on a peer that stopped reading fails instead of holding Close
// up. The frame end mark is not sent.
func (c *compressedConn) Close() error {
	err := c.Conn.Close()
	c.wmut.Lock()
	_ = c.w.Close()
	c.wmut.Unlock()
	return err
}
