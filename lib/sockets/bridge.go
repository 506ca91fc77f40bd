// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package sockets relays bytes between a peer connection and a local TCP
// connection to the application.
//
// An incoming bridge serves a connection a remote peer opened to us: it
// dials the application's server port and relays. An outgoing bridge
// serves a connection we opened to a remote peer: it listens on a local
// port, waits for the application to connect and relays.
package sockets

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/thaliproject/thali/internal/slogutil"
	"github.com/thaliproject/thali/lib/peer"
)

var (
	ErrClosed             = errors.New("bridge closed")
	ErrLocalConnectFailed = errors.New("failed to connect to local server port")
	ErrAcceptTimeout      = errors.New("timed out waiting for local connection")
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultAcceptTimeout  = 30 * time.Second
)

// Direction tells who initiated the peer connection.
type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	switch d {
	case Incoming:
		return "incoming"
	case Outgoing:
		return "outgoing"
	default:
		return "unknown"
	}
}

// BridgeListener is notified about the life of a bridge. After a bridge
// has started relaying exactly one of Disconnected and Done is called,
// unless the owner closed the bridge first.
type BridgeListener interface {
	// ListeningForIncomingConnections is called by outgoing bridges once
	// the local listener is bound.
	ListeningForIncomingConnections(b *Bridge, port int)
	Disconnected(b *Bridge, err error)
	// Done is called when one direction reached end of stream. wasSending
	// is true for the local to peer direction.
	Done(b *Bridge, wasSending bool)
}

// Options tune a bridge. Zero values select defaults.
type Options struct {
	BufferSize     int
	ConnectTimeout time.Duration
	AcceptTimeout  time.Duration
	// ListenPort is the local port outgoing bridges listen on; 0 picks an
	// ephemeral port.
	ListenPort int
	// SendLimit and RecvLimit throttle each direction in bytes per second.
	// Zero means unlimited.
	SendLimit int
	RecvLimit int
}

func (o Options) withDefaults() Options {
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.AcceptTimeout <= 0 {
		o.AcceptTimeout = DefaultAcceptTimeout
	}
	return o
}

var bridgeSeq atomic.Int64

// Bridge is the part shared by incoming and outgoing bridges: a peer
// connection, a local connection and one copier per direction.
type Bridge struct {
	id        string
	direction Direction
	props     peer.Properties
	peerConn  net.Conn
	listener  BridgeListener
	opts      Options

	mut       sync.Mutex
	localConn net.Conn
	sending   *StreamCopier
	receiving *StreamCopier
	closed    bool
	started   time.Time
}

func newBridge(dir Direction, conn net.Conn, props peer.Properties, l BridgeListener, opts Options) *Bridge {
	return &Bridge{
		id:        fmt.Sprintf("%s-%d", dir, bridgeSeq.Add(1)),
		direction: dir,
		props:     props,
		peerConn:  conn,
		listener:  l,
		opts:      opts.withDefaults(),
	}
}

func (b *Bridge) ID() string {
	return b.id
}

func (b *Bridge) Direction() Direction {
	return b.direction
}

func (b *Bridge) PeerProperties() peer.Properties {
	return b.props
}

func (b *Bridge) String() string {
	return fmt.Sprintf("%s bridge %s to %s", b.direction, b.id, b.props.ID)
}

// Started returns when relaying started, or the zero time.
func (b *Bridge) Started() time.Time {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.started
}

// BytesSent returns the number of bytes relayed from the application to
// the peer.
func (b *Bridge) BytesSent() int64 {
	b.mut.Lock()
	c := b.sending
	b.mut.Unlock()
	if c == nil {
		return 0
	}
	return c.Bytes()
}

// BytesReceived returns the number of bytes relayed from the peer to the
// application.
func (b *Bridge) BytesReceived() int64 {
	b.mut.Lock()
	c := b.receiving
	b.mut.Unlock()
	if c == nil {
		return 0
	}
	return c.Bytes()
}

// Rates returns the one-minute throughput averages for both directions.
func (b *Bridge) Rates() (send, recv float64) {
	b.mut.Lock()
	s, r := b.sending, b.receiving
	b.mut.Unlock()
	if s != nil {
		send = s.Rate1()
	}
	if r != nil {
		recv = r.Rate1()
	}
	return send, recv
}

// IsClosed reports whether the bridge has been closed.
func (b *Bridge) IsClosed() bool {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.closed
}

// Close closes both connections and stops the copiers. It does not notify
// the listener. Closing twice is a no-op.
func (b *Bridge) Close() error {
	b.mut.Lock()
	if b.closed {
		b.mut.Unlock()
		return nil
	}
	b.closed = true
	b.mut.Unlock()

	return b.teardown()
}

// Wait blocks until both copiers have exited. It returns immediately for
// a bridge that never started relaying.
func (b *Bridge) Wait() {
	b.mut.Lock()
	s, r := b.sending, b.receiving
	b.mut.Unlock()
	if s != nil {
		<-s.Done()
	}
	if r != nil {
		<-r.Done()
	}
}

// relay starts copying between the peer connection and local.
func (b *Bridge) relay(local net.Conn) error {
	b.mut.Lock()
	if b.closed {
		b.mut.Unlock()
		local.Close()
		return ErrClosed
	}
	b.localConn = local
	cl := copyListener{b}
	b.sending = NewStreamCopier(b.id+"/send", local, b.peerConn, cl)
	b.receiving = NewStreamCopier(b.id+"/recv", b.peerConn, local, cl)
	for _, c := range []*StreamCopier{b.sending, b.receiving} {
		if err := c.SetBufferSize(b.opts.BufferSize); err != nil {
			b.mut.Unlock()
			return err
		}
	}
	if b.opts.SendLimit > 0 {
		b.sending.SetLimiter(rate.NewLimiter(rate.Limit(b.opts.SendLimit), max(b.opts.SendLimit, b.opts.BufferSize)))
	}
	if b.opts.RecvLimit > 0 {
		b.receiving.SetLimiter(rate.NewLimiter(rate.Limit(b.opts.RecvLimit), max(b.opts.RecvLimit, b.opts.BufferSize)))
	}
	b.started = time.Now()
	s, r := b.sending, b.receiving
	b.mut.Unlock()

	slog.Debug("Relaying", slog.String("bridge", b.id), slogutil.PeerID(b.props.ID), slogutil.Address(local.LocalAddr()))
	s.Start()
	r.Start()
	return nil
}

// finish closes the bridge on behalf of a copier and notifies the
// listener, unless the bridge was already closed.
func (b *Bridge) finish(wasSending bool, err error) {
	b.mut.Lock()
	if b.closed {
		b.mut.Unlock()
		return
	}
	b.closed = true
	b.mut.Unlock()

	_ = b.teardown()
	if b.listener == nil {
		return
	}
	if err != nil {
		b.listener.Disconnected(b, err)
	} else {
		b.listener.Done(b, wasSending)
	}
}

func (b *Bridge) teardown() error {
	b.mut.Lock()
	s, r, local := b.sending, b.receiving, b.localConn
	b.mut.Unlock()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil && !errors.Is(err, net.ErrClosed) {
			firstErr = err
		}
	}
	if s != nil {
		keep(s.Close())
	}
	if r != nil {
		keep(r.Close())
	}
	keep(b.peerConn.Close())
	if local != nil {
		keep(local.Close())
	}
	return firstErr
}

type copyListener struct {
	b *Bridge
}

func (l copyListener) StreamCopySucceeded(c *StreamCopier, _ int64) {
	l.b.finish(c == l.b.sending, nil)
}

func (l copyListener) StreamCopyFailed(c *StreamCopier, err error) {
	l.b.finish(c == l.b.sending, err)
}

func (copyListener) StreamCopyProgress(*StreamCopier, int) {}
