// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package transport carries peer connections over TCP or QUIC. Every
// connection starts with a hello exchange identifying both peers.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/thaliproject/thali/internal/slogutil"
	"github.com/thaliproject/thali/lib/certutil"
	"github.com/thaliproject/thali/lib/peer"
)

const (
	KindTCP  = "tcp"
	KindQUIC = "quic"

	// ALPN is the application protocol negotiated on QUIC links.
	ALPN = "thali/1"

	DefaultHandshakeTimeout = 10 * time.Second
	DefaultListenAddress    = "0.0.0.0:0"
)

var (
	ErrUnknownKind   = errors.New("unknown transport kind")
	ErrPeerMismatch  = errors.New("remote peer is not the one dialed")
	ErrNotListening  = errors.New("listener is not listening")
	ErrNoPeerAddress = errors.New("peer has no known address")
)

// Options configure both listeners and dialers.
type Options struct {
	Kind             string
	ListenAddress    string
	Compression      bool
	HandshakeTimeout time.Duration
	// Certificate is used for QUIC. When nil an ephemeral one is generated.
	Certificate *tls.Certificate
}

func (o Options) withDefaults() (Options, error) {
	switch o.Kind {
	case "":
		o.Kind = KindTCP
	case KindTCP, KindQUIC:
	default:
		return o, fmt.Errorf("%w: %q", ErrUnknownKind, o.Kind)
	}
	if o.ListenAddress == "" {
		o.ListenAddress = DefaultListenAddress
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.Kind == KindQUIC && o.Certificate == nil {
		cert, err := certutil.NewEphemeral("thali")
		if err != nil {
			return o, err
		}
		o.Certificate = &cert
	}
	return o, nil
}

// HelloFunc returns the hello describing the local peer. It is called for
// each new connection so that generation changes are picked up.
type HelloFunc func() Hello

// Handler receives established incoming connections and owns them.
type Handler func(c *Conn)

// State is the state of a Listener.
type State int

const (
	Stopped State = iota
	Listening
)

func (s State) String() string {
	if s == Listening {
		return "listening"
	}
	return "stopped"
}

type opener func(ctx context.Context) (net.Conn, error)

type acceptor interface {
	accept(ctx context.Context) (opener, error)
	Addr() net.Addr
	Close() error
}

// Listener accepts peer connections and hands them to a Handler once the
// hello exchange succeeded.
type Listener struct {
	opts    Options
	hello   HelloFunc
	handler Handler

	mut sync.Mutex
	acc acceptor
}

func NewListener(opts Options, hello HelloFunc, handler Handler) (*Listener, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Listener{opts: opts, hello: hello, handler: handler}, nil
}

func (l *Listener) String() string {
	return fmt.Sprintf("transport.Listener(%s, %s)", l.opts.Kind, l.opts.ListenAddress)
}

// Listen binds the listening socket. It is a no-op when already bound.
func (l *Listener) Listen() error {
	l.mut.Lock()
	defer l.mut.Unlock()
	if l.acc != nil {
		return nil
	}
	var acc acceptor
	var err error
	switch l.opts.Kind {
	case KindQUIC:
		acc, err = listenQUIC(l.opts)
	default:
		acc, err = listenTCP(l.opts)
	}
	if err != nil {
		return fmt.Errorf("listen %s %s: %w", l.opts.Kind, l.opts.ListenAddress, err)
	}
	l.acc = acc
	slog.Info("Listening for peer connections", slog.String("transport", l.opts.Kind), slogutil.Address(acc.Addr()))
	return nil
}

// Serve accepts connections until the context is cancelled. The socket is
// closed when Serve returns.
func (l *Listener) Serve(ctx context.Context) error {
	if err := l.Listen(); err != nil {
		return err
	}
	l.mut.Lock()
	acc := l.acc
	l.mut.Unlock()
	defer l.Close()
	stop := context.AfterFunc(ctx, func() { acc.Close() })
	defer stop()

	for {
		open, err := acc.accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go l.handle(ctx, open)
	}
}

func (l *Listener) handle(ctx context.Context, open opener) {
	hctx, cancel := context.WithTimeout(ctx, l.opts.HandshakeTimeout)
	defer cancel()
	nc, err := open(hctx)
	if err != nil {
		slog.DebugContext(ctx, "Failed to open incoming peer connection", slogutil.Error(err))
		return
	}
	c, err := handshake(nc, l.opts, l.hello())
	if err != nil {
		handshakesTotal.WithLabelValues(l.opts.Kind, "failure").Inc()
		slog.DebugContext(ctx, "Incoming hello exchange failed", slogutil.Address(nc.RemoteAddr()), slogutil.Error(err))
		nc.Close()
		return
	}
	handshakesTotal.WithLabelValues(l.opts.Kind, "success").Inc()
	slog.DebugContext(ctx, "Accepted peer connection", slogutil.PeerID(c.remote.ID), slogutil.Address(nc.RemoteAddr()))
	l.handler(c)
}

// Close closes the listening socket. Serve returns shortly after.
func (l *Listener) Close() error {
	l.mut.Lock()
	acc := l.acc
	l.acc = nil
	l.mut.Unlock()
	if acc == nil {
		return nil
	}
	if err := acc.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address, or nil when not listening.
func (l *Listener) Addr() net.Addr {
	l.mut.Lock()
	defer l.mut.Unlock()
	if l.acc == nil {
		return nil
	}
	return l.acc.Addr()
}

// Port returns the bound port, or 0 when not listening.
func (l *Listener) Port() int {
	switch a := l.Addr().(type) {
	case *net.TCPAddr:
		return a.Port
	case *net.UDPAddr:
		return a.Port
	default:
		return 0
	}
}

func (l *Listener) State() State {
	l.mut.Lock()
	defer l.mut.Unlock()
	if l.acc == nil {
		return Stopped
	}
	return Listening
}

func (l *Listener) Kind() string {
	return l.opts.Kind
}

// Dialer opens peer connections.
type Dialer struct {
	opts  Options
	hello HelloFunc
}

func NewDialer(opts Options, hello HelloFunc) (*Dialer, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Dialer{opts: opts, hello: hello}, nil
}

// Dial connects to the peer at props.Address and verifies that the peer
// answering is props.ID.
func (d *Dialer) Dial(ctx context.Context, props peer.Properties) (*Conn, error) {
	if props.Address == "" {
		return nil, ErrNoPeerAddress
	}
	kind := props.Transport
	if kind == "" {
		kind = d.opts.Kind
	}
	dctx, cancel := context.WithTimeout(ctx, d.opts.HandshakeTimeout)
	defer cancel()

	var nc net.Conn
	var err error
	switch kind {
	case KindTCP:
		nc, err = dialTCP(dctx, props.Address)
	case KindQUIC:
		nc, err = dialQUIC(dctx, props.Address)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, err
	}
	opts := d.opts
	opts.Kind = kind
	// Cancelling ctx interrupts the hello exchange.
	stop := context.AfterFunc(dctx, func() { _ = nc.SetDeadline(time.Now()) })
	c, err := handshake(nc, opts, d.hello())
	if !stop() && err == nil {
		err = dctx.Err()
	}
	if err != nil {
		handshakesTotal.WithLabelValues(kind, "failure").Inc()
		nc.Close()
		return nil, err
	}
	if c.remote.ID != props.ID {
		handshakesTotal.WithLabelValues(kind, "failure").Inc()
		nc.Close()
		return nil, fmt.Errorf("%w: dialed %s, got %s", ErrPeerMismatch, props.ID, c.remote.ID)
	}
	handshakesTotal.WithLabelValues(kind, "success").Inc()
	c.remote.Address = props.Address
	return c, nil
}

func handshake(nc net.Conn, opts Options, local Hello) (*Conn, error) {
	local.Compression = opts.Compression
	_ = nc.SetDeadline(time.Now().Add(opts.HandshakeTimeout))
	remote, err := ExchangeHello(nc, local)
	_ = nc.SetDeadline(time.Time{})
	if err != nil {
		return nil, err
	}
	props := peer.Properties{
		ID:         remote.PeerID,
		Generation: remote.Generation,
		Address:    nc.RemoteAddr().String(),
		Transport:  opts.Kind,
	}
	return newConn(nc, props, opts.Compression && remote.Compression)
}
