// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package beacon sends and receives small datagrams on the local network.
package beacon

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/thaliproject/thali/lib/svcutil"
)

type recv struct {
	data []byte
	src  net.Addr
}

type Interface interface {
	suture.Service
	fmt.Stringer
	Send(data []byte)
	// Recv returns the next datagram, or a nil address when the context
	// is done or the beacon stopped.
	Recv(ctx context.Context) ([]byte, net.Addr)
	Error() error
	// LocalAddr is the address datagrams are received on, or nil when
	// the receiving socket is closed.
	LocalAddr() net.Addr
}

type cast struct {
	*suture.Supervisor
	name    string
	reader  svcutil.ServiceWithError
	writer  svcutil.ServiceWithError
	outbox  chan recv
	inbox   chan []byte
	stopped chan struct{}
}

// newCast creates the common part of a beacon. The caller adds a reader
// and a writer with addReader and addWriter.
func newCast(name string) *cast {
	spec := svcutil.SpecWithDebugLogger()
	// Socket errors rarely fix themselves within seconds.
	spec.FailureThreshold = 2
	spec.FailureBackoff = 60 * time.Second
	c := &cast{
		Supervisor: suture.New(name, spec),
		name:       name,
		inbox:      make(chan []byte),
		outbox:     make(chan recv, 16),
		stopped:    make(chan struct{}),
	}
	svcutil.OnSupervisorDone(c.Supervisor, func() { close(c.stopped) })
	return c
}

func (c *cast) addReader(svc func(context.Context) error) {
	c.reader = svcutil.AsService(svc, fmt.Sprintf("%s/reader", c.name))
	c.Add(c.reader)
}

func (c *cast) addWriter(svc func(context.Context) error) {
	c.writer = svcutil.AsService(svc, fmt.Sprintf("%s/writer", c.name))
	c.Add(c.writer)
}

func (c *cast) Send(data []byte) {
	select {
	case c.inbox <- data:
	case <-c.stopped:
	}
}

func (c *cast) Recv(ctx context.Context) ([]byte, net.Addr) {
	select {
	case r := <-c.outbox:
		return r.data, r.src
	case <-c.stopped:
		return nil, nil
	case <-ctx.Done():
		return nil, nil
	}
}

// deliver hands a received datagram to Recv, dropping it when nobody
// keeps up.
func (c *cast) deliver(data []byte, src net.Addr) {
	select {
	case c.outbox <- recv{data, src}:
	default:
	}
}

func (c *cast) Error() error {
	if err := c.reader.Error(); err != nil {
		return err
	}
	return c.writer.Error()
}

func (c *cast) String() string {
	return c.name
}
