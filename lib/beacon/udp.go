// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package beacon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/wlynxg/anet"

	"github.com/thaliproject/thali/internal/slogutil"
)

const maxDatagram = 65536

// Destinations returns where a datagram is sent.
type Destinations func() []*net.UDPAddr

type udpBeacon struct {
	*cast
	dests Destinations

	mut  sync.Mutex
	conn net.PacketConn
}

// NewBroadcast returns a beacon receiving on port and sending to the
// broadcast address of every interface. The receiving socket is bound
// right away so that a busy port is reported to the caller.
func NewBroadcast(port int) (Interface, error) {
	b, err := newUDP(fmt.Sprintf("broadcast:%d", port), fmt.Sprintf(":%d", port), func() []*net.UDPAddr {
		return broadcastAddrs(port)
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// NewUnicast returns a beacon receiving on listenAddr and sending to a
// fixed set of addresses.
func NewUnicast(listenAddr string, targets []string) (Interface, error) {
	var dests []*net.UDPAddr
	for _, t := range targets {
		a, err := net.ResolveUDPAddr("udp4", t)
		if err != nil {
			return nil, fmt.Errorf("beacon target %q: %w", t, err)
		}
		dests = append(dests, a)
	}
	b, err := newUDP("unicast:"+listenAddr, listenAddr, func() []*net.UDPAddr { return dests })
	if err != nil {
		return nil, err
	}
	return b, nil
}

func newUDP(name, listenAddr string, dests Destinations) (*udpBeacon, error) {
	conn, err := net.ListenPacket("udp4", listenAddr)
	if err != nil {
		return nil, err
	}
	b := &udpBeacon{
		cast:  newCast(name),
		dests: dests,
		conn:  conn,
	}
	listenAddr = conn.LocalAddr().String()
	b.addReader(func(ctx context.Context) error { return b.readLoop(ctx, listenAddr) })
	b.addWriter(b.writeLoop)
	return b, nil
}

// LocalAddr returns the address the beacon receives on.
func (b *udpBeacon) LocalAddr() net.Addr {
	b.mut.Lock()
	defer b.mut.Unlock()
	if b.conn == nil {
		return nil
	}
	return b.conn.LocalAddr()
}

func (b *udpBeacon) readLoop(ctx context.Context, listenAddr string) error {
	b.mut.Lock()
	conn := b.conn
	if conn == nil {
		var err error
		conn, err = net.ListenPacket("udp4", listenAddr)
		if err != nil {
			b.mut.Unlock()
			return err
		}
		b.conn = conn
	}
	b.mut.Unlock()

	defer func() {
		b.mut.Lock()
		b.conn = nil
		b.mut.Unlock()
		conn.Close()
	}()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	buf := make([]byte, maxDatagram)
	for {
		n, src, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		b.deliver(data, src)
	}
}

func (b *udpBeacon) writeLoop(ctx context.Context) error {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	for {
		var data []byte
		select {
		case data = <-b.inbox:
		case <-ctx.Done():
			return ctx.Err()
		}

		var sent int
		for _, dst := range b.dests() {
			if _, err := conn.WriteTo(data, dst); err != nil {
				slog.DebugContext(ctx, "Failed to send beacon", slogutil.Address(dst), slogutil.Error(err))
				continue
			}
			sent++
		}
		if sent == 0 {
			slog.DebugContext(ctx, "Beacon not sent to any destination", slog.String("beacon", b.name))
		}
	}
}

// broadcastAddrs returns the directed broadcast address of each IPv4
// interface that is up, falling back to the limited broadcast address.
func broadcastAddrs(port int) []*net.UDPAddr {
	var dsts []*net.UDPAddr
	ifaces, err := anet.Interfaces()
	if err == nil {
		for i := range ifaces {
			iface := &ifaces[i]
			if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
				continue
			}
			addrs, err := anet.InterfaceAddrsByInterface(iface)
			if err != nil {
				continue
			}
			for _, a := range addrs {
				if ip, ok := directedBroadcast(a); ok {
					dsts = append(dsts, &net.UDPAddr{IP: ip, Port: port})
				}
			}
		}
	}
	if len(dsts) == 0 {
		dsts = append(dsts, &net.UDPAddr{IP: net.IPv4bcast, Port: port})
	}
	return dsts
}

var errNotIPv4 = errors.New("not an IPv4 network")

func directedBroadcast(a net.Addr) (net.IP, bool) {
	ipn, ok := a.(*net.IPNet)
	if !ok {
		return nil, false
	}
	ip, err := bcast(ipn)
	if err != nil {
		return nil, false
	}
	return ip, true
}

func bcast(ipn *net.IPNet) (net.IP, error) {
	ip4 := ipn.IP.To4()
	if ip4 == nil || len(ipn.Mask) != net.IPv4len {
		return nil, errNotIPv4
	}
	out := make(net.IP, net.IPv4len)
	for i := range ip4 {
		out[i] = ip4[i] | ^ipn.Mask[i]
	}
	return out, nil
}
