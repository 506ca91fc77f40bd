// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package beacon

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestBcast(t *testing.T) {
	t.Parallel()

	cases := []struct {
		cidr string
		want string
	}{
		{"192.168.1.17/24", "192.168.1.255"},
		{"10.0.0.1/8", "10.255.255.255"},
		{"172.16.5.4/30", "172.16.5.7"},
	}
	for _, tc := range cases {
		ip, ipn, err := net.ParseCIDR(tc.cidr)
		if err != nil {
			t.Fatal(err)
		}
		ipn.IP = ip
		got, err := bcast(ipn)
		if err != nil {
			t.Fatal(err)
		}
		if got.String() != tc.want {
			t.Errorf("bcast(%s) = %s, want %s", tc.cidr, got, tc.want)
		}
	}

	_, v6, _ := net.ParseCIDR("fe80::1/64")
	if _, err := bcast(v6); err == nil {
		t.Error("IPv6 network has no broadcast address")
	}
}

func TestUnicastSendRecv(t *testing.T) {
	t.Parallel()

	a, err := NewUnicast("127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	aAddr := a.LocalAddr().String()
	b, err := NewUnicast("127.0.0.1:0", []string{aAddr})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Serve(ctx)
	go b.Serve(ctx)

	go b.Send([]byte("hello"))

	rctx, rcancel := context.WithTimeout(ctx, 5*time.Second)
	defer rcancel()
	data, src := a.Recv(rctx)
	if src == nil {
		t.Fatal("no datagram received")
	}
	if string(data) != "hello" {
		t.Errorf("got %q", data)
	}
}

func TestRecvReturnsOnStop(t *testing.T) {
	t.Parallel()

	a, err := NewUnicast("127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = a.Serve(ctx)
		close(done)
	}()
	cancel()
	<-done

	if _, src := a.Recv(context.Background()); src != nil {
		t.Error("Recv returned a datagram after stop")
	}
}

func TestBusyPort(t *testing.T) {
	t.Parallel()

	a, err := NewUnicast("127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewUnicast(a.LocalAddr().String(), nil); err == nil {
		t.Error("second beacon on the same port succeeded")
	}
}
