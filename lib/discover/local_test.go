// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package discover

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/thaliproject/thali/lib/peer"
	"github.com/thaliproject/thali/lib/startstop"
)

type availabilityRecorder chan Availability

func (r availabilityRecorder) PeerAvailabilityChanged(a Availability) {
	r <- a
}

func (r availabilityRecorder) next(t *testing.T) Availability {
	t.Helper()
	select {
	case a := <-r:
		return a
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for availability event")
		return Availability{}
	}
}

func serve(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

var src = &net.UDPAddr{IP: net.IPv4(10, 20, 30, 40), Port: 21035}

func TestManagerRegisterPeer(t *testing.T) {
	t.Parallel()

	rec := make(availabilityRecorder, 8)
	m := NewManager(Options{PeerID: peer.NewID(), Interval: time.Hour}, rec)
	serve(t, m)

	other := peer.NewID()
	a := Announcement{PeerID: other, Generation: 1, Transport: "tcp", Port: 4000, InstanceID: 1}
	m.handlePacket(context.Background(), a.appendPacket(nil), src)

	ev := rec.next(t)
	if !ev.Available || ev.Peer.ID != other || ev.Peer.Address != "10.20.30.40:4000" || ev.Peer.Transport != "tcp" {
		t.Fatalf("event = %+v", ev)
	}

	// A repeat of the same announcement is not news.
	m.handlePacket(context.Background(), a.appendPacket(nil), src)
	a.Generation = 2
	m.handlePacket(context.Background(), a.appendPacket(nil), src)
	if ev := rec.next(t); ev.Peer.Generation != 2 || !ev.Available {
		t.Fatalf("event = %+v, want generation 2", ev)
	}

	props, ok := m.Lookup(other)
	if !ok || props.Generation != 2 {
		t.Errorf("Lookup = %+v, %v", props, ok)
	}
	if peers := m.Peers(); len(peers) != 1 || peers[0].ID != other {
		t.Errorf("Peers() = %+v", peers)
	}
}

func TestManagerStopReportsPeersUnavailable(t *testing.T) {
	t.Parallel()

	rec := make(availabilityRecorder, 8)
	m := NewManager(Options{PeerID: peer.NewID(), Interval: time.Hour}, rec)
	serve(t, m)

	other := peer.NewID()
	m.handlePacket(context.Background(), Announcement{PeerID: other, Generation: 1, Transport: "tcp", Port: 4000}.appendPacket(nil), src)
	if ev := rec.next(t); !ev.Available {
		t.Fatalf("event = %+v, want available", ev)
	}

	m.Stop()
	ev := rec.next(t)
	if ev.Available || ev.Peer.ID != other {
		t.Fatalf("event = %+v, want %s unavailable", ev, other)
	}
	if len(m.Peers()) != 0 {
		t.Errorf("Peers() after Stop = %+v", m.Peers())
	}
}

func TestManagerIgnoresOwnAnnouncements(t *testing.T) {
	t.Parallel()

	self := peer.NewID()
	rec := make(availabilityRecorder, 8)
	m := NewManager(Options{PeerID: self}, rec)
	serve(t, m)

	m.handlePacket(context.Background(), Announcement{PeerID: self, Port: 1}.appendPacket(nil), src)
	m.handlePacket(context.Background(), []byte("junk"), src)
	m.handlePacket(context.Background(), Announcement{PeerID: "not-a-uuid", Port: 1}.appendPacket(nil), src)
	if len(m.Peers()) != 0 {
		t.Fatalf("Peers() = %+v", m.Peers())
	}
	select {
	case ev := <-rec:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManagerExpiry(t *testing.T) {
	t.Parallel()

	rec := make(availabilityRecorder, 8)
	m := NewManager(Options{PeerID: peer.NewID(), Interval: 20 * time.Millisecond}, rec)
	serve(t, m)

	other := peer.NewID()
	m.handlePacket(context.Background(), Announcement{PeerID: other, Port: 4000}.appendPacket(nil), src)
	if ev := rec.next(t); !ev.Available {
		t.Fatalf("event = %+v", ev)
	}
	ev := rec.next(t)
	if ev.Available || ev.Peer.ID != other {
		t.Fatalf("event = %+v, want unavailable", ev)
	}
	if _, ok := m.Lookup(other); ok {
		t.Error("expired peer still known")
	}
}

func TestManagerStartStop(t *testing.T) {
	t.Parallel()

	m := NewManager(Options{PeerID: peer.NewID(), Targets: []string{"127.0.0.1:9"}, ListenAddress: "127.0.0.1:0"}, nil)
	serve(t, m)

	if m.State() != startstop.NotStarted || m.IsDiscovering() || m.IsAdvertising() {
		t.Fatal("fresh manager should be idle")
	}
	if err := m.StartAdvertising(); err != nil {
		t.Fatal(err)
	}
	if !m.IsDiscovering() || !m.IsAdvertising() || m.State() != startstop.Running {
		t.Fatal("advertising implies discovering")
	}
	if m.BeaconAddr() == nil {
		t.Error("BeaconAddr() = nil while listening")
	}
	m.StopAdvertising()
	if !m.IsDiscovering() || m.IsAdvertising() {
		t.Fatal("StopAdvertising should keep listening")
	}
	m.Stop()
	if m.IsDiscovering() || m.State() != startstop.NotStarted {
		t.Fatal("Stop should stop listening")
	}
	if err := m.StartListening(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	m.Stop()
}

func TestManagerDiscoversOverUDP(t *testing.T) {
	t.Parallel()

	rec := make(availabilityRecorder, 8)
	listener := NewManager(Options{PeerID: peer.NewID(), ListenAddress: "127.0.0.1:0", Targets: []string{"127.0.0.1:9"}}, rec)
	serve(t, listener)
	if err := listener.StartListening(); err != nil {
		t.Fatal(err)
	}

	advertiserID := peer.NewID()
	advertiser := NewManager(Options{
		PeerID:        advertiserID,
		Transport:     "tcp",
		Port:          func() int { return 5555 },
		ListenAddress: "127.0.0.1:0",
		Targets:       []string{listener.BeaconAddr().String()},
		Interval:      50 * time.Millisecond,
	}, nil)
	serve(t, advertiser)
	advertiser.SetGeneration(3)
	if err := advertiser.StartAdvertising(); err != nil {
		t.Fatal(err)
	}

	ev := rec.next(t)
	if !ev.Available || ev.Peer.ID != advertiserID || ev.Peer.Generation != 3 || ev.Peer.Address != "127.0.0.1:5555" {
		t.Fatalf("event = %+v", ev)
	}
}
