// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package discover finds peers on the local network. Advertising peers
// broadcast an announcement at a fixed interval; listening peers keep the
// announcements they hear in a cache that forgets peers that went quiet.
package discover

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/thaliproject/thali/internal/slogutil"
	"github.com/thaliproject/thali/lib/beacon"
	"github.com/thaliproject/thali/lib/peer"
	"github.com/thaliproject/thali/lib/startstop"
	"github.com/thaliproject/thali/lib/svcutil"
)

const (
	DefaultPort              = 21035
	DefaultBroadcastInterval = 5 * time.Second
	DefaultCacheSize         = 256
)

var errBeaconStopped = errors.New("beacon stopped")

// Availability reports a peer appearing or disappearing.
type Availability struct {
	Peer      peer.Properties `json:"peer"`
	Available bool            `json:"peerAvailable"`
}

// Listener is told about peers appearing and disappearing. A peer that
// announces a new generation is reported as available again.
type Listener interface {
	PeerAvailabilityChanged(a Availability)
}

type ListenerFunc func(a Availability)

func (f ListenerFunc) PeerAvailabilityChanged(a Availability) { f(a) }

type Options struct {
	// PeerID is our own ID. Announcements carrying it are ignored.
	PeerID    string
	Transport string
	// Port returns the transport port to announce. Nothing is announced
	// while it returns zero.
	Port func() int

	BeaconPort int
	Interval   time.Duration
	CacheSize  int
	// Targets, when set, replaces broadcasting by unicast announcements to
	// these addresses, received on ListenAddress.
	Targets       []string
	ListenAddress string
}

func (o Options) withDefaults() Options {
	if o.BeaconPort <= 0 {
		o.BeaconPort = DefaultPort
	}
	if o.Interval <= 0 {
		o.Interval = DefaultBroadcastInterval
	}
	if o.CacheSize <= 0 {
		o.CacheSize = DefaultCacheSize
	}
	if o.ListenAddress == "" {
		o.ListenAddress = ":" + strconv.Itoa(o.BeaconPort)
	}
	if o.Port == nil {
		o.Port = func() int { return 0 }
	}
	return o
}

type cacheEntry struct {
	props      peer.Properties
	instanceID int64
}

// Manager runs local discovery. Listening and advertising are started and
// stopped independently; Serve delivers availability events.
type Manager struct {
	opts       Options
	listener   Listener
	instanceID int64
	generation atomic.Int64

	cache *expirable.LRU[string, cacheEntry]

	mut         sync.Mutex
	beacon      beacon.Interface
	listening   *svcutil.Session
	advertising *svcutil.Session
	forced      chan struct{}

	evMut  sync.Mutex
	events []Availability
	kick   chan struct{}
}

func NewManager(opts Options, l Listener) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		opts:       opts,
		listener:   l,
		instanceID: rand.Int64(),
		forced:     make(chan struct{}, 1),
		kick:       make(chan struct{}, 1),
	}
	m.cache = expirable.NewLRU[string, cacheEntry](opts.CacheSize, m.evicted, 3*opts.Interval)
	return m
}

func (m *Manager) String() string {
	return "discover.Manager@" + m.opts.ListenAddress
}

// Serve delivers availability events until the context is cancelled, then
// stops discovery.
func (m *Manager) Serve(ctx context.Context) error {
	defer m.Stop()
	for {
		m.evMut.Lock()
		evs := m.events
		m.events = nil
		m.evMut.Unlock()
		for _, ev := range evs {
			if m.listener != nil {
				m.listener.PeerAvailabilityChanged(ev)
			}
		}

		select {
		case <-m.kick:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// StartListening starts receiving announcements. It is a no-op when
// already listening.
func (m *Manager) StartListening() error {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.startListeningLocked()
}

func (m *Manager) startListeningLocked() error {
	if m.listening != nil {
		return nil
	}
	var b beacon.Interface
	var err error
	if len(m.opts.Targets) > 0 {
		b, err = beacon.NewUnicast(m.opts.ListenAddress, m.opts.Targets)
	} else {
		b, err = beacon.NewBroadcast(m.opts.BeaconPort)
	}
	if err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}

	m.beacon = b
	m.listening = svcutil.StartSession("discover", svcutil.SpecWithDebugLogger(), b,
		svcutil.AsService(func(ctx context.Context) error {
			return m.recvAnnouncements(ctx, b)
		}, fmt.Sprintf("%s/recv", m)))
	slog.Info("Started peer discovery", slogutil.Address(b.LocalAddr()))
	return nil
}

// StartAdvertising starts announcing ourselves, listening first if
// needed.
func (m *Manager) StartAdvertising() error {
	m.mut.Lock()
	defer m.mut.Unlock()
	if err := m.startListeningLocked(); err != nil {
		return err
	}
	if m.advertising != nil {
		return nil
	}
	b := m.beacon
	m.advertising = svcutil.StartSession("discover/advertise", svcutil.SpecWithDebugLogger(),
		svcutil.AsService(func(ctx context.Context) error {
			return m.sendAnnouncements(ctx, b)
		}, fmt.Sprintf("%s/send", m)))
	slog.Info("Started advertising", slog.Int64("generation", m.generation.Load()))
	return nil
}

func (m *Manager) StopAdvertising() {
	m.mut.Lock()
	adv := m.advertising
	m.advertising = nil
	m.mut.Unlock()
	if adv != nil {
		adv.Stop()
		slog.Info("Stopped advertising")
	}
}

// Stop stops advertising and listening and forgets all discovered peers,
// reporting each of them as unavailable.
func (m *Manager) Stop() {
	m.StopAdvertising()

	m.mut.Lock()
	lis := m.listening
	m.listening = nil
	m.beacon = nil
	m.mut.Unlock()
	if lis != nil {
		lis.Stop()
		slog.Info("Stopped peer discovery")
	}

	m.cache.Purge()
}

func (m *Manager) IsDiscovering() bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.listening != nil
}

func (m *Manager) IsAdvertising() bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.advertising != nil
}

// State returns the discovery manager state as seen by start/stop
// operations.
func (m *Manager) State() startstop.ManagerState {
	if m.IsDiscovering() {
		return startstop.Running
	}
	return startstop.NotStarted
}

// BeaconAddr returns the address announcements are received on.
func (m *Manager) BeaconAddr() net.Addr {
	m.mut.Lock()
	defer m.mut.Unlock()
	if m.beacon == nil {
		return nil
	}
	return m.beacon.LocalAddr()
}

// SetGeneration changes the advertised generation and announces it right
// away when advertising.
func (m *Manager) SetGeneration(n int) {
	m.generation.Store(int64(n))
	select {
	case m.forced <- struct{}{}:
	default:
	}
}

func (m *Manager) Generation() int {
	return int(m.generation.Load())
}

// Lookup returns the last announcement heard from the peer, if it has not
// expired.
func (m *Manager) Lookup(peerID string) (peer.Properties, bool) {
	ce, ok := m.cache.Peek(peerID)
	if !ok {
		return peer.Properties{}, false
	}
	return ce.props, true
}

// Peers returns all currently known peers ordered by ID.
func (m *Manager) Peers() []peer.Properties {
	vals := m.cache.Values()
	res := make([]peer.Properties, 0, len(vals))
	for _, ce := range vals {
		res = append(res, ce.props)
	}
	slices.SortFunc(res, func(a, b peer.Properties) int { return cmp.Compare(a.ID, b.ID) })
	return res
}

func (m *Manager) announcement() (Announcement, bool) {
	port := m.opts.Port()
	if port <= 0 {
		return Announcement{}, false
	}
	return Announcement{
		PeerID:     m.opts.PeerID,
		Generation: m.Generation(),
		Transport:  m.opts.Transport,
		Port:       port,
		InstanceID: m.instanceID,
	}, true
}

func (m *Manager) sendAnnouncements(ctx context.Context, b beacon.Interface) error {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	var msg []byte
	for {
		if a, ok := m.announcement(); ok {
			msg = a.appendPacket(msg[:0])
			b.Send(msg)
			announcementsTotal.WithLabelValues("sent").Inc()
		}

		select {
		case <-ticker.C:
		case <-m.forced:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) recvAnnouncements(ctx context.Context, b beacon.Interface) error {
	for {
		buf, addr := b.Recv(ctx)
		if addr == nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errBeaconStopped
		}
		m.handlePacket(ctx, buf, addr)
	}
}

func (m *Manager) handlePacket(ctx context.Context, buf []byte, src net.Addr) {
	a, err := parseAnnouncement(buf)
	if err != nil {
		announcementsTotal.WithLabelValues("invalid").Inc()
		slog.DebugContext(ctx, "Ignoring discovery packet", slogutil.Address(src), slogutil.Error(err))
		return
	}
	id, err := peer.CanonicalID(a.PeerID)
	if err != nil {
		announcementsTotal.WithLabelValues("invalid").Inc()
		slog.DebugContext(ctx, "Ignoring announcement with bad peer ID", slogutil.Address(src), slogutil.Error(err))
		return
	}
	if id == m.opts.PeerID {
		return
	}
	announcementsTotal.WithLabelValues("received").Inc()
	a.PeerID = id
	m.registerPeer(src, a)
}

// registerPeer stores the announcement and reports the peer as available
// if it is new, restarted or bumped its generation.
func (m *Manager) registerPeer(src net.Addr, a Announcement) {
	host := src.String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	props := peer.Properties{
		ID:         a.PeerID,
		Generation: a.Generation,
		Address:    net.JoinHostPort(host, strconv.Itoa(a.Port)),
		Transport:  a.Transport,
	}

	old, existed := m.cache.Peek(a.PeerID)
	m.cache.Add(a.PeerID, cacheEntry{props: props, instanceID: a.InstanceID})
	if existed && old.props == props && old.instanceID == a.InstanceID {
		return
	}
	slog.Debug("Discovered peer", slogutil.PeerID(props.ID), slog.Int("generation", props.Generation), slog.String("address", props.Address))
	discoveredPeers.Set(float64(m.cache.Len()))
	m.queue(Availability{Peer: props, Available: true})
}

// evicted is called by the cache, under its lock, when an entry expires,
// is pushed out or is purged.
func (m *Manager) evicted(_ string, ce cacheEntry) {
	m.queue(Availability{Peer: ce.props, Available: false})
}

func (m *Manager) queue(a Availability) {
	m.evMut.Lock()
	m.events = append(m.events, a)
	m.evMut.Unlock()
	select {
	case m.kick <- struct{}{}:
	default:
	}
}
