// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package model keeps track of the relayed peer connections and of the
// connect attempts in flight.
package model

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/thaliproject/thali/internal/slogutil"
	"github.com/thaliproject/thali/lib/peer"
	"github.com/thaliproject/thali/lib/sockets"
)

// Socket is a relayed connection as tracked by the model. Incoming and
// outgoing bridges implement it.
type Socket interface {
	ID() string
	Direction() sockets.Direction
	PeerProperties() peer.Properties
	Started() time.Time
	BytesSent() int64
	BytesReceived() int64
	// Rates returns the one-minute throughput averages in bytes per
	// second.
	Rates() (send, recv float64)
	Close() error
}

var (
	ErrOutgoingExists = errors.New("outgoing connection exists")
	ErrPendingExists  = errors.New("connect attempt already pending")
	ErrLimitReached   = errors.New("connection limit reached")
)

// ConnectCallback receives the outcome of a connect attempt.
type ConnectCallback func(result ListenerOrIncomingConnection, err error)

// ConnectionInfo is a point in time description of a tracked socket.
type ConnectionInfo struct {
	ID            string    `json:"id"`
	PeerID        string    `json:"peerIdentifier"`
	Generation    int       `json:"generation"`
	Direction     string    `json:"direction"`
	Since         time.Time `json:"since"`
	BytesSent     int64     `json:"bytesSent"`
	BytesReceived int64     `json:"bytesReceived"`
	SendRate      float64   `json:"sendRate"`
	ReceiveRate   float64   `json:"receiveRate"`
}

type pendingConnect struct {
	cb ConnectCallback
}

// ConnectionModel holds incoming and outgoing sockets keyed by socket ID,
// and pending outgoing connect attempts keyed by peer ID. It is safe for
// concurrent use. Sockets are always closed outside the model lock.
type ConnectionModel struct {
	mut      sync.Mutex
	incoming map[string]Socket
	outgoing map[string]Socket

	// pending is only added to under mut, so that Reserve sees a
	// consistent count.
	pending *xsync.MapOf[string, *pendingConnect]
}

func NewConnectionModel() *ConnectionModel {
	return &ConnectionModel{
		incoming: make(map[string]Socket),
		outgoing: make(map[string]Socket),
		pending:  xsync.NewMapOf[string, *pendingConnect](),
	}
}

// Add starts tracking s in the map matching its direction. Adding the
// same socket twice is a no-op.
func (m *ConnectionModel) Add(s Socket) {
	m.mut.Lock()
	defer m.mut.Unlock()

	set := m.setFor(s.Direction())
	if _, ok := set[s.ID()]; ok {
		return
	}
	set[s.ID()] = s
	metricConnectionsActive.WithLabelValues(s.Direction().String()).Inc()
	slog.Debug("Tracking connection", slog.String("socket", s.ID()), slogutil.PeerID(s.PeerProperties().ID))
}

// Remove stops tracking the socket with the given ID without closing it.
func (m *ConnectionModel) Remove(id string) bool {
	m.mut.Lock()
	defer m.mut.Unlock()

	for _, set := range []map[string]Socket{m.incoming, m.outgoing} {
		if s, ok := set[id]; ok {
			delete(set, id)
			metricConnectionsActive.WithLabelValues(s.Direction().String()).Dec()
			return true
		}
	}
	return false
}

func (m *ConnectionModel) HasIncoming(peerID string) bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	return hasPeer(m.incoming, peerID)
}

func (m *ConnectionModel) HasOutgoing(peerID string) bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	return hasPeer(m.outgoing, peerID)
}

// HasConnection reports whether any socket to or from the peer exists.
func (m *ConnectionModel) HasConnection(peerID string) bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	return hasPeer(m.incoming, peerID) || hasPeer(m.outgoing, peerID)
}

func (m *ConnectionModel) NumIncoming() int {
	m.mut.Lock()
	defer m.mut.Unlock()
	return len(m.incoming)
}

func (m *ConnectionModel) NumOutgoing() int {
	m.mut.Lock()
	defer m.mut.Unlock()
	return len(m.outgoing)
}

func (m *ConnectionModel) NumConnections() int {
	m.mut.Lock()
	defer m.mut.Unlock()
	return len(m.incoming) + len(m.outgoing)
}

// Outgoing returns the outgoing socket to the peer, if any.
func (m *ConnectionModel) Outgoing(peerID string) (Socket, bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	for _, s := range m.outgoing {
		if s.PeerProperties().ID == peerID {
			return s, true
		}
	}
	return nil, false
}

// CloseAndRemoveOutgoing closes and forgets all outgoing sockets to the
// peer. It reports whether there was any.
func (m *ConnectionModel) CloseAndRemoveOutgoing(peerID string) bool {
	m.mut.Lock()
	var victims []Socket
	for id, s := range m.outgoing {
		if s.PeerProperties().ID == peerID {
			victims = append(victims, s)
			delete(m.outgoing, id)
		}
	}
	m.mut.Unlock()

	closeAll(victims)
	return len(victims) > 0
}

// CloseAndRemoveAllIncoming closes every incoming socket and returns how
// many there were.
func (m *ConnectionModel) CloseAndRemoveAllIncoming() int {
	m.mut.Lock()
	victims := drain(m.incoming)
	m.mut.Unlock()

	closeAll(victims)
	return len(victims)
}

// CloseAndRemoveAllOutgoing closes every outgoing socket and returns how
// many there were.
func (m *ConnectionModel) CloseAndRemoveAllOutgoing() int {
	m.mut.Lock()
	victims := drain(m.outgoing)
	m.mut.Unlock()

	closeAll(victims)
	return len(victims)
}

func (m *ConnectionModel) CloseAndRemoveAll() int {
	return m.CloseAndRemoveAllIncoming() + m.CloseAndRemoveAllOutgoing()
}

// AddPending registers a connect attempt to the peer. It returns false,
// leaving the existing registration in place, if one is already pending.
func (m *ConnectionModel) AddPending(peerID string, cb ConnectCallback) bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	_, loaded := m.pending.LoadOrStore(peerID, &pendingConnect{cb: cb})
	return !loaded
}

// Reserve registers a connect attempt to the peer, counting it against
// max together with the tracked sockets and the other pending attempts.
// It fails with ErrOutgoingExists, ErrPendingExists or ErrLimitReached.
// On success the returned release function drops this registration, and
// only this one, once the attempt is over.
func (m *ConnectionModel) Reserve(peerID string, max int, cb ConnectCallback) (release func(), err error) {
	m.mut.Lock()
	defer m.mut.Unlock()

	if hasPeer(m.outgoing, peerID) {
		return nil, ErrOutgoingExists
	}
	if _, ok := m.pending.Load(peerID); ok {
		return nil, ErrPendingExists
	}
	if len(m.incoming)+len(m.outgoing)+m.pending.Size() >= max {
		return nil, ErrLimitReached
	}
	p := &pendingConnect{cb: cb}
	m.pending.Store(peerID, p)
	return func() {
		m.pending.Compute(peerID, func(old *pendingConnect, loaded bool) (*pendingConnect, bool) {
			return old, !loaded || old == p
		})
	}, nil
}

func (m *ConnectionModel) Pending(peerID string) (ConnectCallback, bool) {
	p, ok := m.pending.Load(peerID)
	if !ok {
		return nil, false
	}
	return p.cb, true
}

// TakePending removes and returns the pending callback for the peer.
func (m *ConnectionModel) TakePending(peerID string) (ConnectCallback, bool) {
	p, ok := m.pending.LoadAndDelete(peerID)
	if !ok {
		return nil, false
	}
	return p.cb, true
}

func (m *ConnectionModel) RemovePending(peerID string) {
	m.pending.Delete(peerID)
}

func (m *ConnectionModel) NumPending() int {
	return m.pending.Size()
}

// Snapshot describes all tracked sockets, incoming first, each group
// ordered by socket ID.
func (m *ConnectionModel) Snapshot() []ConnectionInfo {
	m.mut.Lock()
	socks := make([]Socket, 0, len(m.incoming)+len(m.outgoing))
	in := sortedSockets(m.incoming)
	out := sortedSockets(m.outgoing)
	m.mut.Unlock()

	socks = append(socks, in...)
	socks = append(socks, out...)
	infos := make([]ConnectionInfo, 0, len(socks))
	for _, s := range socks {
		props := s.PeerProperties()
		send, recv := s.Rates()
		infos = append(infos, ConnectionInfo{
			ID:            s.ID(),
			PeerID:        props.ID,
			Generation:    props.Generation,
			Direction:     s.Direction().String(),
			Since:         s.Started(),
			BytesSent:     s.BytesSent(),
			BytesReceived: s.BytesReceived(),
			SendRate:      send,
			ReceiveRate:   recv,
		})
	}
	return infos
}

func (m *ConnectionModel) setFor(dir sockets.Direction) map[string]Socket {
	if dir == sockets.Outgoing {
		return m.outgoing
	}
	return m.incoming
}

func hasPeer(set map[string]Socket, peerID string) bool {
	for _, s := range set {
		if s.PeerProperties().ID == peerID {
			return true
		}
	}
	return false
}

func drain(set map[string]Socket) []Socket {
	victims := make([]Socket, 0, len(set))
	for id, s := range set {
		victims = append(victims, s)
		delete(set, id)
	}
	return victims
}

func sortedSockets(set map[string]Socket) []Socket {
	socks := make([]Socket, 0, len(set))
	for _, s := range set {
		socks = append(socks, s)
	}
	slices.SortFunc(socks, func(a, b Socket) int { return strings.Compare(a.ID(), b.ID()) })
	return socks
}

func closeAll(socks []Socket) {
	for _, s := range socks {
		metricConnectionsActive.WithLabelValues(s.Direction().String()).Dec()
		if err := s.Close(); err != nil {
			slog.Debug("Closing connection", slog.String("socket", s.ID()), slogutil.Error(err))
		}
	}
}
