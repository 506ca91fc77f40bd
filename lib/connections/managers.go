// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"log/slog"
	"sync"

	"github.com/thaliproject/thali/internal/slogutil"
	"github.com/thaliproject/thali/lib/discover"
	"github.com/thaliproject/thali/lib/startstop"
	"github.com/thaliproject/thali/lib/svcutil"
	"github.com/thaliproject/thali/lib/transport"
)

// managers drives the transport listener and the discovery manager for
// start/stop operations. It remembers what was requested so that the
// services can be brought back once the peer network returns; while the
// network is gone requested services are reported as waiting.
type managers struct {
	transport *transport.Listener
	discovery *discover.Manager

	mut           sync.Mutex
	serving       *svcutil.Session
	networkUp     bool
	wantListening bool
	wantDiscovery bool
	wantAdvertise bool
}

func newManagers(tl *transport.Listener, dm *discover.Manager) *managers {
	return &managers{transport: tl, discovery: dm, networkUp: true}
}

func (m *managers) StartListening() error {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.wantListening = true
	if !m.networkUp {
		return nil
	}
	return m.startListeningLocked()
}

func (m *managers) startListeningLocked() error {
	if m.serving != nil {
		return nil
	}
	// Bind synchronously so that the port is known before discovery
	// starts announcing it.
	if err := m.transport.Listen(); err != nil {
		return err
	}
	m.serving = svcutil.StartSession("transport", svcutil.SpecWithDebugLogger(), m.transport)
	return nil
}

func (m *managers) StopListening() {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.wantListening = false
	m.stopListeningLocked()
}

func (m *managers) stopListeningLocked() {
	if m.serving == nil {
		return
	}
	m.serving.Stop()
	m.serving = nil
	_ = m.transport.Close()
}

func (m *managers) StartDiscovery(advertise bool) error {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.wantDiscovery = true
	m.wantAdvertise = advertise
	if !m.networkUp {
		return nil
	}
	return m.startDiscoveryLocked()
}

func (m *managers) startDiscoveryLocked() error {
	if err := m.discovery.StartListening(); err != nil {
		return err
	}
	if m.wantAdvertise {
		return m.discovery.StartAdvertising()
	}
	return nil
}

func (m *managers) StopAdvertising() {
	m.mut.Lock()
	m.wantAdvertise = false
	m.mut.Unlock()
	m.discovery.StopAdvertising()
}

func (m *managers) StopDiscovery() {
	m.mut.Lock()
	m.wantDiscovery = false
	m.wantAdvertise = false
	m.mut.Unlock()
	m.discovery.Stop()
}

func (m *managers) State() startstop.State {
	m.mut.Lock()
	defer m.mut.Unlock()

	var st startstop.State
	switch {
	case m.serving != nil:
		st.ConnectionManager = startstop.Running
	case m.wantListening && !m.networkUp:
		st.ConnectionManager = startstop.WaitingForServicesToBeEnabled
	}
	switch {
	case m.discovery.IsDiscovering():
		st.DiscoveryManager = startstop.Running
	case m.wantDiscovery && !m.networkUp:
		st.DiscoveryManager = startstop.WaitingForServicesToBeEnabled
	}
	st.IsDiscovering = m.discovery.IsDiscovering()
	st.IsAdvertising = m.discovery.IsAdvertising()
	return st
}

// listening reports whether peer connections are being accepted.
func (m *managers) listening() bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.serving != nil
}

// setNetwork stops the running services when the peer network goes away
// and restarts the requested ones when it comes back. It returns whether
// anything changed.
func (m *managers) setNetwork(up bool) bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	if up == m.networkUp {
		return false
	}
	m.networkUp = up

	if !up {
		slog.Info("Peer network unavailable, waiting for it to return")
		m.stopListeningLocked()
		m.discovery.Stop()
		return true
	}

	slog.Info("Peer network available again")
	if m.wantListening {
		if err := m.startListeningLocked(); err != nil {
			slog.Warn("Failed to restart listening", slogutil.Error(err))
		}
	}
	if m.wantDiscovery {
		if err := m.startDiscoveryLocked(); err != nil {
			slog.Warn("Failed to restart discovery", slogutil.Error(err))
		}
	}
	return true
}

// shutdown stops everything and forgets what was requested.
func (m *managers) shutdown() {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.wantListening, m.wantDiscovery, m.wantAdvertise = false, false, false
	m.stopListeningLocked()
	m.discovery.Stop()
}
