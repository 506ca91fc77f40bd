// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"time"

	"github.com/thaliproject/thali/internal/db"
	"github.com/thaliproject/thali/lib/config"
	"github.com/thaliproject/thali/lib/connectivity"
	"github.com/thaliproject/thali/lib/discover"
	"github.com/thaliproject/thali/lib/lifecycle"
	"github.com/thaliproject/thali/lib/sockets"
	"github.com/thaliproject/thali/lib/startstop"
	"github.com/thaliproject/thali/lib/transport"
)

const (
	DefaultMaxConnections = 30
	DefaultConnectTimeout = 20 * time.Second
)

// Options configure a Helper. Zero values select defaults.
type Options struct {
	// PeerID is our own peer ID. A fresh one is generated when empty.
	PeerID string

	Transport transport.Options
	// Discovery options; PeerID, Transport and Port are filled in by the
	// helper.
	Discovery discover.Options
	Bridge    sockets.Options

	MaxConnections      int
	ConnectTimeout      time.Duration
	StartStopTimeout    time.Duration
	NetworkPollInterval time.Duration

	ClientName    string
	ClientVersion string

	// Store, when set, remembers discovered peers so that they can be
	// dialed before their next announcement.
	Store *db.PeerStore

	// Connectivity and Lifecycle replace the monitors the helper would
	// otherwise create.
	Connectivity *connectivity.Monitor
	Lifecycle    *lifecycle.Monitor
	// HandleSignals maps OS signals to lifecycle events. Without it the
	// lifecycle monitor only delivers events dispatched by the caller.
	HandleSignals bool
}

func (o Options) withDefaults() Options {
	if o.MaxConnections <= 0 {
		o.MaxConnections = DefaultMaxConnections
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.StartStopTimeout <= 0 {
		o.StartStopTimeout = startstop.DefaultTimeout
	}
	if o.NetworkPollInterval <= 0 {
		o.NetworkPollInterval = connectivity.DefaultInterval
	}
	if o.ClientName == "" {
		o.ClientName = "thali"
	}
	return o
}

// OptionsFromConfig maps the configuration file onto helper options.
func OptionsFromConfig(cfg config.Configuration) Options {
	c := cfg.Connections
	return Options{
		PeerID: cfg.PeerID,
		Transport: transport.Options{
			Kind:             cfg.Transport.Kind,
			ListenAddress:    cfg.Transport.ListenAddress,
			Compression:      cfg.Transport.Compression,
			HandshakeTimeout: cfg.Transport.HandshakeTimeout(),
		},
		Discovery: discover.Options{
			BeaconPort: cfg.Discovery.Port,
			Interval:   cfg.Discovery.BroadcastInterval(),
			CacheSize:  cfg.Discovery.CacheSize,
			Targets:    cfg.Discovery.Targets,
		},
		Bridge: sockets.Options{
			BufferSize:    c.BufferSize,
			AcceptTimeout: c.AcceptTimeout(),
			ListenPort:    c.OutgoingListenPort,
			SendLimit:     c.MaxSendKbps << 10,
			RecvLimit:     c.MaxRecvKbps << 10,
		},
		MaxConnections:      c.MaxConnections,
		ConnectTimeout:      c.ConnectTimeout(),
		StartStopTimeout:    c.StartStopTimeout(),
		NetworkPollInterval: c.NetworkPollInterval(),
	}
}
