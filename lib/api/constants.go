// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package api serves the local control API. The constants are shared
// with the generated Node module used by JavaScript applications.
package api

const (
	// Control endpoints
	StartEndpoint      = "/rest/start"
	StopEndpoint       = "/rest/stop"
	ConnectEndpoint    = "/rest/connect"
	DisconnectEndpoint = "/rest/disconnect"
	KillEndpoint       = "/rest/kill"

	// Status endpoints
	StatusEndpoint  = "/rest/status"
	PeersEndpoint   = "/rest/peers"
	EventsEndpoint  = "/rest/events"
	MetricsEndpoint = "/metrics"

	// Query parameters
	PortParam        = "port"
	AdvertiseParam   = "advertise"
	AdvertisingParam = "advertising"
	SinceParam       = "since"
	LimitParam       = "limit"
	AdvertisingOnly  = "only"

	// Default ports
	DefaultAPIPort       = 21036
	DefaultDiscoveryPort = 21035

	// Headers
	ContentTypeHeader = "Content-Type"
	JSONContentType   = "application/json"
	APIVersionHeader  = "X-API-Version"
	APIVersion        = "1.0.0"

	// Event types
	EventPeerAvailabilityChanged              = "peerAvailabilityChanged"
	EventDiscoveryAdvertisingStateUpdate      = "discoveryAdvertisingStateUpdate"
	EventNetworkChanged                       = "networkChanged"
	EventIncomingConnectionToPortNumberFailed = "incomingConnectionToPortNumberFailed"
	EventLifecycle                            = "lifecycle"
)
