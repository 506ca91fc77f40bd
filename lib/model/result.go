// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package model

import (
	"encoding/json"
)

// ListenerOrIncomingConnection is the result of a connect call. Either
// ListeningPort is set, and the application should connect to that local
// port to reach the peer, or ClientPort and ServerPort describe an
// incoming connection that is being reused for the peer.
type ListenerOrIncomingConnection struct {
	ListeningPort int `json:"listeningPort"`
	ClientPort    int `json:"clientPort"`
	ServerPort    int `json:"serverPort"`
}

// NewListener returns a listener result.
func NewListener(port int) ListenerOrIncomingConnection {
	return ListenerOrIncomingConnection{ListeningPort: port}
}

// NewIncomingConnection returns an incoming-connection result.
func NewIncomingConnection(clientPort, serverPort int) ListenerOrIncomingConnection {
	return ListenerOrIncomingConnection{ClientPort: clientPort, ServerPort: serverPort}
}

// IsListener reports whether the result carries a listening port.
func (r ListenerOrIncomingConnection) IsListener() bool {
	return r.ListeningPort != 0
}

// String returns the JSON form handed to the application.
func (r ListenerOrIncomingConnection) String() string {
	bs, err := json.Marshal(r)
	if err != nil {
		return "{}"
	}
	return string(bs)
}
