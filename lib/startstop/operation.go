// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package startstop serialises start and stop requests for the connection
// and discovery managers and reports when each request took effect.
package startstop

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotInTargetState is wrapped by the errors returned from
// Operation.IsTargetState.
var ErrNotInTargetState = errors.New("not in target state")

// ManagerState is the state of the connection or the discovery manager.
type ManagerState int

const (
	NotStarted ManagerState = iota
	WaitingForServicesToBeEnabled
	Running
)

func (s ManagerState) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case WaitingForServicesToBeEnabled:
		return "waiting-for-services-to-be-enabled"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("unknown-state-%d", int(s))
	}
}

// MarshalText renders the state name, for status reporting.
func (s ManagerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s ManagerState) active() bool {
	return s == Running || s == WaitingForServicesToBeEnabled
}

// State is the combined state an operation is checked against.
type State struct {
	ConnectionManager ManagerState `json:"connectionManager"`
	DiscoveryManager  ManagerState `json:"discoveryManager"`
	IsDiscovering     bool         `json:"isDiscovering"`
	IsAdvertising     bool         `json:"isAdvertising"`
}

// Callback receives nil once an operation reached its target state, or
// the reason it did not.
type Callback func(err error)

// Operation is a single start or stop request.
type Operation struct {
	start           bool
	advertise       bool
	onlyAdvertising bool
	cb              Callback
	created         time.Time
}

// NewStartOperation requests that listening and discovery run, with
// advertising on or off as given.
func NewStartOperation(advertise bool, cb Callback) *Operation {
	return &Operation{start: true, advertise: advertise, cb: cb, created: time.Now()}
}

// NewStopOperation requests that everything stops, or only advertising
// when onlyAdvertising is set.
func NewStopOperation(onlyAdvertising bool, cb Callback) *Operation {
	return &Operation{onlyAdvertising: onlyAdvertising, cb: cb, created: time.Now()}
}

func (o *Operation) IsStart() bool {
	return o.start
}

func (o *Operation) Advertise() bool {
	return o.advertise
}

func (o *Operation) OnlyAdvertising() bool {
	return o.onlyAdvertising
}

func (o *Operation) CreatedAt() time.Time {
	return o.created
}

func (o *Operation) String() string {
	switch {
	case o.start:
		return fmt.Sprintf("start (advertise=%v)", o.advertise)
	case o.onlyAdvertising:
		return "stop advertising"
	default:
		return "stop"
	}
}

// IsTargetState returns nil if st satisfies the operation, otherwise an
// error wrapping ErrNotInTargetState naming the first unmet condition.
func (o *Operation) IsTargetState(st State) error {
	switch {
	case o.start:
		if !st.ConnectionManager.active() {
			return fmt.Errorf("%w: connection manager is %v", ErrNotInTargetState, st.ConnectionManager)
		}
		if !st.DiscoveryManager.active() {
			return fmt.Errorf("%w: discovery manager is %v", ErrNotInTargetState, st.DiscoveryManager)
		}
		if !st.IsDiscovering && st.DiscoveryManager == Running {
			return fmt.Errorf("%w: not discovering", ErrNotInTargetState)
		}
		if st.IsAdvertising != o.advertise && st.DiscoveryManager == Running {
			return fmt.Errorf("%w: advertising is %v, want %v", ErrNotInTargetState, st.IsAdvertising, o.advertise)
		}
		return nil

	case o.onlyAdvertising:
		if st.IsAdvertising {
			return fmt.Errorf("%w: still advertising", ErrNotInTargetState)
		}
		return nil

	default:
		if st.ConnectionManager != NotStarted {
			return fmt.Errorf("%w: connection manager is %v", ErrNotInTargetState, st.ConnectionManager)
		}
		if st.DiscoveryManager != NotStarted {
			return fmt.Errorf("%w: discovery manager is %v", ErrNotInTargetState, st.DiscoveryManager)
		}
		return nil
	}
}
