// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package lifecycle tracks the host application's lifecycle and tells
// listeners when it is paused, resumed or destroyed.
package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
)

// Event is a lifecycle transition of the host application.
type Event int

const (
	Created Event = iota
	Started
	Resumed
	Paused
	Stopped
	SaveInstanceState
	Destroyed
)

func (e Event) String() string {
	switch e {
	case Created:
		return "created"
	case Started:
		return "started"
	case Resumed:
		return "resumed"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	case SaveInstanceState:
		return "saveInstanceState"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

func (e Event) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// Listener is notified of lifecycle events.
type Listener interface {
	LifecycleEvent(ev Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ev Event)

func (f ListenerFunc) LifecycleEvent(ev Event) { f(ev) }

// Monitor fans lifecycle events out to its listeners. Events are only
// delivered between Start and Stop.
type Monitor struct {
	mut       sync.Mutex
	started   bool
	listeners []Listener
	last      Event
	seen      bool

	sigs map[os.Signal][]Event
}

func NewMonitor() *Monitor {
	return &Monitor{sigs: defaultSignalMap()}
}

func (m *Monitor) String() string {
	return "lifecycle.Monitor"
}

func (m *Monitor) AddListener(l Listener) {
	m.mut.Lock()
	m.listeners = append(m.listeners, l)
	m.mut.Unlock()
}

// Start enables event delivery. It returns false if the monitor was
// already started.
func (m *Monitor) Start() bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	if m.started {
		return false
	}
	m.started = true
	return true
}

// Stop disables event delivery.
func (m *Monitor) Stop() {
	m.mut.Lock()
	m.started = false
	m.mut.Unlock()
}

func (m *Monitor) IsStarted() bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.started
}

// Last returns the most recently dispatched event.
func (m *Monitor) Last() (Event, bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.last, m.seen
}

// Dispatch delivers ev to all listeners. It is a no-op when the monitor
// is not started.
func (m *Monitor) Dispatch(ev Event) {
	m.mut.Lock()
	if !m.started {
		m.mut.Unlock()
		return
	}
	m.last, m.seen = ev, true
	ls := append([]Listener(nil), m.listeners...)
	m.mut.Unlock()

	slog.Debug("Lifecycle event", slog.String("event", ev.String()))
	for _, l := range ls {
		l.LifecycleEvent(ev)
	}
}

// Serve starts the monitor, dispatches Created, Started and Resumed, then
// maps OS signals to lifecycle events until the context is cancelled.
func (m *Monitor) Serve(ctx context.Context) error {
	m.Start()
	defer m.Stop()

	for _, ev := range []Event{Created, Started, Resumed} {
		m.Dispatch(ev)
	}

	sigs := make([]os.Signal, 0, len(m.sigs))
	for s := range m.sigs {
		sigs = append(sigs, s)
	}
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, sigs...)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-ch:
			m.handleSignal(s)
		}
	}
}

func (m *Monitor) handleSignal(s os.Signal) {
	for _, ev := range m.sigs[s] {
		m.Dispatch(ev)
	}
}
