// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"context"
	"sync"
	"time"

	"github.com/thaliproject/thali/lib/connections"
	"github.com/thaliproject/thali/lib/connectivity"
	"github.com/thaliproject/thali/lib/discover"
	"github.com/thaliproject/thali/lib/lifecycle"
)

const DefaultEventBufferSize = 1000

// Event is one helper event as served by the events endpoint. IDs start
// at one and increase by one per event.
type Event struct {
	ID   int       `json:"id"`
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// EventLog keeps the most recent helper events in a ring buffer. It is a
// connections.Listener.
type EventLog struct {
	mut    sync.Mutex
	buf    []Event
	next   int // index in buf the next event goes to
	full   bool
	lastID int
	notify chan struct{}
}

var _ connections.Listener = (*EventLog)(nil)

func NewEventLog(size int) *EventLog {
	if size <= 0 {
		size = DefaultEventBufferSize
	}
	return &EventLog{buf: make([]Event, size), notify: make(chan struct{})}
}

// Log appends an event, overwriting the oldest one when the buffer is
// full, and wakes up waiting readers.
func (l *EventLog) Log(typ string, data any) Event {
	l.mut.Lock()
	defer l.mut.Unlock()
	l.lastID++
	ev := Event{ID: l.lastID, Type: typ, Time: time.Now(), Data: data}
	l.buf[l.next] = ev
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
	close(l.notify)
	l.notify = make(chan struct{})
	return ev
}

// Since returns the events with IDs greater than since, oldest first,
// keeping only the most recent limit of them. A limit of zero or less
// means no limit. When there are none it waits for one or for ctx to be
// done.
func (l *EventLog) Since(ctx context.Context, since, limit int) []Event {
	for {
		l.mut.Lock()
		evs := l.sinceLocked(since, limit)
		notify := l.notify
		l.mut.Unlock()
		if len(evs) > 0 {
			return evs
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *EventLog) sinceLocked(since, limit int) []Event {
	var ordered []Event
	if l.full {
		ordered = append(ordered, l.buf[l.next:]...)
	}
	ordered = append(ordered, l.buf[:l.next]...)

	var res []Event
	for _, ev := range ordered {
		if ev.ID > since {
			res = append(res, ev)
		}
	}
	if limit > 0 && len(res) > limit {
		res = res[len(res)-limit:]
	}
	return res
}

// LastID returns the ID of the most recent event, or zero.
func (l *EventLog) LastID() int {
	l.mut.Lock()
	defer l.mut.Unlock()
	return l.lastID
}

func (l *EventLog) PeerAvailabilityChanged(a discover.Availability) {
	l.Log(EventPeerAvailabilityChanged, a)
}

func (l *EventLog) DiscoveryAdvertisingStateUpdate(st connections.DiscoveryAdvertisingState) {
	l.Log(EventDiscoveryAdvertisingStateUpdate, st)
}

func (l *EventLog) NetworkChanged(st connectivity.NetworkStatus) {
	l.Log(EventNetworkChanged, st)
}

func (l *EventLog) IncomingConnectionToPortNumberFailed(port int) {
	l.Log(EventIncomingConnectionToPortNumberFailed, map[string]int{"portNumber": port})
}

func (l *EventLog) LifecycleEvent(ev lifecycle.Event) {
	l.Log(EventLifecycle, map[string]lifecycle.Event{"event": ev})
}
