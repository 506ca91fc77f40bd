// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/thaliproject/thali/lib/connections"
	"github.com/thaliproject/thali/lib/model"
	"github.com/thaliproject/thali/lib/peer"
	"github.com/thaliproject/thali/lib/startstop"
)

type fakeController struct {
	mut        sync.Mutex
	calls      []string
	startErr   error
	connectErr error
	connected  map[string]bool
}

func (c *fakeController) record(call string) {
	c.mut.Lock()
	c.calls = append(c.calls, call)
	c.mut.Unlock()
}

func (c *fakeController) Start(port int, advertise bool, cb startstop.Callback) {
	c.record(fmt.Sprintf("start %d %v", port, advertise))
	cb(c.startErr)
}

func (c *fakeController) StopListeningForAdvertisements(cb startstop.Callback) {
	c.record("stop advertising")
	cb(nil)
}

func (c *fakeController) StopAdvertisingAndListening(cb startstop.Callback) {
	c.record("stop")
	cb(nil)
}

func (c *fakeController) Connect(_ context.Context, id string) (model.ListenerOrIncomingConnection, error) {
	c.record("connect " + id)
	if c.connectErr != nil {
		return model.ListenerOrIncomingConnection{}, c.connectErr
	}
	return model.NewListener(12345), nil
}

func (c *fakeController) Disconnect(id string) bool {
	c.record("disconnect " + id)
	return c.connected[id]
}

func (c *fakeController) KillConnections() int {
	c.record("kill")
	return 3
}

func (c *fakeController) Status() connections.Status {
	return connections.Status{PeerID: "me", Running: true}
}

func (c *fakeController) Peers() []peer.Properties {
	return nil
}

func (c *fakeController) lastCall() string {
	c.mut.Lock()
	defer c.mut.Unlock()
	if len(c.calls) == 0 {
		return ""
	}
	return c.calls[len(c.calls)-1]
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestControlEndpoints(t *testing.T) {
	t.Parallel()

	id := peer.NewID()
	cases := []struct {
		method, target string
		code           int
		call           string
	}{
		{http.MethodPost, "/rest/start?port=8080", http.StatusOK, "start 8080 true"},
		{http.MethodPost, "/rest/start?port=8080&advertise=false", http.StatusOK, "start 8080 false"},
		{http.MethodPost, "/rest/start?port=x", http.StatusBadRequest, ""},
		{http.MethodPost, "/rest/start?port=1&advertise=maybe", http.StatusBadRequest, ""},
		{http.MethodPost, "/rest/stop", http.StatusOK, "stop"},
		{http.MethodPost, "/rest/stop?advertising=only", http.StatusOK, "stop advertising"},
		{http.MethodPost, "/rest/connect/" + id, http.StatusOK, "connect " + id},
		{http.MethodPost, "/rest/disconnect/" + id, http.StatusOK, "disconnect " + id},
		{http.MethodPost, "/rest/disconnect/other", http.StatusNotFound, "disconnect other"},
		{http.MethodPost, "/rest/kill", http.StatusOK, "kill"},
		{http.MethodGet, "/rest/kill", http.StatusMethodNotAllowed, ""},
	}

	for _, tc := range cases {
		t.Run(tc.method+" "+tc.target, func(t *testing.T) {
			t.Parallel()
			c := &fakeController{connected: map[string]bool{id: true}}
			h := New("", c, NewEventLog(0)).Handler()
			rec := do(t, h, tc.method, tc.target)
			if rec.Code != tc.code {
				t.Errorf("code = %d, want %d (%s)", rec.Code, tc.code, rec.Body)
			}
			if got := c.lastCall(); got != tc.call {
				t.Errorf("call = %q, want %q", got, tc.call)
			}
			if rec.Header().Get(APIVersionHeader) != APIVersion {
				t.Error("missing version header")
			}
		})
	}
}

func TestErrorCodes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		code int
	}{
		{connections.ErrInvalidPeerID, http.StatusBadRequest},
		{connections.ErrPeerNotFound, http.StatusNotFound},
		{connections.ErrAlreadyConnected, http.StatusConflict},
		{connections.ErrNotRunning, http.StatusConflict},
		{connections.ErrAlreadyConnecting, http.StatusConflict},
		{connections.ErrConnectionCancelled, http.StatusConflict},
		{connections.ErrMaxConnections, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: dial", connections.ErrConnectTimeout), http.StatusGatewayTimeout},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		c := &fakeController{connectErr: tc.err}
		rec := do(t, New("", c, NewEventLog(0)).Handler(), http.MethodPost, "/rest/connect/x")
		if rec.Code != tc.code {
			t.Errorf("%v: code = %d, want %d", tc.err, rec.Code, tc.code)
		}
	}

	c := &fakeController{startErr: connections.ErrInvalidPort}
	if rec := do(t, New("", c, NewEventLog(0)).Handler(), http.MethodPost, "/rest/start?port=0"); rec.Code != http.StatusBadRequest {
		t.Errorf("start invalid port: code = %d", rec.Code)
	}
}

func TestStatusAndPeers(t *testing.T) {
	t.Parallel()

	h := New("", &fakeController{}, NewEventLog(0)).Handler()

	rec := do(t, h, http.MethodGet, "/rest/status")
	var st connections.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.PeerID != "me" || !st.Running {
		t.Errorf("status = %+v", st)
	}
	if ct := rec.Header().Get(ContentTypeHeader); ct != JSONContentType {
		t.Errorf("content type = %q", ct)
	}

	rec = do(t, h, http.MethodGet, "/rest/peers")
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("peers = %s", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	rec := do(t, New("", &fakeController{}, NewEventLog(0)).Handler(), http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Errorf("metrics: code %d", rec.Code)
	}
}

func TestEventsEndpoint(t *testing.T) {
	t.Parallel()

	events := NewEventLog(0)
	h := New("", &fakeController{}, events).Handler()
	events.IncomingConnectionToPortNumberFailed(8080)

	rec := do(t, h, http.MethodGet, "/rest/events")
	var evs []Event
	if err := json.Unmarshal(rec.Body.Bytes(), &evs); err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].Type != EventIncomingConnectionToPortNumberFailed || evs[0].ID != 1 {
		t.Fatalf("events = %+v", evs)
	}

	// A request for newer events waits for the next one.
	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- do(t, h, http.MethodGet, "/rest/events?since=1") }()
	time.Sleep(50 * time.Millisecond)
	events.Log("test", "data")
	select {
	case rec := <-done:
		if err := json.Unmarshal(rec.Body.Bytes(), &evs); err != nil {
			t.Fatal(err)
		}
		if len(evs) != 1 || evs[0].ID != 2 || evs[0].Type != "test" {
			t.Errorf("events = %+v", evs)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("events request did not return")
	}

	if rec := do(t, h, http.MethodGet, "/rest/events?since=x"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad since: code %d", rec.Code)
	}
}

func TestServiceServe(t *testing.T) {
	t.Parallel()

	s := New("127.0.0.1:0", &fakeController{}, NewEventLog(0))
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for s.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("service did not bind")
		}
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.Get("http://" + s.Addr().String() + StatusEndpoint)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status code = %d", resp.StatusCode)
	}

	cancel()
	select {
	case <-errc:
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return")
	}
}
