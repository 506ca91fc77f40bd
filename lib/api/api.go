// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thaliproject/thali/internal/slogutil"
	"github.com/thaliproject/thali/lib/connections"
	"github.com/thaliproject/thali/lib/model"
	"github.com/thaliproject/thali/lib/peer"
	"github.com/thaliproject/thali/lib/startstop"
)

const (
	// maxEventWait bounds how long an events request waits for news.
	maxEventWait    = 60 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Controller is the part of the connection helper the API drives.
type Controller interface {
	Start(serverPort int, advertise bool, cb startstop.Callback)
	StopListeningForAdvertisements(cb startstop.Callback)
	StopAdvertisingAndListening(cb startstop.Callback)
	Connect(ctx context.Context, peerID string) (model.ListenerOrIncomingConnection, error)
	Disconnect(peerID string) bool
	KillConnections() int
	Status() connections.Status
	Peers() []peer.Properties
}

// Service serves the control API until its context is cancelled.
type Service struct {
	address    string
	controller Controller
	events     *EventLog

	mut  sync.Mutex
	addr net.Addr
}

func New(address string, c Controller, events *EventLog) *Service {
	return &Service{address: address, controller: c, events: events}
}

func (s *Service) String() string {
	return fmt.Sprintf("api.Service@%s", s.address)
}

// Addr returns the bound address once serving.
func (s *Service) Addr() net.Addr {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.addr
}

func (s *Service) Serve(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.address)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.mut.Lock()
	s.addr = ln.Addr()
	s.mut.Unlock()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	slog.InfoContext(ctx, "Control API listening", slogutil.Address(ln.Addr()))

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return fmt.Errorf("api serve: %w", err)
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		slog.WarnContext(ctx, "Error when shutting down control API", slogutil.Error(err))
	}
	return ctx.Err()
}

// Handler returns the API routes.
func (s *Service) Handler() http.Handler {
	r := httprouter.New()
	r.POST(StartEndpoint, s.postStart)
	r.POST(StopEndpoint, s.postStop)
	r.POST(ConnectEndpoint+"/:peer", s.postConnect)
	r.POST(DisconnectEndpoint+"/:peer", s.postDisconnect)
	r.POST(KillEndpoint, s.postKill)
	r.GET(StatusEndpoint, s.getStatus)
	r.GET(PeersEndpoint, s.getPeers)
	r.GET(EventsEndpoint, s.getEvents)
	r.Handler(http.MethodGet, MetricsEndpoint, promhttp.Handler())
	return withVersionHeader(r)
}

func withVersionHeader(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(APIVersionHeader, APIVersion)
		h.ServeHTTP(w, r)
	})
}

// wait runs an asynchronous start/stop request and waits for its result.
func wait(ctx context.Context, fn func(startstop.Callback)) error {
	errc := make(chan error, 1)
	fn(func(err error) { errc <- err })
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) postStart(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	port, err := strconv.Atoi(q.Get(PortParam))
	if err != nil {
		http.Error(w, "invalid port", http.StatusBadRequest)
		return
	}
	advertise := true
	if v := q.Get(AdvertiseParam); v != "" {
		advertise, err = strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "invalid advertise flag", http.StatusBadRequest)
			return
		}
	}
	err = wait(r.Context(), func(cb startstop.Callback) { s.controller.Start(port, advertise, cb) })
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, s.controller.Status())
}

func (s *Service) postStop(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	stop := s.controller.StopAdvertisingAndListening
	if r.URL.Query().Get(AdvertisingParam) == AdvertisingOnly {
		stop = s.controller.StopListeningForAdvertisements
	}
	if err := wait(r.Context(), stop); err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, s.controller.Status())
}

func (s *Service) postConnect(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	res, err := s.controller.Connect(r.Context(), ps.ByName("peer"))
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, res)
}

func (s *Service) postDisconnect(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	if !s.controller.Disconnect(ps.ByName("peer")) {
		http.Error(w, "no such connection", http.StatusNotFound)
		return
	}
	sendJSON(w, map[string]bool{"disconnected": true})
}

func (s *Service) postKill(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	sendJSON(w, map[string]int{"killed": s.controller.KillConnections()})
}

func (s *Service) getStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	sendJSON(w, s.controller.Status())
}

func (s *Service) getPeers(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	peers := s.controller.Peers()
	if peers == nil {
		peers = []peer.Properties{}
	}
	sendJSON(w, peers)
}

func (s *Service) getEvents(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	since, err := intParam(q.Get(SinceParam))
	if err != nil {
		http.Error(w, "invalid since", http.StatusBadRequest)
		return
	}
	limit, err := intParam(q.Get(LimitParam))
	if err != nil {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), maxEventWait)
	defer cancel()
	evs := s.events.Since(ctx, since, limit)
	if evs == nil {
		evs = []Event{}
	}
	sendJSON(w, evs)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set(ContentTypeHeader, JSONContentType)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Debug("Failed to encode API response", slogutil.Error(err))
	}
}

// sendError maps helper errors onto HTTP status codes.
func sendError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, connections.ErrInvalidPort), errors.Is(err, connections.ErrInvalidPeerID):
		code = http.StatusBadRequest
	case errors.Is(err, connections.ErrPeerNotFound):
		code = http.StatusNotFound
	case errors.Is(err, connections.ErrAlreadyConnecting), errors.Is(err, connections.ErrAlreadyConnected),
		errors.Is(err, connections.ErrNotRunning), errors.Is(err, connections.ErrConnectionCancelled):
		code = http.StatusConflict
	case errors.Is(err, connections.ErrMaxConnections):
		code = http.StatusServiceUnavailable
	case errors.Is(err, connections.ErrConnectTimeout), errors.Is(err, startstop.ErrOperationTimeout),
		errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	http.Error(w, err.Error(), code)
}
