// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connections ties discovery, the peer transport and the socket
// bridges together into the API the application uses: start and stop
// being discoverable, connect to discovered peers, and get told about
// peers, the network and the application lifecycle.
package connections

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/thejerf/suture/v4"

	"github.com/thaliproject/thali/internal/slogutil"
	"github.com/thaliproject/thali/lib/connectivity"
	"github.com/thaliproject/thali/lib/discover"
	"github.com/thaliproject/thali/lib/lifecycle"
	"github.com/thaliproject/thali/lib/model"
	"github.com/thaliproject/thali/lib/peer"
	"github.com/thaliproject/thali/lib/sockets"
	"github.com/thaliproject/thali/lib/startstop"
	"github.com/thaliproject/thali/lib/svcutil"
	"github.com/thaliproject/thali/lib/transport"
)

var (
	ErrInvalidPort         = errors.New("server port out of range")
	ErrNotRunning          = errors.New("not running")
	ErrInvalidPeerID       = errors.New("invalid peer ID")
	ErrAlreadyConnecting   = errors.New("already connecting to peer")
	ErrAlreadyConnected    = errors.New("already connected to peer")
	ErrMaxConnections      = errors.New("maximum number of connections reached")
	ErrPeerNotFound        = errors.New("peer not found")
	ErrConnectTimeout      = errors.New("connect timed out")
	ErrConnectionCancelled = errors.New("connect cancelled")
)

// DiscoveryAdvertisingState tells the application whether it is
// discovering peers and being discovered.
type DiscoveryAdvertisingState struct {
	DiscoveryActive   bool `json:"discoveryActive"`
	AdvertisingActive bool `json:"advertisingActive"`
}

// Listener receives the helper's events. Calls are made from internal
// goroutines and must not block for long.
type Listener interface {
	PeerAvailabilityChanged(a discover.Availability)
	DiscoveryAdvertisingStateUpdate(st DiscoveryAdvertisingState)
	NetworkChanged(st connectivity.NetworkStatus)
	// IncomingConnectionToPortNumberFailed is called when a peer connected
	// to us but the application's server port could not be reached.
	IncomingConnectionToPortNumberFailed(port int)
	LifecycleEvent(ev lifecycle.Event)
}

// Helper is the connection layer. It is a supervisor; serve it to run
// discovery, the start/stop handler and the monitors.
type Helper struct {
	*suture.Supervisor

	opts      Options
	listener  Listener
	model     *model.ConnectionModel
	discovery *discover.Manager
	transport *transport.Listener
	dialer    *transport.Dialer
	handler   *startstop.Handler
	managers  *managers
	network   *connectivity.Monitor
	lifecycle *lifecycle.Monitor

	mut        sync.Mutex
	serverPort int
	lastState  DiscoveryAdvertisingState
}

// NewHelper creates a helper reporting to l, which may be nil.
func NewHelper(opts Options, l Listener) (*Helper, error) {
	opts = opts.withDefaults()
	if opts.PeerID == "" {
		opts.PeerID = peer.NewID()
	}
	id, err := peer.CanonicalID(opts.PeerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPeerID, err)
	}
	opts.PeerID = id

	h := &Helper{
		Supervisor: suture.New("connections.Helper", svcutil.SpecWithInfoLogger()),
		opts:       opts,
		listener:   l,
		model:      model.NewConnectionModel(),
	}

	h.transport, err = transport.NewListener(opts.Transport, h.hello, h.handleIncoming)
	if err != nil {
		return nil, err
	}
	h.dialer, err = transport.NewDialer(opts.Transport, h.hello)
	if err != nil {
		return nil, err
	}

	dopts := opts.Discovery
	dopts.PeerID = opts.PeerID
	dopts.Transport = h.transport.Kind()
	dopts.Port = h.transport.Port
	h.discovery = discover.NewManager(dopts, discover.ListenerFunc(h.peerAvailabilityChanged))

	h.managers = newManagers(h.transport, h.discovery)
	h.handler = startstop.NewHandler(h.managers, opts.StartStopTimeout)

	h.network = opts.Connectivity
	if h.network == nil {
		h.network = connectivity.NewMonitor(opts.NetworkPollInterval)
	}
	h.network.AddListener(connectivity.ListenerFunc(h.networkChanged))

	h.lifecycle = opts.Lifecycle
	if h.lifecycle == nil {
		h.lifecycle = lifecycle.NewMonitor()
	}
	h.lifecycle.AddListener(lifecycle.ListenerFunc(h.lifecycleEvent))

	h.Add(h.discovery)
	h.Add(h.handler)
	h.Add(h.network)
	if opts.HandleSignals {
		h.Add(h.lifecycle)
	} else {
		h.lifecycle.Start()
	}
	svcutil.OnSupervisorDone(h.Supervisor, h.shutdown)

	return h, nil
}

func (h *Helper) String() string {
	return fmt.Sprintf("connections.Helper@%s", h.opts.PeerID)
}

// PeerID returns our own peer ID.
func (h *Helper) PeerID() string {
	return h.opts.PeerID
}

// Start makes the helper listen for peer connections, relayed to the
// application on serverPort, and discover peers. Advertising is turned
// on or off as requested; starting again with advertising while already
// advertising bumps the generation so that peers notice a change. cb is
// called once the target state is reached, or with the reason it was not.
func (h *Helper) Start(serverPort int, advertise bool, cb startstop.Callback) {
	if serverPort <= 0 || serverPort > 65535 {
		if cb != nil {
			cb(fmt.Errorf("%w: %d", ErrInvalidPort, serverPort))
		}
		return
	}

	h.mut.Lock()
	h.serverPort = serverPort
	h.mut.Unlock()

	if advertise && h.discovery.IsAdvertising() {
		gen := h.discovery.Generation() + 1
		h.discovery.SetGeneration(gen)
		slog.Info("Advertising new generation", slog.Int("generation", gen))
	}
	h.handler.ExecuteStart(advertise, h.wrap(cb))
}

// StopListeningForAdvertisements stops advertising. Discovery and
// listening for peer connections continue.
func (h *Helper) StopListeningForAdvertisements(cb startstop.Callback) {
	h.handler.ExecuteStop(true, h.wrap(cb))
}

// StopAdvertisingAndListening stops discovery and listening. Existing
// connections are left alone; use KillConnections for those.
func (h *Helper) StopAdvertisingAndListening(cb startstop.Callback) {
	h.handler.ExecuteStop(false, h.wrap(cb))
}

func (h *Helper) wrap(cb startstop.Callback) startstop.Callback {
	return func(err error) {
		h.reportDiscoveryState()
		if cb != nil {
			cb(err)
		}
	}
}

// IsRunning reports whether the helper is accepting peer connections.
func (h *Helper) IsRunning() bool {
	return h.managers.listening()
}

// ServerPort returns the application port incoming connections are
// relayed to.
func (h *Helper) ServerPort() int {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.serverPort
}

// ListeningPort returns the port peers connect to, or 0.
func (h *Helper) ListeningPort() int {
	return h.transport.Port()
}

func (h *Helper) HasMaximumNumberOfConnections() bool {
	return h.model.NumConnections() >= h.opts.MaxConnections
}

// Peers returns the currently discovered peers.
func (h *Helper) Peers() []peer.Properties {
	return h.discovery.Peers()
}

// Connect opens a connection to the given peer and returns the local
// port the application should connect to in order to reach it.
func (h *Helper) Connect(ctx context.Context, peerID string) (res model.ListenerOrIncomingConnection, err error) {
	defer func() {
		result := "success"
		if err != nil {
			result = "failure"
		}
		metricConnects.WithLabelValues(result).Inc()
	}()

	id, err := peer.CanonicalID(peerID)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrInvalidPeerID, err)
	}
	if !h.IsRunning() {
		return res, ErrNotRunning
	}

	ctx, cancel := context.WithTimeout(ctx, h.opts.ConnectTimeout)
	defer cancel()
	var cancelled atomic.Bool
	release, err := h.model.Reserve(id, h.opts.MaxConnections, func(model.ListenerOrIncomingConnection, error) {
		cancelled.Store(true)
		cancel()
	})
	switch {
	case errors.Is(err, model.ErrOutgoingExists):
		return res, fmt.Errorf("%w %s", ErrAlreadyConnected, id)
	case errors.Is(err, model.ErrPendingExists):
		return res, fmt.Errorf("%w %s", ErrAlreadyConnecting, id)
	case errors.Is(err, model.ErrLimitReached):
		return res, ErrMaxConnections
	case err != nil:
		return res, err
	}
	// The reservation is released only after the bridge is tracked, so the
	// slot is never free in between.
	defer release()

	props, ok := h.lookup(id)
	if !ok {
		return res, fmt.Errorf("%w: %s", ErrPeerNotFound, id)
	}

	l := slog.With(slogutil.PeerID(id), slog.String("address", props.Address))
	l.DebugContext(ctx, "Connecting to peer")

	var conn *transport.Conn
	err = RetryAdaptive(ctx, func(ctx context.Context) error {
		metricDialAttempts.Inc()
		c, err := h.dialer.Dial(ctx, props)
		if err != nil {
			cat := categorizeError(err)
			metricDialFailures.WithLabelValues(cat.String()).Inc()
			l.DebugContext(ctx, "Dial failed", slog.String("category", cat.String()), slogutil.Error(err))
			if !cat.Retryable() {
				return Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	})
	if err == nil && cancelled.Load() {
		conn.Close()
		err = ctx.Err()
	}
	if err != nil {
		switch {
		case cancelled.Load():
			err = ErrConnectionCancelled
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			err = fmt.Errorf("%w: %w", ErrConnectTimeout, err)
		}
		l.InfoContext(ctx, "Failed to connect to peer", slogutil.Error(err))
		return res, err
	}

	if h.opts.Store != nil {
		if err := h.opts.Store.Remember(conn.PeerProperties()); err != nil {
			l.Warn("Failed to remember peer", slogutil.Error(err))
		}
	}

	b := sockets.NewOutgoingBridge(conn, conn.PeerProperties(), bridgeListener{h}, h.opts.Bridge)
	h.model.Add(b)
	if err := b.Start(ctx); err != nil {
		h.model.Remove(b.ID())
		metricBridges.WithLabelValues(sockets.Outgoing.String(), outcomeFailed).Inc()
		if cancelled.Load() {
			err = ErrConnectionCancelled
		}
		return res, err
	}
	if cancelled.Load() {
		h.model.Remove(b.ID())
		b.Close()
		metricBridges.WithLabelValues(sockets.Outgoing.String(), outcomeClosed).Inc()
		return res, ErrConnectionCancelled
	}
	l.InfoContext(ctx, "Connected to peer", slogutil.Port(b.ListeningPort()), slog.Bool("compressed", conn.Compressed()))
	return model.NewListener(b.ListeningPort()), nil
}

// lookup finds where the peer can be reached, preferring a fresh
// announcement over what was remembered.
func (h *Helper) lookup(id string) (peer.Properties, bool) {
	if props, ok := h.discovery.Lookup(id); ok {
		return props, true
	}
	if h.opts.Store == nil {
		return peer.Properties{}, false
	}
	props, ok, err := h.opts.Store.Lookup(id)
	if err != nil {
		slog.Warn("Failed to look up remembered peer", slogutil.PeerID(id), slogutil.Error(err))
		return peer.Properties{}, false
	}
	return props, ok
}

// Disconnect closes the outgoing connection to the peer, or cancels a
// connect in progress. It reports whether there was anything to close.
func (h *Helper) Disconnect(peerID string) bool {
	id, err := peer.CanonicalID(peerID)
	if err != nil {
		return false
	}
	if cb, ok := h.model.TakePending(id); ok {
		cb(model.ListenerOrIncomingConnection{}, ErrConnectionCancelled)
		return true
	}
	if h.model.CloseAndRemoveOutgoing(id) {
		metricBridges.WithLabelValues(sockets.Outgoing.String(), outcomeClosed).Inc()
		slog.Info("Disconnected from peer", slogutil.PeerID(id))
		return true
	}
	return false
}

// KillConnections closes all incoming and outgoing connections and
// returns how many there were.
func (h *Helper) KillConnections() int {
	in := h.model.CloseAndRemoveAllIncoming()
	out := h.model.CloseAndRemoveAllOutgoing()
	metricBridges.WithLabelValues(sockets.Incoming.String(), outcomeClosed).Add(float64(in))
	metricBridges.WithLabelValues(sockets.Outgoing.String(), outcomeClosed).Add(float64(out))
	if in+out > 0 {
		slog.Info("Killed connections", slog.Int("incoming", in), slog.Int("outgoing", out))
	}
	return in + out
}

// Status is a point in time view of the helper.
type Status struct {
	PeerID          string                     `json:"peerIdentifier"`
	Generation      int                        `json:"generation"`
	Running         bool                       `json:"running"`
	Transport       string                     `json:"transport"`
	ListeningPort   int                        `json:"listeningPort"`
	ServerPort      int                        `json:"serverPort"`
	State           startstop.State            `json:"state"`
	Network         connectivity.NetworkStatus `json:"network"`
	Connections     []model.ConnectionInfo     `json:"connections"`
	PendingConnects int                        `json:"pendingConnects"`
	MaxConnections  int                        `json:"maxConnections"`
}

func (h *Helper) Status() Status {
	return Status{
		PeerID:          h.opts.PeerID,
		Generation:      h.discovery.Generation(),
		Running:         h.IsRunning(),
		Transport:       h.transport.Kind(),
		ListeningPort:   h.ListeningPort(),
		ServerPort:      h.ServerPort(),
		State:           h.managers.State(),
		Network:         h.network.Status(),
		Connections:     h.model.Snapshot(),
		PendingConnects: h.model.NumPending(),
		MaxConnections:  h.opts.MaxConnections,
	}
}

func (h *Helper) hello() transport.Hello {
	return transport.Hello{
		PeerID:        h.opts.PeerID,
		Generation:    h.discovery.Generation(),
		ClientName:    h.opts.ClientName,
		ClientVersion: h.opts.ClientVersion,
	}
}

func (h *Helper) handleIncoming(c *transport.Conn) {
	props := c.PeerProperties()
	l := slog.With(slogutil.PeerID(props.ID), slogutil.Address(c.RemoteAddr()))

	port := h.ServerPort()
	if port == 0 || h.HasMaximumNumberOfConnections() {
		l.Info("Rejecting incoming peer connection", slog.Int("connections", h.model.NumConnections()))
		c.Close()
		metricBridges.WithLabelValues(sockets.Incoming.String(), outcomeFailed).Inc()
		return
	}

	b := sockets.NewIncomingBridge(c, props, port, bridgeListener{h}, h.opts.Bridge)
	h.model.Add(b)
	if err := b.Start(context.Background()); err != nil {
		h.model.Remove(b.ID())
		metricBridges.WithLabelValues(sockets.Incoming.String(), outcomeFailed).Inc()
		l.Warn("Failed to relay incoming peer connection", slogutil.Port(port), slogutil.Error(err))
		if h.listener != nil {
			h.listener.IncomingConnectionToPortNumberFailed(port)
		}
		return
	}
	l.Info("Relaying incoming peer connection", slogutil.Port(port))
}

func (h *Helper) peerAvailabilityChanged(a discover.Availability) {
	if a.Available && h.opts.Store != nil {
		if err := h.opts.Store.Remember(a.Peer); err != nil {
			slog.Warn("Failed to remember peer", slogutil.PeerID(a.Peer.ID), slogutil.Error(err))
		}
	}
	if h.listener != nil {
		h.listener.PeerAvailabilityChanged(a)
	}
}

func (h *Helper) networkChanged(st connectivity.NetworkStatus) {
	if h.listener != nil {
		h.listener.NetworkChanged(st)
	}
	if h.managers.setNetwork(st.PeerNetworkAvailable()) {
		h.handler.ProcessCurrentOperationStatus()
		h.reportDiscoveryState()
	}
}

func (h *Helper) lifecycleEvent(ev lifecycle.Event) {
	if h.listener != nil {
		h.listener.LifecycleEvent(ev)
	}
	if ev == lifecycle.Destroyed {
		slog.Info("Application destroyed, stopping")
		h.KillConnections()
		h.StopAdvertisingAndListening(nil)
	}
}

// reportDiscoveryState tells the listener about changes to the discovery
// and advertising state.
func (h *Helper) reportDiscoveryState() {
	st := DiscoveryAdvertisingState{
		DiscoveryActive:   h.discovery.IsDiscovering(),
		AdvertisingActive: h.discovery.IsAdvertising(),
	}
	h.mut.Lock()
	changed := st != h.lastState
	h.lastState = st
	h.mut.Unlock()
	if changed && h.listener != nil {
		h.listener.DiscoveryAdvertisingStateUpdate(st)
	}
}

func (h *Helper) shutdown() {
	h.KillConnections()
	h.managers.shutdown()
	h.lifecycle.Stop()
	h.reportDiscoveryState()
}

type bridgeListener struct {
	h *Helper
}

func (bridgeListener) ListeningForIncomingConnections(*sockets.Bridge, int) {}

func (l bridgeListener) Disconnected(b *sockets.Bridge, err error) {
	l.h.model.Remove(b.ID())
	metricBridges.WithLabelValues(b.Direction().String(), outcomeDisconnected).Inc()
	slog.Info("Peer connection lost", slogutil.PeerID(b.PeerProperties().ID), slog.String("bridge", b.ID()), slogutil.Error(err))
}

func (l bridgeListener) Done(b *sockets.Bridge, wasSending bool) {
	l.h.model.Remove(b.ID())
	metricBridges.WithLabelValues(b.Direction().String(), outcomeDone).Inc()
	slog.Debug("Peer connection finished", slogutil.PeerID(b.PeerProperties().ID), slog.String("bridge", b.ID()), slog.Bool("wasSending", wasSending))
}
