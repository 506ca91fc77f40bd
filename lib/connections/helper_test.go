// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/nettest"

	"github.com/thaliproject/thali/internal/db"
	"github.com/thaliproject/thali/lib/config"
	"github.com/thaliproject/thali/lib/connectivity"
	"github.com/thaliproject/thali/lib/discover"
	"github.com/thaliproject/thali/lib/lifecycle"
	"github.com/thaliproject/thali/lib/peer"
	"github.com/thaliproject/thali/lib/sockets"
	"github.com/thaliproject/thali/lib/startstop"
	"github.com/thaliproject/thali/lib/transport"
)

type recordingListener struct {
	peers     chan discover.Availability
	states    chan DiscoveryAdvertisingState
	networks  chan connectivity.NetworkStatus
	failed    chan int
	lifecycle chan lifecycle.Event
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		peers:     make(chan discover.Availability, 16),
		states:    make(chan DiscoveryAdvertisingState, 16),
		networks:  make(chan connectivity.NetworkStatus, 16),
		failed:    make(chan int, 16),
		lifecycle: make(chan lifecycle.Event, 16),
	}
}

func (l *recordingListener) PeerAvailabilityChanged(a discover.Availability) { l.peers <- a }
func (l *recordingListener) DiscoveryAdvertisingStateUpdate(st DiscoveryAdvertisingState) {
	l.states <- st
}
func (l *recordingListener) NetworkChanged(st connectivity.NetworkStatus) { l.networks <- st }
func (l *recordingListener) IncomingConnectionToPortNumberFailed(port int) {
	l.failed <- port
}
func (l *recordingListener) LifecycleEvent(ev lifecycle.Event) { l.lifecycle <- ev }

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		var zero T
		return zero
	}
}

// fakeNetwork is a wifi interface that can be switched on and off.
type fakeNetwork struct {
	up atomic.Bool
}

func newFakeNetwork() *fakeNetwork {
	n := &fakeNetwork{}
	n.up.Store(true)
	return n
}

func (n *fakeNetwork) interfaces() ([]connectivity.Interface, error) {
	return []connectivity.Interface{{Name: "wlan0", Up: n.up.Load(), HasAddress: true}}, nil
}

type testHelper struct {
	*Helper
	listener  *recordingListener
	network   *fakeNetwork
	monitor   *connectivity.Monitor
	lifecycle *lifecycle.Monitor
}

func newTestHelper(t *testing.T, mod func(*Options)) *testHelper {
	t.Helper()

	network := newFakeNetwork()
	monitor := connectivity.NewMonitorWithSources(time.Hour, network.interfaces, nil)
	lm := lifecycle.NewMonitor()
	opts := Options{
		Transport: transport.Options{ListenAddress: "127.0.0.1:0", HandshakeTimeout: 2 * time.Second},
		Discovery: discover.Options{
			ListenAddress: "127.0.0.1:0",
			Targets:       []string{"127.0.0.1:9"},
			Interval:      time.Hour,
		},
		ConnectTimeout:   5 * time.Second,
		StartStopTimeout: 2 * time.Second,
		Connectivity:     monitor,
		Lifecycle:        lm,
	}
	if mod != nil {
		mod(&opts)
	}
	rec := newRecordingListener()
	h, err := NewHelper(opts, rec)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := h.ServeBackground(ctx)
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// The first forced update is always delivered.
	receive(t, rec.networks)
	return &testHelper{Helper: h, listener: rec, network: network, monitor: monitor, lifecycle: lm}
}

func (h *testHelper) start(t *testing.T, port int, advertise bool) {
	t.Helper()
	errc := make(chan error, 1)
	h.Start(port, advertise, func(err error) { errc <- err })
	if err := receive(t, errc); err != nil {
		t.Fatalf("Start() = %v", err)
	}
}

func (h *testHelper) stop(t *testing.T, onlyAdvertising bool) {
	t.Helper()
	errc := make(chan error, 1)
	if onlyAdvertising {
		h.StopListeningForAdvertisements(func(err error) { errc <- err })
	} else {
		h.StopAdvertisingAndListening(func(err error) { errc <- err })
	}
	if err := receive(t, errc); err != nil {
		t.Fatalf("stop = %v", err)
	}
}

func appServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := nettest.NewLocalListener("tcp")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln
}

func portOf(a net.Addr) int {
	return a.(*net.TCPAddr).Port
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHelperStartInvalidPort(t *testing.T) {
	t.Parallel()

	h := newTestHelper(t, nil)
	for _, port := range []int{0, -1, 65536} {
		errc := make(chan error, 1)
		h.Start(port, true, func(err error) { errc <- err })
		if err := receive(t, errc); !errors.Is(err, ErrInvalidPort) {
			t.Errorf("Start(%d) = %v, want ErrInvalidPort", port, err)
		}
	}
	if h.IsRunning() {
		t.Error("running after invalid start")
	}
}

func TestHelperStartStop(t *testing.T) {
	t.Parallel()

	h := newTestHelper(t, nil)
	if h.IsRunning() {
		t.Fatal("running before start")
	}

	h.start(t, 4242, true)
	if !h.IsRunning() || h.ListeningPort() == 0 || h.ServerPort() != 4242 {
		t.Fatalf("after start: running=%v listening=%d server=%d", h.IsRunning(), h.ListeningPort(), h.ServerPort())
	}
	if st := receive(t, h.listener.states); st != (DiscoveryAdvertisingState{true, true}) {
		t.Errorf("state update = %+v", st)
	}

	h.stop(t, true)
	if !h.IsRunning() {
		t.Error("stopping advertising stopped listening")
	}
	if st := receive(t, h.listener.states); st != (DiscoveryAdvertisingState{DiscoveryActive: true}) {
		t.Errorf("state update = %+v", st)
	}

	h.stop(t, false)
	if h.IsRunning() {
		t.Error("running after stop")
	}
	if st := receive(t, h.listener.states); st != (DiscoveryAdvertisingState{}) {
		t.Errorf("state update = %+v", st)
	}
	status := h.Status()
	if status.State.ConnectionManager != startstop.NotStarted || status.Running {
		t.Errorf("status after stop = %+v", status)
	}
}

func TestHelperGenerationBump(t *testing.T) {
	t.Parallel()

	h := newTestHelper(t, nil)
	h.start(t, 4242, true)
	before := h.Status().Generation
	h.start(t, 4242, true)
	if got := h.Status().Generation; got != before+1 {
		t.Errorf("generation = %d, want %d", got, before+1)
	}
	// Starting without advertising leaves the generation alone.
	h.start(t, 4242, false)
	if got := h.Status().Generation; got != before+1 {
		t.Errorf("generation = %d, want %d", got, before+1)
	}
}

func TestHelperConnectErrors(t *testing.T) {
	t.Parallel()

	h := newTestHelper(t, nil)
	ctx := context.Background()

	if _, err := h.Connect(ctx, "not-a-peer"); !errors.Is(err, ErrInvalidPeerID) {
		t.Errorf("invalid ID: %v", err)
	}
	if _, err := h.Connect(ctx, peer.NewID()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("not running: %v", err)
	}

	h.start(t, 4242, false)
	if _, err := h.Connect(ctx, peer.NewID()); !errors.Is(err, ErrPeerNotFound) {
		t.Errorf("unknown peer: %v", err)
	}
	if h.Disconnect(peer.NewID()) {
		t.Error("Disconnect of an unknown peer returned true")
	}
}

type fakeSocket struct {
	id     string
	dir    sockets.Direction
	props  peer.Properties
	closed atomic.Bool
}

func (s *fakeSocket) ID() string                      { return s.id }
func (s *fakeSocket) Direction() sockets.Direction    { return s.dir }
func (s *fakeSocket) PeerProperties() peer.Properties { return s.props }
func (s *fakeSocket) Started() time.Time              { return time.Time{} }
func (s *fakeSocket) BytesSent() int64                { return 0 }
func (s *fakeSocket) BytesReceived() int64            { return 0 }
func (s *fakeSocket) Rates() (float64, float64)       { return 0, 0 }
func (s *fakeSocket) Close() error                    { s.closed.Store(true); return nil }

func TestHelperMaxConnections(t *testing.T) {
	t.Parallel()

	h := newTestHelper(t, func(o *Options) { o.MaxConnections = 1 })
	h.start(t, 4242, false)

	sock := &fakeSocket{id: "incoming-x", dir: sockets.Incoming, props: peer.Properties{ID: peer.NewID()}}
	h.model.Add(sock)
	if !h.HasMaximumNumberOfConnections() {
		t.Fatal("HasMaximumNumberOfConnections() = false")
	}
	if _, err := h.Connect(context.Background(), peer.NewID()); !errors.Is(err, ErrMaxConnections) {
		t.Errorf("Connect() = %v, want ErrMaxConnections", err)
	}
	if n := h.KillConnections(); n != 1 || !sock.closed.Load() {
		t.Errorf("KillConnections() = %d, closed = %v", n, sock.closed.Load())
	}
	if h.HasMaximumNumberOfConnections() {
		t.Error("still at maximum after kill")
	}
}

// connectPair starts two helpers and lets b dial a through a peer store
// entry, as if a had been discovered earlier.
func connectPair(t *testing.T, appPort int, mod func(*Options)) (a, b *testHelper) {
	t.Helper()

	a = newTestHelper(t, mod)
	a.start(t, appPort, true)

	store := db.NewPeerStore(db.OpenMemory())
	b = newTestHelper(t, func(o *Options) {
		if mod != nil {
			mod(o)
		}
		o.Store = store
	})
	b.start(t, 4242, false)

	err := store.Remember(peer.Properties{
		ID:        a.PeerID(),
		Address:   net.JoinHostPort("127.0.0.1", strconv.Itoa(a.ListeningPort())),
		Transport: transport.KindTCP,
	})
	if err != nil {
		t.Fatal(err)
	}
	return a, b
}

func TestHelperConnectRelays(t *testing.T) {
	t.Parallel()

	app := appServer(t)
	a, b := connectPair(t, portOf(app.Addr()), nil)

	res, err := b.Connect(context.Background(), a.PeerID())
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsListener() || res.ListeningPort == 0 {
		t.Fatalf("result = %+v", res)
	}
	if _, err := b.Connect(context.Background(), a.PeerID()); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect() = %v, want ErrAlreadyConnected", err)
	}

	client, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(res.ListeningPort)))
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	server, err := app.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(server, buf); err != nil || string(buf) != "ping" {
		t.Fatalf("server read %q, %v", buf, err)
	}
	if _, err := server.Write([]byte("pong")); err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadFull(client, buf); err != nil || string(buf) != "pong" {
		t.Fatalf("client read %q, %v", buf, err)
	}

	eventually(t, "incoming connection on a", func() bool { return a.model.HasIncoming(b.PeerID()) })
	if st := b.Status(); len(st.Connections) != 1 || st.Connections[0].PeerID != a.PeerID() {
		t.Errorf("status connections = %+v", st.Connections)
	}

	if !b.Disconnect(a.PeerID()) {
		t.Fatal("Disconnect() = false")
	}
	if b.model.HasOutgoing(a.PeerID()) {
		t.Error("outgoing connection still tracked")
	}
	// The peer sees the connection go away and forgets it.
	eventually(t, "incoming connection gone on a", func() bool { return !a.model.HasIncoming(b.PeerID()) })
}

// silentPeer starts a helper that remembers a peer whose address accepts
// TCP connections but never answers the hello, so connects to it stay
// pending until they are cancelled.
func silentPeer(t *testing.T) (h *testHelper, id string) {
	t.Helper()

	ln := appServer(t)
	store := db.NewPeerStore(db.OpenMemory())
	h = newTestHelper(t, func(o *Options) {
		o.Store = store
		o.ConnectTimeout = time.Minute
		o.Transport.HandshakeTimeout = time.Minute
	})
	h.start(t, 4242, false)

	id = peer.NewID()
	err := store.Remember(peer.Properties{ID: id, Address: ln.Addr().String(), Transport: transport.KindTCP})
	if err != nil {
		t.Fatal(err)
	}
	return h, id
}

func TestHelperDisconnectCancelsPendingConnect(t *testing.T) {
	t.Parallel()

	h, id := silentPeer(t)
	errc := make(chan error, 1)
	go func() {
		_, err := h.Connect(context.Background(), id)
		errc <- err
	}()
	eventually(t, "connect to be pending", func() bool { return h.model.NumPending() == 1 })

	if _, err := h.Connect(context.Background(), id); !errors.Is(err, ErrAlreadyConnecting) {
		t.Errorf("second Connect() = %v, want ErrAlreadyConnecting", err)
	}
	if !h.Disconnect(id) {
		t.Fatal("Disconnect() of a pending connect = false")
	}
	if err := receive(t, errc); !errors.Is(err, ErrConnectionCancelled) {
		t.Errorf("Connect() = %v, want ErrConnectionCancelled", err)
	}
	eventually(t, "pending connect to go away", func() bool { return h.model.NumPending() == 0 })
	if h.model.NumOutgoing() != 0 {
		t.Error("cancelled connect left an outgoing connection")
	}
}

func TestHelperConcurrentConnectsRespectLimit(t *testing.T) {
	t.Parallel()

	store := db.NewPeerStore(db.OpenMemory())
	b := newTestHelper(t, func(o *Options) {
		o.Store = store
		o.MaxConnections = 1
	})
	b.start(t, 4242, false)

	var ids []string
	for range 4 {
		a := newTestHelper(t, nil)
		a.start(t, 4242, true)
		err := store.Remember(peer.Properties{
			ID:        a.PeerID(),
			Address:   net.JoinHostPort("127.0.0.1", strconv.Itoa(a.ListeningPort())),
			Transport: transport.KindTCP,
		})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, a.PeerID())
	}

	errc := make(chan error, len(ids))
	for _, id := range ids {
		go func() {
			_, err := b.Connect(context.Background(), id)
			errc <- err
		}()
	}
	var ok int
	for range ids {
		switch err := receive(t, errc); {
		case err == nil:
			ok++
		case !errors.Is(err, ErrMaxConnections):
			t.Errorf("Connect() = %v, want nil or ErrMaxConnections", err)
		}
	}
	if ok != 1 {
		t.Errorf("%d connects succeeded, want 1", ok)
	}
	if n := b.model.NumConnections(); n != 1 {
		t.Errorf("NumConnections() = %d, want 1", n)
	}
}

func TestHelperKillCompressedConnectionUnderBackpressure(t *testing.T) {
	t.Parallel()

	app := appServer(t)
	a, b := connectPair(t, portOf(app.Addr()), func(o *Options) { o.Transport.Compression = true })
	res, err := b.Connect(context.Background(), a.PeerID())
	if err != nil {
		t.Fatal(err)
	}

	client, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(res.ListeningPort)))
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	// The application accepts but never reads.
	server, err := app.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	var written atomic.Int64
	go func() {
		buf := make([]byte, 32<<10)
		_, _ = rand.Read(buf)
		for {
			n, err := client.Write(buf)
			written.Add(int64(n))
			if err != nil {
				return
			}
		}
	}()

	deadline := time.Now().Add(20 * time.Second)
	for {
		before := written.Load()
		time.Sleep(300 * time.Millisecond)
		if after := written.Load(); after > 0 && after == before {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("writes never stalled")
		}
	}

	killed := make(chan int, 1)
	go func() { killed <- b.KillConnections() }()
	select {
	case n := <-killed:
		if n != 1 {
			t.Errorf("KillConnections() = %d, want 1", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("KillConnections() blocked on a stalled compressed connection")
	}
}

func TestHelperIncomingServerPortFailure(t *testing.T) {
	t.Parallel()

	app := appServer(t)
	port := portOf(app.Addr())
	app.Close()

	a, b := connectPair(t, port, nil)
	if _, err := b.Connect(context.Background(), a.PeerID()); err != nil {
		t.Fatal(err)
	}
	if got := receive(t, a.listener.failed); got != port {
		t.Errorf("failed port = %d, want %d", got, port)
	}
	if a.model.NumIncoming() != 0 {
		t.Error("failed bridge still tracked")
	}
}

func TestHelperNetworkLoss(t *testing.T) {
	t.Parallel()

	h := newTestHelper(t, nil)
	h.start(t, 4242, true)
	receive(t, h.listener.states)

	h.network.up.Store(false)
	if _, err := h.monitor.Update(false); err != nil {
		t.Fatal(err)
	}
	if st := receive(t, h.listener.networks); st.PeerNetworkAvailable() {
		t.Fatalf("network status = %+v", st)
	}
	if h.IsRunning() {
		t.Error("still listening without a network")
	}
	st := h.Status().State
	if st.ConnectionManager != startstop.WaitingForServicesToBeEnabled || st.DiscoveryManager != startstop.WaitingForServicesToBeEnabled {
		t.Errorf("state = %+v", st)
	}
	if got := receive(t, h.listener.states); got != (DiscoveryAdvertisingState{}) {
		t.Errorf("state update = %+v", got)
	}

	h.network.up.Store(true)
	if _, err := h.monitor.Update(false); err != nil {
		t.Fatal(err)
	}
	receive(t, h.listener.networks)
	if !h.IsRunning() {
		t.Error("not listening after the network returned")
	}
	if got := receive(t, h.listener.states); got != (DiscoveryAdvertisingState{true, true}) {
		t.Errorf("state update = %+v", got)
	}
}

func TestHelperLifecycleDestroyed(t *testing.T) {
	t.Parallel()

	h := newTestHelper(t, nil)
	h.start(t, 4242, false)

	h.lifecycle.Dispatch(lifecycle.Destroyed)
	if ev := receive(t, h.listener.lifecycle); ev != lifecycle.Destroyed {
		t.Errorf("event = %v", ev)
	}
	eventually(t, "helper to stop", func() bool { return !h.IsRunning() })
}

func TestOptionsFromConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.PeerID = peer.NewID()
	cfg.Connections.MaxSendKbps = 2
	opts := OptionsFromConfig(cfg)

	if opts.PeerID != cfg.PeerID || opts.MaxConnections != 30 || opts.ConnectTimeout != 20*time.Second {
		t.Errorf("options = %+v", opts)
	}
	if opts.Discovery.BeaconPort != discover.DefaultPort || opts.Transport.Kind != transport.KindTCP {
		t.Errorf("discovery/transport = %+v / %+v", opts.Discovery, opts.Transport)
	}
	if opts.Bridge.SendLimit != 2048 || opts.Bridge.RecvLimit != 0 {
		t.Errorf("bridge limits = %d/%d", opts.Bridge.SendLimit, opts.Bridge.RecvLimit)
	}
}
