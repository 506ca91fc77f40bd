// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connectivity watches the local network interfaces and reports
// which radios are usable for peer connections.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jackpal/gateway"
	"github.com/wlynxg/anet"

	"github.com/thaliproject/thali/internal/slogutil"
)

const DefaultInterval = 5 * time.Second

// RadioState is the state of one kind of network interface.
type RadioState int

const (
	NotHere RadioState = iota
	Off
	On
)

func (s RadioState) String() string {
	switch s {
	case On:
		return "on"
	case Off:
		return "off"
	default:
		return "notHere"
	}
}

func (s RadioState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *RadioState) UnmarshalText(bs []byte) error {
	switch string(bs) {
	case "on":
		*s = On
	case "off":
		*s = Off
	case "notHere":
		*s = NotHere
	default:
		return fmt.Errorf("unknown radio state %q", bs)
	}
	return nil
}

// Kind classifies an interface.
type Kind int

const (
	KindOther Kind = iota
	KindWifi
	KindEthernet
	KindBluetooth
	KindCellular
	KindLoopback
)

var kindPrefixes = []struct {
	prefix string
	kind   Kind
}{
	{"bt-pan", KindBluetooth},
	{"bnep", KindBluetooth},
	{"pan", KindBluetooth},
	{"rmnet", KindCellular},
	{"wwan", KindCellular},
	{"ccmni", KindCellular},
	{"pdp", KindCellular},
	{"wlan", KindWifi},
	{"wifi", KindWifi},
	{"wl", KindWifi},
	{"ath", KindWifi},
	{"ra", KindWifi},
	{"eth", KindEthernet},
	{"en", KindEthernet},
	{"lo", KindLoopback},
}

// Classify returns the kind of interface the name denotes.
func Classify(name string) Kind {
	lower := strings.ToLower(name)
	for _, kp := range kindPrefixes {
		if strings.HasPrefix(lower, kp.prefix) {
			return kp.kind
		}
	}
	return KindOther
}

// NetworkStatus is what the application is told about the network.
type NetworkStatus struct {
	Wifi           RadioState `json:"wifi"`
	Ethernet       RadioState `json:"ethernet"`
	Bluetooth      RadioState `json:"bluetooth"`
	Cellular       RadioState `json:"cellular"`
	GatewayAddress string     `json:"gatewayAddress,omitempty"`
}

// PeerNetworkAvailable reports whether an interface peers can be reached
// on is up.
func (s NetworkStatus) PeerNetworkAvailable() bool {
	return s.Wifi == On || s.Ethernet == On
}

// Interface is the part of a network interface the monitor looks at.
type Interface struct {
	Name       string
	Up         bool
	HasAddress bool
}

// InterfaceSource lists the current interfaces.
type InterfaceSource func() ([]Interface, error)

// GatewaySource returns the default gateway.
type GatewaySource func() (net.IP, error)

// Listener is notified when the network status changes.
type Listener interface {
	NetworkChanged(st NetworkStatus)
}

type ListenerFunc func(st NetworkStatus)

func (f ListenerFunc) NetworkChanged(st NetworkStatus) { f(st) }

// Monitor polls the interfaces and notifies listeners on change.
type Monitor struct {
	interval time.Duration
	ifaces   InterfaceSource
	gateway  GatewaySource

	mut       sync.Mutex
	status    NetworkStatus
	known     bool
	listeners []Listener
}

// NewMonitor returns a monitor using the system's interfaces and gateway.
func NewMonitor(interval time.Duration) *Monitor {
	return NewMonitorWithSources(interval, SystemInterfaces, gateway.DiscoverGateway)
}

func NewMonitorWithSources(interval time.Duration, ifaces InterfaceSource, gw GatewaySource) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		interval: interval,
		ifaces:   ifaces,
		gateway:  gw,
	}
}

func (m *Monitor) String() string {
	return "connectivity.Monitor"
}

func (m *Monitor) AddListener(l Listener) {
	m.mut.Lock()
	m.listeners = append(m.listeners, l)
	m.mut.Unlock()
}

// Status returns the last computed status.
func (m *Monitor) Status() NetworkStatus {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.status
}

func (m *Monitor) IsWifiEnabled() bool {
	return m.Status().Wifi == On
}

func (m *Monitor) IsBluetoothEnabled() bool {
	return m.Status().Bluetooth == On
}

func (m *Monitor) PeerNetworkAvailable() bool {
	return m.Status().PeerNetworkAvailable()
}

// Update recomputes the status and notifies listeners if it changed, or
// always when force is set.
func (m *Monitor) Update(force bool) (NetworkStatus, error) {
	ifaces, err := m.ifaces()
	if err != nil {
		return m.Status(), fmt.Errorf("list interfaces: %w", err)
	}
	st := statusFor(ifaces)
	if st.PeerNetworkAvailable() && m.gateway != nil {
		if ip, err := m.gateway(); err == nil && ip != nil {
			st.GatewayAddress = ip.String()
		}
	}

	m.mut.Lock()
	changed := !m.known || st != m.status
	m.status = st
	m.known = true
	ls := append([]Listener(nil), m.listeners...)
	m.mut.Unlock()

	if changed {
		slog.Info("Network status changed", slog.String("wifi", st.Wifi.String()), slog.String("ethernet", st.Ethernet.String()),
			slog.String("bluetooth", st.Bluetooth.String()), slog.String("cellular", st.Cellular.String()), slog.String("gateway", st.GatewayAddress))
	}
	if changed || force {
		for _, l := range ls {
			l.NetworkChanged(st)
		}
	}
	return st, nil
}

// Serve reports the current status to listeners, then polls until the
// context is cancelled.
func (m *Monitor) Serve(ctx context.Context) error {
	if _, err := m.Update(true); err != nil {
		slog.WarnContext(ctx, "Failed to read network status", slogutil.Error(err))
	}
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := m.Update(false); err != nil {
				slog.DebugContext(ctx, "Failed to read network status", slogutil.Error(err))
			}
		}
	}
}

func statusFor(ifaces []Interface) NetworkStatus {
	var st NetworkStatus
	for _, iface := range ifaces {
		state := Off
		if iface.Up && iface.HasAddress {
			state = On
		}
		var slot *RadioState
		switch Classify(iface.Name) {
		case KindWifi:
			slot = &st.Wifi
		case KindEthernet:
			slot = &st.Ethernet
		case KindBluetooth:
			slot = &st.Bluetooth
		case KindCellular:
			slot = &st.Cellular
		default:
			continue
		}
		if state > *slot {
			*slot = state
		}
	}
	return st
}

// SystemInterfaces lists interfaces through anet, which also works on
// Android where net.Interfaces is restricted.
func SystemInterfaces() ([]Interface, error) {
	ifs, err := anet.Interfaces()
	if err != nil {
		return nil, err
	}
	res := make([]Interface, 0, len(ifs))
	for i := range ifs {
		iface := Interface{
			Name: ifs[i].Name,
			Up:   ifs[i].Flags&net.FlagUp != 0,
		}
		if addrs, err := anet.InterfaceAddrsByInterface(&ifs[i]); err == nil {
			iface.HasAddress = hasUsableAddress(addrs)
		}
		res = append(res, iface)
	}
	return res, nil
}

func hasUsableAddress(addrs []net.Addr) bool {
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip != nil && !ip.IsLoopback() && !ip.IsUnspecified() {
			return true
		}
	}
	return false
}
