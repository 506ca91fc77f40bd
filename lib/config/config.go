// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config implements reading and writing the configuration file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/thaliproject/thali/lib/peer"
)

const CurrentVersion = 1

var (
	ErrInvalidPort    = errors.New("port out of range")
	ErrInvalidKind    = errors.New("unknown transport kind")
	ErrInvalidValue   = errors.New("value must be positive")
	ErrInvalidAddress = errors.New("invalid address")
	ErrTooNew         = errors.New("configuration is from a newer version")
)

type Configuration struct {
	Version     int                      `json:"version"`
	PeerID      string                   `json:"peerID,omitempty"`
	Transport   TransportConfiguration   `json:"transport"`
	Discovery   DiscoveryConfiguration   `json:"discovery"`
	Connections ConnectionsConfiguration `json:"connections"`
	API         APIConfiguration         `json:"api"`
	Log         LogConfiguration         `json:"log"`
}

type TransportConfiguration struct {
	Kind              string `json:"kind"`
	ListenAddress     string `json:"listenAddress"`
	Compression       bool   `json:"compression"`
	HandshakeTimeoutS int    `json:"handshakeTimeoutS"`
}

func (c TransportConfiguration) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutS) * time.Second
}

type DiscoveryConfiguration struct {
	Port               int `json:"port"`
	BroadcastIntervalS int `json:"broadcastIntervalS"`
	CacheSize          int `json:"cacheSize"`
	// Targets replaces broadcasting by unicast to these addresses, for
	// networks that drop broadcasts.
	Targets []string `json:"targets,omitempty"`
}

func (c DiscoveryConfiguration) BroadcastInterval() time.Duration {
	return time.Duration(c.BroadcastIntervalS) * time.Second
}

type ConnectionsConfiguration struct {
	MaxConnections     int `json:"maxConnections"`
	ConnectTimeoutS    int `json:"connectTimeoutS"`
	AcceptTimeoutS     int `json:"acceptTimeoutS"`
	StartStopTimeoutS  int `json:"startStopTimeoutS"`
	NetworkPollS       int `json:"networkPollS"`
	BufferSize         int `json:"bufferSize"`
	OutgoingListenPort int `json:"outgoingListenPort"`
	// Bandwidth limits in KiB/s; zero is unlimited.
	MaxSendKbps int `json:"maxSendKbps"`
	MaxRecvKbps int `json:"maxRecvKbps"`
}

func (c ConnectionsConfiguration) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutS) * time.Second
}

func (c ConnectionsConfiguration) AcceptTimeout() time.Duration {
	return time.Duration(c.AcceptTimeoutS) * time.Second
}

func (c ConnectionsConfiguration) StartStopTimeout() time.Duration {
	return time.Duration(c.StartStopTimeoutS) * time.Second
}

func (c ConnectionsConfiguration) NetworkPollInterval() time.Duration {
	return time.Duration(c.NetworkPollS) * time.Second
}

type APIConfiguration struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

type LogConfiguration struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Default returns the configuration used when there is no file.
func Default() Configuration {
	return Configuration{
		Version: CurrentVersion,
		Transport: TransportConfiguration{
			Kind:              "tcp",
			ListenAddress:     "0.0.0.0:0",
			Compression:       false,
			HandshakeTimeoutS: 10,
		},
		Discovery: DiscoveryConfiguration{
			Port:               21035,
			BroadcastIntervalS: 5,
			CacheSize:          256,
		},
		Connections: ConnectionsConfiguration{
			MaxConnections:    30,
			ConnectTimeoutS:   20,
			AcceptTimeoutS:    30,
			StartStopTimeoutS: 3,
			NetworkPollS:      5,
			BufferSize:        8 << 10,
		},
		API: APIConfiguration{
			Enabled: true,
			Address: "127.0.0.1:21036",
		},
		Log: LogConfiguration{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the configuration for values that cannot work.
func (c Configuration) Validate() error {
	if c.Version > CurrentVersion {
		return fmt.Errorf("%w: version %d", ErrTooNew, c.Version)
	}
	if c.PeerID != "" && !peer.ValidID(c.PeerID) {
		return fmt.Errorf("peerID %q: %w", c.PeerID, peer.ErrInvalidID)
	}
	switch c.Transport.Kind {
	case "tcp", "quic":
	default:
		return fmt.Errorf("transport.kind %q: %w", c.Transport.Kind, ErrInvalidKind)
	}
	if _, _, err := net.SplitHostPort(c.Transport.ListenAddress); err != nil {
		return fmt.Errorf("transport.listenAddress: %w: %w", ErrInvalidAddress, err)
	}
	if c.Discovery.Port < 1 || c.Discovery.Port > 65535 {
		return fmt.Errorf("discovery.port %d: %w", c.Discovery.Port, ErrInvalidPort)
	}
	if c.Connections.OutgoingListenPort < 0 || c.Connections.OutgoingListenPort > 65535 {
		return fmt.Errorf("connections.outgoingListenPort %d: %w", c.Connections.OutgoingListenPort, ErrInvalidPort)
	}
	positive := []struct {
		name string
		val  int
	}{
		{"transport.handshakeTimeoutS", c.Transport.HandshakeTimeoutS},
		{"discovery.broadcastIntervalS", c.Discovery.BroadcastIntervalS},
		{"discovery.cacheSize", c.Discovery.CacheSize},
		{"connections.maxConnections", c.Connections.MaxConnections},
		{"connections.connectTimeoutS", c.Connections.ConnectTimeoutS},
		{"connections.acceptTimeoutS", c.Connections.AcceptTimeoutS},
		{"connections.startStopTimeoutS", c.Connections.StartStopTimeoutS},
		{"connections.networkPollS", c.Connections.NetworkPollS},
		{"connections.bufferSize", c.Connections.BufferSize},
	}
	for _, p := range positive {
		if p.val <= 0 {
			return fmt.Errorf("%s %d: %w", p.name, p.val, ErrInvalidValue)
		}
	}
	if c.Connections.MaxSendKbps < 0 || c.Connections.MaxRecvKbps < 0 {
		return fmt.Errorf("connections bandwidth limits: %w", ErrInvalidValue)
	}
	if c.API.Enabled {
		if _, _, err := net.SplitHostPort(c.API.Address); err != nil {
			return fmt.Errorf("api.address: %w: %w", ErrInvalidAddress, err)
		}
	}
	for _, t := range c.Discovery.Targets {
		if _, _, err := net.SplitHostPort(t); err != nil {
			return fmt.Errorf("discovery.targets %q: %w: %w", t, ErrInvalidAddress, err)
		}
	}
	return nil
}

// Parse reads a YAML (or JSON) configuration. Fields missing from the
// document keep their default values.
func Parse(bs []byte) (Configuration, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(bs, &cfg); err != nil {
		return Configuration{}, fmt.Errorf("parse configuration: %w", err)
	}
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if err := cfg.Validate(); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

// Load reads the configuration file at path. A missing file yields the
// default configuration.
func Load(path string) (Configuration, error) {
	bs, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Configuration{}, err
	}
	return Parse(bs)
}

// Save writes the configuration to path atomically.
func (c Configuration) Save(path string) error {
	bs, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(bs); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
