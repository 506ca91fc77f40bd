// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/thejerf/suture/v4"

	"github.com/thaliproject/thali/internal/db"
	"github.com/thaliproject/thali/internal/slogutil"
	"github.com/thaliproject/thali/lib/api"
	"github.com/thaliproject/thali/lib/certutil"
	"github.com/thaliproject/thali/lib/config"
	"github.com/thaliproject/thali/lib/connections"
	"github.com/thaliproject/thali/lib/lifecycle"
	"github.com/thaliproject/thali/lib/peer"
	"github.com/thaliproject/thali/lib/svcutil"
	"github.com/thaliproject/thali/lib/transport"
)

const (
	configFileName = "config.yaml"
	lockFileName   = "thali.lock"
	peerDBName     = "peers.db"
	certFileName   = "cert.pem"
	keyFileName    = "key.pem"

	// peerRetention is how long a peer that was not seen stays in the
	// peer database.
	peerRetention = 30 * 24 * time.Hour
)

var errAlreadyRunning = errors.New("another instance is already running in this home directory")

type runCmd struct {
	Home       string `name:"home" env:"THALI_HOME" default:"${defaultHome}" placeholder:"PATH" help:"Directory for configuration and peer database"`
	Config     string `name:"config" env:"THALI_CONFIG" placeholder:"PATH" help:"Configuration file (default is config.yaml in the home directory)"`
	APIAddress string `name:"api-address" env:"THALI_API_ADDRESS" placeholder:"HOST:PORT" help:"Override the control API listen address"`
	LogLevel   string `name:"log-level" env:"THALI_LOG_LEVEL" placeholder:"LEVEL" help:"Override the log level (debug, info, warn, error)"`
	LogFormat  string `name:"log-format" env:"THALI_LOG_FORMAT" help:"Override the log format (text, json)"`
	ServerPort int    `name:"server-port" placeholder:"PORT" help:"Start listening at once, relaying incoming connections to this local port"`
	Advertise  bool   `name:"advertise" default:"true" negatable:"" help:"Advertise when started with --server-port"`
}

func defaultHome() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "thali")
	}
	return ".thali"
}

func (c *runCmd) configPath() string {
	if c.Config != "" {
		return c.Config
	}
	return filepath.Join(c.Home, configFileName)
}

// loadConfig reads the configuration, applies command line overrides and
// makes sure it carries a persistent peer ID.
func (c *runCmd) loadConfig() (config.Configuration, error) {
	path := c.configPath()
	cfg, err := config.Load(path)
	if err != nil {
		return config.Configuration{}, fmt.Errorf("loading configuration: %w", err)
	}
	if cfg.PeerID == "" {
		cfg.PeerID = peer.NewID()
		if err := cfg.Save(path); err != nil {
			return config.Configuration{}, fmt.Errorf("saving configuration: %w", err)
		}
	}
	if c.APIAddress != "" {
		cfg.API.Address = c.APIAddress
		cfg.API.Enabled = true
	}
	if c.LogLevel != "" {
		cfg.Log.Level = c.LogLevel
	}
	if c.LogFormat != "" {
		cfg.Log.Format = c.LogFormat
	}
	return cfg, cfg.Validate()
}

func setupLogging(cfg config.LogConfiguration) error {
	level, err := slogutil.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	h, err := slogutil.NewHandler(os.Stderr, level, cfg.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(h))
	return nil
}

func (c *runCmd) Run() error {
	if err := os.MkdirAll(c.Home, 0o700); err != nil {
		return fmt.Errorf("creating home directory: %w", err)
	}
	lock := flock.New(filepath.Join(c.Home, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("locking home directory: %w", err)
	}
	if !locked {
		return errAlreadyRunning
	}
	defer lock.Unlock()

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if err := setupLogging(cfg.Log); err != nil {
		return err
	}

	kv, err := db.OpenLevelDB(filepath.Join(c.Home, peerDBName))
	if err != nil {
		return fmt.Errorf("opening peer database: %w", err)
	}
	defer kv.Close()
	store := db.NewPeerStore(kv)
	if n, err := store.Prune(time.Now().Add(-peerRetention)); err != nil {
		slog.Warn("Failed to prune peer database", slogutil.Error(err))
	} else if n > 0 {
		slog.Info("Pruned stale peers", slog.Int("count", n))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	life := lifecycle.NewMonitor()
	life.AddListener(lifecycle.ListenerFunc(func(ev lifecycle.Event) {
		if ev == lifecycle.Destroyed {
			cancel()
		}
	}))

	events := api.NewEventLog(api.DefaultEventBufferSize)
	opts := connections.OptionsFromConfig(cfg)
	opts.Store = store
	opts.ClientVersion = version()
	opts.Lifecycle = life
	opts.HandleSignals = true
	if cfg.Transport.Kind == transport.KindQUIC {
		// QUIC needs TLS; keep the certificate stable across restarts.
		cert, err := certutil.LoadOrCreate(filepath.Join(c.Home, certFileName), filepath.Join(c.Home, keyFileName), "thali")
		if err != nil {
			return fmt.Errorf("loading certificate: %w", err)
		}
		opts.Transport.Certificate = &cert
	}
	helper, err := connections.NewHelper(opts, events)
	if err != nil {
		return err
	}

	sup := suture.New("main", svcutil.SpecWithInfoLogger())
	sup.Add(helper)
	if cfg.API.Enabled {
		sup.Add(api.New(cfg.API.Address, helper, events))
	}
	errc := sup.ServeBackground(ctx)

	slog.Info("Started", slogutil.PeerID(helper.PeerID()), slog.String("version", version()))

	if c.ServerPort != 0 {
		helper.Start(c.ServerPort, c.Advertise, func(err error) {
			if err != nil {
				slog.Error("Failed to start", slogutil.Port(c.ServerPort), slogutil.Error(err))
				return
			}
			slog.Info("Listening for peers", slogutil.Port(helper.ListeningPort()), slog.Bool("advertising", c.Advertise))
		})
	}

	err = <-errc
	slog.Info("Exiting")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
