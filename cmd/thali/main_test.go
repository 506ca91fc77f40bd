// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/kong"

	"github.com/thaliproject/thali/lib/config"
	"github.com/thaliproject/thali/lib/peer"
	"github.com/thaliproject/thali/lib/suite"
)

func parse(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli, kong.Vars{"defaultHome": t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		t.Fatal(err)
	}
	return &cli, ctx
}

func TestParseDefaultCommand(t *testing.T) {
	t.Parallel()

	cli, ctx := parse(t, "--server-port", "8080", "--no-advertise")
	if ctx.Command() != "run" {
		t.Errorf("command = %q", ctx.Command())
	}
	if cli.Run.ServerPort != 8080 || cli.Run.Advertise {
		t.Errorf("run flags = %+v", cli.Run)
	}

	cli, ctx = parse(t, "suite", "-v")
	if ctx.Command() != "suite" || !cli.Suite.Verbose {
		t.Errorf("suite: command %q, flags %+v", ctx.Command(), cli.Suite)
	}
}

func TestLoadConfigGeneratesPeerID(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	c := &runCmd{Home: home}
	cfg, err := c.loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if !peer.ValidID(cfg.PeerID) {
		t.Fatalf("generated peer ID %q is invalid", cfg.PeerID)
	}

	saved, err := config.Load(filepath.Join(home, configFileName))
	if err != nil {
		t.Fatal(err)
	}
	if saved.PeerID != cfg.PeerID {
		t.Errorf("saved peer ID = %q, want %q", saved.PeerID, cfg.PeerID)
	}

	again, err := c.loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if again.PeerID != cfg.PeerID {
		t.Error("peer ID changed between runs")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	path := filepath.Join(home, "custom.yaml")
	if err := os.WriteFile(path, []byte("api:\n  enabled: false\nlog:\n  level: warn\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	c := &runCmd{Home: home, Config: path, APIAddress: "127.0.0.1:9999", LogFormat: "json"}
	cfg, err := c.loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.API.Enabled || cfg.API.Address != "127.0.0.1:9999" {
		t.Errorf("api = %+v", cfg.API)
	}
	if cfg.Log.Level != "warn" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if _, err := os.Stat(filepath.Join(home, configFileName)); !os.IsNotExist(err) {
		t.Error("default config file should not be written when --config is given")
	}
}

func TestSetupLoggingRejectsBadLevel(t *testing.T) {
	t.Parallel()

	if err := setupLogging(config.LogConfiguration{Level: "loud", Format: "text"}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestSuiteOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := (suiteCmd{}).print(&buf); err != nil {
		t.Fatal(err)
	}
	lines := strings.Fields(buf.String())
	if len(lines) != len(suite.Packages()) {
		t.Errorf("printed %d packages, want %d", len(lines), len(suite.Packages()))
	}

	buf.Reset()
	if err := (suiteCmd{Verbose: true}).print(&buf); err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(buf.String(), "\n"); n != len(suite.Members()) {
		t.Errorf("verbose output has %d lines, want %d", n, len(suite.Members()))
	}
	if !strings.Contains(buf.String(), "StreamCopyingThread") {
		t.Error("verbose output lacks member names")
	}
}

func TestPrintVersion(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := printVersion(&buf); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "thali ") {
		t.Errorf("version = %q", buf.String())
	}
}
