// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package svcutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"
)

func TestAsServiceRecordsError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	svc := AsService(func(context.Context) error { return boom }, "test")
	if err := svc.Serve(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Serve() = %v, want %v", err, boom)
	}
	if !errors.Is(svc.Error(), boom) {
		t.Errorf("Error() = %v, want %v", svc.Error(), boom)
	}
}

func TestAsServiceCancelIsClean(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc := AsService(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, "test")
	if err := svc.Serve(ctx); err != nil {
		t.Errorf("Serve() on cancelled context = %v, want nil", err)
	}
}

func TestOnSupervisorDone(t *testing.T) {
	t.Parallel()

	sup := suture.New("test", SpecWithDebugLogger())
	done := make(chan struct{})
	OnSupervisorDone(sup, func() { close(done) })

	ctx, cancel := context.WithCancel(context.Background())
	errs := sup.ServeBackground(ctx)
	cancel()
	<-errs

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("done hook not called")
	}
}

func TestSessionStopWaitsForServices(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	var stopped bool
	svc := AsService(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		stopped = true
		return ctx.Err()
	}, "test")

	s := StartSession("test", SpecWithDebugLogger(), svc)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("service not started")
	}
	s.Stop()
	if !stopped {
		t.Error("Stop returned before the service did")
	}
}
