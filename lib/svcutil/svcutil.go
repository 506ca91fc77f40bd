// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package svcutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
)

// ServiceWithError is a suture service that remembers the error returned
// by its last run.
type ServiceWithError interface {
	suture.Service
	fmt.Stringer
	Error() error
}

// AsService wraps the given function to implement suture.Service. In
// addition it keeps track of the returned error and allows querying that
// error.
func AsService(fn func(ctx context.Context) error, creator string) ServiceWithError {
	return &service{
		creator: creator,
		serve:   fn,
	}
}

type service struct {
	creator string
	serve   func(ctx context.Context) error
	err     error
	mut     sync.Mutex
}

func (s *service) Serve(ctx context.Context) error {
	s.mut.Lock()
	s.err = nil
	s.mut.Unlock()

	err := s.serve(ctx)

	s.mut.Lock()
	s.err = err
	s.mut.Unlock()

	// A cancelled context is the normal way to stop; it is not a failure.
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *service) Error() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.err
}

func (s *service) String() string {
	return fmt.Sprintf("Service@%p created by %v", s, s.creator)
}

// OnSupervisorDone calls fn once the supervisor is stopped.
func OnSupervisorDone(sup *suture.Supervisor, fn func()) {
	sup.Add(&doneService{fn: fn})
}

type doneService struct {
	fn func()
}

func (s *doneService) Serve(ctx context.Context) error {
	<-ctx.Done()
	s.fn()
	return suture.ErrDoNotRestart
}

// SpecWithDebugLogger returns a supervisor spec that logs restarts at
// debug level.
func SpecWithDebugLogger() suture.Spec {
	return spec(slog.LevelDebug)
}

// SpecWithInfoLogger returns a supervisor spec that logs restarts at info
// level.
func SpecWithInfoLogger() suture.Spec {
	return spec(slog.LevelInfo)
}

func spec(level slog.Level) suture.Spec {
	return suture.Spec{
		EventHook: func(e suture.Event) {
			slog.Log(context.Background(), level, "Supervisor event", slog.String("event", e.String()))
		},
		PassThroughPanics:        true,
		DontPropagateTermination: false,
		Timeout:                  10 * time.Second,
	}
}

// Session is a supervisor serving in the background until stopped. It
// suits services that are started and stopped on demand, where adding
// and removing them on a long lived supervisor would race with its
// startup.
type Session struct {
	cancel context.CancelFunc
	done   <-chan error
}

// StartSession serves the given services on a new supervisor.
func StartSession(name string, spec suture.Spec, svcs ...suture.Service) *Session {
	sup := suture.New(name, spec)
	for _, svc := range svcs {
		sup.Add(svc)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{cancel: cancel, done: sup.ServeBackground(ctx)}
}

// Stop stops the supervisor and waits for its services to return.
func (s *Session) Stop() {
	s.cancel()
	<-s.done
}
