// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package startstop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thaliproject/thali/internal/slogutil"
)

// DefaultTimeout bounds how long an operation may take to reach its
// target state.
const DefaultTimeout = 3 * time.Second

var (
	ErrOperationTimeout   = errors.New("operation timeout")
	ErrOperationCancelled = errors.New("operation cancelled")
)

// Managers is what the handler drives. Implementations report state
// changes by calling Handler.ProcessCurrentOperationStatus.
type Managers interface {
	StartListening() error
	StopListening()
	StartDiscovery(advertise bool) error
	StopAdvertising()
	StopDiscovery()
	State() State
}

// Handler executes operations one at a time, in the order they were
// submitted. It must be running (Serve) for operations to progress.
type Handler struct {
	managers Managers
	timeout  time.Duration

	mut     sync.Mutex
	queue   []*Operation
	current *Operation
	lastErr error

	kick chan struct{}
}

func NewHandler(managers Managers, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Handler{
		managers: managers,
		timeout:  timeout,
		kick:     make(chan struct{}, 1),
	}
}

func (h *Handler) String() string {
	return "startstop.Handler"
}

// ExecuteStart queues a start operation.
func (h *Handler) ExecuteStart(advertise bool, cb Callback) {
	h.submit(NewStartOperation(advertise, cb))
}

// ExecuteStop queues a stop operation.
func (h *Handler) ExecuteStop(onlyAdvertising bool, cb Callback) {
	h.submit(NewStopOperation(onlyAdvertising, cb))
}

func (h *Handler) submit(op *Operation) {
	h.mut.Lock()
	h.queue = append(h.queue, op)
	h.mut.Unlock()
	slog.Debug("Queued operation", slog.String("operation", op.String()))
	h.ProcessCurrentOperationStatus()
}

// ProcessCurrentOperationStatus asks the handler to re-check the current
// operation against the managers' state. It never blocks.
func (h *Handler) ProcessCurrentOperationStatus() {
	select {
	case h.kick <- struct{}{}:
	default:
	}
}

// CurrentOperation returns the operation being executed, if any.
func (h *Handler) CurrentOperation() *Operation {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.current
}

// Pending returns the number of operations waiting behind the current one.
func (h *Handler) Pending() int {
	h.mut.Lock()
	defer h.mut.Unlock()
	return len(h.queue)
}

// CancelCurrentOperation fails the current and all queued operations with
// ErrOperationCancelled.
func (h *Handler) CancelCurrentOperation() {
	h.failAll(ErrOperationCancelled)
	h.ProcessCurrentOperationStatus()
}

func (h *Handler) Serve(ctx context.Context) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		op, started := h.step()
		if started {
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(h.timeout)
		}
		if op == nil && timer != nil {
			timer.Stop()
			timer = nil
		}

		var timeout <-chan time.Time
		if timer != nil {
			timeout = timer.C
		}

		select {
		case <-ctx.Done():
			h.failAll(ErrOperationCancelled)
			return ctx.Err()
		case <-h.kick:
		case <-timeout:
			timer = nil
			h.expire(op)
		}
	}
}

// step starts the next operation if none is running and completes the
// current one once its target state holds. It returns the operation still
// in progress and whether it was started by this call.
func (h *Handler) step() (*Operation, bool) {
	startedNew := false
	for {
		h.mut.Lock()
		op := h.current
		if op == nil && len(h.queue) > 0 {
			op = h.queue[0]
			h.queue = h.queue[1:]
			h.current = op
			h.lastErr = nil
			h.mut.Unlock()

			startedNew = true
			if err := h.apply(op); err != nil {
				h.complete(op, err)
				startedNew = false
				continue
			}
			h.mut.Lock()
		}
		h.mut.Unlock()

		if op == nil {
			return nil, false
		}

		err := op.IsTargetState(h.managers.State())
		if err != nil {
			h.mut.Lock()
			h.lastErr = err
			h.mut.Unlock()
			return op, startedNew
		}
		h.complete(op, nil)
		startedNew = false
	}
}

func (h *Handler) apply(op *Operation) error {
	slog.Debug("Executing operation", slog.String("operation", op.String()))
	switch {
	case op.IsStart():
		if err := h.managers.StartListening(); err != nil {
			return fmt.Errorf("start listening: %w", err)
		}
		if err := h.managers.StartDiscovery(op.Advertise()); err != nil {
			return fmt.Errorf("start discovery: %w", err)
		}
		if !op.Advertise() && h.managers.State().IsAdvertising {
			h.managers.StopAdvertising()
		}
	case op.OnlyAdvertising():
		h.managers.StopAdvertising()
	default:
		h.managers.StopDiscovery()
		h.managers.StopListening()
	}
	return nil
}

func (h *Handler) expire(op *Operation) {
	if op == nil {
		return
	}
	h.mut.Lock()
	last := h.lastErr
	h.mut.Unlock()
	if last == nil {
		last = op.IsTargetState(h.managers.State())
	}
	if last == nil {
		h.complete(op, nil)
		return
	}
	slog.Warn("Operation timed out", slog.String("operation", op.String()), slogutil.Error(last))
	h.complete(op, fmt.Errorf("%w: %w", ErrOperationTimeout, last))
}

// complete finishes op if it is still current.
func (h *Handler) complete(op *Operation, err error) {
	h.mut.Lock()
	if h.current != op {
		h.mut.Unlock()
		return
	}
	h.current = nil
	h.lastErr = nil
	h.mut.Unlock()

	if err == nil {
		slog.Debug("Operation completed", slog.String("operation", op.String()))
	}
	if op.cb != nil {
		op.cb(err)
	}
}

func (h *Handler) failAll(err error) {
	h.mut.Lock()
	ops := make([]*Operation, 0, len(h.queue)+1)
	if h.current != nil {
		ops = append(ops, h.current)
	}
	ops = append(ops, h.queue...)
	h.current = nil
	h.queue = nil
	h.lastErr = nil
	h.mut.Unlock()

	for _, op := range ops {
		if op.cb != nil {
			op.cb(err)
		}
	}
}
