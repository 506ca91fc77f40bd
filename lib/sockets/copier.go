// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package sockets

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	metrics "github.com/rcrowley/go-metrics"
	"golang.org/x/time/rate"

	"github.com/thaliproject/thali/internal/slogutil"
)

// DefaultBufferSize is the copy buffer size used unless SetBufferSize is
// called.
const DefaultBufferSize = 8 << 10

var (
	ErrInvalidBufferSize = errors.New("buffer size must be positive")
	ErrAlreadyStarted    = errors.New("copier already started")
)

// StreamCopyListener receives the outcome of a StreamCopier. Exactly one
// of StreamCopySucceeded and StreamCopyFailed is called, unless the
// copier was closed first.
type StreamCopyListener interface {
	StreamCopySucceeded(c *StreamCopier, total int64)
	StreamCopyFailed(c *StreamCopier, err error)
	// StreamCopyProgress is only called when progress notifications are
	// enabled.
	StreamCopyProgress(c *StreamCopier, n int)
}

type flusher interface {
	Flush() error
}

// StreamCopier copies everything from a reader to a writer on its own
// goroutine.
type StreamCopier struct {
	name     string
	src      io.Reader
	dst      io.Writer
	listener StreamCopyListener

	mut            sync.Mutex
	bufSize        int
	notifyProgress bool
	limiter        *rate.Limiter
	started        bool
	closed         bool

	total  atomic.Int64
	meter  metrics.Meter
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewStreamCopier(name string, src io.Reader, dst io.Writer, listener StreamCopyListener) *StreamCopier {
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamCopier{
		name:     name,
		src:      src,
		dst:      dst,
		listener: listener,
		bufSize:  DefaultBufferSize,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (c *StreamCopier) String() string {
	return c.name
}

// SetBufferSize sets the size of the copy buffer. It must be called before
// Start.
func (c *StreamCopier) SetBufferSize(n int) error {
	if n <= 0 {
		return ErrInvalidBufferSize
	}
	c.mut.Lock()
	defer c.mut.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	c.bufSize = n
	return nil
}

func (c *StreamCopier) SetNotifyProgress(notify bool) {
	c.mut.Lock()
	c.notifyProgress = notify
	c.mut.Unlock()
}

// SetLimiter throttles the copier to the limiter's rate, in bytes. A nil
// limiter disables throttling.
func (c *StreamCopier) SetLimiter(l *rate.Limiter) {
	c.mut.Lock()
	c.limiter = l
	c.mut.Unlock()
}

// Start launches the copy goroutine. Calling Start twice is a no-op.
func (c *StreamCopier) Start() {
	c.mut.Lock()
	if c.started || c.closed {
		c.mut.Unlock()
		return
	}
	c.started = true
	c.meter = metrics.NewMeter()
	bufSize := c.bufSize
	c.mut.Unlock()

	go c.run(bufSize)
}

// Close stops the copier. No listener callback starts once Close has
// been called; a callback that started before may still be running, and
// may itself call Close. The source is closed if it is an io.Closer, to
// unblock a pending read.
func (c *StreamCopier) Close() error {
	c.mut.Lock()
	if c.closed {
		c.mut.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	c.mut.Unlock()

	c.cancel()
	if !started {
		close(c.done)
	}
	if cl, ok := c.src.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

// Done is closed when the copy goroutine has exited, or when a copier
// that was never started is closed.
func (c *StreamCopier) Done() <-chan struct{} {
	return c.done
}

// Bytes returns the number of bytes copied so far.
func (c *StreamCopier) Bytes() int64 {
	return c.total.Load()
}

// Rate1 returns the one-minute moving average throughput in bytes per
// second.
func (c *StreamCopier) Rate1() float64 {
	c.mut.Lock()
	m := c.meter
	c.mut.Unlock()
	if m == nil {
		return 0
	}
	return m.Rate1()
}

func (c *StreamCopier) run(bufSize int) {
	defer close(c.done)
	defer c.meter.Stop()

	buf := make([]byte, bufSize)
	for {
		n, rerr := c.src.Read(buf)
		if n > 0 {
			if err := c.wait(n); err != nil {
				c.fail(err)
				return
			}
			if _, err := c.dst.Write(buf[:n]); err != nil {
				c.fail(err)
				return
			}
			if f, ok := c.dst.(flusher); ok {
				if err := f.Flush(); err != nil {
					c.fail(err)
					return
				}
			}
			c.total.Add(int64(n))
			c.meter.Mark(int64(n))
			c.progress(n)
		}
		if errors.Is(rerr, io.EOF) {
			c.succeed()
			return
		}
		if rerr != nil {
			c.fail(rerr)
			return
		}
	}
}

func (c *StreamCopier) wait(n int) error {
	c.mut.Lock()
	l := c.limiter
	c.mut.Unlock()
	if l == nil {
		return nil
	}
	for n > 0 {
		chunk := min(n, l.Burst())
		if chunk <= 0 {
			return nil
		}
		if err := l.WaitN(c.ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func (c *StreamCopier) isClosed() bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.closed
}

func (c *StreamCopier) progress(n int) {
	c.mut.Lock()
	notify := c.notifyProgress && !c.closed
	c.mut.Unlock()
	if notify {
		c.listener.StreamCopyProgress(c, n)
	}
}

func (c *StreamCopier) succeed() {
	if c.isClosed() {
		return
	}
	slog.Debug("Stream copy finished", slog.String("copier", c.name), slog.Int64("bytes", c.Bytes()))
	c.listener.StreamCopySucceeded(c, c.Bytes())
}

func (c *StreamCopier) fail(err error) {
	if c.isClosed() {
		return
	}
	slog.Debug("Stream copy failed", slog.String("copier", c.name), slogutil.Error(err))
	c.listener.StreamCopyFailed(c, err)
}
