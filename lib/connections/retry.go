// Copyright (C) 2026 The Thali Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	MaxRetries    int           // Maximum number of retries
	BaseDelay     time.Duration // Delay before the first retry
	MaxDelay      time.Duration // Upper bound for any single delay
	Jitter        float64       // Jitter factor (0.0 to 1.0)
	BackoffFactor float64       // Exponential backoff factor
}

// DefaultRetryConfig is tuned for peers on the same local network, where
// a dial either works within a second or the peer is gone.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    4,
		BaseDelay:     250 * time.Millisecond,
		MaxDelay:      4 * time.Second,
		Jitter:        0.1,
		BackoffFactor: 2.0,
	}
}

// AdaptiveRetryConfig returns the retry configuration for errors of the
// given category.
func AdaptiveRetryConfig(category ErrorCategory) RetryConfig {
	config := DefaultRetryConfig()

	switch category {
	case ErrorCategoryConnectionReset:
		config.MaxRetries = 3
		config.BaseDelay = 100 * time.Millisecond
		config.MaxDelay = 2 * time.Second
		config.BackoffFactor = 1.5
	case ErrorCategoryTimeout:
		// The handshake deadline already burnt a lot of time.
		config.MaxRetries = 2
		config.BaseDelay = 500 * time.Millisecond
		config.MaxDelay = 4 * time.Second
		config.BackoffFactor = 2.5
	case ErrorCategoryConnectionRefused:
		// The peer may be restarting its listener after a network change.
		config.MaxRetries = 5
		config.BaseDelay = 250 * time.Millisecond
		config.MaxDelay = 4 * time.Second
	case ErrorCategoryNetworkUnreachable, ErrorCategoryNetworkDown:
		config.MaxRetries = 3
		config.BaseDelay = time.Second
		config.MaxDelay = 8 * time.Second
		config.BackoffFactor = 3.0
	case ErrorCategoryHostUnreachable:
		config.MaxRetries = 3
		config.BaseDelay = 500 * time.Millisecond
		config.MaxDelay = 4 * time.Second
	case ErrorCategoryHandshake:
		config.MaxRetries = 0
	default:
		config.MaxRetries = 3
	}

	return config
}

// calculateBackoff calculates the backoff time for a retry attempt
func calculateBackoff(config RetryConfig, attempt int) time.Duration {
	factor := config.BackoffFactor
	if factor <= 0 {
		factor = DefaultRetryConfig().BackoffFactor
	}
	delay := float64(config.BaseDelay) * math.Pow(factor, float64(attempt))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	// Jitter between (1-jitter) and (1+jitter) so that peers reacting to
	// the same announcement do not dial in lock step.
	if config.Jitter > 0 && config.Jitter <= 1.0 {
		delay *= 1.0 - config.Jitter + rand.Float64()*2*config.Jitter
	}

	return time.Duration(delay)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that Retry gives up immediately and returns it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

// RetryFunc is a function that can be retried
type RetryFunc func(ctx context.Context) error

// Retry calls fn until it succeeds, returns a Permanent error, the
// retries are exhausted or ctx is done. The last error is returned with
// any Permanent marker removed.
func Retry(ctx context.Context, config RetryConfig, fn RetryFunc) error {
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		// A timer and ctx firing together are picked at random by select.
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if attempt == config.MaxRetries {
			break
		}

		timer := time.NewTimer(calculateBackoff(config, attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return lastErr
}

// RetryAdaptive makes a first attempt and, if it fails, keeps retrying
// with the configuration matching the category of that failure.
// Non-retryable categories end the loop at once.
func RetryAdaptive(ctx context.Context, fn RetryFunc) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return perm.err
	}
	cat := categorizeError(err)
	if !cat.Retryable() {
		return err
	}
	config := AdaptiveRetryConfig(cat)
	if config.MaxRetries == 0 {
		return err
	}
	config.MaxRetries--

	timer := time.NewTimer(calculateBackoff(config, 0))
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	}
	return Retry(ctx, config, fn)
}

// RetryWithBackoff executes a function with exponential backoff and jitter
func RetryWithBackoff(ctx context.Context, maxRetries int, baseDelay, maxDelay time.Duration, fn RetryFunc) error {
	config := RetryConfig{
		MaxRetries:    maxRetries,
		BaseDelay:     baseDelay,
		MaxDelay:      maxDelay,
		Jitter:        0.1,
		BackoffFactor: 2.0,
	}
	return Retry(ctx, config, fn)
}
