// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retry provides exponential backoff with jitter.
//
// With jitter enabled the delay for attempt k is drawn uniformly from
// [d/2, d) where d = min(InitialInterval * Multiplier^(k-1), MaxInterval).
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	// MaxAttempts bounds WithRetry, counting the first call.
	MaxAttempts int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxAttempts:     5,
	}
}

// ExponentialBackoff returns the delay to wait before retry attempt k,
// counting from 1.
func ExponentialBackoff(config BackoffConfig) func(k int) time.Duration {
	mult := config.Multiplier
	if mult < 1 {
		mult = 2
	}
	return func(k int) time.Duration {
		if k < 1 {
			k = 1
		}
		interval := float64(config.InitialInterval) * math.Pow(mult, float64(k-1))
		if config.MaxInterval > 0 && interval > float64(config.MaxInterval) {
			interval = float64(config.MaxInterval)
		}
		d := time.Duration(interval)
		if config.Jitter && d >= 2 {
			d = d/2 + time.Duration(rand.Int63n(int64(d/2)))
		}
		return d
	}
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// StopError wraps an error that must not be retried.
type StopError struct {
	Err error
}

func (s StopError) Error() string { return s.Err.Error() }
func (s StopError) Unwrap() error { return s.Err }
func (s StopError) Cause() error  { return s.Err }

// Stop marks err so WithRetry returns it at once.
func Stop(err error) error {
	return StopError{Err: err}
}

// DelayError wraps a retryable error that carries the server's
// requested wait.
type DelayError struct {
	Err   error
	Delay time.Duration
}

func (d DelayError) Error() string { return d.Err.Error() }
func (d DelayError) Unwrap() error { return d.Err }
func (d DelayError) Cause() error  { return d.Err }

// After marks err so WithRetry waits at least d before the next call.
// A non-positive d leaves err unchanged.
func After(err error, d time.Duration) error {
	if err == nil || d <= 0 {
		return err
	}
	return DelayError{Err: err, Delay: d}
}

// RequestedDelay returns the wait attached to err by After, or zero.
func RequestedDelay(err error) time.Duration {
	var d DelayError
	if errors.As(err, &d) {
		return d.Delay
	}
	return 0
}

// WithRetry calls fn until it succeeds, returns a StopError, or
// config.MaxAttempts calls have been made.  Between calls it waits
// the backoff delay, or longer if fn's error asked for it with After.
func WithRetry(ctx context.Context, config BackoffConfig, fn func() error) error {
	backoff := ExponentialBackoff(config)
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := backoff(attempt - 1)
			if d := RequestedDelay(lastErr); d > delay {
				delay = d
			}
			if err := Sleep(ctx, delay); err != nil {
				return errors.Wrap(err, "retry cancelled")
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		var stop StopError
		if errors.As(err, &stop) {
			return stop.Err
		}
		lastErr = err
	}
	return errors.Wrapf(lastErr, "giving up after %d attempts", attempts)
}
