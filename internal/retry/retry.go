// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package retry runs a single upstream call with bounded, exponentially
// spaced retries on transient failures.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"

	"github.com/cardinalhq/chessbi/internal/apierr"
	"github.com/cardinalhq/chessbi/internal/logctx"
)

// Policy bounds how often and how far apart a call is attempted.
type Policy struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    30 * time.Second,
	}
}

// Decision is what to do after a failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Backoff returns the computed delay after the given 1-based attempt.
// The sequence is non-decreasing and never exceeds MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxDelay,
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	if b.MaxInterval <= 0 || b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Decide is a pure function of the attempt just completed and its error.
// Only transient kinds are retried, and only while attempts remain. An
// explicit retry-after from the upstream replaces the computed delay.
func (p Policy) Decide(attempt int, err error) Decision {
	if err == nil || !apierr.IsTransient(err) || attempt >= p.maxAttempts() {
		return Decision{}
	}
	if after, ok := apierr.RetryAfter(err); ok {
		return Decision{Retry: true, Delay: after}
	}
	return Decision{Retry: true, Delay: p.Backoff(attempt)}
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Gate is consulted before every attempt, retries included.
type Gate interface {
	Admit(ctx context.Context) error
}

// Clock is the subset of clockwork.Clock used to wait between attempts.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type options struct {
	clock  Clock
	op     string
	notify func(attempt int, err error, delay time.Duration)
}

type Option func(*options)

func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithOp names the operation in logs and in the exhausted error.
func WithOp(op string) Option {
	return func(o *options) { o.op = op }
}

// WithNotify registers a callback invoked before each retry wait.
func WithNotify(f func(attempt int, err error, delay time.Duration)) Option {
	return func(o *options) { o.notify = f }
}

// Do invokes action until it succeeds, fails permanently, or the policy's
// attempts are used up. Each attempt passes gate first. Running out of
// attempts on a transient failure yields an apierr.KindTransientExhausted
// error wrapping the last failure.
func Do[T any](ctx context.Context, p Policy, gate Gate, action func(context.Context) (T, error), opts ...Option) (T, error) {
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	ll := logctx.FromContext(ctx)

	var zero T
	for attempt := 1; ; attempt++ {
		if gate != nil {
			if err := gate.Admit(ctx); err != nil {
				return zero, err
			}
		}

		res, err := action(ctx)
		if err == nil {
			return res, nil
		}

		d := p.Decide(attempt, err)
		if !d.Retry {
			if apierr.IsTransient(err) {
				return zero, &apierr.Error{
					Kind: apierr.KindTransientExhausted,
					Op:   o.op,
					Err:  fmt.Errorf("gave up after %d attempts: %w", attempt, err),
				}
			}
			return zero, err
		}

		ll.Warn("Retrying upstream call",
			slog.String("op", o.op),
			slog.Int("attempt", attempt),
			slog.Int("maxAttempts", p.maxAttempts()),
			slog.Duration("delay", d.Delay),
			slog.Any("error", err))
		if o.notify != nil {
			o.notify(attempt, err, d.Delay)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-o.clock.After(d.Delay):
		}
	}
}
