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

package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the subset of clockwork.Clock the limiter needs.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type Config struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

func DefaultConfig() Config {
	return Config{
		Requests: 3,
		Window:   time.Second,
	}
}

// Limiter admits at most Requests calls in any rolling Window.
// It keeps a log of admission times and, when the log is full, waits for
// the oldest entry to age out of the window.
type Limiter struct {
	requests int
	window   time.Duration
	clock    Clock

	mu       sync.Mutex
	admitted []time.Time
}

type Option func(*Limiter)

func WithClock(c Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// New returns a limiter. A non-positive request count or window disables limiting.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		requests: cfg.Requests,
		window:   cfg.Window,
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.requests > 0 {
		l.admitted = make([]time.Time, 0, l.requests)
	}
	return l
}

// Admit blocks until one more request fits in the window, then records it.
// It only fails when ctx is done first.
func (l *Limiter) Admit(ctx context.Context) error {
	if l == nil || l.requests <= 0 || l.window <= 0 {
		return nil
	}

	for {
		l.mu.Lock()
		now := l.clock.Now()
		l.expire(now)
		if len(l.admitted) < l.requests {
			l.admitted = append(l.admitted, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.admitted[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(wait):
		}
	}
}

// expire drops admissions that are a full window old. Caller holds mu.
func (l *Limiter) expire(now time.Time) {
	n := 0
	for n < len(l.admitted) && now.Sub(l.admitted[n]) >= l.window {
		n++
	}
	if n > 0 {
		l.admitted = append(l.admitted[:0], l.admitted[n:]...)
	}
}
