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

// Package clocktest provides a clock for tests that never really sleeps.
package clocktest

import (
	"sync"
	"time"
)

// Stepping is a fake clock whose After jumps the current time forward by the
// requested duration and fires immediately. Every wait is recorded.
type Stepping struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

// NewStepping returns a Stepping clock starting at start.
func NewStepping(start time.Time) *Stepping {
	return &Stepping{now: start}
}

func (s *Stepping) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *Stepping) After(d time.Duration) <-chan time.Time {
	s.mu.Lock()
	if d > 0 {
		s.now = s.now.Add(d)
	}
	s.waits = append(s.waits, d)
	now := s.now
	s.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Advance moves the clock forward without recording a wait.
func (s *Stepping) Advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()
}

// Waits returns a copy of every duration passed to After.
func (s *Stepping) Waits() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}
