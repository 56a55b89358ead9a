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

// Package apierr classifies failures talking to the upstream archive API
// and persisting what it returns.
package apierr

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the failure category of an ingestion error.
type Kind string

const (
	KindUnknown             Kind = "Unknown"
	KindTransientNetwork    Kind = "TransientNetwork"
	KindUpstreamRateLimited Kind = "UpstreamRateLimited"
	KindUpstreamClientError Kind = "UpstreamClientError"
	KindValidationError     Kind = "ValidationError"
	KindTransientExhausted  Kind = "TransientExhausted"
	KindStorageError        Kind = "StorageError"
)

// Transient reports whether errors of this kind are expected to clear on retry.
func (k Kind) Transient() bool {
	return k == KindTransientNetwork || k == KindUpstreamRateLimited
}

// Error is a classified ingestion error.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "list archives".
	Op string
	// Status is the HTTP status code, or 0 when no response was received.
	Status int
	// RetryAfter is the upstream's explicit retry instruction, if any.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (http %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf returns a classified error with a formatted message.
func Newf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err is classified as retryable.
func IsTransient(err error) bool {
	return KindOf(err).Transient()
}

// RetryAfter returns the explicit retry delay carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}
