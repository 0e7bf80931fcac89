// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package apperrors carries the tagged error taxonomy shared by every
// component: Provider Client, Container Driver, Registry, Lifecycle Manager,
// Autoscaler and Dispatcher all return *Error instead of bare errors.New, so
// callers can branch on Kind instead of matching strings.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind is a stable identifier suitable for monitoring alerts; it never
// changes meaning once shipped.
type Kind string

const (
	// Transient covers transport, timeout, 5xx and rate-limited responses.
	// Callers retry with backoff, bounded per-caller.
	Transient Kind = "transient"
	// NotFound means the entity is absent at the source of truth. Treated
	// as success for destructive operations, as an error for reads.
	NotFound Kind = "not_found"
	// Conflict is a concurrent modification or name collision. Retry once
	// after a re-read, otherwise surface.
	Conflict Kind = "conflict"
	// PreconditionFailed is a state-machine violation, e.g. stop on an
	// already-Removed container. Never retried.
	PreconditionFailed Kind = "precondition_failed"
	// Invalid means caller input failed validation; surfaced verbatim.
	Invalid Kind = "invalid"
	// Internal means an invariant was broken or unexpected state was
	// observed. Logged with stack, component marked degraded.
	Internal Kind = "internal"
	// Unauthorized means the Provider rejected credentials. Pool
	// operations halt on repeated Unauthorized errors.
	Unauthorized Kind = "unauthorized"
)

// Error is the concrete tagged-variant type every component returns.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches kind/message context to an existing cause. The result always
// carries the given kind; a Kind already carried by cause is not consulted.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to Internal when err does
// not carry one of our tagged variants anywhere in its chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err's (or any wrapped err's) Kind equals kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the policy for kind calls for a retry.
// Transient is always retryable; Conflict is retryable exactly once by
// convention enforced by the caller, so it is reported retryable here and
// callers are responsible for bounding attempts.
func Retryable(kind Kind) bool {
	switch kind {
	case Transient, Conflict:
		return true
	default:
		return false
	}
}
