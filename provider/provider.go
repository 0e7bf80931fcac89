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

// Package provider implements the §4.1 Provider Client: the capability
// interface the Autoscaler and Lifecycle Manager use to enumerate runners,
// mint one-shot registration tokens and deregister runners from the
// source-control provider. Grounded on narwhal's agent/handlers.go, which is
// the only place in the teacher repo that touches go-github; everything
// else here (rate limiting, retry/backoff) is new, built in narwhal's idiom
// of small capability interfaces with a single concrete implementation plus
// a fake for tests.
package provider

import (
	"context"
	"time"
)

// Status mirrors the provider wire contract's runner status field.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// RunnerInfo is what the provider reports about a runner it knows of.
type RunnerInfo struct {
	ID     int64
	Name   string
	Status Status
	Busy   bool
	Labels []string
}

// Token is a one-shot, short-lived registration credential. It must never be
// logged or persisted beyond the single Create call that consumes it.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Client is the capability interface consumed by the rest of the system.
// Tests substitute *FakeClient; production wires *GitHubClient.
type Client interface {
	// ListRunners returns all runners known to the provider for repo.
	// Errors are soft: on failure callers receive (nil, err) and are
	// expected to mark the caller's view stale rather than halt.
	ListRunners(ctx context.Context, repo string) ([]RunnerInfo, error)
	// MintRegistrationToken issues a one-shot credential scoped to repo.
	MintRegistrationToken(ctx context.Context, repo string) (Token, error)
	// DeleteRunner is idempotent: deleting an already-absent runner
	// returns nil (NotFound is success for this destructive operation).
	DeleteRunner(ctx context.Context, repo string, providerRunnerID int64) error
}

// DefaultCallTimeout bounds every GitHubClient call (a shorter deadline
// already on the caller's ctx still wins), per spec.md §4.1 ("per-call
// timeout, default 15s").
const DefaultCallTimeout = 15 * time.Second
