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

// Package container implements the §4.2 Container Driver: a thin adapter
// over a container runtime exposing create/start/stop/remove/exec/stats.
// Grounded on narwhal's core/container.go and backend/runner.go, both of
// which drive github.com/docker/docker's client package directly
// (ImagePull, ContainerCreate, ContainerStart, ContainerWait, ContainerLogs
// + stdcopy); this package generalizes that one-shot "run a commit's
// container" flow into the full create/stop/remove/exec/stats surface the
// Lifecycle Manager needs.
package container

import (
	"context"
	"io"
	"time"
)

// DesiredState is the Container Record's desired state (spec.md §3).
type DesiredState string

const (
	StateCreated DesiredState = "created"
	StateRunning DesiredState = "running"
	StateStopped DesiredState = "stopped"
	StateRemoved DesiredState = "removed"
	StateErrored DesiredState = "errored"
)

// RestartPolicy mirrors the driver spec field: ephemeral runners default to
// auto-remove on exit, everything else restarts on failure.
type RestartPolicy struct {
	Ephemeral   bool
	MaxRestarts int
}

// Spec describes a container to create.
type Spec struct {
	Name          string
	Image         string
	Env           map[string]string
	Labels        map[string]string
	Restart       RestartPolicy
	CPULimit      float64 // fractional cores, 0 = unbounded
	MemoryLimitMB int64   // 0 = unbounded
	Network       string
	Volumes       []VolumeMount
}

type VolumeMount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// ResourceSample is the driver's raw snapshot before EWMA smoothing is
// applied by the Lifecycle Manager's sampler.
type ResourceSample struct {
	CPUPercent float64
	MemoryBytes uint64
	NetRxBytes  uint64
	NetTxBytes  uint64
	SampledAt   time.Time
}

// ExecOptions bounds an Exec call's output buffering, per spec.md §4.4
// ("bounded buffer, default 64 KiB per stream").
type ExecOptions struct {
	Timeout       time.Duration
	MaxStreamBytes int
}

// DefaultMaxStreamBytes is the default bound on stdout/stderr capture.
const DefaultMaxStreamBytes = 64 * 1024

// ExecResult is the outcome of Exec.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// InspectResult is the driver's observed state for a container id.
type InspectResult struct {
	ID        string
	Running   bool
	ExitCode  int
	StartedAt time.Time
	Error     string
}

// Driver is the capability interface the Lifecycle Manager depends on.
// Production is backed by DockerDriver; tests substitute FakeDriver.
type Driver interface {
	Create(ctx context.Context, spec Spec) (id string, err error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, gracefulTimeout time.Duration) error
	Remove(ctx context.Context, id string, force bool) error
	Stats(ctx context.Context, id string) (ResourceSample, error)
	Exec(ctx context.Context, id string, argv []string, opts ExecOptions) (ExecResult, error)
	Inspect(ctx context.Context, id string) (InspectResult, error)
}

// streamWriter caps how much of an exec stream is retained: it keeps only
// the first limit bytes and silently discards the rest, so the tail of a
// long stream is lost and nothing records that truncation happened
// (callers don't need the tail for exit-code interpretation).
type streamWriter struct {
	buf   []byte
	limit int
}

func newStreamWriter(limit int) *streamWriter {
	if limit <= 0 {
		limit = DefaultMaxStreamBytes
	}
	return &streamWriter{limit: limit}
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if len(w.buf) >= w.limit {
		return len(p), nil
	}
	remaining := w.limit - len(w.buf)
	if remaining > len(p) {
		remaining = len(p)
	}
	w.buf = append(w.buf, p[:remaining]...)
	return len(p), nil
}

var _ io.Writer = (*streamWriter)(nil)
