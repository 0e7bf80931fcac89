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

package container

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codepr/runnerhub/apperrors"
)

// FakeDriver is an in-memory Driver for tests, per the "mocked singletons"
// design note: the Lifecycle Manager depends on the Driver interface, never
// on *DockerDriver directly.
type FakeDriver struct {
	mu       sync.Mutex
	counter  int
	created  map[string]Spec
	running  map[string]bool
	removed  map[string]bool
	CreateErr error
	StatsFn  func(id string) (ResourceSample, error)
}

func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		created: make(map[string]Spec),
		running: make(map[string]bool),
		removed: make(map[string]bool),
	}
}

func (f *FakeDriver) Create(ctx context.Context, spec Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		err := f.CreateErr
		f.CreateErr = nil
		return "", err
	}
	f.counter++
	id := fmt.Sprintf("fake-container-%d", f.counter)
	f.created[id] = spec
	return id, nil
}

func (f *FakeDriver) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.created[id]; !ok {
		return apperrors.New(apperrors.NotFound, "no such container")
	}
	f.running[id] = true
	return nil
}

func (f *FakeDriver) Stop(ctx context.Context, id string, gracefulTimeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[id] = false
	return nil
}

func (f *FakeDriver) Remove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removed[id] {
		return nil
	}
	f.removed[id] = true
	delete(f.created, id)
	delete(f.running, id)
	return nil
}

func (f *FakeDriver) Stats(ctx context.Context, id string) (ResourceSample, error) {
	f.mu.Lock()
	fn := f.StatsFn
	f.mu.Unlock()
	if fn != nil {
		return fn(id)
	}
	return ResourceSample{CPUPercent: 10, MemoryBytes: 1 << 20, SampledAt: time.Now()}, nil
}

func (f *FakeDriver) Exec(ctx context.Context, id string, argv []string, opts ExecOptions) (ExecResult, error) {
	return ExecResult{Stdout: []byte("ok"), ExitCode: 0}, nil
}

func (f *FakeDriver) Inspect(ctx context.Context, id string) (InspectResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	running, ok := f.running[id]
	if !ok {
		return InspectResult{}, apperrors.New(apperrors.NotFound, "no such container")
	}
	return InspectResult{ID: id, Running: running}, nil
}

var _ Driver = (*FakeDriver)(nil)
