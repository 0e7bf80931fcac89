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

package provider

import (
	"context"
	"fmt"
	"sync"
)

// FakeClient is an in-memory Client for tests, matching the "mocked
// singletons in tests" design note's resolution: Provider Client is a
// capability interface, tests supply an in-memory fake rather than
// monkey-patching a package-level singleton.
type FakeClient struct {
	mu        sync.Mutex
	runners   map[int64]RunnerInfo
	nextID    int64
	FailNext  error
	mintCount int
}

func NewFakeClient() *FakeClient {
	return &FakeClient{runners: make(map[int64]RunnerInfo), nextID: 1}
}

func (f *FakeClient) ListRunners(ctx context.Context, repo string) ([]RunnerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	out := make([]RunnerInfo, 0, len(f.runners))
	for _, r := range f.runners {
		out = append(out, r)
	}
	return out, nil
}

func (f *FakeClient) MintRegistrationToken(ctx context.Context, repo string) (Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return Token{}, err
	}
	f.mintCount++
	return Token{Value: fmt.Sprintf("fake-token-%d", f.mintCount)}, nil
}

func (f *FakeClient) DeleteRunner(ctx context.Context, repo string, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return err
	}
	delete(f.runners, id)
	return nil
}

// RegisterRunner is test-only scaffolding simulating the provider side
// effect of a runner container successfully registering.
func (f *FakeClient) RegisterRunner(name string, labels []string) RunnerInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	r := RunnerInfo{ID: id, Name: name, Status: StatusOnline, Labels: labels}
	f.runners[id] = r
	return r
}

func (f *FakeClient) SetBusy(id int64, busy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.runners[id]; ok {
		r.Busy = busy
		f.runners[id] = r
	}
}

func (f *FakeClient) takeFailure() error {
	if f.FailNext != nil {
		err := f.FailNext
		f.FailNext = nil
		return err
	}
	return nil
}
