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

package store

import "sync"

// Memory is an in-memory Store for tests and the reconcile examples,
// grounded on narwhal's own "temporary database... just carry a mapping"
// commitstore/repostore shape.
type Memory struct {
	mu      sync.Mutex
	runners map[string]RunnerRow
	pools   map[string]PoolRow
	jobs    map[string]JobRow
	events  []ScalingEventRow
}

func NewMemory() *Memory {
	return &Memory{
		runners: make(map[string]RunnerRow),
		pools:   make(map[string]PoolRow),
		jobs:    make(map[string]JobRow),
	}
}

func (m *Memory) UpsertRunner(r RunnerRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runners[r.Name] = r
	return nil
}

func (m *Memory) DeleteRunner(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runners, name)
	return nil
}

func (m *Memory) ListRunners() ([]RunnerRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunnerRow, 0, len(m.runners))
	for _, r := range m.runners {
		out = append(out, r)
	}
	return out, nil
}

func (m *Memory) UpsertPool(p PoolRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[p.RepoGlob] = p
	return nil
}

func (m *Memory) ListPools() ([]PoolRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PoolRow, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p)
	}
	return out, nil
}

func (m *Memory) UpsertJob(j JobRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j
	return nil
}

func (m *Memory) ListJobs(repository string) ([]JobRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobRow, 0)
	for _, j := range m.jobs {
		if j.Repository == repository {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *Memory) AppendScalingEvent(e ScalingEventRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *Memory) Events() []ScalingEventRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ScalingEventRow(nil), m.events...)
}

var _ Store = (*Memory)(nil)
