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

// Package registry implements the §4.3 Runner Registry: the authoritative
// in-memory index of runners owned by this manager, keyed by name, with
// reverse indices by provider id and container id. Grounded on narwhal's
// runner/runner.go RunnerRegistry (embedded sync.Mutex + map[*Runner]bool +
// round-robin dispatch) — the maps-guarded-by-one-mutex shape is kept (the
// maps are now keyed by name, provider id and container id rather than by
// pointer), generalized from "is this runner free to take a commit" to the
// full Runner record spec.md §3 describes.
package registry

import (
	"sync"
	"time"

	"github.com/codepr/runnerhub/apperrors"
)

// Status is the runner's lifecycle status (spec.md §3).
type Status string

const (
	StatusStarting Status = "starting"
	StatusIdle     Status = "idle"
	StatusBusy     Status = "busy"
	StatusStopping Status = "stopping"
	StatusOffline  Status = "offline"
	StatusFailed   Status = "failed"
)

// Runner is the in-memory record the Registry indexes.
type Runner struct {
	Name         string
	ProviderID   int64
	ContainerID  string
	Labels       []string
	Repository   string
	Status       Status
	LastHeartbeat time.Time
	CreatedAt    time.Time
}

// StateChange is emitted on every Registry mutation and handed to the
// Persister synchronously, while the Registry's lock is held; the Registry
// does not retry or check the result of persisting it.
type StateChange struct {
	Runner Runner
	At     time.Time
	Reason string
}

// Persister receives StateChange records for durable mirroring. Persist runs
// with the Registry's lock held, so a Persist call that blocks delays every
// Registry mutation and read until it returns.
type Persister interface {
	Persist(StateChange)
}

type noopPersister struct{}

func (noopPersister) Persist(StateChange) {}

// Registry is the single-mutex, map-keyed-by-name index.
type Registry struct {
	mu           sync.RWMutex
	byName       map[string]*Runner
	byProviderID map[int64]*Runner
	byContainer  map[string]*Runner
	persister    Persister
}

// New constructs an empty Registry. Pass nil for persister to use a no-op.
func New(persister Persister) *Registry {
	if persister == nil {
		persister = noopPersister{}
	}
	return &Registry{
		byName:       make(map[string]*Runner),
		byProviderID: make(map[int64]*Runner),
		byContainer:  make(map[string]*Runner),
		persister:    persister,
	}
}

// Insert adds a new runner. Returns Conflict if the name is already taken.
func (r *Registry) Insert(runner Runner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[runner.Name]; exists {
		return apperrors.New(apperrors.Conflict, "runner name already registered: "+runner.Name)
	}
	cp := runner
	r.byName[cp.Name] = &cp
	if cp.ProviderID != 0 {
		r.byProviderID[cp.ProviderID] = &cp
	}
	if cp.ContainerID != "" {
		r.byContainer[cp.ContainerID] = &cp
	}
	r.persister.Persist(StateChange{Runner: cp, At: time.Now(), Reason: "insert"})
	return nil
}

// Get returns a copy of the runner by name.
func (r *Registry) Get(name string) (Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rn, ok := r.byName[name]
	if !ok {
		return Runner{}, false
	}
	return *rn, true
}

// GetByProviderID looks up a runner by its provider-assigned id.
func (r *Registry) GetByProviderID(id int64) (Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rn, ok := r.byProviderID[id]
	if !ok {
		return Runner{}, false
	}
	return *rn, true
}

// GetByContainerID looks up a runner by its bound container id.
func (r *Registry) GetByContainerID(id string) (Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rn, ok := r.byContainer[id]
	if !ok {
		return Runner{}, false
	}
	return *rn, true
}

// Update mutates a runner in place via fn and re-indexes reverse maps.
// Returns NotFound if the name isn't registered.
func (r *Registry) Update(name string, fn func(*Runner)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.byName[name]
	if !ok {
		return apperrors.New(apperrors.NotFound, "no such runner: "+name)
	}
	if rn.ProviderID != 0 {
		delete(r.byProviderID, rn.ProviderID)
	}
	if rn.ContainerID != "" {
		delete(r.byContainer, rn.ContainerID)
	}
	fn(rn)
	if rn.ProviderID != 0 {
		r.byProviderID[rn.ProviderID] = rn
	}
	if rn.ContainerID != "" {
		r.byContainer[rn.ContainerID] = rn
	}
	r.persister.Persist(StateChange{Runner: *rn, At: time.Now(), Reason: "update"})
	return nil
}

// Remove deletes a runner from all indices. Idempotent: removing an absent
// runner is not an error.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.byName[name]
	if !ok {
		return
	}
	delete(r.byName, name)
	if rn.ProviderID != 0 {
		delete(r.byProviderID, rn.ProviderID)
	}
	if rn.ContainerID != "" {
		delete(r.byContainer, rn.ContainerID)
	}
	r.persister.Persist(StateChange{Runner: *rn, At: time.Now(), Reason: "remove"})
}

// Snapshot returns a consistent point-in-time copy of every runner,
// optionally filtered to a repository scope ("" = all). A filtered snapshot
// also includes runners with no repository binding (empty Repository).
func (r *Registry) Snapshot(repo string) []Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Runner, 0, len(r.byName))
	for _, rn := range r.byName {
		if repo != "" && rn.Repository != repo && rn.Repository != "" {
			continue
		}
		out = append(out, *rn)
	}
	return out
}

// Len reports the number of registered runners.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
