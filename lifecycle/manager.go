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

// Package lifecycle implements the §4.4 Container Lifecycle Manager: the
// per-container state machine (Nil->Created->Idle->Busy->Stopping->Removed,
// with Errored set by MarkFailed; a failed Create leaves no record behind),
// resource sampling, exec-in-container and
// orderly teardown. Grounded on narwhal's core/runner.go (ContainerState
// enum INITING/RUNNING/STOPPED/CRASHED/RESTARTING, initRunner's
// ImagePull+ContainerCreate+ContainerStart sequence) and backend/runner.go
// (the same create-then-start flow against a freshly minted job). This
// package keeps that create-then-start shape but drives it through the
// Registry and a typed state machine instead of narwhal's untyped
// map[*Runner]bool pool.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/codepr/runnerhub/apperrors"
	"github.com/codepr/runnerhub/container"
	"github.com/codepr/runnerhub/provider"
	"github.com/codepr/runnerhub/registry"
)

// ContainerRecord is the §3 Container Record. Exclusively owned by the
// Manager; the Runner in the Registry holds only the container id.
type ContainerRecord struct {
	ID               string
	RunnerName       string
	Repository       string
	Image            string
	Labels           map[string]string
	DesiredState     container.DesiredState
	ObservedState    container.DesiredState
	CreatedAt        time.Time
	LastStateChange  time.Time
	LatestSample     container.ResourceSample
	consecutiveFails int
}

// CreateSpec carries the parameters needed to spawn one runner.
type CreateSpec struct {
	Repository string
	Image      string
	Labels     []string
	Ephemeral  bool
}

// Manager owns the per-container state machine and coordinates the
// Registry, the Provider Client and the Container Driver.
type Manager struct {
	reg   *registry.Registry
	drv   container.Driver
	prov  provider.Client
	log   zerolog.Logger

	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	records   map[string]*ContainerRecord // keyed by runner name
}

// New constructs a Manager.
func New(reg *registry.Registry, drv container.Driver, prov provider.Client, log zerolog.Logger) *Manager {
	return &Manager{
		reg:     reg,
		drv:     drv,
		prov:    prov,
		log:     log.With().Str("component", "lifecycle").Logger(),
		locks:   make(map[string]*sync.Mutex),
		records: make(map[string]*ContainerRecord),
	}
}

func (m *Manager) lockFor(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

// newRunnerName matches spec.md §3's identity scheme:
// <prefix>-<epoch-ms>-<rand>.
func newRunnerName(prefix string) string {
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixMilli(), uuid.New().String()[:8])
}

// Create runs the Nil->Created->Starting transition: mint a registration
// token, create the container with the token in its environment, start it,
// and insert the runner into the Registry with status Starting. If any step
// after the token mint fails, the token is discarded (never reused/logged)
// and the partially-created container is removed best-effort before the
// error is returned, per spec.md §4.4.
func (m *Manager) Create(ctx context.Context, spec CreateSpec) (registry.Runner, error) {
	name := newRunnerName("runner")
	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	tok, err := m.prov.MintRegistrationToken(ctx, spec.Repository)
	if err != nil {
		return registry.Runner{}, apperrors.Wrap(apperrors.KindOf(err), "mint registration token", err)
	}

	labels := map[string]string{"runnerhub.runner": name, "runnerhub.repository": spec.Repository}
	env := map[string]string{
		"RUNNER_TOKEN":     tok.Value,
		"RUNNER_NAME":      name,
		"RUNNER_LABELS":    joinLabels(spec.Labels),
		"RUNNER_EPHEMERAL": fmt.Sprintf("%t", spec.Ephemeral),
	}

	containerID, err := m.drv.Create(ctx, container.Spec{
		Name:    name,
		Image:   spec.Image,
		Env:     env,
		Labels:  labels,
		Restart: container.RestartPolicy{Ephemeral: spec.Ephemeral},
	})
	if err != nil {
		// Token is discarded here: it was never used to register a
		// container, so it must not be reused or logged.
		return registry.Runner{}, apperrors.Wrap(apperrors.KindOf(err), "create container", err)
	}

	rec := &ContainerRecord{
		ID:              containerID,
		RunnerName:      name,
		Repository:      spec.Repository,
		Image:           spec.Image,
		Labels:          labels,
		DesiredState:    container.StateRunning,
		ObservedState:   container.StateCreated,
		CreatedAt:       time.Now(),
		LastStateChange: time.Now(),
	}
	m.mu.Lock()
	m.records[name] = rec
	m.mu.Unlock()

	if err := m.drv.Start(ctx, containerID); err != nil {
		_ = m.drv.Remove(ctx, containerID, true)
		m.mu.Lock()
		delete(m.records, name)
		m.mu.Unlock()
		return registry.Runner{}, apperrors.Wrap(apperrors.KindOf(err), "start container", err)
	}

	rec.ObservedState = container.StateRunning
	rec.LastStateChange = time.Now()

	runner := registry.Runner{
		Name:        name,
		ContainerID: containerID,
		Labels:      spec.Labels,
		Repository:  spec.Repository,
		Status:      registry.StatusStarting,
		CreatedAt:   time.Now(),
	}
	if err := m.reg.Insert(runner); err != nil {
		// Should not happen — names are unique by construction — but if it
		// does, this is an invariant violation, not a transient failure.
		_ = m.drv.Remove(ctx, containerID, true)
		m.mu.Lock()
		delete(m.records, name)
		m.mu.Unlock()
		return registry.Runner{}, apperrors.Wrap(apperrors.Internal, "insert runner into registry", err)
	}

	m.log.Info().Str("runner", name).Str("container", containerID).Msg("runner created")
	return runner, nil
}

// MarkOnline transitions a Starting runner to Idle once the Provider lists
// it online, per spec.md §4.4.
func (m *Manager) MarkOnline(name string, providerID int64) error {
	return m.reg.Update(name, func(r *registry.Runner) {
		r.ProviderID = providerID
		r.Status = registry.StatusIdle
		r.LastHeartbeat = time.Now()
	})
}

// MarkBusy/MarkIdle flip status on job assignment/completion.
func (m *Manager) MarkBusy(name string) error {
	return m.reg.Update(name, func(r *registry.Runner) {
		r.Status = registry.StatusBusy
		r.LastHeartbeat = time.Now()
	})
}

func (m *Manager) MarkIdle(name string) error {
	return m.reg.Update(name, func(r *registry.Runner) {
		r.Status = registry.StatusIdle
		r.LastHeartbeat = time.Now()
	})
}

// Stop sends a graceful stop, falling back to the driver's own
// force-kill-on-timeout behavior, then deregisters the runner from the
// Provider AFTER the container is confirmed not running — order matters,
// per spec.md §4.4, to prevent the Provider from reassigning the runner
// mid-shutdown. If deregistration fails the runner is marked Offline and
// Stop returns the result of that status update; nothing in this package
// retries the deregistration later.
func (m *Manager) Stop(ctx context.Context, name string, gracefulTimeout time.Duration) error {
	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	runner, ok := m.reg.Get(name)
	if !ok {
		return apperrors.New(apperrors.NotFound, "no such runner: "+name)
	}

	if err := m.reg.Update(name, func(r *registry.Runner) { r.Status = registry.StatusStopping }); err != nil {
		return err
	}

	if err := m.drv.Stop(ctx, runner.ContainerID, gracefulTimeout); err != nil && !apperrors.Is(err, apperrors.NotFound) {
		return apperrors.Wrap(apperrors.KindOf(err), "stop container", err)
	}

	m.setObservedState(name, container.StateStopped)

	if runner.ProviderID != 0 {
		if err := m.prov.DeleteRunner(ctx, runner.Repository, runner.ProviderID); err != nil {
			m.log.Warn().Err(err).Str("runner", name).Msg("deregistration failed, marking offline for retry")
			return m.reg.Update(name, func(r *registry.Runner) { r.Status = registry.StatusOffline })
		}
	}

	return nil
}

// Remove is idempotent and only proceeds once the observed state is
// Stopped or Errored, per spec.md §4.4.
func (m *Manager) Remove(ctx context.Context, name string, force bool) error {
	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	runner, ok := m.reg.Get(name)
	if !ok {
		return nil // already gone: idempotent
	}

	m.mu.Lock()
	rec := m.records[name]
	m.mu.Unlock()

	if rec != nil && rec.ObservedState != container.StateStopped && rec.ObservedState != container.StateErrored && !force {
		return apperrors.New(apperrors.PreconditionFailed, "cannot remove container in state "+string(rec.ObservedState))
	}

	if err := m.drv.Remove(ctx, runner.ContainerID, force); err != nil {
		return apperrors.Wrap(apperrors.KindOf(err), "remove container", err)
	}

	m.setObservedState(name, container.StateRemoved)
	m.mu.Lock()
	delete(m.records, name)
	delete(m.locks, name)
	m.mu.Unlock()

	m.reg.Remove(name)
	m.log.Info().Str("runner", name).Msg("runner removed")
	return nil
}

// MarkFailed records a container crash observed via Inspect: the Runner is
// marked Failed and the caller (Autoscaler) is expected to apply its
// auto-replacement policy if the pool is below minimum.
func (m *Manager) MarkFailed(name string) error {
	m.setObservedState(name, container.StateErrored)
	return m.reg.Update(name, func(r *registry.Runner) { r.Status = registry.StatusFailed })
}

func (m *Manager) setObservedState(name string, state container.DesiredState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[name]; ok {
		rec.ObservedState = state
		rec.LastStateChange = time.Now()
	}
}

// Record returns a copy of the container record for a runner, if tracked.
func (m *Manager) Record(name string) (ContainerRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	if !ok {
		return ContainerRecord{}, false
	}
	return *rec, true
}

// Exec proxies to the Driver. Container state is unaffected by exec
// outcome; callers interpret the exit code (spec.md §4.4).
func (m *Manager) Exec(ctx context.Context, name string, argv []string, opts container.ExecOptions) (container.ExecResult, error) {
	runner, ok := m.reg.Get(name)
	if !ok {
		return container.ExecResult{}, apperrors.New(apperrors.NotFound, "no such runner: "+name)
	}
	return m.drv.Exec(ctx, runner.ContainerID, argv, opts)
}

// runnerNames returns the names of tracked container records whose observed
// state is Running, used by the sampler to know what to poll.
func (m *Manager) runnerNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.records))
	for name, rec := range m.records {
		if rec.ObservedState == container.StateRunning {
			out = append(out, name)
		}
	}
	return out
}

func joinLabels(labels []string) string {
	out := ""
	for i, l := range labels {
		if i > 0 {
			out += ","
		}
		out += l
	}
	return out
}
