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

// Package dispatcher implements the §4.6 Delegation Dispatcher: a
// single-writer loop draining a queue of jobs, assigning each to the oldest
// matching Idle runner, and signaling the Autoscaler with a demand hint when
// no match exists. Grounded on narwhal's dispatcher/repostore.go
// (TestRunnerPool.pushCommitToRunner: a single goroutine draining a
// commitQueue channel and selecting a runner to hand work to) — that
// single-consumer-channel shape is kept; the selection itself is upgraded
// from round robin to oldest-idle-first with label/repository matching, per
// SPEC_FULL.md §4's "minimal change that turns round robin into
// oldest-first".
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/codepr/runnerhub/apperrors"
	"github.com/codepr/runnerhub/registry"
)

// Status is the Job's lifecycle status (spec.md §3).
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Job is the §3 Job/DelegatedJob record.
type Job struct {
	ID             string
	Repository     string
	Workflow       string
	Labels         []string
	Status         Status
	AssignedRunner string
	AssignedAt     time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
}

// demandSignaler is the narrow Autoscaler capability the Dispatcher needs.
// It is an alias so callers outside this package can pass a
// map[string]interface{ SignalDemand() } to New.
type demandSignaler = interface {
	SignalDemand()
}

// assigner is the narrow Lifecycle Manager capability the Dispatcher needs
// to flip a runner to Busy on successful assignment.
type assigner interface {
	MarkBusy(name string) error
}

const DefaultAssignmentTimeout = 120 * time.Second

// Dispatcher is the single-writer assignment loop.
type Dispatcher struct {
	reg               *registry.Registry
	life              assigner
	demandSignalers   map[string]demandSignaler // keyed by repository
	assignmentTimeout time.Duration
	log               zerolog.Logger

	mu    sync.Mutex
	queue []*Job
	jobs  map[string]*Job // all known jobs, keyed by id, for status lookups
}

// New constructs a Dispatcher. demandSignalers maps repository -> the pool's
// Autoscaler, so a demand hint reaches the right pool.
func New(reg *registry.Registry, life assigner, demandSignalers map[string]demandSignaler, assignmentTimeout time.Duration, log zerolog.Logger) *Dispatcher {
	if assignmentTimeout <= 0 {
		assignmentTimeout = DefaultAssignmentTimeout
	}
	return &Dispatcher{
		reg:               reg,
		life:              life,
		demandSignalers:   demandSignalers,
		assignmentTimeout: assignmentTimeout,
		log:               log.With().Str("component", "dispatcher").Logger(),
		jobs:              make(map[string]*Job),
	}
}

// Enqueue adds a job in Queued status.
func (d *Dispatcher) Enqueue(j Job) {
	j.Status = StatusQueued
	d.mu.Lock()
	defer d.mu.Unlock()
	jp := &j
	d.jobs[j.ID] = jp
	d.queue = append(d.queue, jp)
}

// Job returns a copy of a tracked job by id.
func (d *Dispatcher) Job(id string) (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Run drains the queue on every tick of interval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainOnce(ctx)
			d.expireStaleAssignments()
		}
	}
}

func (d *Dispatcher) drainOnce(ctx context.Context) {
	d.mu.Lock()
	pending := d.queue
	d.queue = nil
	d.mu.Unlock()

	var unmatched []*Job
	for _, j := range pending {
		if !d.tryAssign(j) {
			unmatched = append(unmatched, j)
			if signaler, ok := d.demandSignalers[j.Repository]; ok {
				signaler.SignalDemand()
			}
		}
	}

	if len(unmatched) > 0 {
		d.mu.Lock()
		d.queue = append(unmatched, d.queue...)
		d.mu.Unlock()
	}
}

// tryAssign picks the oldest Idle runner whose labels superset job.Labels
// and whose repository binding matches (exact > glob > unbound), per
// spec.md §4.6.
func (d *Dispatcher) tryAssign(j *Job) bool {
	candidates := d.reg.Snapshot("")

	var best *registry.Runner
	bestRank := -1
	for i := range candidates {
		r := &candidates[i]
		if r.Status != registry.StatusIdle {
			continue
		}
		if !labelsSuperset(r.Labels, j.Labels) {
			continue
		}
		rank := bindingRank(r.Repository, j.Repository)
		if rank < 0 {
			continue
		}
		if best == nil || rank > bestRank || (rank == bestRank && r.LastHeartbeat.Before(best.LastHeartbeat)) {
			best = r
			bestRank = rank
		}
	}

	if best == nil {
		return false
	}

	if err := d.life.MarkBusy(best.Name); err != nil {
		d.log.Warn().Err(err).Str("runner", best.Name).Msg("failed to flip runner busy on assignment")
		return false
	}

	j.Status = StatusAssigned
	j.AssignedRunner = best.Name
	j.AssignedAt = time.Now()
	d.log.Info().Str("job", j.ID).Str("runner", best.Name).Msg("job assigned")
	return true
}

// bindingRank scores a runner's repository binding against a job's
// repository: exact match (2) > "*" glob (1) > unbound (0); a runner bound
// to a different concrete repository does not match (-1). Glob patterns
// other than "*" are not interpreted (poolconfig resolves glob-to-pool at
// the Autoscaler level), so runners bound to them never match.
func bindingRank(runnerRepo, jobRepo string) int {
	if runnerRepo == "" {
		return 0
	}
	if runnerRepo == jobRepo {
		return 2
	}
	if runnerRepo == "*" {
		return 1
	}
	return -1
}

func labelsSuperset(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, l := range have {
		set[l] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

// expireStaleAssignments returns Assigned-but-not-Running jobs to Queued
// after assignmentTimeout and marks the runner Failed, per spec.md §4.6.
func (d *Dispatcher) expireStaleAssignments() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, j := range d.jobs {
		if j.Status != StatusAssigned {
			continue
		}
		if time.Since(j.AssignedAt) < d.assignmentTimeout {
			continue
		}
		d.log.Warn().Str("job", j.ID).Str("runner", j.AssignedRunner).Msg("assignment timed out, requeueing")
		failedRunner := j.AssignedRunner
		j.Status = StatusQueued
		j.AssignedRunner = ""
		d.queue = append(d.queue, j)
		if err := d.reg.Update(failedRunner, func(r *registry.Runner) { r.Status = registry.StatusFailed }); err != nil && !apperrors.Is(err, apperrors.NotFound) {
			d.log.Warn().Err(err).Str("runner", failedRunner).Msg("failed to mark timed-out runner Failed")
		}
	}
}

// OnHeartbeatRunning transitions a job to Running when the runner reports
// it is executing the job.
func (d *Dispatcher) OnHeartbeatRunning(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if j, ok := d.jobs[jobID]; ok && j.Status == StatusAssigned {
		j.Status = StatusRunning
		j.StartedAt = time.Now()
	}
}

// OnProviderSignal transitions a job to a terminal status on provider
// signal (job completion/failure/cancellation webhook).
func (d *Dispatcher) OnProviderSignal(jobID string, status Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if j, ok := d.jobs[jobID]; ok {
		j.Status = status
		j.CompletedAt = time.Now()
	}
}
