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

package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepr/runnerhub/registry"
)

type fakeAssigner struct {
	marked map[string]bool
	err    error
}

func newFakeAssigner() *fakeAssigner { return &fakeAssigner{marked: make(map[string]bool)} }

func (f *fakeAssigner) MarkBusy(name string) error {
	if f.err != nil {
		return f.err
	}
	f.marked[name] = true
	return nil
}

type recordingSignaler struct{ signalled int }

func (r *recordingSignaler) SignalDemand() { r.signalled++ }

func seedIdleRunner(t *testing.T, reg *registry.Registry, name, repo string, labels []string, heartbeat time.Time) {
	t.Helper()
	require.NoError(t, reg.Insert(registry.Runner{
		Name:          name,
		Repository:    repo,
		Labels:        labels,
		Status:        registry.StatusIdle,
		LastHeartbeat: heartbeat,
		CreatedAt:     heartbeat,
	}))
}

func TestTryAssignPicksOldestMatchingIdleRunner(t *testing.T) {
	reg := registry.New(nil)
	now := time.Now()
	seedIdleRunner(t, reg, "runner-new", "acme/widgets", []string{"linux", "x64"}, now)
	seedIdleRunner(t, reg, "runner-old", "acme/widgets", []string{"linux", "x64"}, now.Add(-time.Hour))

	asg := newFakeAssigner()
	d := New(reg, asg, nil, 0, zerolog.Nop())

	j := &Job{ID: "job-1", Repository: "acme/widgets", Labels: []string{"linux"}}
	assert.True(t, d.tryAssign(j))
	assert.Equal(t, "runner-old", j.AssignedRunner)
	assert.Equal(t, StatusAssigned, j.Status)
	assert.True(t, asg.marked["runner-old"])
}

func TestTryAssignRejectsLabelMismatch(t *testing.T) {
	reg := registry.New(nil)
	seedIdleRunner(t, reg, "runner-arm", "acme/widgets", []string{"linux", "arm64"}, time.Now())

	asg := newFakeAssigner()
	d := New(reg, asg, nil, 0, zerolog.Nop())

	j := &Job{ID: "job-1", Repository: "acme/widgets", Labels: []string{"x64"}}
	assert.False(t, d.tryAssign(j))
	assert.Equal(t, "", j.AssignedRunner)
}

func TestTryAssignPrefersExactRepositoryOverUnbound(t *testing.T) {
	reg := registry.New(nil)
	now := time.Now()
	seedIdleRunner(t, reg, "runner-unbound", "", nil, now.Add(-time.Hour))
	seedIdleRunner(t, reg, "runner-exact", "acme/widgets", nil, now)

	asg := newFakeAssigner()
	d := New(reg, asg, nil, 0, zerolog.Nop())

	j := &Job{ID: "job-1", Repository: "acme/widgets"}
	require.True(t, d.tryAssign(j))
	assert.Equal(t, "runner-exact", j.AssignedRunner)
}

func TestDrainOnceSignalsDemandWhenUnmatched(t *testing.T) {
	reg := registry.New(nil)
	asg := newFakeAssigner()
	sig := &recordingSignaler{}
	d := New(reg, asg, map[string]demandSignaler{"acme/widgets": sig}, 0, zerolog.Nop())

	d.Enqueue(Job{ID: "job-1", Repository: "acme/widgets"})
	d.drainOnce(context.Background())

	assert.Equal(t, 1, sig.signalled)
	j, ok := d.Job("job-1")
	require.True(t, ok)
	assert.Equal(t, StatusQueued, j.Status)
}

func TestExpireStaleAssignmentsRequeuesAndFailsRunner(t *testing.T) {
	reg := registry.New(nil)
	seedIdleRunner(t, reg, "runner-1", "acme/widgets", nil, time.Now())
	require.NoError(t, reg.Update("runner-1", func(r *registry.Runner) { r.Status = registry.StatusBusy }))

	asg := newFakeAssigner()
	d := New(reg, asg, nil, time.Millisecond, zerolog.Nop())
	d.jobs["job-1"] = &Job{ID: "job-1", Status: StatusAssigned, AssignedRunner: "runner-1", AssignedAt: time.Now().Add(-time.Hour)}

	d.expireStaleAssignments()

	j, ok := d.Job("job-1")
	require.True(t, ok)
	assert.Equal(t, StatusQueued, j.Status)
	assert.Equal(t, "", j.AssignedRunner)

	r, ok := reg.Get("runner-1")
	require.True(t, ok)
	assert.Equal(t, registry.StatusFailed, r.Status)
}

func TestOnHeartbeatRunningAndProviderSignal(t *testing.T) {
	reg := registry.New(nil)
	d := New(reg, newFakeAssigner(), nil, 0, zerolog.Nop())
	d.jobs["job-1"] = &Job{ID: "job-1", Status: StatusAssigned}

	d.OnHeartbeatRunning("job-1")
	j, _ := d.Job("job-1")
	assert.Equal(t, StatusRunning, j.Status)

	d.OnProviderSignal("job-1", StatusCompleted)
	j, _ = d.Job("job-1")
	assert.Equal(t, StatusCompleted, j.Status)
	assert.False(t, j.CompletedAt.IsZero())
}
