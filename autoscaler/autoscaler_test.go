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

package autoscaler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepr/runnerhub/clock"
	"github.com/codepr/runnerhub/lifecycle"
	"github.com/codepr/runnerhub/poolconfig"
	"github.com/codepr/runnerhub/registry"
)

// fakeSpawner mutates the Registry directly, standing in for the full
// lifecycle.Manager so these tests exercise only the Autoscaler's decision
// algorithm.
type fakeSpawner struct {
	reg      *registry.Registry
	counter  int
	failNext bool
}

func (f *fakeSpawner) Create(ctx context.Context, spec lifecycle.CreateSpec) (registry.Runner, error) {
	if f.failNext {
		f.failNext = false
		return registry.Runner{}, fmt.Errorf("spawn failed")
	}
	f.counter++
	name := fmt.Sprintf("r-%d", f.counter)
	r := registry.Runner{Name: name, Repository: spec.Repository, Status: registry.StatusIdle, LastHeartbeat: time.Now()}
	return r, f.reg.Insert(r)
}

func (f *fakeSpawner) Stop(ctx context.Context, name string, gracefulTimeout time.Duration) error {
	f.reg.Remove(name)
	return nil
}

type recordingSink struct{ events []Event }

func (s *recordingSink) Record(e Event) { s.events = append(s.events, e) }

func seedRunners(reg *registry.Registry, repo string, busy, idle int, idleSince time.Time) {
	for i := 0; i < busy; i++ {
		_ = reg.Insert(registry.Runner{Name: fmt.Sprintf("busy-%d", i), Repository: repo, Status: registry.StatusBusy, LastHeartbeat: time.Now()})
	}
	for i := 0; i < idle; i++ {
		_ = reg.Insert(registry.Runner{Name: fmt.Sprintf("idle-%d", i), Repository: repo, Status: registry.StatusIdle, LastHeartbeat: idleSince})
	}
}

func newTestAutoscaler(cfg poolconfig.PoolConfig, reg *registry.Registry, sp *fakeSpawner, sink EventSink, clk clock.Clock) *Autoscaler {
	return New("acme/widgets", "runnerhub/runner", func() poolconfig.PoolConfig { return cfg }, reg, sp, sink, clk, zerolog.Nop())
}

// Scenario 1: scale-up under load.
func TestScenarioScaleUpUnderLoad(t *testing.T) {
	reg := registry.New(nil)
	seedRunners(reg, "acme/widgets", 9, 1, time.Now())
	sp := &fakeSpawner{reg: reg, counter: 10}
	sink := &recordingSink{}
	clk := clock.NewFake(time.Now())

	cfg := poolconfig.PoolConfig{MinRunners: 5, MaxRunners: 50, ScaleThreshold: 0.8, ScaleIncrement: 5, CooldownSeconds: 300, IdleTimeoutSeconds: 1800}
	a := newTestAutoscaler(cfg, reg, sp, sink, clk)

	ev := a.Tick(context.Background())
	require.Equal(t, EventUp, ev.Kind)
	assert.Equal(t, "utilization", ev.Reason)
	assert.Equal(t, 15, ev.PostCount)
}

// Scenario 2: scale-up capped at max.
func TestScenarioScaleUpCappedAtMax(t *testing.T) {
	reg := registry.New(nil)
	seedRunners(reg, "acme/widgets", 40, 8, time.Now())
	sp := &fakeSpawner{reg: reg, counter: 100}
	sink := &recordingSink{}
	clk := clock.NewFake(time.Now())

	cfg := poolconfig.PoolConfig{MinRunners: 5, MaxRunners: 50, ScaleThreshold: 0.8, ScaleIncrement: 5, CooldownSeconds: 300, IdleTimeoutSeconds: 1800}
	a := newTestAutoscaler(cfg, reg, sp, sink, clk)

	ev := a.Tick(context.Background())
	require.Equal(t, EventUp, ev.Kind)
	assert.Contains(t, ev.Reason, "cappedAtMax")
	assert.Equal(t, 50, ev.PostCount)
}

// Scenario 3: scale-down respecting minimum.
func TestScenarioScaleDownRespectsMinimum(t *testing.T) {
	reg := registry.New(nil)
	seedRunners(reg, "acme/widgets", 0, 5, time.Now())
	sp := &fakeSpawner{reg: reg}
	sink := &recordingSink{}
	clk := clock.NewFake(time.Now())

	cfg := poolconfig.PoolConfig{MinRunners: 5, MaxRunners: 50, ScaleThreshold: 0.8, ScaleIncrement: 5, CooldownSeconds: 0, IdleTimeoutSeconds: 0}
	a := newTestAutoscaler(cfg, reg, sp, sink, clk)

	ev := a.Tick(context.Background())
	assert.Equal(t, EventSkipped, ev.Kind)
	assert.Equal(t, 5, ev.PostCount)
}

// Scenario 4: scale-down idle cleanup, with the two-tick hysteresis
// consumed across two ticks.
func TestScenarioScaleDownIdleCleanup(t *testing.T) {
	reg := registry.New(nil)
	longIdle := time.Now().Add(-2 * time.Hour)
	seedRunners(reg, "acme/widgets", 1, 0, time.Time{})
	_ = reg.Insert(registry.Runner{Name: "idle-old", Repository: "acme/widgets", Status: registry.StatusIdle, LastHeartbeat: longIdle})
	for i := 0; i < 4; i++ {
		_ = reg.Insert(registry.Runner{Name: fmt.Sprintf("idle-fresh-%d", i), Repository: "acme/widgets", Status: registry.StatusIdle, LastHeartbeat: time.Now()})
	}

	sp := &fakeSpawner{reg: reg}
	sink := &recordingSink{}
	clk := clock.NewFake(time.Now())

	cfg := poolconfig.PoolConfig{MinRunners: 5, MaxRunners: 50, ScaleThreshold: 0.8, ScaleIncrement: 5, CooldownSeconds: 0, IdleTimeoutSeconds: 1800}
	a := newTestAutoscaler(cfg, reg, sp, sink, clk)

	first := a.Tick(context.Background())
	assert.Equal(t, EventSkipped, first.Kind) // hysteresis tick 1

	second := a.Tick(context.Background())
	require.Equal(t, EventDown, second.Kind)
	assert.Equal(t, 5, second.PostCount)
}

// Boundary: total=0, min=5 -> 5 spawns regardless of cooldown.
func TestBoundaryZeroTotalMinFloor(t *testing.T) {
	reg := registry.New(nil)
	sp := &fakeSpawner{reg: reg}
	sink := &recordingSink{}
	clk := clock.NewFake(time.Now())

	cfg := poolconfig.PoolConfig{MinRunners: 5, MaxRunners: 50, ScaleThreshold: 0.8, ScaleIncrement: 5, CooldownSeconds: 300, IdleTimeoutSeconds: 1800}
	a := newTestAutoscaler(cfg, reg, sp, sink, clk)

	ev := a.Tick(context.Background())
	require.Equal(t, EventUp, ev.Kind)
	assert.Equal(t, "minFloor", ev.Reason)
	assert.Equal(t, 5, ev.PostCount)
}

// Concurrency: two overlapping Tick calls on the same pool — the second
// returns Skipped(reentrant) without mutating the registry.
func TestOverlappingTicksOneSkips(t *testing.T) {
	reg := registry.New(nil)
	seedRunners(reg, "acme/widgets", 0, 5, time.Now())
	sp := &fakeSpawner{reg: reg}
	sink := &recordingSink{}
	clk := clock.NewFake(time.Now())
	cfg := poolconfig.PoolConfig{MinRunners: 5, MaxRunners: 50, ScaleThreshold: 0.8, ScaleIncrement: 5, CooldownSeconds: 300, IdleTimeoutSeconds: 1800}
	a := newTestAutoscaler(cfg, reg, sp, sink, clk)

	a.mu.Lock()
	a.scalingInProgress = true
	a.mu.Unlock()

	ev := a.Tick(context.Background())
	assert.Equal(t, EventSkipped, ev.Kind)
	assert.Equal(t, "reentrant tick", ev.Reason)
}

func TestDemandHintBiasesScaleUp(t *testing.T) {
	reg := registry.New(nil)
	seedRunners(reg, "acme/widgets", 0, 10, time.Now())
	sp := &fakeSpawner{reg: reg, counter: 10}
	sink := &recordingSink{}
	clk := clock.NewFake(time.Now())
	cfg := poolconfig.PoolConfig{MinRunners: 5, MaxRunners: 50, ScaleThreshold: 0.8, ScaleIncrement: 3, CooldownSeconds: 0, IdleTimeoutSeconds: 1800}
	a := newTestAutoscaler(cfg, reg, sp, sink, clk)

	a.SignalDemand()
	ev := a.Tick(context.Background())
	require.Equal(t, EventUp, ev.Kind)
	assert.Equal(t, "demandHint", ev.Reason)
}
