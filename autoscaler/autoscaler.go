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

// Package autoscaler implements the §4.5 Autoscaler: a monitored control
// loop over runner utilization that provisions/decommissions container
// runners under cooldown, bounds and concurrency-safety constraints.
// Grounded structurally on the pool/scaling-loop pattern in
// other_examples/fireglab's internal/pool/pool.go (a ticker + signal channel
// driving checkAndScale, Prometheus-style gauges, bounded-concurrency
// spawns) and on narwhal's round-robin pool shape for the mutex-guarded
// per-pool state; the six-step decision algorithm itself follows spec.md
// §4.5 exactly.
package autoscaler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/codepr/runnerhub/clock"
	"github.com/codepr/runnerhub/lifecycle"
	"github.com/codepr/runnerhub/poolconfig"
	"github.com/codepr/runnerhub/registry"
)

// EventKind is the Scaling Event's kind (spec.md §3).
type EventKind string

const (
	EventUp      EventKind = "up"
	EventDown    EventKind = "down"
	EventSkipped EventKind = "skipped"
)

// Event is one append-only audit record.
type Event struct {
	Kind       EventKind
	Reason     string
	PreCount   int
	PostCount  int
	At         time.Time
}

// EventSink receives Events. The durable store's AppendScalingEvent
// satisfies this trivially; tests can substitute something that just
// records them.
type EventSink interface {
	Record(Event)
}

// Metrics is the §3 Metrics Snapshot: point-in-time, never cached across
// ticks.
type Metrics struct {
	Total       int
	Busy        int
	Idle        int
	Utilization float64
	Runners     []registry.Runner
}

func computeMetrics(runners []registry.Runner) Metrics {
	m := Metrics{Runners: runners}
	for _, r := range runners {
		if r.Status == registry.StatusOffline || r.Status == registry.StatusFailed {
			continue
		}
		m.Total++
		if r.Status == registry.StatusBusy {
			m.Busy++
		}
		if r.Status == registry.StatusIdle {
			m.Idle++
		}
	}
	if m.Total > 0 {
		m.Utilization = float64(m.Busy) / float64(m.Total)
	}
	return m
}

// spawner is the capability the Autoscaler uses to create/stop runners; it
// is exactly lifecycle.Manager's Create/Stop surface, named narrowly here so
// tests can substitute a fake without pulling in the whole package.
type spawner interface {
	Create(ctx context.Context, spec lifecycle.CreateSpec) (registry.Runner, error)
	Stop(ctx context.Context, name string, gracefulTimeout time.Duration) error
}

// Autoscaler runs one monitored control loop per repository pool.
type Autoscaler struct {
	repo   string
	image  string
	cfg    func() poolconfig.PoolConfig // live lookup, reflects admin mutation
	reg    *registry.Registry
	life   spawner
	sink   EventSink
	clk    clock.Clock
	log    zerolog.Logger

	mu                sync.Mutex
	scalingInProgress bool
	lastScaleAt       time.Time
	lowUtilTicks      int
	demandHintPending bool
}

// New constructs an Autoscaler for one repository scope. cfg is called on
// every tick so admin-driven config mutation (spec.md §3: "mutable via
// admin interface") takes effect without restart.
func New(repo, image string, cfg func() poolconfig.PoolConfig, reg *registry.Registry, life spawner, sink EventSink, clk clock.Clock, log zerolog.Logger) *Autoscaler {
	return &Autoscaler{
		repo:  repo,
		image: image,
		cfg:   cfg,
		reg:   reg,
		life:  life,
		sink:  sink,
		clk:   clk,
		log:   log.With().Str("component", "autoscaler").Str("repo", repo).Logger(),
	}
}

// SignalDemand records a demand hint from the Dispatcher: no Idle runner
// matched a queued job. It biases the next tick toward scale-up
// independent of utilization, per spec.md §4.6.
func (a *Autoscaler) SignalDemand() {
	a.mu.Lock()
	a.demandHintPending = true
	a.mu.Unlock()
}

// Run drives the control loop on a ticker until ctx is cancelled, matching
// the shutdown contract in spec.md §5 ("the Autoscaler stops scheduling new
// ticks").
func (a *Autoscaler) Run(ctx context.Context, interval time.Duration) {
	ticker := a.clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			a.Tick(ctx)
		}
	}
}

// Tick executes the exact six-step algorithm from spec.md §4.5.
func (a *Autoscaler) Tick(ctx context.Context) Event {
	cfg := a.cfg()

	// Step 1: cooldown / reentrancy guard, acquired atomically.
	a.mu.Lock()
	if a.scalingInProgress {
		a.mu.Unlock()
		return a.recordSkip(0, 0, "reentrant tick")
	}
	if since := a.clk.Now().Sub(a.lastScaleAt); !a.lastScaleAt.IsZero() && since < cfg.CooldownDuration() {
		a.mu.Unlock()
		return a.recordSkip(0, 0, "cooldown")
	}
	a.scalingInProgress = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.scalingInProgress = false
		a.mu.Unlock()
	}()

	// Step 2: compute metrics from runners online in this repo scope.
	runners := a.reg.Snapshot(a.repo)
	metrics := computeMetrics(runners)

	a.mu.Lock()
	demand := a.demandHintPending
	a.mu.Unlock()

	highUtil := metrics.Utilization >= cfg.ScaleThreshold || demand
	lowUtil := metrics.Utilization <= cfg.ScaleDownThreshold()

	switch {
	case metrics.Total < cfg.MinRunners:
		// Step 3: min-floor scale-up, regardless of cooldown state having
		// already been passed — boundary case "total=0,min=5 -> 5 spawns".
		n := cfg.MinRunners - metrics.Total
		return a.scaleUp(ctx, cfg, metrics, n, "minFloor")

	case highUtil && metrics.Total < cfg.MaxRunners:
		// Step 4: utilization-threshold scale-up, bounded by max and
		// scaleIncrement.
		want := cfg.ScaleIncrement
		if room := cfg.MaxRunners - metrics.Total; room < want {
			want = room
		}
		reason := "utilization"
		if demand && metrics.Utilization < cfg.ScaleThreshold {
			reason = "demandHint"
		}
		a.mu.Lock()
		a.demandHintPending = false
		a.mu.Unlock()
		return a.scaleUp(ctx, cfg, metrics, want, reason)

	case highUtil:
		// Boundary: total=max, utilization>=threshold -> no spawns.
		return a.recordSkip(metrics.Total, metrics.Total, "maxCap")

	case lowUtil && metrics.Total > cfg.MinRunners:
		// Step 5: scale-down with idle-timeout eligibility and two-tick
		// hysteresis.
		a.mu.Lock()
		a.lowUtilTicks++
		ticks := a.lowUtilTicks
		a.mu.Unlock()
		if ticks < 2 {
			return a.recordSkip(metrics.Total, metrics.Total, "lowUtilization(hysteresis)")
		}
		return a.scaleDown(ctx, cfg, metrics)

	case lowUtil:
		// Boundary: total=min, utilization=0 -> no removals.
		return a.recordSkip(metrics.Total, metrics.Total, "minFloor")

	default:
		// Step 6: no-op.
		return a.recordSkip(metrics.Total, metrics.Total, "noAction")
	}
}

func (a *Autoscaler) scaleUp(ctx context.Context, cfg poolconfig.PoolConfig, metrics Metrics, n int, reason string) Event {
	if n <= 0 {
		return a.recordSkip(metrics.Total, metrics.Total, "noAction")
	}

	pre := metrics.Total
	sem := make(chan struct{}, cfg.ScaleIncrement)
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			_, err := a.life.Create(ctx, lifecycle.CreateSpec{Repository: a.repo, Image: a.image, Ephemeral: true})
			if err != nil {
				a.log.Warn().Err(err).Str("reason", reason).Msg("spawn failed, next tick will retry via utilization")
				return
			}
			mu.Lock()
			succeeded++
			mu.Unlock()
		}()
	}
	wg.Wait()

	note := ""
	if reason == "utilization" && n < cfg.ScaleIncrement {
		note = "cappedAtMax"
	}

	a.mu.Lock()
	a.lastScaleAt = a.clk.Now()
	a.lowUtilTicks = 0
	a.mu.Unlock()

	ev := Event{Kind: EventUp, Reason: withNote(reason, note), PreCount: pre, PostCount: pre + succeeded, At: a.clk.Now()}
	a.emit(ev)
	return ev
}

func (a *Autoscaler) scaleDown(ctx context.Context, cfg poolconfig.PoolConfig, metrics Metrics) Event {
	pre := metrics.Total

	removable := oldestIdleEligible(metrics.Runners, cfg.IdleTimeoutDuration(), a.clk.Now())
	toRemove := len(removable)
	if room := metrics.Total - cfg.MinRunners; room < toRemove {
		toRemove = room
	}
	if toRemove <= 0 {
		return a.recordSkip(pre, pre, "minFloor")
	}

	removed := 0
	for i := 0; i < toRemove; i++ {
		if err := a.life.Stop(ctx, removable[i].Name, 30*time.Second); err != nil {
			a.log.Warn().Err(err).Str("runner", removable[i].Name).Msg("scale-down stop failed, will retry next tick")
			continue
		}
		removed++
	}

	a.mu.Lock()
	a.lastScaleAt = a.clk.Now()
	a.mu.Unlock()

	ev := Event{Kind: EventDown, Reason: "lowUtilization", PreCount: pre, PostCount: pre - removed, At: a.clk.Now()}
	a.emit(ev)
	return ev
}

// oldestIdleEligible returns idle runners that have been idle for at least
// idleTimeout, oldest-first by last heartbeat (spec.md §4.5: "scale-down
// selects idle runners oldest-first by last-heartbeat").
func oldestIdleEligible(runners []registry.Runner, idleTimeout time.Duration, now time.Time) []registry.Runner {
	var out []registry.Runner
	for _, r := range runners {
		if r.Status == registry.StatusIdle && now.Sub(r.LastHeartbeat) >= idleTimeout {
			out = append(out, r)
		}
	}
	// Insertion sort by LastHeartbeat ascending: the candidate lists here
	// are small (bounded by pool size), so this avoids pulling in sort for
	// a handful of elements — matches narwhal's preference for plain
	// loops over generic helpers in its own pool code.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].LastHeartbeat.Before(out[j-1].LastHeartbeat); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (a *Autoscaler) recordSkip(pre, post int, reason string) Event {
	ev := Event{Kind: EventSkipped, Reason: reason, PreCount: pre, PostCount: post, At: a.clk.Now()}
	a.emit(ev)
	return ev
}

func (a *Autoscaler) emit(ev Event) {
	if a.sink != nil {
		a.sink.Record(ev)
	}
}

func withNote(reason, note string) string {
	if note == "" {
		return reason
	}
	return reason + ":" + note
}
