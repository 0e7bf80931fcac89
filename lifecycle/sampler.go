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

package lifecycle

import (
	"context"
	"time"

	"github.com/codepr/runnerhub/clock"
	"github.com/codepr/runnerhub/container"
)

// ewmaAlpha is the resource-sample smoothing factor from spec.md §4.4.
const ewmaAlpha = 0.3

// DefaultSampleInterval matches spec.md §4.4's default poll interval.
const DefaultSampleInterval = 10 * time.Second

// maxConsecutiveStatFailures: three consecutive Stats failures mark the
// container Errored, per spec.md §4.4.
const maxConsecutiveStatFailures = 3

// RunSampler polls Stats for every Running container at interval, smoothing
// samples with exponential smoothing (alpha=0.3) and attaching them to the
// Container Record. It returns when ctx is cancelled.
func (m *Manager) RunSampler(ctx context.Context, clk clock.Clock, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.sampleOnce(ctx)
		}
	}
}

func (m *Manager) sampleOnce(ctx context.Context) {
	for _, name := range m.runnerNames() {
		m.mu.Lock()
		rec, ok := m.records[name]
		m.mu.Unlock()
		if !ok {
			continue
		}

		sample, err := m.drv.Stats(ctx, rec.ID)
		if err != nil {
			m.mu.Lock()
			rec.consecutiveFails++
			fails := rec.consecutiveFails
			m.mu.Unlock()

			m.log.Debug().Err(err).Str("runner", name).Int("consecutive_fails", fails).Msg("stats sample failed")
			if fails >= maxConsecutiveStatFailures {
				_ = m.MarkFailed(name)
			}
			continue
		}

		m.mu.Lock()
		rec.consecutiveFails = 0
		rec.LatestSample = smooth(rec.LatestSample, sample)
		m.mu.Unlock()
	}
}

// smooth applies EWMA with alpha=0.3 to each numeric field of a
// ResourceSample. The first-ever sample (prev's zero value) is taken
// as-is, matching the usual "seed with first observation" EWMA convention.
func smooth(prev, next container.ResourceSample) container.ResourceSample {
	if prev.SampledAt.IsZero() {
		return next
	}
	return container.ResourceSample{
		CPUPercent:  ewmaAlpha*next.CPUPercent + (1-ewmaAlpha)*prev.CPUPercent,
		MemoryBytes: uint64(ewmaAlpha*float64(next.MemoryBytes) + (1-ewmaAlpha)*float64(prev.MemoryBytes)),
		NetRxBytes:  uint64(ewmaAlpha*float64(next.NetRxBytes) + (1-ewmaAlpha)*float64(prev.NetRxBytes)),
		NetTxBytes:  uint64(ewmaAlpha*float64(next.NetTxBytes) + (1-ewmaAlpha)*float64(prev.NetTxBytes)),
		SampledAt:   next.SampledAt,
	}
}
