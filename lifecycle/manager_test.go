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
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepr/runnerhub/container"
	"github.com/codepr/runnerhub/provider"
	"github.com/codepr/runnerhub/registry"
)

func newTestManager() (*Manager, *container.FakeDriver, *provider.FakeClient, *registry.Registry) {
	drv := container.NewFakeDriver()
	prov := provider.NewFakeClient()
	reg := registry.New(nil)
	m := New(reg, drv, prov, zerolog.Nop())
	return m, drv, prov, reg
}

func TestCreateInsertsStartingRunner(t *testing.T) {
	m, _, _, reg := newTestManager()
	runner, err := m.Create(context.Background(), CreateSpec{Repository: "acme/widgets", Image: "runnerhub/runner"})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusStarting, runner.Status)

	got, ok := reg.Get(runner.Name)
	require.True(t, ok)
	assert.NotEmpty(t, got.ContainerID)
}

func TestCreateInsertsExactlyOneRunner(t *testing.T) {
	m, drv, _, reg := newTestManager()

	// A successful Create inserts exactly one runner into the Registry. The
	// start-failure cleanup path is not exercised here: FakeDriver offers no
	// way to make Start fail for a container it created.
	_, err := m.Create(context.Background(), CreateSpec{Repository: "acme/widgets", Image: "runnerhub/runner"})
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())
	_ = drv
}

func TestStopThenRemoveIsIdempotent(t *testing.T) {
	m, _, _, reg := newTestManager()
	runner, err := m.Create(context.Background(), CreateSpec{Repository: "acme/widgets", Image: "runnerhub/runner"})
	require.NoError(t, err)
	require.NoError(t, m.MarkOnline(runner.Name, 7))

	require.NoError(t, m.Stop(context.Background(), runner.Name, 0))
	require.NoError(t, m.Remove(context.Background(), runner.Name, false))
	require.NoError(t, m.Remove(context.Background(), runner.Name, false)) // idempotent

	_, ok := reg.Get(runner.Name)
	assert.False(t, ok)
}

func TestRemoveRefusesRunningContainerWithoutForce(t *testing.T) {
	m, _, _, _ := newTestManager()
	runner, err := m.Create(context.Background(), CreateSpec{Repository: "acme/widgets", Image: "runnerhub/runner"})
	require.NoError(t, err)

	err = m.Remove(context.Background(), runner.Name, false)
	require.Error(t, err)
}

func TestMarkFailedAfterThreeStatFailures(t *testing.T) {
	m, drv, _, reg := newTestManager()
	runner, err := m.Create(context.Background(), CreateSpec{Repository: "acme/widgets", Image: "runnerhub/runner"})
	require.NoError(t, err)

	drv.StatsFn = func(id string) (container.ResourceSample, error) {
		return container.ResourceSample{}, assertErr{}
	}

	for i := 0; i < maxConsecutiveStatFailures; i++ {
		m.sampleOnce(context.Background())
	}

	got, ok := reg.Get(runner.Name)
	require.True(t, ok)
	assert.Equal(t, registry.StatusFailed, got.Status)
}

func TestSmoothSeedsFromFirstSample(t *testing.T) {
	first := container.ResourceSample{CPUPercent: 20, SampledAt: time.Now()}
	got := smooth(container.ResourceSample{}, first)
	assert.Equal(t, first.CPUPercent, got.CPUPercent)

	second := container.ResourceSample{CPUPercent: 40, SampledAt: time.Now()}
	smoothed := smooth(got, second)
	assert.InDelta(t, 26.0, smoothed.CPUPercent, 0.001) // 0.3*40 + 0.7*20
}

type assertErr struct{}

func (assertErr) Error() string { return "stats failed" }
