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

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepr/runnerhub/provider"
)

type fakeRuntime struct {
	containers map[string]string
	removed    []string
}

func (f *fakeRuntime) ListRunnerContainers(ctx context.Context) (map[string]string, error) {
	return f.containers, nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, id string, force bool) error {
	f.removed = append(f.removed, id)
	return nil
}

// TestReconcileScenario6 mirrors spec.md §8 scenario 6 verbatim: DB lists
// {A,B,C}; provider lists {B,C,D}; runtime has containers for {C,D,E}.
// Expected: {C,D} tracked; A deleted from DB; B deregistered at provider; E
// removed from runtime.
func TestReconcileScenario6(t *testing.T) {
	st := NewMemory()
	require.NoError(t, st.UpsertRunner(RunnerRow{Name: "A"}))
	require.NoError(t, st.UpsertRunner(RunnerRow{Name: "B"}))
	require.NoError(t, st.UpsertRunner(RunnerRow{Name: "C"}))

	prov := provider.NewFakeClient()
	prov.RegisterRunner("B", nil)
	prov.RegisterRunner("C", nil)
	prov.RegisterRunner("D", nil)

	runtime := &fakeRuntime{containers: map[string]string{
		"C": "container-c",
		"D": "container-d",
		"E": "container-e",
	}}

	res, err := Reconcile(context.Background(), st, prov, "acme/widgets", runtime, zerolog.Nop())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"C", "D"}, res.Kept)
	assert.ElementsMatch(t, []string{"A"}, res.DeletedFromStore)
	assert.ElementsMatch(t, []string{"B"}, res.DeregisteredAtProvider)
	assert.ElementsMatch(t, []string{"E"}, res.RemovedOrphanContainers)

	rows, err := st.ListRunners()
	require.NoError(t, err)
	names := make([]string, 0)
	for _, r := range rows {
		names = append(names, r.Name)
	}
	assert.ElementsMatch(t, []string{"B", "C"}, names)
}
