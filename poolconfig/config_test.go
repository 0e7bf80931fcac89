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

package poolconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFileEmptyPathUsesDefaults(t *testing.T) {
	s, err := LoadFromFile("")
	require.NoError(t, err)
	c := s.ForRepo("acme/widgets")
	assert.Equal(t, 5, c.MinRunners)
	assert.Equal(t, 50, c.MaxRunners)
}

func TestForRepoFallsBackToDefault(t *testing.T) {
	s, err := LoadFromFile("")
	require.NoError(t, err)
	require.NoError(t, s.Set(PoolConfig{RepoGlob: "acme/widgets", MinRunners: 10, MaxRunners: 20, ScaleIncrement: 2, ScaleThreshold: 0.5}))

	specific := s.ForRepo("acme/widgets")
	assert.Equal(t, 10, specific.MinRunners)

	fallback := s.ForRepo("other/repo")
	assert.Equal(t, 5, fallback.MinRunners)
}

func TestScaleDownThresholdDefaultsToHalf(t *testing.T) {
	c := Defaults()
	assert.InDelta(t, 0.4, c.ScaleDownThreshold(), 0.0001)
}

func TestValidateRejectsBadBounds(t *testing.T) {
	c := Defaults()
	c.MaxRunners = 1
	c.MinRunners = 5
	require.Error(t, c.Validate())
}
