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

package container

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeDriverLifecycle(t *testing.T) {
	d := NewFakeDriver()
	ctx := context.Background()

	id, err := d.Create(ctx, Spec{Name: "r-1", Image: "runnerhub/runner:latest"})
	require.NoError(t, err)

	require.NoError(t, d.Start(ctx, id))

	info, err := d.Inspect(ctx, id)
	require.NoError(t, err)
	assert.True(t, info.Running)

	require.NoError(t, d.Stop(ctx, id, 0))
	info, err = d.Inspect(ctx, id)
	require.NoError(t, err)
	assert.False(t, info.Running)

	require.NoError(t, d.Remove(ctx, id, false))
	require.NoError(t, d.Remove(ctx, id, false)) // idempotent
}

func TestStreamWriterTruncates(t *testing.T) {
	w := newStreamWriter(4)
	_, _ = w.Write([]byte("hello world"))
	assert.Len(t, w.buf, 4)
}
