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

	"github.com/rs/zerolog"

	"github.com/codepr/runnerhub/provider"
)

// RuntimeLister reports runner-owned containers actually present in the
// container runtime, keyed by runner name. The Lifecycle Manager's Driver
// backs this via labels (spec.md §3's Container Record carries the bound
// runner name).
type RuntimeLister interface {
	ListRunnerContainers(ctx context.Context) (map[string]string, error) // name -> container id
	RemoveContainer(ctx context.Context, id string, force bool) error
}

// Result is the outcome of one Reconcile pass, matching scenario 6 in
// spec.md §8: rows for runners the provider does not know are deleted from
// the store, runners known to both the store and the provider but backed by
// no container are deregistered, and runtime containers the provider does
// not know are removed as orphans, whatever the store holds.
type Result struct {
	Kept               []string
	DeletedFromStore   []string
	DeregisteredAtProvider []string
	RemovedOrphanContainers []string
}

// Reconcile repopulates truth by cross-referencing the durable store, the
// Provider's current runner list and the container runtime, per spec.md §6:
// "On restart, the Registry is repopulated from runners by
// cross-referencing the Provider's current list; drift... is reconciled by
// deleting the DB row; orphan containers... are removed."
func Reconcile(ctx context.Context, st Store, prov provider.Client, repo string, runtime RuntimeLister, log zerolog.Logger) (Result, error) {
	var res Result

	dbRows, err := st.ListRunners()
	if err != nil {
		return res, err
	}
	dbNames := make(map[string]RunnerRow, len(dbRows))
	for _, r := range dbRows {
		dbNames[r.Name] = r
	}

	providerRunners, err := prov.ListRunners(ctx, repo)
	if err != nil {
		return res, err
	}
	providerNames := make(map[string]provider.RunnerInfo, len(providerRunners))
	for _, r := range providerRunners {
		providerNames[r.Name] = r
	}

	runtimeContainers, err := runtime.ListRunnerContainers(ctx)
	if err != nil {
		return res, err
	}

	// A runner is genuinely live only if both the provider and the runtime
	// agree it exists; the DB row is just a mirror and never decides
	// liveness on its own (spec.md §6 scenario 6: D is tracked despite
	// having no DB row at all).
	for name := range providerNames {
		if _, ok := runtimeContainers[name]; ok {
			res.Kept = append(res.Kept, name)
		}
	}

	// DB says runner exists, provider does not at all: the row is pure
	// drift, delete it.
	for name := range dbNames {
		if _, ok := providerNames[name]; !ok {
			if err := st.DeleteRunner(name); err != nil {
				log.Warn().Err(err).Str("runner", name).Msg("reconcile: failed to delete drifted db row")
				continue
			}
			res.DeletedFromStore = append(res.DeletedFromStore, name)
		}
	}

	// DB and provider both know the runner, but no container backs it: the
	// provider-side registration is stale, deregister it. The DB row is
	// left as it is; this pass neither deletes it nor changes its status.
	for name, info := range dbNames {
		if _, inProvider := providerNames[name]; !inProvider {
			continue
		}
		if _, inRuntime := runtimeContainers[name]; inRuntime {
			continue
		}
		providerInfo := providerNames[name]
		if err := prov.DeleteRunner(ctx, repo, providerInfo.ID); err != nil {
			log.Warn().Err(err).Str("runner", info.Name).Msg("reconcile: failed to deregister stale provider runner")
			continue
		}
		res.DeregisteredAtProvider = append(res.DeregisteredAtProvider, name)
	}

	// Runtime has a container the provider doesn't know about at all: a
	// true orphan, remove it regardless of what the DB says.
	for name, id := range runtimeContainers {
		if _, inProvider := providerNames[name]; !inProvider {
			if err := runtime.RemoveContainer(ctx, id, true); err != nil {
				log.Warn().Err(err).Str("runner", name).Msg("reconcile: failed to remove orphan container")
				continue
			}
			res.RemovedOrphanContainers = append(res.RemovedOrphanContainers, name)
		}
	}

	return res, nil
}
