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

// Package store implements the durable mirror described in spec.md §6:
// conceptual tables runners, runner_pools, jobs and scaling_events, each row
// carrying an id and timestamps. Runner, pool and job rows have an
// updated_at that every upsert sets; no write compares it, so there is no
// optimistic-concurrency check. Grounded on narwhal's commitstore.go/repostore.go (an
// in-memory "temporary database, should be replaced with a real DB, like
// sqlite" per its own comment) — this package is that replacement, wired to
// the ecosystem's real tools (sqlx + lib/pq) instead of a map.
package store

import "time"

// RunnerRow mirrors one Registry runner.
type RunnerRow struct {
	ID            string    `db:"id"`
	Name          string    `db:"name"`
	ProviderID    int64     `db:"provider_id"`
	ContainerID   string    `db:"container_id"`
	Repository    string    `db:"repository"`
	Status        string    `db:"status"`
	LastHeartbeat time.Time `db:"last_heartbeat"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// PoolRow mirrors one RunnerPoolConfig.
type PoolRow struct {
	ID                 string    `db:"id"`
	RepoGlob           string    `db:"repo_glob"`
	MinRunners         int       `db:"min_runners"`
	MaxRunners         int       `db:"max_runners"`
	ScaleIncrement     int       `db:"scale_increment"`
	ScaleThreshold     float64   `db:"scale_threshold"`
	CooldownSeconds    int       `db:"cooldown_seconds"`
	IdleTimeoutSeconds int       `db:"idle_timeout_seconds"`
	UpdatedAt          time.Time `db:"updated_at"`
}

// JobRow mirrors one DelegatedJob.
type JobRow struct {
	ID               string     `db:"id"`
	Repository       string     `db:"repository"`
	Workflow         string     `db:"workflow"`
	Status           string     `db:"status"`
	AssignedRunner   string     `db:"assigned_runner"`
	StartedAt        *time.Time `db:"started_at"`
	CompletedAt      *time.Time `db:"completed_at"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

// ScalingEventRow is one append-only audit row.
type ScalingEventRow struct {
	ID         string    `db:"id"`
	Repository string    `db:"repository"`
	Kind       string    `db:"kind"`
	Reason     string    `db:"reason"`
	PreCount   int       `db:"pre_count"`
	PostCount  int       `db:"post_count"`
	CreatedAt  time.Time `db:"created_at"`
}

// Store is the durable-mirror capability interface. Production is backed by
// *Postgres; tests substitute *Memory.
type Store interface {
	UpsertRunner(RunnerRow) error
	DeleteRunner(name string) error
	ListRunners() ([]RunnerRow, error)

	UpsertPool(PoolRow) error
	ListPools() ([]PoolRow, error)

	UpsertJob(JobRow) error
	ListJobs(repository string) ([]JobRow, error)

	AppendScalingEvent(ScalingEventRow) error
}
