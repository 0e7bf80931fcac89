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
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Postgres is the production Store. Schema lives under the configurable
// DATABASE_SCHEMA prefix (spec.md §9 Open Question: the source carries two
// diverging schemas, "runnerhub.*" and a load-test schema; this
// implementation treats the schema name as a startup configuration choice
// rather than guessing which is authoritative).
type Postgres struct {
	db     *sqlx.DB
	schema string
}

// NewPostgres opens a connection pool against dsn. Migrations are an
// external collaborator (spec.md §1 Non-goals/out-of-scope); callers are
// expected to have applied the schema before calling NewPostgres.
func NewPostgres(dsn, schema string) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Postgres{db: db, schema: schema}, nil
}

func (p *Postgres) table(name string) string {
	return fmt.Sprintf("%s.%s", p.schema, name)
}

func (p *Postgres) UpsertRunner(r RunnerRow) error {
	now := time.Now()
	r.UpdatedAt = now
	query := fmt.Sprintf(`
		INSERT INTO %s (id, name, provider_id, container_id, repository, status, last_heartbeat, created_at, updated_at)
		VALUES (:id, :name, :provider_id, :container_id, :repository, :status, :last_heartbeat, :created_at, :updated_at)
		ON CONFLICT (name) DO UPDATE SET
			provider_id = EXCLUDED.provider_id,
			container_id = EXCLUDED.container_id,
			status = EXCLUDED.status,
			last_heartbeat = EXCLUDED.last_heartbeat,
			updated_at = EXCLUDED.updated_at
	`, p.table("runners"))
	_, err := p.db.NamedExec(query, r)
	return err
}

func (p *Postgres) DeleteRunner(name string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE name = $1`, p.table("runners"))
	_, err := p.db.Exec(query, name)
	return err
}

func (p *Postgres) ListRunners() ([]RunnerRow, error) {
	var rows []RunnerRow
	query := fmt.Sprintf(`SELECT * FROM %s`, p.table("runners"))
	err := p.db.Select(&rows, query)
	return rows, err
}

func (p *Postgres) UpsertPool(row PoolRow) error {
	row.UpdatedAt = time.Now()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, repo_glob, min_runners, max_runners, scale_increment, scale_threshold, cooldown_seconds, idle_timeout_seconds, updated_at)
		VALUES (:id, :repo_glob, :min_runners, :max_runners, :scale_increment, :scale_threshold, :cooldown_seconds, :idle_timeout_seconds, :updated_at)
		ON CONFLICT (repo_glob) DO UPDATE SET
			min_runners = EXCLUDED.min_runners,
			max_runners = EXCLUDED.max_runners,
			scale_increment = EXCLUDED.scale_increment,
			scale_threshold = EXCLUDED.scale_threshold,
			cooldown_seconds = EXCLUDED.cooldown_seconds,
			idle_timeout_seconds = EXCLUDED.idle_timeout_seconds,
			updated_at = EXCLUDED.updated_at
	`, p.table("runner_pools"))
	_, err := p.db.NamedExec(query, row)
	return err
}

func (p *Postgres) ListPools() ([]PoolRow, error) {
	var rows []PoolRow
	query := fmt.Sprintf(`SELECT * FROM %s`, p.table("runner_pools"))
	err := p.db.Select(&rows, query)
	return rows, err
}

func (p *Postgres) UpsertJob(j JobRow) error {
	j.UpdatedAt = time.Now()
	query := fmt.Sprintf(`
		INSERT INTO %s (id, repository, workflow, status, assigned_runner, started_at, completed_at, created_at, updated_at)
		VALUES (:id, :repository, :workflow, :status, :assigned_runner, :started_at, :completed_at, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			assigned_runner = EXCLUDED.assigned_runner,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at
	`, p.table("jobs"))
	_, err := p.db.NamedExec(query, j)
	return err
}

func (p *Postgres) ListJobs(repository string) ([]JobRow, error) {
	var rows []JobRow
	query := fmt.Sprintf(`SELECT * FROM %s WHERE repository = $1`, p.table("jobs"))
	err := p.db.Select(&rows, query, repository)
	return rows, err
}

func (p *Postgres) AppendScalingEvent(e ScalingEventRow) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, repository, kind, reason, pre_count, post_count, created_at)
		VALUES (:id, :repository, :kind, :reason, :pre_count, :post_count, :created_at)
	`, p.table("scaling_events"))
	_, err := p.db.NamedExec(query, e)
	return err
}

var _ Store = (*Postgres)(nil)
