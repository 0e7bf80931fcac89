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

// Package poolconfig implements the §3 RunnerPoolConfig: per-repository
// scaling parameters, keyed by repository glob ("*" = default), loaded at
// start and mutable via the admin interface. Grounded on narwhal's
// backend/ci.go CIConfig loader (gopkg.in/yaml.v2 + io/ioutil.ReadFile,
// defaulting ImageName to "ubuntu") — the same "yaml file with defaults"
// shape, generalized from one CI job's config to the fleet's per-repo pool
// sizing.
package poolconfig

import (
	"io/ioutil"
	"sync"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/codepr/runnerhub/apperrors"
)

// PoolConfig is one repository scope's scaling configuration.
type PoolConfig struct {
	RepoGlob           string  `yaml:"repo"`
	MinRunners         int     `yaml:"minRunners"`
	MaxRunners         int     `yaml:"maxRunners"`
	ScaleIncrement     int     `yaml:"scaleIncrement"`
	ScaleThreshold     float64 `yaml:"scaleThreshold"`
	CooldownSeconds    int     `yaml:"cooldownSeconds"`
	IdleTimeoutSeconds int     `yaml:"idleTimeoutSeconds"`
}

// Defaults matches the env defaults in spec.md §6. LoadFromFile applies them
// to every field the yaml document leaves zero except MinRunners, which
// stays 0 when omitted.
func Defaults() PoolConfig {
	return PoolConfig{
		RepoGlob:           "*",
		MinRunners:         5,
		MaxRunners:         50,
		ScaleIncrement:     5,
		ScaleThreshold:     0.8,
		CooldownSeconds:    300,
		IdleTimeoutSeconds: 1800,
	}
}

// ScaleDownThreshold defaults to threshold/2 per spec.md §4.5.
func (c PoolConfig) ScaleDownThreshold() float64 {
	return c.ScaleThreshold / 2
}

// IdleTimeoutDuration converts the yaml-friendly seconds field to a
// time.Duration for the Autoscaler's eligibility check.
func (c PoolConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// CooldownDuration converts CooldownSeconds to a time.Duration.
func (c PoolConfig) CooldownDuration() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// Validate enforces spec.md §3's invariants.
func (c PoolConfig) Validate() error {
	if c.MinRunners < 0 || c.MaxRunners < c.MinRunners {
		return apperrors.New(apperrors.Invalid, "0 <= minRunners <= maxRunners must hold")
	}
	if c.ScaleIncrement < 1 {
		return apperrors.New(apperrors.Invalid, "scaleIncrement must be >= 1")
	}
	if c.ScaleThreshold <= 0 || c.ScaleThreshold > 1 {
		return apperrors.New(apperrors.Invalid, "scaleThreshold must be in (0,1]")
	}
	if c.CooldownSeconds < 0 || c.IdleTimeoutSeconds < 0 {
		return apperrors.New(apperrors.Invalid, "cooldownSeconds and idleTimeoutSeconds must be >= 0")
	}
	return nil
}

// Store is an admin-mutable, glob-keyed set of pool configs, loaded once at
// start and then mutated in place through the admin surface's
// implicit "set pool config" verb. Guarded by a single mutex, the same
// shape registry.Registry uses: ForRepo is read on every autoscaler tick
// while Set can race in from the admin surface at any time (spec.md §3:
// "mutable via admin interface").
type Store struct {
	mu     sync.RWMutex
	byGlob map[string]PoolConfig
}

// LoadFromFile reads a yaml document listing one or more PoolConfig entries,
// applying Defaults() to zero-valued fields other than MinRunners and
// falling back to a single
// default-only pool when path is empty, matching narwhal's
// "defaults ImageName to ubuntu" precedent of never failing outright on a
// missing/empty config source.
func LoadFromFile(path string) (*Store, error) {
	if path == "" {
		d := Defaults()
		return &Store{byGlob: map[string]PoolConfig{d.RepoGlob: d}}, nil
	}

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Invalid, "read pool config file", err)
	}

	var raw []PoolConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, apperrors.Wrap(apperrors.Invalid, "parse pool config yaml", err)
	}

	s := &Store{byGlob: make(map[string]PoolConfig, len(raw))}
	for _, c := range raw {
		c = applyDefaults(c)
		if err := c.Validate(); err != nil {
			return nil, err
		}
		s.byGlob[c.RepoGlob] = c
	}
	if _, ok := s.byGlob["*"]; !ok {
		s.byGlob["*"] = Defaults()
	}
	return s, nil
}

func applyDefaults(c PoolConfig) PoolConfig {
	d := Defaults()
	if c.RepoGlob == "" {
		c.RepoGlob = d.RepoGlob
	}
	if c.MaxRunners == 0 {
		c.MaxRunners = d.MaxRunners
	}
	if c.ScaleIncrement == 0 {
		c.ScaleIncrement = d.ScaleIncrement
	}
	if c.ScaleThreshold == 0 {
		c.ScaleThreshold = d.ScaleThreshold
	}
	if c.CooldownSeconds == 0 {
		c.CooldownSeconds = d.CooldownSeconds
	}
	if c.IdleTimeoutSeconds == 0 {
		c.IdleTimeoutSeconds = d.IdleTimeoutSeconds
	}
	return c
}

// ForRepo resolves the most specific matching config: exact match first,
// then "*" default.
func (s *Store) ForRepo(repo string) PoolConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.byGlob[repo]; ok {
		return c
	}
	return s.byGlob["*"]
}

// Set mutates (or inserts) the config for a given glob, the admin surface's
// write path. Validates before applying.
func (s *Store) Set(c PoolConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byGlob[c.RepoGlob] = c
	return nil
}

// All returns every configured scope.
func (s *Store) All() []PoolConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PoolConfig, 0, len(s.byGlob))
	for _, c := range s.byGlob {
		out = append(out, c)
	}
	return out
}
