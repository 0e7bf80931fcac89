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
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"

	"github.com/codepr/runnerhub/apperrors"
)

// DockerDriver drives the local container daemon over its Unix domain
// socket, the way narwhal's backend/runner.go and core/runner.go do
// (ImagePull -> ContainerCreate -> ContainerStart -> ContainerWait ->
// ContainerLogs + stdcopy), generalized to the full Driver interface.
type DockerDriver struct {
	cli *client.Client
	log zerolog.Logger
}

// NewDockerDriver connects to host (e.g. "unix:///var/run/docker.sock").
func NewDockerDriver(host string, log zerolog.Logger) (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, "connect to container runtime", err)
	}
	return &DockerDriver{cli: cli, log: log.With().Str("component", "container_driver").Logger()}, nil
}

func (d *DockerDriver) Create(ctx context.Context, spec Spec) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	reader, err := d.cli.ImagePull(ctx, spec.Image, types.ImagePullOptions{})
	if err != nil {
		return "", apperrors.Wrap(apperrors.Transient, "image pull", err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	hostCfg := &container.HostConfig{
		AutoRemove: spec.Restart.Ephemeral,
	}
	if !spec.Restart.Ephemeral {
		hostCfg.RestartPolicy = container.RestartPolicy{Name: "on-failure", MaximumRetryCount: spec.Restart.MaxRestarts}
	}
	if spec.MemoryLimitMB > 0 {
		hostCfg.Resources.Memory = spec.MemoryLimitMB * 1024 * 1024
	}
	if spec.CPULimit > 0 {
		hostCfg.Resources.NanoCPUs = int64(spec.CPULimit * 1e9)
	}
	for _, v := range spec.Volumes {
		mode := "rw"
		if v.ReadOnly {
			mode = "ro"
		}
		hostCfg.Binds = append(hostCfg.Binds, fmt.Sprintf("%s:%s:%s", v.HostPath, v.ContainerPath, mode))
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: spec.Labels,
	}, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", classifyDockerErr(err, "container create")
	}
	return resp.ID, nil
}

func (d *DockerDriver) Start(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := d.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return classifyDockerErr(err, "container start")
	}
	return nil
}

func (d *DockerDriver) Stop(ctx context.Context, id string, gracefulTimeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, gracefulTimeout+5*time.Second)
	defer cancel()
	to := gracefulTimeout
	if err := d.cli.ContainerStop(ctx, id, &to); err != nil {
		return classifyDockerErr(err, "container stop")
	}
	return nil
}

func (d *DockerDriver) Remove(ctx context.Context, id string, force bool) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err := d.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: force})
	if err != nil {
		wrapped := classifyDockerErr(err, "container remove")
		if apperrors.Is(wrapped, apperrors.NotFound) {
			return nil
		}
		return wrapped
	}
	return nil
}

func (d *DockerDriver) Stats(ctx context.Context, id string) (ResourceSample, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	resp, err := d.cli.ContainerStats(ctx, id, false)
	if err != nil {
		return ResourceSample{}, classifyDockerErr(err, "container stats")
	}
	defer resp.Body.Close()

	var stats types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return ResourceSample{}, apperrors.Wrap(apperrors.Transient, "decode stats", err)
	}

	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage - stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage - stats.PreCPUStats.SystemUsage)
	cpuPercent := 0.0
	if systemDelta > 0 && cpuDelta > 0 {
		cpuPercent = (cpuDelta / systemDelta) * float64(len(stats.CPUStats.CPUUsage.PercpuUsage)) * 100.0
	}

	var rx, tx uint64
	for _, nw := range stats.Networks {
		rx += nw.RxBytes
		tx += nw.TxBytes
	}

	return ResourceSample{
		CPUPercent:  cpuPercent,
		MemoryBytes: stats.MemoryStats.Usage,
		NetRxBytes:  rx,
		NetTxBytes:  tx,
		SampledAt:   time.Now(),
	}, nil
}

func (d *DockerDriver) Exec(ctx context.Context, id string, argv []string, opts ExecOptions) (ExecResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execResp, err := d.cli.ContainerExecCreate(ctx, id, types.ExecConfig{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, classifyDockerErr(err, "exec create")
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return ExecResult{}, classifyDockerErr(err, "exec attach")
	}
	defer attach.Close()

	stdout := newStreamWriter(opts.MaxStreamBytes)
	stderr := newStreamWriter(opts.MaxStreamBytes)
	if _, err := stdcopy.StdCopy(stdout, stderr, attach.Reader); err != nil && err != io.EOF {
		return ExecResult{}, apperrors.Wrap(apperrors.Transient, "exec stream copy", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return ExecResult{}, classifyDockerErr(err, "exec inspect")
	}

	return ExecResult{
		Stdout:   stdout.buf,
		Stderr:   stderr.buf,
		ExitCode: inspect.ExitCode,
	}, nil
}

func (d *DockerDriver) Inspect(ctx context.Context, id string) (InspectResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return InspectResult{}, classifyDockerErr(err, "container inspect")
	}
	res := InspectResult{ID: info.ID, Running: info.State.Running, ExitCode: info.State.ExitCode}
	if info.State.Error != "" {
		res.Error = info.State.Error
	}
	if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
		res.StartedAt = t
	}
	return res, nil
}

// ListRunnerContainers returns every container carrying a
// "runnerhub.runner" label, keyed by that label's value, satisfying
// store.RuntimeLister for reconciliation (spec.md §8 scenario 6). Included
// on the concrete type rather than the Driver interface since only the
// reconcile path needs it and FakeDriver has no equivalent runtime to list.
func (d *DockerDriver) ListRunnerContainers(ctx context.Context) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	args := filters.NewArgs()
	args.Add("label", "runnerhub.runner")
	containers, err := d.cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: args})
	if err != nil {
		return nil, classifyDockerErr(err, "container list")
	}

	out := make(map[string]string, len(containers))
	for _, c := range containers {
		if name, ok := c.Labels["runnerhub.runner"]; ok {
			out[name] = c.ID
		}
	}
	return out, nil
}

// RemoveContainer satisfies store.RuntimeLister's removal half by
// delegating to Remove.
func (d *DockerDriver) RemoveContainer(ctx context.Context, id string, force bool) error {
	return d.Remove(ctx, id, force)
}

func classifyDockerErr(err error, op string) error {
	if client.IsErrNotFound(err) {
		return apperrors.Wrap(apperrors.NotFound, op, err)
	}
	if client.IsErrConnectionFailed(err) {
		return apperrors.Wrap(apperrors.Transient, op, err)
	}
	return apperrors.Wrap(apperrors.Transient, op, err)
}
