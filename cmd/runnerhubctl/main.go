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

// Command runnerhubctl is the admin CLI surface from spec.md §6: it talks
// directly to the durable Store, the Container Driver and the Provider
// Client the same way runnerhubd does (it does not go through a running
// daemon's in-memory Registry — there is no admin RPC protocol in scope
// here), using spf13/cobra for the verb/flag parsing the way narwhal.go
// used the stdlib flag package for its own (much smaller) two-flag surface.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/codepr/runnerhub/config"
	"github.com/codepr/runnerhub/container"
	"github.com/codepr/runnerhub/provider"
	"github.com/codepr/runnerhub/store"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "runnerhubctl").Logger()

	root := &cobra.Command{
		Use:   "runnerhubctl",
		Short: "Administer the runner fleet: list, stop, remove, exec, stats, reconcile, drain",
	}

	root.AddCommand(
		listRunnersCmd(log),
		stopRunnerCmd(log),
		removeRunnerCmd(log),
		execCmd(log),
		statsCmd(log),
		reconcileCmd(log),
		drainPoolCmd(log),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}
	return store.NewPostgres(cfg.DatabaseURL, cfg.DatabaseSchema)
}

func loadConfig() (*config.Config, error) {
	return config.Load()
}

func listRunnersCmd(log zerolog.Logger) *cobra.Command {
	var repoFilter string
	cmd := &cobra.Command{
		Use:   "list-runners",
		Short: "List registered runners, optionally filtered by repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			rows, err := st.ListRunners()
			if err != nil {
				return err
			}
			for _, r := range rows {
				if repoFilter != "" && r.Repository != repoFilter {
					continue
				}
				fmt.Printf("%-30s %-10s %-25s %s\n", r.Name, r.Status, r.Repository, r.ContainerID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&repoFilter, "repository", "", "filter by repository (exact match, empty = all)")
	return cmd
}

func stopRunnerCmd(log zerolog.Logger) *cobra.Command {
	var timeoutSeconds int
	cmd := &cobra.Command{
		Use:   "stop-runner <name>",
		Short: "Gracefully stop a runner's container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			drv, err := container.NewDockerDriver(cfg.DockerHost, log)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSeconds)*time.Second+5*time.Second)
			defer cancel()
			return drv.Stop(ctx, args[0], time.Duration(timeoutSeconds)*time.Second)
		},
	}
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 30, "graceful stop timeout in seconds")
	return cmd
}

func removeRunnerCmd(log zerolog.Logger) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "remove-runner <name>",
		Short: "Remove a runner's container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			drv, err := container.NewDockerDriver(cfg.DockerHost, log)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return drv.Remove(ctx, args[0], force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "remove even if the container is still running")
	return cmd
}

func execCmd(log zerolog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec <name> -- <argv...>",
		Short: "Run a one-off command inside a runner's container",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			drv, err := container.NewDockerDriver(cfg.DockerHost, log)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			res, err := drv.Exec(ctx, args[0], args[1:], container.ExecOptions{MaxStreamBytes: container.DefaultMaxStreamBytes})
			if err != nil {
				return err
			}
			os.Stdout.Write(res.Stdout)
			os.Stderr.Write(res.Stderr)
			if res.ExitCode != 0 {
				os.Exit(res.ExitCode)
			}
			return nil
		},
	}
	return cmd
}

func statsCmd(log zerolog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats <name>",
		Short: "Print the latest resource sample for a runner's container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			drv, err := container.NewDockerDriver(cfg.DockerHost, log)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			sample, err := drv.Stats(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("cpu=%.2f%% mem=%s rx=%s tx=%s at=%s\n",
				sample.CPUPercent,
				formatBytes(sample.MemoryBytes),
				formatBytes(sample.NetRxBytes),
				formatBytes(sample.NetTxBytes),
				sample.SampledAt.Format(time.RFC3339))
			return nil
		},
	}
	return cmd
}

func reconcileCmd(log zerolog.Logger) *cobra.Command {
	var repo string
	cmd := &cobra.Command{
		Use:   "force-reconcile",
		Short: "Reconcile the durable store against the provider and container runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			prov := provider.NewGitHubClient(context.Background(), cfg.ProviderOrg, cfg.ProviderToken, log)
			drv, err := container.NewDockerDriver(cfg.DockerHost, log)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			result, err := store.Reconcile(ctx, st, prov, repo, drv, log)
			if err != nil {
				return err
			}
			fmt.Printf("kept=%d deletedFromStore=%d deregisteredAtProvider=%d removedOrphans=%d\n",
				len(result.Kept), len(result.DeletedFromStore), len(result.DeregisteredAtProvider), len(result.RemovedOrphanContainers))
			return nil
		},
	}
	cmd.Flags().StringVar(&repo, "repository", "", "repository scope to reconcile")
	return cmd
}

func drainPoolCmd(log zerolog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drain-pool <repository>",
		Short: "Gracefully stop a repository's idle runners (busy runners and job intake are left as they are)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			drv, err := container.NewDockerDriver(cfg.DockerHost, log)
			if err != nil {
				return err
			}
			rows, err := st.ListRunners()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			for _, r := range rows {
				if r.Repository != args[0] || r.Status != "idle" {
					continue
				}
				if err := drv.Stop(ctx, r.ContainerID, 30*time.Second); err != nil {
					log.Warn().Err(err).Str("runner", r.Name).Msg("drain: failed to stop runner")
					continue
				}
				fmt.Println("stopped", r.Name)
			}
			return nil
		},
	}
	return cmd
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return strconv.FormatUint(b, 10) + "B"
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
