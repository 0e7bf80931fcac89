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

// Command runnerhubd is the fleet manager daemon: it wires the Provider
// Client, Container Driver, Runner Registry, durable Store, pool
// configuration, Lifecycle Manager, per-repository Autoscalers, job queue
// and webhook intake into one process and runs until signalled.
//
// Grounded on narwhal.go's flag-parsed bootstrap and core/server.go's
// DispatcherServer.Run graceful-shutdown goroutine (signal.Notify
// SIGINT/SIGTERM -> context.WithTimeout -> server.Shutdown), generalized
// from a single HTTP server to the full set of background loops this
// process owns.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/codepr/runnerhub/autoscaler"
	"github.com/codepr/runnerhub/clock"
	"github.com/codepr/runnerhub/config"
	"github.com/codepr/runnerhub/container"
	"github.com/codepr/runnerhub/dispatcher"
	"github.com/codepr/runnerhub/lifecycle"
	"github.com/codepr/runnerhub/poolconfig"
	"github.com/codepr/runnerhub/provider"
	"github.com/codepr/runnerhub/queue"
	"github.com/codepr/runnerhub/registry"
	"github.com/codepr/runnerhub/store"
	"github.com/codepr/runnerhub/webhook"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("service", "runnerhubd").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("runnerhubd exited with error")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	prov := provider.NewGitHubClient(context.Background(), cfg.ProviderOrg, cfg.ProviderToken, log)

	drv, err := container.NewDockerDriver(cfg.DockerHost, log)
	if err != nil {
		return err
	}

	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(cfg.DatabaseURL, cfg.DatabaseSchema)
		if err != nil {
			return err
		}
		st = pg
	} else {
		log.Warn().Msg("DATABASE_URL not set, running with an in-memory store only")
		st = store.NewMemory()
	}

	persister := &storePersister{st: st, log: log}
	reg := registry.New(persister)

	pools, err := poolconfig.LoadFromFile(cfg.PoolConfigPath)
	if err != nil {
		return err
	}

	life := lifecycle.New(reg, drv, prov, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real{}

	demandSignalers := make(map[string]interface {
		SignalDemand()
	})
	for _, pc := range pools.All() {
		pc := pc
		sink := &scalingEventSink{repo: pc.RepoGlob, st: st, log: log}
		a := autoscaler.New(pc.RepoGlob, cfg.RunnerImage, func() poolconfig.PoolConfig { return pools.ForRepo(pc.RepoGlob) }, reg, life, sink, clk, log)
		demandSignalers[pc.RepoGlob] = a
		go a.Run(ctx, cfg.MonitorInterval())
	}

	q := queue.NewAmqpQueue(cfg.AmqpURL, cfg.AmqpQueue)
	disp := dispatcher.New(reg, life, demandSignalers, cfg.AssignmentTimeout(), log)
	go disp.Run(ctx, 2*time.Second)

	incoming := make(chan []byte, 64)
	if err := q.Consume(ctx, incoming); err != nil {
		log.Warn().Err(err).Msg("queue consume failed, continuing with direct webhook intake only")
	} else {
		go forwardQueuedJobs(ctx, incoming, disp, log)
	}

	go life.RunSampler(ctx, clk, lifecycle.DefaultSampleInterval)

	h := webhook.NewHandler(cfg.ProviderToken, disp, q, log)
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      h.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		log.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
		defer cancel()
		srv.SetKeepAlivesEnabled(false)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown did not complete cleanly")
		}
		close(done)
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	<-done
	log.Info().Msg("runnerhubd stopped")
	return nil
}

func forwardQueuedJobs(ctx context.Context, in <-chan []byte, disp *dispatcher.Dispatcher, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case body := <-in:
			var j dispatcher.Job
			if err := queue.DecodeJob(body, &j); err != nil {
				log.Warn().Err(err).Msg("dropping malformed queued job")
				continue
			}
			disp.Enqueue(j)
		}
	}
}

// storePersister adapts registry.Persister onto the durable Store. Each
// StateChange is written synchronously, without buffering, so Registry
// mutations wait for the Store write; failures are logged, not retried,
// since the next StateChange supersedes a dropped one.
type storePersister struct {
	st  store.Store
	log zerolog.Logger
}

func (p *storePersister) Persist(sc registry.StateChange) {
	row := store.RunnerRow{
		Name:          sc.Runner.Name,
		ProviderID:    sc.Runner.ProviderID,
		ContainerID:   sc.Runner.ContainerID,
		Repository:    sc.Runner.Repository,
		Status:        string(sc.Runner.Status),
		LastHeartbeat: sc.Runner.LastHeartbeat,
		CreatedAt:     sc.Runner.CreatedAt,
	}
	if sc.Reason == "remove" {
		if err := p.st.DeleteRunner(row.Name); err != nil {
			p.log.Warn().Err(err).Str("runner", row.Name).Msg("failed to delete runner row")
		}
		return
	}
	if err := p.st.UpsertRunner(row); err != nil {
		p.log.Warn().Err(err).Str("runner", row.Name).Msg("failed to persist runner row")
	}
}

type scalingEventSink struct {
	repo string
	st   store.Store
	log  zerolog.Logger
}

func (s *scalingEventSink) Record(ev autoscaler.Event) {
	if err := s.st.AppendScalingEvent(store.ScalingEventRow{
		Repository: s.repo,
		Kind:       string(ev.Kind),
		Reason:     ev.Reason,
		PreCount:   ev.PreCount,
		PostCount:  ev.PostCount,
		CreatedAt:  ev.At,
	}); err != nil {
		s.log.Warn().Err(err).Msg("failed to persist scaling event")
	}
}
