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

// Package webhook is the HTTP intake surface that receives provider webhook
// deliveries and turns them into queued Dispatcher jobs. Grounded on
// narwhal's agent/handlers.go commitHandler (github.ValidatePayload ->
// github.ParseWebHook -> switch on *github.PushEvent -> push onto a channel)
// generalized from a single hardcoded Commit shape to the dispatcher.Job
// model, and on narwhal's agent.go Run method for the route/server
// wiring (health check route alongside the event route, access-log
// middleware wrapping the router).
package webhook

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/go-github/v55/github"
	"github.com/rs/zerolog"

	"github.com/codepr/runnerhub/dispatcher"
	"github.com/codepr/runnerhub/queue"
)

// Enqueuer is the narrow Dispatcher capability the intake handler needs.
type Enqueuer interface {
	Enqueue(dispatcher.Job)
}

// Handler wires the HTTP routes. Secret is the GitHub webhook shared secret
// used to validate payload signatures (empty string disables validation,
// matching narwhal's hardcoded placeholder behavior for local/dev use but
// logged loudly so it isn't mistaken for a supported production mode).
type Handler struct {
	secret   []byte
	enqueuer Enqueuer
	producer queue.ProducerConsumer // optional: also fan out raw job events onto the queue
	log      zerolog.Logger
}

func NewHandler(secret string, enqueuer Enqueuer, producer queue.ProducerConsumer, log zerolog.Logger) *Handler {
	if secret == "" {
		log.Warn().Msg("webhook signature validation disabled: no secret configured")
	}
	return &Handler{
		secret:   []byte(secret),
		enqueuer: enqueuer,
		producer: producer,
		log:      log.With().Str("component", "webhook").Logger(),
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/health", h.healthCheck())
	mux.Handle("/webhook", h.intake())
	return withAccessLog(h.log)(mux)
}

func (h *Handler) healthCheck() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

func (h *Handler) intake() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		payload, err := github.ValidatePayload(r, h.secret)
		if err != nil {
			h.log.Warn().Err(err).Msg("rejected webhook: signature validation failed")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		defer r.Body.Close()

		event, err := github.ParseWebHook(github.WebHookType(r), payload)
		if err != nil {
			h.log.Warn().Err(err).Msg("could not parse webhook payload")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		switch e := event.(type) {
		case *github.WorkflowJobEvent:
			job := jobFromWorkflowJobEvent(e)
			h.enqueuer.Enqueue(job)
			if h.producer != nil {
				if body, err := queue.EncodeJob(job); err == nil {
					_ = h.producer.Produce(body)
				}
			}
		case *github.PushEvent:
			// A push alone never creates a runnable job (no workflow_job
			// payload yet on this event); it is only logged at debug level
			// and nothing is enqueued.
			h.log.Debug().Str("repo", e.GetRepo().GetFullName()).Msg("push event received, awaiting workflow_job")
		default:
			h.log.Debug().Str("event", github.WebHookType(r)).Msg("ignored webhook event type")
		}

		w.WriteHeader(http.StatusOK)
	}
}

func jobFromWorkflowJobEvent(e *github.WorkflowJobEvent) dispatcher.Job {
	wj := e.GetWorkflowJob()
	repo := e.GetRepo()
	return dispatcher.Job{
		ID:         jobID(wj.GetID()),
		Repository: repo.GetFullName(),
		Workflow:   wj.GetWorkflowName(),
		Labels:     wj.Labels,
	}
}

func jobID(id int64) string {
	return "workflow-job-" + strconv.FormatInt(id, 10)
}

// withAccessLog logs method/path/status/duration for every request, the
// same access-log shape as narwhal's logging/logReq middleware
// (agent.go/core/server.go) reimplemented against zerolog since that is the
// structured logger threaded through every other component here.
func withAccessLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", sw.status).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
