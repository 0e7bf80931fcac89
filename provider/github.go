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

package provider

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/go-github/v55/github"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/codepr/runnerhub/apperrors"
)

// GitHubClient is the production Client, backed by go-github. It carries its
// own token-bucket rate limiter, separate from any HTTP middleware, per
// spec.md §5 ("Provider Client has its own token-bucket rate limiter").
type GitHubClient struct {
	gh      *github.Client
	org     string
	limiter *rate.Limiter
	log     zerolog.Logger

	maxAttempts int
}

// NewGitHubClient wires a go-github client authenticated with a bearer
// token scoped to org, matching the provider wire contract in spec.md §6.
// The oauth2.StaticTokenSource-backed http.Client is go-github's own
// documented auth pattern.
func NewGitHubClient(ctx context.Context, org, token string, log zerolog.Logger) *GitHubClient {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	gh := github.NewClient(oauth2.NewClient(ctx, ts))
	gh.UserAgent = "runnerhub"
	return &GitHubClient{
		gh:  gh,
		org: org,
		// 10 requests/sec steady state, burst of 20 — generous enough for
		// a 30s monitor tick across many pools without ever hitting
		// GitHub's own limits first.
		limiter:     rate.NewLimiter(rate.Limit(10), 20),
		log:         log.With().Str("component", "provider").Logger(),
		maxAttempts: 5,
	}
}

func (c *GitHubClient) ListRunners(ctx context.Context, repo string) ([]RunnerInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultCallTimeout)
	defer cancel()

	var out []RunnerInfo
	err := c.withRetry(ctx, "list_runners", func() error {
		runners, _, err := c.gh.Actions.ListRunners(ctx, c.org, repo, nil)
		if err != nil {
			return classifyGitHubErr(err)
		}
		out = make([]RunnerInfo, 0, len(runners.Runners))
		for _, r := range runners.Runners {
			status := StatusOffline
			if r.GetStatus() == "online" {
				status = StatusOnline
			}
			labels := make([]string, 0, len(r.Labels))
			for _, l := range r.Labels {
				labels = append(labels, l.GetName())
			}
			out = append(out, RunnerInfo{
				ID:     r.GetID(),
				Name:   r.GetName(),
				Status: status,
				Busy:   r.GetBusy(),
				Labels: labels,
			})
		}
		return nil
	})
	if err != nil {
		c.log.Warn().Err(err).Str("repo", repo).Msg("list runners failed, caller should treat view as stale")
		return nil, err
	}
	return out, nil
}

func (c *GitHubClient) MintRegistrationToken(ctx context.Context, repo string) (Token, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultCallTimeout)
	defer cancel()

	var tok Token
	err := c.withRetry(ctx, "mint_token", func() error {
		rt, _, err := c.gh.Actions.CreateRegistrationToken(ctx, c.org, repo)
		if err != nil {
			return classifyGitHubErr(err)
		}
		tok = Token{Value: rt.GetToken(), ExpiresAt: rt.GetExpiresAt().Time}
		return nil
	})
	if err != nil {
		return Token{}, err
	}
	return tok, nil
}

func (c *GitHubClient) DeleteRunner(ctx context.Context, repo string, providerRunnerID int64) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultCallTimeout)
	defer cancel()

	err := c.withRetry(ctx, "delete_runner", func() error {
		resp, err := c.gh.Actions.RemoveRunner(ctx, c.org, repo, providerRunnerID)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusNotFound {
				return nil
			}
			return classifyGitHubErr(err)
		}
		return nil
	})
	if apperrors.Is(err, apperrors.NotFound) {
		return nil
	}
	return err
}

// withRetry retries Transient errors (transport failures, 5xx responses and
// go-github's rate-limit errors) with exponential backoff and jitter, up to
// maxAttempts attempts. Every other kind, including 4xx responses that are
// not rate limits, is returned at once.
func (c *GitHubClient) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return apperrors.Wrap(apperrors.Transient, op+": rate limiter wait", err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		kind := apperrors.KindOf(lastErr)
		if kind != apperrors.Transient {
			return lastErr
		}

		delay := backoffWithJitter(attempt)
		c.log.Debug().Str("op", op).Int("attempt", attempt).Dur("delay", delay).Msg("retrying provider call")
		select {
		case <-ctx.Done():
			return apperrors.Wrap(apperrors.Transient, op+": context done while retrying", ctx.Err())
		case <-time.After(delay):
		}
	}
	return lastErr
}

func backoffWithJitter(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * 200 * time.Millisecond
	if base > 10*time.Second {
		base = 10 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base) + 1))
	return base/2 + jitter/2
}

// classifyGitHubErr maps a go-github error into our tagged taxonomy.
func classifyGitHubErr(err error) error {
	if rlErr, ok := err.(*github.RateLimitError); ok {
		return apperrors.Wrap(apperrors.Transient, "rate limited", rlErr)
	}
	if abErr, ok := err.(*github.AbuseRateLimitError); ok {
		return apperrors.Wrap(apperrors.Transient, "secondary rate limit", abErr)
	}
	if respErr, ok := err.(*github.ErrorResponse); ok && respErr.Response != nil {
		switch {
		case respErr.Response.StatusCode == http.StatusNotFound:
			return apperrors.Wrap(apperrors.NotFound, "provider entity not found", err)
		case respErr.Response.StatusCode == http.StatusUnauthorized || respErr.Response.StatusCode == http.StatusForbidden:
			return apperrors.Wrap(apperrors.Unauthorized, "provider rejected credentials", err)
		case respErr.Response.StatusCode >= 500:
			return apperrors.Wrap(apperrors.Transient, "provider server error", err)
		case respErr.Response.StatusCode == http.StatusConflict:
			return apperrors.Wrap(apperrors.Conflict, "provider conflict", err)
		default:
			return apperrors.Wrap(apperrors.Invalid, "provider rejected request", err)
		}
	}
	return apperrors.Wrap(apperrors.Transient, "provider call failed", err)
}
