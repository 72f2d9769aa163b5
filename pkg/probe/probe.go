// SPDX-License-Identifier: Apache-2.0
// Package probe issues bounded HTTP health probes with retry.
package probe

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jllopis/custos/pkg/errors"
	"github.com/jllopis/custos/pkg/resilience"
)

// Options control probe retry behavior.
type Options struct {
	// Retries is the total number of attempts per URL.
	Retries int

	// Delay is the fixed sleep between attempts. No sleep happens after the
	// last attempt.
	Delay time.Duration

	// Timeout bounds each individual HTTP request.
	Timeout time.Duration
}

// DefaultOptions returns the standard probe configuration.
func DefaultOptions() Options {
	return Options{
		Retries: 3,
		Delay:   10 * time.Second,
		Timeout: 5 * time.Second,
	}
}

// Prober checks service health over HTTP. It is stateless apart from its
// HTTP client and safe for concurrent use.
type Prober struct {
	client *http.Client
	logger *slog.Logger
}

// New creates a Prober with its own HTTP client.
func New() *Prober {
	return &Prober{
		client: &http.Client{},
		logger: slog.Default(),
	}
}

// CheckService probes url with GET until a 200 response or retry exhaustion.
// Any non-200 status or transport error counts as a failed attempt.
func (p *Prober) CheckService(ctx context.Context, url string, opts Options) bool {
	opts = normalize(opts)
	cfg := resilience.FixedRetryConfig(opts.Retries, opts.Delay)
	err := cfg.Do(ctx, func() error {
		return p.attempt(ctx, url, opts.Timeout)
	})
	if err != nil {
		p.logger.Warn("probe.failed",
			slog.String("url", url),
			slog.Int("retries", opts.Retries),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// CheckAll probes urls sequentially and returns false on the first failure
// so the caller can see where the break is. An empty list is healthy.
func (p *Prober) CheckAll(ctx context.Context, urls []string, opts Options) bool {
	for _, url := range urls {
		if !p.CheckService(ctx, url, opts) {
			return false
		}
	}
	return true
}

func (p *Prober) attempt(ctx context.Context, url string, timeout time.Duration) error {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return errors.New(errors.CodeProbeFailure, "build probe request", err).WithRecoverable(true)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return errors.New(errors.CodeProbeFailure, "probe request failed", err).WithRecoverable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.New(errors.CodeProbeFailure, "unexpected status", nil).
			WithContext("status", resp.StatusCode).
			WithRecoverable(true)
	}
	return nil
}

func normalize(opts Options) Options {
	if opts.Retries < 1 {
		opts.Retries = DefaultOptions().Retries
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultOptions().Delay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	return opts
}
