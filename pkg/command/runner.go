// SPDX-License-Identifier: Apache-2.0
// Package command executes shell and orchestration commands with timeouts.
package command

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Runner executes a shell command and returns its stdout. Each call spawns
// its own subprocess; there is no shared state between invocations.
type Runner interface {
	// Run executes cmd through the shell in dir, bounded by timeout.
	// It returns captured stdout and true on exit code 0, or "" and false on
	// nonzero exit, timeout, or spawn error. Stderr is captured for logging
	// only.
	Run(ctx context.Context, cmd string, timeout time.Duration, dir string) (string, bool)
}

// ShellRunner runs commands via /bin/sh -c.
type ShellRunner struct {
	logger *slog.Logger
}

// NewShellRunner creates a ShellRunner.
func NewShellRunner() *ShellRunner {
	return &ShellRunner{logger: slog.Default()}
}

// Run implements Runner.
func (r *ShellRunner) Run(ctx context.Context, cmd string, timeout time.Duration, dir string) (string, bool) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	proc := exec.CommandContext(runCtx, "/bin/sh", "-c", cmd)
	if dir != "" {
		proc.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	start := time.Now()
	err := proc.Run()
	elapsed := time.Since(start)

	if err != nil {
		r.logger.Warn("command.failed",
			slog.String("cmd", cmd),
			slog.Duration("elapsed", elapsed),
			slog.String("stderr", truncate(stderr.String(), 2000)),
			slog.String("error", err.Error()),
		)
		return "", false
	}

	r.logger.Debug("command.ok",
		slog.String("cmd", cmd),
		slog.Duration("elapsed", elapsed),
	)
	return stdout.String(), true
}

// ShellQuote wraps a value in single quotes for safe substitution into a
// shell command line. Any value derived from external input (tags, SHAs)
// must pass through here before interpolation.
func ShellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
