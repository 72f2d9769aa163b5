// SPDX-License-Identifier: Apache-2.0
// custos-updater is the blue/green update sidecar: it owns the proxy route
// file, applies tagged releases on request, and rolls back on failure.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jllopis/custos/pkg/command"
	"github.com/jllopis/custos/pkg/config"
	"github.com/jllopis/custos/pkg/probe"
	"github.com/jllopis/custos/pkg/store"
	"github.com/jllopis/custos/pkg/telemetry"
	"github.com/jllopis/custos/pkg/updater"
)

const (
	serviceName    = "custos-updater"
	serviceVersion = "0.1.0"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		listenAddr = flag.String("listen", "", "override the control API listen address")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		return 1
	}
	if *listenAddr != "" {
		cfg.Updater.ListenAddr = *listenAddr
	}

	logger := telemetry.ConfigureSlog(os.Stderr, cfg.Log)

	shutdownTelemetry, err := telemetry.Init(serviceName, serviceVersion, cfg.Telemetry)
	if err != nil {
		logger.Error("telemetry init failed", slog.String("error", err.Error()))
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	ops, err := telemetry.NewOpsMetrics(context.Background())
	if err != nil {
		logger.Warn("ops metrics unavailable", slog.String("error", err.Error()))
	}

	info, err := os.Stat(cfg.Updater.ProjectDir)
	if err != nil || !info.IsDir() {
		logger.Error("project directory missing", slog.String("dir", cfg.Updater.ProjectDir))
		return 1
	}

	stateFile := updater.NewStateFile(cfg.Updater.StatePath)
	state, err := stateFile.Load()
	if err != nil {
		logger.Error("loading runtime state", slog.String("error", err.Error()))
		return 1
	}

	routes := updater.NewRouteWriter(cfg.Updater.RoutesPath, nil)
	if err := routes.Write(state.ActiveColor); err != nil {
		logger.Error("writing initial route config", slog.String("error", err.Error()))
		return 1
	}

	secret, err := updater.LoadOrCreateSecret(cfg.Updater.SecretPath)
	if err != nil {
		logger.Error("loading updater secret", slog.String("error", err.Error()))
		return 1
	}

	var audit updater.UpdateAudit
	auditStore, err := store.Open(cfg.Store.Path)
	if err != nil {
		logger.Warn("audit store unavailable, continuing without history persistence",
			slog.String("path", cfg.Store.Path),
			slog.String("error", err.Error()),
		)
	} else {
		audit = auditStore
		defer auditStore.Close()
	}

	executor := updater.NewExecutor(
		updater.ExecutorConfig{
			ProjectDir:     cfg.Updater.ProjectDir,
			ComposeFile:    cfg.Updater.ComposeFile,
			HealthURLs:     cfg.Updater.HealthURLs,
			PauseOnFailure: cfg.Updater.PauseOnFailure,
		},
		command.NewShellRunner(),
		probe.New(),
		stateFile,
		routes,
		audit,
		ops,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath)
		if err != nil {
			logger.Warn("config watcher unavailable", slog.String("error", err.Error()))
		} else {
			watcher.OnChange(func(next *config.Config) {
				executor.SetHealthURLs(next.Updater.HealthURLs)
				executor.SetPauseOnFailure(next.Updater.PauseOnFailure)
				logger.Info("updater config reloaded")
			})
			watcher.Start(ctx)
			defer watcher.Stop()
		}
	}

	srv := &http.Server{
		Addr:              cfg.Updater.ListenAddr,
		Handler:           updater.NewServer(executor, secret).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control API listening",
			slog.String("addr", cfg.Updater.ListenAddr),
			slog.String("active_color", state.ActiveColor),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control API failed", slog.String("error", err.Error()))
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", slog.String("error", err.Error()))
		}
	}
	return 0
}
