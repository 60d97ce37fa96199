// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/absmach/fluxc2/buildlog"
	"github.com/absmach/fluxc2/c2"
	"github.com/absmach/fluxc2/config"
	"github.com/absmach/fluxc2/internal/wiring"
	"github.com/absmach/fluxc2/server/health"
	"github.com/absmach/fluxc2/server/otel"
	"github.com/absmach/fluxc2/server/websocket"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		Long:  "Start receiving replies on the front end subscription, ingest build logs\nand serve the health and event feed endpoints until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, opts.configPath)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, configPath string) error {
	level := new(slog.LevelVar)
	logger := newLogger(cfg.Log, os.Stdout, level)
	slog.SetDefault(logger)

	slog.Info("Starting C2 daemon", "version", version)
	slog.Info("Configuration loaded",
		"deployment", cfg.C2.Deployment,
		"topic", cfg.C2.Topic,
		"transport", cfg.Transport.Type,
		"storage", cfg.Storage.Type,
		"records", cfg.Records.Type,
		"build_logs", cfg.BuildLogs.Enabled,
		"health_enabled", cfg.Server.HealthEnabled,
		"events_enabled", cfg.Server.EventsEnabled,
		"log_level", cfg.Log.Level)

	var buildOpts []wiring.Option

	// Initialize OpenTelemetry if enabled
	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics
	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(ctx, *cfg)
		if err != nil {
			return fmt.Errorf("initialize OpenTelemetry: %w", err)
		}
		otelShutdown = shutdown

		m, err := otel.NewMetrics(nil)
		if err != nil {
			return fmt.Errorf("create metrics: %w", err)
		}
		metrics = m
		buildOpts = append(buildOpts, wiring.WithSink(m), wiring.WithControlPlaneOptions(c2.WithMetrics(m)))
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.MetricsAddr)
	}

	var feed *websocket.Server
	if cfg.Server.EventsEnabled {
		feed = websocket.New(websocket.Config{
			Address:         cfg.Server.EventsAddr,
			Path:            cfg.Server.EventsPath,
			Deployment:      cfg.C2.Deployment,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, logger)
		buildOpts = append(buildOpts, wiring.WithSink(feed))
	}

	rt, err := wiring.Build(ctx, cfg, logger, buildOpts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			slog.Error("Failed to release resources", "error", err)
		}
	}()

	if err := rt.ControlPlane.Start(ctx); err != nil {
		return fmt.Errorf("start control plane: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 4)

	if cfg.BuildLogs.Enabled {
		if err := rt.Transport.EnsureTopic(runCtx, cfg.BuildLogs.Topic); err != nil {
			return fmt.Errorf("ensure build log topic: %w", err)
		}
		ingOpts := []buildlog.Option{buildlog.WithLogger(logger), buildlog.WithEvents(rt.Events)}
		if metrics != nil {
			ingOpts = append(ingOpts, buildlog.WithMetrics(metrics))
		}
		ing := buildlog.New(buildlog.Config{
			Topic:        cfg.BuildLogs.Topic,
			Subscription: cfg.BuildLogSubscription(),
		}, rt.Transport, rt.Records.Builds(), ingOpts...)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ing.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				serverErr <- fmt.Errorf("build log ingester: %w", err)
			}
		}()
	}

	if cfg.Server.HealthEnabled {
		hs := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, rt.ControlPlane, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := hs.Listen(runCtx); err != nil {
				serverErr <- fmt.Errorf("health server: %w", err)
			}
		}()
	}

	if feed != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := feed.Listen(runCtx); err != nil {
				serverErr <- fmt.Errorf("event feed: %w", err)
			}
		}()
	}

	if configPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := config.Watch(runCtx, configPath, logger, func(next *config.Config) {
				level.Set(next.Log.SlogLevel())
				slog.Info("Configuration reloaded", "log_level", next.Log.Level)
			})
			if err != nil {
				slog.Warn("Config watcher stopped", "error", err)
			}
		}()
	}

	slog.Info("C2 daemon started")

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal")
	case runErr = <-serverErr:
		slog.Error("Server error", "error", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := rt.ControlPlane.Stop(shutdownCtx); err != nil {
		slog.Error("Error stopping control plane", "error", err)
	}
	cancel()
	wg.Wait()

	if otelShutdown != nil {
		otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelCtx); err != nil {
			slog.Error("Error shutting down OpenTelemetry", "error", err)
		}
	}

	slog.Info("C2 daemon stopped")
	return runErr
}
