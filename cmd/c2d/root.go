// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/absmach/fluxc2/config"
	"github.com/absmach/fluxc2/internal/wiring"
	"github.com/absmach/fluxc2/transport"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

// ErrLocalTransport is returned when a one-shot command would publish on
// the in-process bus, which no daemon or agent can observe.
var ErrLocalTransport = errors.New("memory transport is local to this process; use pubsub or mqtt to reach agents")

type rootOptions struct {
	configPath string
	// bus replaces the configured transport; one-shot commands may then
	// publish even when the memory transport is configured.
	bus transport.Transport
}

// newRootCmd creates the c2d command with all subcommands attached.
func newRootCmd() *cobra.Command {
	return newRootCmdWith(&rootOptions{})
}

func newRootCmdWith(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "c2d",
		Short:         "Command and control for managed clusters",
		Long:          "c2d runs the C2 control plane over a pub/sub bus and sends commands\nto cluster agents from the shell.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to configuration file")

	cmd.AddCommand(
		newServeCmd(opts),
		newSendCmd(opts),
		newUpdateCmd(opts),
		newPingCmd(opts),
		newSyncCmd(opts),
		newRegisterUserCmd(opts),
		newClustersCmd(opts),
		newSubscriptionCmd(opts),
		newCallbacksCmd(opts),
		newBuildsCmd(opts),
	)

	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the handler selected by cfg on top of level.
func newLogger(cfg config.LogConfig, w io.Writer, level *slog.LevelVar) *slog.Logger {
	level.Set(cfg.SlogLevel())
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// withRuntime builds the components for a one-shot command, runs fn and
// releases them. The shared topic is ensured so commands can be published
// before any daemon has started.
func (o *rootOptions) withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *wiring.Runtime) error) (err error) {
	cfg, err := o.load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, cmd.ErrOrStderr(), new(slog.LevelVar))

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var buildOpts []wiring.Option
	if o.bus != nil {
		buildOpts = append(buildOpts, wiring.WithTransport(o.bus))
	}
	rt, err := wiring.Build(ctx, cfg, logger, buildOpts...)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, rt.Close())
	}()

	if err := rt.Transport.EnsureTopic(ctx, cfg.C2.Topic); err != nil {
		return fmt.Errorf("ensure topic: %w", err)
	}
	return fn(ctx, rt)
}

// withBus is withRuntime for commands that publish or manage bus
// resources. It refuses the memory transport unless a bus was supplied.
func (o *rootOptions) withBus(cmd *cobra.Command, fn func(ctx context.Context, rt *wiring.Runtime) error) error {
	return o.withRuntime(cmd, func(ctx context.Context, rt *wiring.Runtime) error {
		if rt.Config.Transport.Type == config.TransportMemory && o.bus == nil {
			return ErrLocalTransport
		}
		return fn(ctx, rt)
	})
}
