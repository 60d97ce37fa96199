// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package buildlog consumes build pipeline log entries from their own
// subscription and settles tracked build records when a build finishes.
package buildlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/absmach/fluxc2/events"
	"github.com/absmach/fluxc2/storage"
	"github.com/absmach/fluxc2/transport"
)

// Config configures the ingester.
type Config struct {
	Topic        string
	Subscription string
}

// SubscriptionName returns the default subscription for a deployment.
func SubscriptionName(deployment string) string {
	return deployment + "-build-logs-sub"
}

// Metrics receives build update counters.
type Metrics interface {
	BuildStatusUpdated(status string, records int)
}

// Ingester applies terminal build statuses to tracked build records.
type Ingester struct {
	cfg       Config
	transport transport.Transport
	builds    storage.BuildStore
	logger    *slog.Logger
	events    events.Sink
	metrics   Metrics
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Ingester) { i.logger = l }
}

// WithEvents sets the operator event sink.
func WithEvents(s events.Sink) Option {
	return func(i *Ingester) { i.events = s }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(i *Ingester) { i.metrics = m }
}

// New creates an ingester.
func New(cfg Config, tr transport.Transport, builds storage.BuildStore, opts ...Option) *Ingester {
	i := &Ingester{
		cfg:       cfg,
		transport: tr,
		builds:    builds,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.logger == nil {
		i.logger = slog.Default()
	}
	if i.events == nil {
		i.events = events.Discard
	}
	return i
}

// Run ensures the subscription and consumes it until ctx is done.
func (i *Ingester) Run(ctx context.Context) error {
	if i.cfg.Topic == "" || i.cfg.Subscription == "" {
		return errors.New("buildlog: topic and subscription are required")
	}

	path, err := i.transport.EnsureSubscription(ctx, i.cfg.Topic, i.cfg.Subscription, transport.MatchAll())
	if err != nil {
		return fmt.Errorf("ensure build log subscription: %w", err)
	}
	i.logger.Info("consuming build logs", slog.String("subscription", path))

	return i.transport.Receive(ctx, i.cfg.Subscription, i.Handle)
}

// Handle is a transport.Handler.
func (i *Ingester) Handle(ctx context.Context, msg *transport.Message) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("build log handler panicked",
				slog.String("message_id", msg.ID),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())))
			msg.Nack()
		}
	}()

	if err := i.Process(ctx, msg.Data); err != nil {
		i.logger.Error("failed to process build log entry",
			slog.String("message_id", msg.ID),
			slog.String("data", string(msg.Data)),
			slog.String("error", err.Error()))
		msg.Nack()
		return
	}
	msg.Ack()
}

// Process applies one log entry. A returned error means the entry should
// be redelivered.
func (i *Ingester) Process(ctx context.Context, data []byte) error {
	ev, ok, err := Parse(data)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	status, final := ev.Terminal()
	if !final {
		i.logger.Debug("ignoring non-terminal build status",
			slog.String("build_id", ev.BuildID),
			slog.String("status", ev.Status))
		return nil
	}
	if ev.BuildID == "" {
		i.logger.Warn("terminal build status without build id", slog.String("status", ev.Status))
		return nil
	}

	n, err := i.builds.UpdateBuildStatus(ctx, ev.BuildID, status)
	if err != nil {
		return fmt.Errorf("update build %s to %s: %w", ev.BuildID, status, err)
	}
	if i.metrics != nil {
		i.metrics.BuildStatusUpdated(string(status), n)
	}
	if n == 0 {
		i.logger.Warn("no tracked build matches log entry",
			slog.String("build_id", ev.BuildID),
			slog.String("status", ev.Status))
		return nil
	}

	i.logger.Info("build finished",
		slog.String("build_id", ev.BuildID),
		slog.String("status", ev.Status),
		slog.Bool("from_text", ev.Text),
		slog.Int("records", n))
	if err := i.events.Notify(ctx, events.BuildStatusChanged{BuildID: ev.BuildID, Status: string(status), Records: n}); err != nil {
		i.logger.Debug("failed to emit event", slog.String("error", err.Error()))
	}
	return nil
}
