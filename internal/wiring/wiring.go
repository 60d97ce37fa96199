// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wiring builds the daemon's components from configuration.
package wiring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/absmach/fluxc2/c2"
	"github.com/absmach/fluxc2/config"
	"github.com/absmach/fluxc2/events"
	"github.com/absmach/fluxc2/handlers"
	"github.com/absmach/fluxc2/ratelimit"
	"github.com/absmach/fluxc2/storage"
	"github.com/absmach/fluxc2/storage/badger"
	"github.com/absmach/fluxc2/storage/etcd"
	"github.com/absmach/fluxc2/storage/memory"
	"github.com/absmach/fluxc2/storage/sqlite"
	"github.com/absmach/fluxc2/transport"
	membus "github.com/absmach/fluxc2/transport/memory"
	"github.com/absmach/fluxc2/transport/mqtt"
	"github.com/absmach/fluxc2/transport/pubsub"
	"github.com/absmach/fluxc2/webhook"
)

// Transport builds the configured message bus.
func Transport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Transport.Type {
	case config.TransportPubSub:
		tr, err := pubsub.New(ctx, pubsub.Config{
			Project:           cfg.C2.Project,
			Endpoint:          cfg.Transport.PubSub.Endpoint,
			CredentialsFile:   cfg.Transport.PubSub.CredentialsFile,
			ReceiveGoroutines: cfg.C2.ReceiveWorkers,
			MaxOutstanding:    cfg.Transport.PubSub.MaxOutstanding,
			Logger:            logger,
		})
		if err != nil {
			return nil, err
		}
		return tr, nil
	case config.TransportMQTT:
		m := cfg.Transport.MQTT
		tr, err := mqtt.New(mqtt.Config{
			Broker:         m.Broker,
			ClientID:       m.ClientID,
			Username:       m.Username,
			Password:       m.Password,
			QoS:            m.QoS,
			Prefix:         m.Prefix,
			Shared:         m.Shared,
			ConnectTimeout: m.ConnectTimeout,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		return tr, nil
	case config.TransportMemory:
		return membus.New(membus.Config{Workers: cfg.C2.ReceiveWorkers, Logger: logger}), nil
	default:
		return nil, fmt.Errorf("unknown transport type %q", cfg.Transport.Type)
	}
}

// CallbackStore opens the configured callback correlation store.
func CallbackStore(cfg *config.Config) (storage.CallbackStore, error) {
	switch cfg.Storage.Type {
	case config.StorageBadger:
		if err := os.MkdirAll(cfg.Storage.BadgerDir, 0o755); err != nil {
			return nil, fmt.Errorf("create badger dir: %w", err)
		}
		store, err := badger.New(badger.Config{Dir: cfg.Storage.BadgerDir, SyncWrites: true})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StorageEtcd:
		store, err := etcd.New(etcd.Config{
			Endpoints:   cfg.Storage.Etcd.Endpoints,
			Prefix:      cfg.Storage.Etcd.Prefix,
			DialTimeout: cfg.Storage.Etcd.DialTimeout,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StorageMemory:
		return memory.NewCallbackStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

// Records opens the configured cluster, build and task stores.
func Records(cfg *config.Config) (storage.Records, error) {
	switch cfg.Records.Type {
	case config.StorageSQLite:
		if dir := filepath.Dir(cfg.Records.SQLitePath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create records dir: %w", err)
			}
		}
		store, err := sqlite.New(cfg.Records.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.StorageMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown records type %q", cfg.Records.Type)
	}
}

// Notifier builds the webhook notifier, nil when webhooks are disabled.
func Notifier(cfg *config.Config, logger *slog.Logger) (webhook.Notifier, error) {
	if !cfg.Webhook.Enabled {
		return nil, nil
	}
	n, err := webhook.NewNotifier(cfg.Webhook, cfg.C2.Deployment, webhook.NewHTTPSender(), logger)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Limiter builds the outbound command limiter, nil when disabled.
func Limiter(cfg *config.Config) *ratelimit.DestinationLimiter {
	if !cfg.RateLimit.Enabled {
		return nil
	}
	return ratelimit.New(cfg.RateLimit.CommandsPerSecond, cfg.RateLimit.Burst, 0)
}

// Runtime is the set of components behind one control plane.
type Runtime struct {
	Config       *config.Config
	Transport    transport.Transport
	Callbacks    storage.CallbackStore
	Records      storage.Records
	Notifier     webhook.Notifier
	Limiter      *ratelimit.DestinationLimiter
	Events       events.Sink
	ControlPlane *c2.ControlPlane

	sharedTransport bool
}

// Option adjusts the control plane built by Build.
type Option func(*buildOptions)

type buildOptions struct {
	sinks     []events.Sink
	cpOptions []c2.Option
	transport transport.Transport
}

// WithTransport uses t instead of the configured bus. The caller keeps
// ownership: Close does not close t.
func WithTransport(t transport.Transport) Option {
	return func(o *buildOptions) { o.transport = t }
}

// WithSink adds an event sink next to the webhook notifier.
func WithSink(s events.Sink) Option {
	return func(o *buildOptions) { o.sinks = append(o.sinks, s) }
}

// WithControlPlaneOptions passes options through to c2.New.
func WithControlPlaneOptions(opts ...c2.Option) Option {
	return func(o *buildOptions) { o.cpOptions = append(o.cpOptions, opts...) }
}

// Build opens every component and constructs the control plane with the
// front end continuations registered. On error everything already opened
// is closed.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var bo buildOptions
	for _, o := range opts {
		o(&bo)
	}

	rt := &Runtime{Config: cfg}
	fail := func(stage string, err error) (*Runtime, error) {
		return nil, errors.Join(fmt.Errorf("%s: %w", stage, err), rt.Close())
	}

	var err error
	if bo.transport != nil {
		rt.Transport, rt.sharedTransport = bo.transport, true
	} else if rt.Transport, err = Transport(ctx, cfg, logger); err != nil {
		return fail("transport", err)
	}
	if rt.Callbacks, err = CallbackStore(cfg); err != nil {
		return fail("callback store", err)
	}
	if rt.Records, err = Records(cfg); err != nil {
		return fail("records", err)
	}
	if rt.Notifier, err = Notifier(cfg, logger); err != nil {
		return fail("webhook", err)
	}
	rt.Limiter = Limiter(cfg)

	sinks := events.Sinks(bo.sinks)
	if rt.Notifier != nil {
		sinks = append(sinks, rt.Notifier)
	}
	rt.Events = sinks

	cpOpts := []c2.Option{
		c2.WithLogger(logger),
		c2.WithClusters(rt.Records.Clusters()),
		c2.WithEvents(rt.Events),
	}
	if rt.Limiter != nil {
		cpOpts = append(cpOpts, c2.WithLimiter(rt.Limiter))
	}
	cpOpts = append(cpOpts, bo.cpOptions...)

	rt.ControlPlane, err = c2.New(c2.Config{
		Topic:          cfg.C2.Topic,
		SubscriptionID: cfg.C2.SubscriptionID,
		CallbackTTL:    cfg.C2.CallbackTTL,
		SweepInterval:  cfg.C2.SweepInterval,
	}, rt.Transport, rt.Callbacks, cpOpts...)
	if err != nil {
		return fail("control plane", err)
	}
	if err := handlers.Register(rt.ControlPlane.Continuations(), rt.Records); err != nil {
		return fail("register continuations", err)
	}

	return rt, nil
}

// Close releases every component in reverse order of construction. The
// control plane must already be stopped.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Limiter != nil {
		rt.Limiter.Stop()
	}
	if rt.Notifier != nil {
		errs = append(errs, rt.Notifier.Close())
	}
	if rt.Records != nil {
		errs = append(errs, rt.Records.Close())
	}
	if rt.Callbacks != nil {
		errs = append(errs, rt.Callbacks.Close())
	}
	if rt.Transport != nil && !rt.sharedTransport {
		errs = append(errs, rt.Transport.Close())
	}
	return errors.Join(errs...)
}
