// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package c2 implements the command and control protocol spoken between
// the front end and remote cluster agents over one shared topic.
//
// Commands addressed to an agent carry a target attribute and reach only
// that agent's filtered subscription. Replies carry no target and land on
// the front end's own subscription, where the Dispatcher routes them by
// command name. A command that expects a reply stores a continuation
// under a fresh ackid before it is published; the ACK handler resolves
// and clears it, UPDATE resolves it and leaves it in place.
package c2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxc2/events"
	"github.com/absmach/fluxc2/storage"
	"github.com/absmach/fluxc2/transport"
)

// DefaultSubscriptionID is the suffix of the front end's own subscription.
const DefaultSubscriptionID = "c2resp"

const (
	receiveBackoffMin = time.Second
	receiveBackoffMax = 30 * time.Second
)

// Config configures a ControlPlane.
type Config struct {
	Topic          string
	SubscriptionID string
	CallbackTTL    time.Duration
	SweepInterval  time.Duration
}

// Limiter throttles outbound commands per destination.
type Limiter interface {
	Wait(ctx context.Context, destination string) error
}

// Endpoints are the bus resources a cluster agent is configured with.
type Endpoints struct {
	Topic        string `json:"topic"`
	Subscription string `json:"subscription"`
	Target       string `json:"target"`
}

// Status is a snapshot of the control plane for health reporting.
type Status struct {
	Started      bool     `json:"started"`
	Topic        string   `json:"topic"`
	Subscription string   `json:"subscription"`
	Commands     []string `json:"commands"`
	LastError    string   `json:"last_error,omitempty"`
}

// ControlPlane owns the shared topic, the front end's subscription and the
// per-destination subscriptions, and sends commands to agents.
type ControlPlane struct {
	cfg           Config
	transport     transport.Transport
	correlator    *Correlator
	registry      *Registry
	continuations *Continuations
	dispatcher    *Dispatcher
	clusters      storage.ClusterStore
	limiter       Limiter
	metrics       Metrics
	events        events.Sink
	logger        *slog.Logger

	subscription string

	mu      sync.Mutex
	started bool
	subPath string
	lastErr error
	cancel  context.CancelFunc
	// done is closed once every goroutine of the latest run has returned.
	done chan struct{}
}

// Option configures a ControlPlane.
type Option func(*ControlPlane)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cp *ControlPlane) { cp.logger = l }
}

// WithClusters sets the store CLUSTER_STATUS messages update.
func WithClusters(s storage.ClusterStore) Option {
	return func(cp *ControlPlane) { cp.clusters = s }
}

// WithRegistry sets the command registry. Built-ins are added to it.
func WithRegistry(r *Registry) Option {
	return func(cp *ControlPlane) { cp.registry = r }
}

// WithContinuations sets the continuation set callbacks resolve against.
func WithContinuations(c *Continuations) Option {
	return func(cp *ControlPlane) { cp.continuations = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(cp *ControlPlane) { cp.metrics = m }
}

// WithEvents sets the operator event sink.
func WithEvents(s events.Sink) Option {
	return func(cp *ControlPlane) { cp.events = s }
}

// WithLimiter sets the outbound limiter.
func WithLimiter(l Limiter) Option {
	return func(cp *ControlPlane) { cp.limiter = l }
}

// New creates a control plane and registers the built-in commands.
func New(cfg Config, tr transport.Transport, callbacks storage.CallbackStore, opts ...Option) (*ControlPlane, error) {
	if cfg.Topic == "" {
		return nil, errors.New("c2: topic is required")
	}
	if cfg.SubscriptionID == "" {
		cfg.SubscriptionID = DefaultSubscriptionID
	}

	cp := &ControlPlane{
		cfg:          cfg,
		transport:    tr,
		correlator:   NewCorrelator(callbacks, cfg.CallbackTTL),
		subscription: transport.SubscriptionName(cfg.Topic, cfg.SubscriptionID),
	}
	for _, opt := range opts {
		opt(cp)
	}

	if cp.logger == nil {
		cp.logger = slog.Default()
	}
	if cp.registry == nil {
		cp.registry = NewRegistry()
	}
	if cp.continuations == nil {
		cp.continuations = NewContinuations()
	}
	if cp.metrics == nil {
		cp.metrics = noopMetrics{}
	}
	if cp.events == nil {
		cp.events = events.Discard
	}
	cp.dispatcher = NewDispatcher(cp.registry, cp.logger, cp.metrics, cp.events)

	if err := cp.registerBuiltins(); err != nil {
		return nil, err
	}
	return cp, nil
}

// Registry returns the command registry.
func (cp *ControlPlane) Registry() *Registry {
	return cp.registry
}

// Continuations returns the continuation set.
func (cp *ControlPlane) Continuations() *Continuations {
	return cp.continuations
}

// Dispatcher returns the dispatcher bound to the registry.
func (cp *ControlPlane) Dispatcher() *Dispatcher {
	return cp.dispatcher
}

// Start ensures the topic and the front end's subscription exist and
// begins receiving on it. A second Start without Stop fails with
// ErrAlreadyStarted.
func (cp *ControlPlane) Start(ctx context.Context) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.started {
		cp.logger.Error("control plane already started", slog.String("topic", cp.cfg.Topic))
		return ErrAlreadyStarted
	}
	if cp.done != nil {
		select {
		case <-cp.done:
		default:
			return ErrStopping
		}
	}

	if err := cp.transport.EnsureTopic(ctx, cp.cfg.Topic); err != nil {
		return fmt.Errorf("ensure topic %s: %w", cp.cfg.Topic, err)
	}
	path, err := cp.transport.EnsureSubscription(ctx, cp.cfg.Topic, cp.subscription, transport.WithoutAttribute(AttrTarget))
	if err != nil {
		return fmt.Errorf("ensure subscription %s: %w", cp.subscription, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cp.cancel = cancel
	cp.subPath = path
	cp.lastErr = nil
	cp.started = true

	var wg sync.WaitGroup
	wg.Add(1)
	go cp.receive(runCtx, &wg)

	if cp.cfg.SweepInterval > 0 {
		wg.Add(1)
		go cp.sweepLoop(runCtx, &wg)
	}

	done := make(chan struct{})
	cp.done = done
	go func() {
		wg.Wait()
		close(done)
	}()

	cp.logger.Info("control plane started",
		slog.String("topic", cp.transport.TopicPath(cp.cfg.Topic)),
		slog.String("subscription", path))
	return nil
}

// Stop cancels receiving and sweeping and waits for in-flight handlers.
// If ctx ends first the run keeps draining in the background and Start
// returns ErrStopping until it has.
func (cp *ControlPlane) Stop(ctx context.Context) error {
	cp.mu.Lock()
	if !cp.started {
		cp.mu.Unlock()
		return ErrNotStarted
	}
	cancel, done := cp.cancel, cp.done
	cp.started = false
	cp.cancel = nil
	cp.mu.Unlock()

	cancel()

	select {
	case <-done:
		cp.logger.Info("control plane stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether Start has succeeded without a later Stop.
func (cp *ControlPlane) Running() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.started
}

// Status returns a snapshot for health endpoints.
func (cp *ControlPlane) Status() Status {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	st := Status{
		Started:      cp.started,
		Topic:        cp.transport.TopicPath(cp.cfg.Topic),
		Subscription: cp.subPath,
		Commands:     cp.registry.Commands(),
	}
	if st.Subscription == "" {
		st.Subscription = cp.transport.SubscriptionPath(cp.subscription)
	}
	if cp.lastErr != nil {
		st.LastError = cp.lastErr.Error()
	}
	return st
}

func (cp *ControlPlane) receive(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	backoff := receiveBackoffMin
	for {
		err := cp.transport.Receive(ctx, cp.subscription, cp.dispatcher.Handle)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("receive returned without error")
		}

		cp.mu.Lock()
		cp.lastErr = err
		cp.mu.Unlock()
		cp.logger.Error("receive failed, retrying",
			slog.String("subscription", cp.subscription),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, receiveBackoffMax)
	}
}

// SendCommand publishes command to the destination cluster. If cont is
// non-nil it is stored under a fresh ackid before publishing, the ackid is
// set on the body and returned. body is not modified.
func (cp *ControlPlane) SendCommand(ctx context.Context, dest, command string, body Body, cont *storage.Continuation) (string, error) {
	if dest == "" {
		return "", ErrEmptyDestination
	}
	if ParseKind(command) == KindUnknown {
		return "", fmt.Errorf("%w: invalid command %q", ErrMalformed, command)
	}
	if cont != nil {
		if _, ok := cp.continuations.Lookup(cont.Handler); !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownHandler, cont.Handler)
		}
	}
	if cp.limiter != nil {
		if err := cp.limiter.Wait(ctx, dest); err != nil {
			return "", fmt.Errorf("rate limit for %s: %w", dest, err)
		}
	}

	body = body.Clone()
	target := DestinationName(dest)

	var ackID string
	if cont != nil {
		id, err := cp.correlator.Register(ctx, *cont, target, command)
		if err != nil {
			return "", fmt.Errorf("register callback: %w", err)
		}
		ackID = id
		body[FieldAckID] = ackID
		cp.metrics.CallbackEvent(CallbackRegistered)
	}

	if err := cp.publish(ctx, command, body, target); err != nil {
		if ackID != "" {
			if ferr := cp.correlator.Forget(context.WithoutCancel(ctx), ackID); ferr != nil {
				cp.logger.Warn("failed to remove callback for unsent command",
					slog.String("ackid", ackID),
					slog.String("error", ferr.Error()))
			}
		}
		return "", err
	}

	cp.logger.Debug("command sent",
		slog.String("command", command),
		slog.String("target", target),
		slog.String("ackid", ackID))
	cp.emit(ctx, events.CommandSent{Target: target, Command: command, AckID: ackID})
	return ackID, nil
}

// SendUpdate publishes an UPDATE carrying ackID to the destination,
// continuing the exchange started by an earlier SendCommand.
func (cp *ControlPlane) SendUpdate(ctx context.Context, dest, ackID string, body Body) error {
	if dest == "" {
		return ErrEmptyDestination
	}
	if ackID == "" {
		return fmt.Errorf("%w: update without ackid", ErrMalformed)
	}

	body = body.Clone()
	body[FieldAckID] = ackID
	target := DestinationName(dest)
	if err := cp.publish(ctx, CommandUpdate, body, target); err != nil {
		return err
	}
	cp.emit(ctx, events.CommandSent{Target: target, Command: CommandUpdate, AckID: ackID})
	return nil
}

func (cp *ControlPlane) publish(ctx context.Context, command string, body Body, target string) error {
	data, attrs, err := Encode(command, body, target, nil)
	if err != nil {
		return err
	}
	if _, err := cp.transport.Publish(ctx, cp.cfg.Topic, data, attrs); err != nil {
		return fmt.Errorf("publish %s to %s: %w", command, target, err)
	}
	cp.metrics.CommandSent(command)
	return nil
}

// SubscriptionFor returns the subscription name of a destination.
func (cp *ControlPlane) SubscriptionFor(dest string) string {
	return transport.SubscriptionName(cp.cfg.Topic, DestinationName(dest))
}

// CreateSubscriptionFor ensures the destination's filtered subscription
// exists and returns its path. Repeated calls return the same path.
func (cp *ControlPlane) CreateSubscriptionFor(ctx context.Context, dest string) (string, error) {
	if dest == "" {
		return "", ErrEmptyDestination
	}
	target := DestinationName(dest)
	name := cp.SubscriptionFor(dest)

	path, err := cp.transport.EnsureSubscription(ctx, cp.cfg.Topic, name, transport.AttributeEquals(AttrTarget, target))
	if err != nil {
		return "", fmt.Errorf("ensure subscription %s: %w", name, err)
	}
	cp.emit(ctx, events.SubscriptionCreated{Target: target, Subscription: path})
	return path, nil
}

// DeleteSubscriptionFor removes the destination's subscription. If
// principal is set its publish right on the topic is revoked first;
// failing to revoke is logged and reported as an event only. A missing
// subscription is not an error.
func (cp *ControlPlane) DeleteSubscriptionFor(ctx context.Context, dest, principal string) error {
	if dest == "" {
		return ErrEmptyDestination
	}
	target := DestinationName(dest)
	name := cp.SubscriptionFor(dest)

	if principal != "" {
		res := transport.Topic(cp.cfg.Topic)
		if err := cp.transport.Revoke(ctx, res, transport.RolePublisher, principal); err != nil {
			cp.accessWarning(ctx, target, principal, res, transport.RolePublisher, err)
		}
	}

	err := cp.transport.DeleteSubscription(ctx, name)
	switch {
	case errors.Is(err, transport.ErrNotFound):
		cp.logger.Info("subscription already deleted", slog.String("subscription", name))
	case err != nil:
		return fmt.Errorf("delete subscription %s: %w", name, err)
	}

	cp.emit(ctx, events.SubscriptionRemoved{Target: target, Subscription: cp.transport.SubscriptionPath(name)})
	return nil
}

// GrantAccess lets principal pull from the destination's subscription and
// publish to the shared topic. Permission and capability failures do not
// fail the call; they are returned as operator warnings. Other errors are
// returned.
func (cp *ControlPlane) GrantAccess(ctx context.Context, dest, principal string) ([]string, error) {
	if dest == "" {
		return nil, ErrEmptyDestination
	}
	if principal == "" {
		return nil, errors.New("c2: principal is required")
	}
	target := DestinationName(dest)

	grants := []struct {
		res  transport.Resource
		role string
	}{
		{transport.Subscription(cp.SubscriptionFor(dest)), transport.RoleSubscriber},
		{transport.Topic(cp.cfg.Topic), transport.RolePublisher},
	}

	var warnings []string
	for _, g := range grants {
		err := cp.transport.Grant(ctx, g.res, g.role, principal)
		switch {
		case err == nil:
			cp.logger.Info("granted access",
				slog.String("resource", g.res.String()),
				slog.String("role", g.role),
				slog.String("principal", principal))
		case errors.Is(err, transport.ErrPermissionDenied), errors.Is(err, transport.ErrUnsupported):
			warnings = append(warnings, cp.accessWarning(ctx, target, principal, g.res, g.role, err))
		default:
			return warnings, fmt.Errorf("grant %s on %s: %w", g.role, g.res, err)
		}
	}
	return warnings, nil
}

func (cp *ControlPlane) accessWarning(ctx context.Context, target, principal string, res transport.Resource, role string, err error) string {
	msg := fmt.Sprintf("unable to apply %s on %s for %s: %v; remote commands to %s will not work until this is fixed",
		role, res, principal, err, target)
	cp.logger.Warn("IAM change not applied",
		slog.String("target", target),
		slog.String("resource", res.String()),
		slog.String("role", role),
		slog.String("principal", principal),
		slog.String("error", err.Error()))
	cp.emit(ctx, events.AccessWarning{
		Target:    target,
		Principal: principal,
		Resource:  res.String(),
		Role:      role,
		Error:     err.Error(),
	})
	return msg
}

// AgentEndpoints returns the resources an agent for dest listens and
// replies on.
func (cp *ControlPlane) AgentEndpoints(dest string) Endpoints {
	return Endpoints{
		Topic:        cp.transport.TopicPath(cp.cfg.Topic),
		Subscription: cp.transport.SubscriptionPath(cp.SubscriptionFor(dest)),
		Target:       DestinationName(dest),
	}
}

// Pending lists callbacks still awaiting a reply.
func (cp *ControlPlane) Pending(ctx context.Context) ([]*storage.Callback, error) {
	return cp.correlator.Pending(ctx)
}

func (cp *ControlPlane) emit(ctx context.Context, ev events.Event) {
	if err := cp.events.Notify(ctx, ev); err != nil {
		cp.logger.Debug("failed to emit event", slog.String("event", ev.Type()), slog.String("error", err.Error()))
	}
}
