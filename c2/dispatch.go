// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package c2

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/absmach/fluxc2/events"
	"github.com/absmach/fluxc2/transport"
)

// Outcome is how a dispatched message was settled.
type Outcome uint8

const (
	// OutcomeAck means the handler succeeded.
	OutcomeAck Outcome = iota
	// OutcomeNack asks the bus to redeliver.
	OutcomeNack
	// OutcomeDrop acks a message that could not be handled and never
	// will be.
	OutcomeDrop
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeNack:
		return "nack"
	case OutcomeDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// Dispatcher routes inbound messages to registry handlers and settles
// them. Every path ends in exactly one ack or nack.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
	metrics  Metrics
	events   events.Sink
}

// NewDispatcher creates a dispatcher. nil metrics and sink are allowed.
func NewDispatcher(registry *Registry, logger *slog.Logger, metrics Metrics, sink events.Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if sink == nil {
		sink = events.Discard
	}
	return &Dispatcher{
		registry: registry,
		logger:   logger,
		metrics:  metrics,
		events:   sink,
	}
}

// Handle is a transport.Handler.
func (d *Dispatcher) Handle(ctx context.Context, msg *transport.Message) {
	out := d.Dispatch(ctx, msg)
	switch out {
	case OutcomeNack:
		msg.Nack()
	default:
		msg.Ack()
	}
	d.metrics.MessageHandled(msg.Attr(AttrCommand), out)
}

// Dispatch decodes msg, invokes its handler and reports the outcome
// without settling the message.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *transport.Message) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("command handler panicked",
				slog.String("command", msg.Attr(AttrCommand)),
				slog.String("message_id", msg.ID),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())))
			out = OutcomeNack
		}
	}()

	env, err := Decode(msg)
	if err != nil {
		d.drop(ctx, msg, "malformed", err)
		return OutcomeDrop
	}
	if env.Kind == KindUnknown {
		d.drop(ctx, msg, "invalid command", nil)
		return OutcomeDrop
	}

	h, ok := d.registry.Lookup(env.Command)
	if !ok {
		d.drop(ctx, msg, "unregistered command", nil)
		return OutcomeDrop
	}

	handled, err := h(ctx, env.Body, env.Source)
	if err != nil {
		d.logger.Error("command handler failed",
			slog.String("command", env.Command),
			slog.String("source", env.Source),
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))
		return OutcomeNack
	}
	if !handled {
		d.logger.Warn("command handler declined message",
			slog.String("command", env.Command),
			slog.String("source", env.Source),
			slog.String("message_id", msg.ID))
		return OutcomeNack
	}
	return OutcomeAck
}

func (d *Dispatcher) drop(ctx context.Context, msg *transport.Message, reason string, err error) {
	attrs := []any{
		slog.String("reason", reason),
		slog.String("command", msg.Attr(AttrCommand)),
		slog.String("source", msg.Attr(AttrSource)),
		slog.String("message_id", msg.ID),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	d.logger.Warn("dropping message", attrs...)

	ev := events.MessageDropped{
		MessageID: msg.ID,
		Command:   msg.Attr(AttrCommand),
		Source:    msg.Attr(AttrSource),
		Reason:    reason,
	}
	if nerr := d.events.Notify(ctx, ev); nerr != nil {
		d.logger.Debug("failed to emit event", slog.String("event", ev.Type()), slog.String("error", nerr.Error()))
	}
}
