// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package c2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/absmach/fluxc2/events"
	"github.com/absmach/fluxc2/storage"
)

// builtinFunc is a built-in handler. Built-ins log their own failures and
// always ack: redelivering a status mirror or a reply cannot fix it.
type builtinFunc func(ctx context.Context, body Body, source string)

func (cp *ControlPlane) registerBuiltins() error {
	builtins := []struct {
		command string
		fn      builtinFunc
	}{
		{CommandPing, cp.handlePing},
		{CommandPong, cp.handlePong},
		{CommandAck, cp.handleAck},
		{CommandUpdate, cp.handleUpdate},
		{CommandClusterStatus, cp.handleClusterStatus},
	}

	for _, b := range builtins {
		if err := cp.registry.Register(b.command, cp.builtin(b.command, b.fn)); err != nil {
			return fmt.Errorf("register built-in %s: %w", b.command, err)
		}
	}
	return nil
}

func (cp *ControlPlane) builtin(command string, fn builtinFunc) Handler {
	return func(ctx context.Context, body Body, source string) (ok bool, err error) {
		defer func() {
			if r := recover(); r != nil {
				cp.logger.Error("built-in handler panicked",
					slog.String("command", command),
					slog.String("source", source),
					slog.String("panic", fmt.Sprint(r)),
					slog.String("stack", string(debug.Stack())))
				ok, err = true, nil
			}
		}()
		fn(ctx, body, source)
		return true, nil
	}
}

func (cp *ControlPlane) handlePing(ctx context.Context, body Body, source string) {
	if !body.Has(FieldID) {
		cp.logger.Debug("ping without id, not replying", slog.String("source", source))
		return
	}
	if source == "" {
		cp.logger.Warn("ping without source, cannot reply", slog.String("id", body.String(FieldID)))
		return
	}

	reply := Body{FieldID: body[FieldID]}
	if err := cp.publish(ctx, CommandPong, reply, source); err != nil {
		cp.logger.Warn("failed to send pong",
			slog.String("target", source),
			slog.String("error", err.Error()))
	}
}

func (cp *ControlPlane) handlePong(_ context.Context, body Body, source string) {
	cp.logger.Info("pong received",
		slog.String("source", source),
		slog.String("id", body.String(FieldID)))
}

func (cp *ControlPlane) handleAck(ctx context.Context, body Body, source string) {
	ackID := body.AckID()
	if ackID == "" {
		cp.logger.Warn("ACK without ackid", slog.String("source", source))
		return
	}

	cb, err := cp.correlator.ResolveAndClear(ctx, ackID)
	if err != nil {
		cp.callbackLookupFailed(CommandAck, ackID, source, err)
		return
	}
	cp.metrics.CallbackEvent(CallbackResolved)
	cp.invoke(ctx, cb, body, source, true)
}

func (cp *ControlPlane) handleUpdate(ctx context.Context, body Body, source string) {
	ackID := body.AckID()
	if ackID == "" {
		cp.logger.Warn("UPDATE without ackid", slog.String("source", source))
		return
	}

	cb, err := cp.correlator.Resolve(ctx, ackID)
	if err != nil {
		cp.callbackLookupFailed(CommandUpdate, ackID, source, err)
		return
	}
	cp.metrics.CallbackEvent(CallbackUpdated)
	cp.invoke(ctx, cb, body, source, false)
}

func (cp *ControlPlane) callbackLookupFailed(command, ackID, source string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		cp.metrics.CallbackEvent(CallbackMissing)
		cp.logger.Warn("no pending callback for reply",
			slog.String("command", command),
			slog.String("ackid", ackID),
			slog.String("source", source))
		return
	}
	cp.logger.Error("callback lookup failed",
		slog.String("command", command),
		slog.String("ackid", ackID),
		slog.String("source", source),
		slog.String("error", err.Error()))
}

func (cp *ControlPlane) invoke(ctx context.Context, cb *storage.Callback, reply Body, source string, final bool) {
	name := cb.Continuation.Handler
	fn, ok := cp.continuations.Lookup(name)
	if !ok {
		cp.logger.Warn("callback names an unknown continuation",
			slog.String("ackid", cb.AckID),
			slog.String("handler", name))
		return
	}

	if err := fn(ctx, reply, cb.Continuation.Context); err != nil {
		cp.logger.Error("continuation failed",
			slog.String("ackid", cb.AckID),
			slog.String("handler", name),
			slog.String("source", source),
			slog.String("error", err.Error()))
	}
	cp.emit(ctx, events.CallbackResolved{AckID: cb.AckID, Handler: name, Source: source, Final: final})
}

func (cp *ControlPlane) handleClusterStatus(ctx context.Context, body Body, source string) {
	clusterID := body.String(FieldClusterID)
	if clusterID == "" {
		cp.logger.Warn("CLUSTER_STATUS without cluster_id", slog.String("source", source))
		return
	}
	if source != DestinationName(clusterID) {
		cp.logger.Warn("CLUSTER_STATUS source does not match cluster",
			slog.String("cluster_id", clusterID),
			slog.String("source", source))
		cp.emit(ctx, events.MessageDropped{Command: CommandClusterStatus, Source: source, Reason: "source mismatch"})
		return
	}

	message := body.String(FieldMessage)
	cp.logger.Info("cluster status",
		slog.String("cluster_id", clusterID),
		slog.String("message", message))

	if !body.Has(FieldStatus) {
		return
	}
	status := storage.ClusterStatus(body.String(FieldStatus))
	if !status.Valid() {
		cp.logger.Warn("CLUSTER_STATUS with unknown status",
			slog.String("cluster_id", clusterID),
			slog.String("status", string(status)))
		return
	}
	if cp.clusters == nil {
		cp.logger.Warn("no cluster store configured, status not recorded", slog.String("cluster_id", clusterID))
		return
	}

	prev, err := cp.clusters.MirrorClusterStatus(ctx, clusterID, status)
	if err != nil {
		cp.logger.Warn("failed to update cluster status",
			slog.String("cluster_id", clusterID),
			slog.String("to", string(status)),
			slog.String("error", err.Error()))
		return
	}
	if prev == status {
		return
	}

	unexpected := !prev.CanTransition(status)
	if unexpected {
		cp.logger.Warn("cluster reported a status outside its lifecycle",
			slog.String("cluster_id", clusterID),
			slog.String("from", string(prev)),
			slog.String("to", string(status)))
	}
	cp.emit(ctx, events.ClusterStatusChanged{
		ClusterID:  clusterID,
		From:       string(prev),
		To:         string(status),
		Message:    message,
		Unexpected: unexpected,
	})
}
