// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package c2

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxc2/events"
)

// Sweep removes callbacks whose expiry has passed and reports each one.
// It returns the number removed.
func (cp *ControlPlane) Sweep(ctx context.Context) (int, error) {
	expired, err := cp.correlator.Expire(ctx)
	for _, cb := range expired {
		cp.metrics.CallbackEvent(CallbackExpired)
		cp.logger.Warn("callback expired without reply",
			slog.String("ackid", cb.AckID),
			slog.String("handler", cb.Continuation.Handler),
			slog.String("target", cb.Destination),
			slog.String("command", cb.Command),
			slog.Time("created_at", cb.CreatedAt))
		cp.emit(ctx, events.CallbackExpired{
			AckID:     cb.AckID,
			Handler:   cb.Continuation.Handler,
			Target:    cb.Destination,
			Command:   cb.Command,
			CreatedAt: cb.CreatedAt,
			ExpiresAt: cb.ExpiresAt,
		})
	}
	return len(expired), err
}

func (cp *ControlPlane) sweepLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(cp.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := cp.Sweep(ctx); err != nil && ctx.Err() == nil {
				cp.logger.Error("callback sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
