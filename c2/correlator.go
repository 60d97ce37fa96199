// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package c2

import (
	"context"
	"errors"
	"time"

	"github.com/absmach/fluxc2/storage"
	"github.com/google/uuid"
)

const maxAckIDAttempts = 3

// Correlator allocates ackids and persists the callbacks awaiting them.
type Correlator struct {
	store storage.CallbackStore
	ttl   time.Duration
	now   func() time.Time
}

// NewCorrelator wraps store. A zero ttl keeps callbacks until resolved.
func NewCorrelator(store storage.CallbackStore, ttl time.Duration) *Correlator {
	return &Correlator{
		store: store,
		ttl:   ttl,
		now:   time.Now,
	}
}

// Register persists cont under a fresh ackid and returns it. It returns
// only after the record is stored.
func (c *Correlator) Register(ctx context.Context, cont storage.Continuation, target, command string) (string, error) {
	now := c.now()
	for range maxAckIDAttempts {
		cb := &storage.Callback{
			AckID:        uuid.NewString(),
			Continuation: cont,
			Destination:  target,
			Command:      command,
			CreatedAt:    now,
		}
		if c.ttl > 0 {
			cb.ExpiresAt = now.Add(c.ttl)
		}

		err := c.store.Create(ctx, cb)
		if errors.Is(err, storage.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return "", err
		}
		return cb.AckID, nil
	}
	return "", ErrAckIDExhausted
}

// Resolve returns the callback for ackID and leaves it in place.
func (c *Correlator) Resolve(ctx context.Context, ackID string) (*storage.Callback, error) {
	return c.store.Get(ctx, ackID)
}

// ResolveAndClear atomically returns and removes the callback. Only one
// caller per ackid ever succeeds.
func (c *Correlator) ResolveAndClear(ctx context.Context, ackID string) (*storage.Callback, error) {
	return c.store.Take(ctx, ackID)
}

// Forget removes a callback without resolving it.
func (c *Correlator) Forget(ctx context.Context, ackID string) error {
	return c.store.Delete(ctx, ackID)
}

// Pending lists unresolved callbacks.
func (c *Correlator) Pending(ctx context.Context) ([]*storage.Callback, error) {
	return c.store.List(ctx)
}

// Expire removes and returns callbacks whose expiry has passed.
func (c *Correlator) Expire(ctx context.Context) ([]*storage.Callback, error) {
	return c.store.DeleteExpired(ctx, c.now())
}
