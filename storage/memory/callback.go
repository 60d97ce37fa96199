// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/absmach/fluxc2/storage"
)

var _ storage.CallbackStore = (*CallbackStore)(nil)

// CallbackStore is an in-memory implementation of storage.CallbackStore.
// Records do not survive a restart.
type CallbackStore struct {
	mu   sync.Mutex
	data map[string]*storage.Callback
}

// NewCallbackStore creates a new in-memory callback store.
func NewCallbackStore() *CallbackStore {
	return &CallbackStore{
		data: make(map[string]*storage.Callback),
	}
}

// Create persists a new callback.
func (s *CallbackStore) Create(_ context.Context, cb *storage.Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[cb.AckID]; ok {
		return storage.ErrAlreadyExists
	}
	s.data[cb.AckID] = copyCallback(cb)
	return nil
}

// Get retrieves a callback by ackid.
func (s *CallbackStore) Get(_ context.Context, ackID string) (*storage.Callback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.data[ackID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyCallback(cb), nil
}

// Take returns and removes a callback.
func (s *CallbackStore) Take(_ context.Context, ackID string) (*storage.Callback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.data[ackID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.data, ackID)
	return cb, nil
}

// Delete removes a callback.
func (s *CallbackStore) Delete(_ context.Context, ackID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, ackID)
	return nil
}

// List returns all pending callbacks.
func (s *CallbackStore) List(_ context.Context) ([]*storage.Callback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*storage.Callback, 0, len(s.data))
	for _, cb := range s.data {
		result = append(result, copyCallback(cb))
	}
	return result, nil
}

// DeleteExpired removes and returns callbacks expired at now.
func (s *CallbackStore) DeleteExpired(_ context.Context, now time.Time) ([]*storage.Callback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*storage.Callback
	for id, cb := range s.data {
		if cb.Expired(now) {
			expired = append(expired, cb)
			delete(s.data, id)
		}
	}
	return expired, nil
}

// Close is a no-op.
func (s *CallbackStore) Close() error {
	return nil
}

func copyCallback(cb *storage.Callback) *storage.Callback {
	cp := *cb
	if cb.Continuation.Context != nil {
		cp.Continuation.Context = append([]byte(nil), cb.Continuation.Context...)
	}
	return &cp
}
