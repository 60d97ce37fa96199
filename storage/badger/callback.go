// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxc2/storage"
	"github.com/dgraph-io/badger/v4"
)

const callbackPrefix = "callback:"

// Concurrent Take calls on the same key conflict at commit; the loser
// retries and observes the deletion.
const maxConflictRetries = 3

func callbackKey(ackID string) []byte {
	return []byte(callbackPrefix + ackID)
}

// Create persists a new callback.
func (s *Store) Create(_ context.Context, cb *storage.Callback) error {
	data, err := json.Marshal(cb)
	if err != nil {
		return fmt.Errorf("failed to marshal callback: %w", err)
	}

	key := callbackKey(cb.AckID)
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return storage.ErrAlreadyExists
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(key, data)
	})
}

// Get retrieves a callback by ackid.
func (s *Store) Get(_ context.Context, ackID string) (*storage.Callback, error) {
	var cb *storage.Callback
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		cb, err = readCallback(txn, ackID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cb, nil
}

// Take returns and deletes a callback in one transaction.
func (s *Store) Take(_ context.Context, ackID string) (*storage.Callback, error) {
	var cb *storage.Callback
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			var err error
			cb, err = readCallback(txn, ackID)
			if err != nil {
				return err
			}
			return txn.Delete(callbackKey(ackID))
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	return cb, nil
}

// Delete removes a callback.
func (s *Store) Delete(_ context.Context, ackID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(callbackKey(ackID))
	})
}

// List returns all pending callbacks.
func (s *Store) List(_ context.Context) ([]*storage.Callback, error) {
	var callbacks []*storage.Callback

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(callbackPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var cb storage.Callback
				if err := json.Unmarshal(val, &cb); err != nil {
					return err
				}
				callbacks = append(callbacks, &cb)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal callback: %w", err)
			}
		}
		return nil
	})

	return callbacks, err
}

// DeleteExpired removes and returns callbacks expired at now.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) ([]*storage.Callback, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	var expired []*storage.Callback
	for _, cb := range all {
		if !cb.Expired(now) {
			continue
		}
		// Take so a reply that won the race keeps its callback.
		taken, err := s.Take(ctx, cb.AckID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired = append(expired, taken)
	}
	return expired, nil
}

func readCallback(txn *badger.Txn, ackID string) (*storage.Callback, error) {
	item, err := txn.Get(callbackKey(ackID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	cb := &storage.Callback{}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, cb)
	}); err != nil {
		return nil, err
	}
	return cb, nil
}
