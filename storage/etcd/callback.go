// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package etcd stores C2 callbacks in an etcd cluster so that several
// control-plane replicas can share correlation state.
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/absmach/fluxc2/storage"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const defaultPrefix = "/c2/callbacks/"

var _ storage.CallbackStore = (*CallbackStore)(nil)

// Config configures the etcd callback store.
type Config struct {
	Endpoints   []string
	Prefix      string
	DialTimeout time.Duration
}

// CallbackStore implements storage.CallbackStore on etcd.
type CallbackStore struct {
	client *clientv3.Client
	prefix string
	owned  bool
}

// New dials etcd and returns a store that owns the client.
func New(cfg Config) (*CallbackStore, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	s := NewWithClient(client, cfg.Prefix)
	s.owned = true
	return s, nil
}

// NewWithClient wraps an existing client. Close does not close it.
func NewWithClient(client *clientv3.Client, prefix string) *CallbackStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &CallbackStore{client: client, prefix: prefix}
}

func (s *CallbackStore) key(ackID string) string {
	return s.prefix + ackID
}

// Create stores cb only if no record with the same ackid exists.
func (s *CallbackStore) Create(ctx context.Context, cb *storage.Callback) error {
	data, err := json.Marshal(cb)
	if err != nil {
		return fmt.Errorf("failed to marshal callback: %w", err)
	}

	key := s.key(cb.AckID)
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return storage.ErrAlreadyExists
	}
	return nil
}

// Get returns the callback without removing it.
func (s *CallbackStore) Get(ctx context.Context, ackID string) (*storage.Callback, error) {
	resp, err := s.client.Get(ctx, s.key(ackID))
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, storage.ErrNotFound
	}
	return decode(resp.Kvs[0].Value)
}

// Take deletes the record only if it is unchanged since it was read, so
// exactly one concurrent caller receives it.
func (s *CallbackStore) Take(ctx context.Context, ackID string) (*storage.Callback, error) {
	key := s.key(ackID)

	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, storage.ErrNotFound
	}
	kv := resp.Kvs[0]

	txn, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return nil, err
	}
	if !txn.Succeeded {
		return nil, storage.ErrNotFound
	}
	return decode(kv.Value)
}

// Delete removes the callback.
func (s *CallbackStore) Delete(ctx context.Context, ackID string) error {
	_, err := s.client.Delete(ctx, s.key(ackID))
	return err
}

// List returns all pending callbacks.
func (s *CallbackStore) List(ctx context.Context) ([]*storage.Callback, error) {
	resp, err := s.client.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	callbacks := make([]*storage.Callback, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		cb, err := decode(kv.Value)
		if err != nil {
			slog.Warn("skipping undecodable callback", slog.String("key", string(kv.Key)), slog.String("error", err.Error()))
			continue
		}
		callbacks = append(callbacks, cb)
	}
	return callbacks, nil
}

// DeleteExpired takes every callback expired at now.
func (s *CallbackStore) DeleteExpired(ctx context.Context, now time.Time) ([]*storage.Callback, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	var expired []*storage.Callback
	for _, cb := range all {
		if !cb.Expired(now) {
			continue
		}
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

// Close closes the client if the store created it.
func (s *CallbackStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func decode(data []byte) (*storage.Callback, error) {
	var cb storage.Callback
	if err := json.Unmarshal(data, &cb); err != nil {
		return nil, fmt.Errorf("failed to unmarshal callback: %w", err)
	}
	return &cb, nil
}
