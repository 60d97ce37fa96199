// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/fluxc2/storage"
)

var _ storage.ClusterStore = (*ClusterStore)(nil)

// ClusterStore is an in-memory implementation of storage.ClusterStore.
type ClusterStore struct {
	mu   sync.RWMutex
	data map[string]*storage.Cluster
}

// NewClusterStore creates a new in-memory cluster store.
func NewClusterStore() *ClusterStore {
	return &ClusterStore{
		data: make(map[string]*storage.Cluster),
	}
}

// GetCluster retrieves a cluster by id.
func (s *ClusterStore) GetCluster(_ context.Context, id string) (*storage.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// SaveCluster creates or replaces a cluster.
func (s *ClusterStore) SaveCluster(_ context.Context, c *storage.Cluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *c
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	s.data[c.ID] = &cp
	return nil
}

// SetClusterStatus moves a cluster to status.
func (s *ClusterStore) SetClusterStatus(_ context.Context, id string, status storage.ClusterStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.data[id]
	if !ok {
		return storage.ErrNotFound
	}
	if !c.Status.CanTransition(status) {
		return fmt.Errorf("%w: %q -> %q", storage.ErrInvalidTransition, c.Status, status)
	}
	c.Status = status
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// MirrorClusterStatus writes any valid status and returns the previous one.
func (s *ClusterStore) MirrorClusterStatus(_ context.Context, id string, status storage.ClusterStatus) (storage.ClusterStatus, error) {
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", storage.ErrInvalidStatus, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.data[id]
	if !ok {
		return "", storage.ErrNotFound
	}
	prev := c.Status
	c.Status = status
	c.UpdatedAt = time.Now().UTC()
	return prev, nil
}

// ListClusters returns all clusters.
func (s *ClusterStore) ListClusters(_ context.Context) ([]*storage.Cluster, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*storage.Cluster, 0, len(s.data))
	for _, c := range s.data {
		cp := *c
		result = append(result, &cp)
	}
	return result, nil
}
