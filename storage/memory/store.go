// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"github.com/absmach/fluxc2/storage"
)

var _ storage.Records = (*Store)(nil)

// Store is the composite in-memory collaborator store.
type Store struct {
	clusters *ClusterStore
	builds   *BuildStore
	tasks    *TaskStore
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		clusters: NewClusterStore(),
		builds:   NewBuildStore(),
		tasks:    NewTaskStore(),
	}
}

// Clusters returns the cluster store.
func (s *Store) Clusters() storage.ClusterStore {
	return s.clusters
}

// Builds returns the build store.
func (s *Store) Builds() storage.BuildStore {
	return s.builds
}

// Tasks returns the task store.
func (s *Store) Tasks() storage.TaskStore {
	return s.tasks
}

// Close closes all stores (no-op for memory).
func (s *Store) Close() error {
	return nil
}
