// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/absmach/fluxc2/storage"
)

var _ storage.TaskStore = (*TaskStore)(nil)

// TaskStore is an in-memory implementation of storage.TaskStore.
type TaskStore struct {
	mu   sync.RWMutex
	data map[string]*storage.Task
}

// NewTaskStore creates a new in-memory task store.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		data: make(map[string]*storage.Task),
	}
}

// SaveTask creates or replaces a task.
func (s *TaskStore) SaveTask(_ context.Context, t *storage.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[t.ID] = copyTask(t)
	return nil
}

// GetTask retrieves a task by id.
func (s *TaskStore) GetTask(_ context.Context, id string) (*storage.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyTask(t), nil
}

// UpdateTask applies fn to a copy of the task under the store lock.
func (s *TaskStore) UpdateTask(_ context.Context, id string, fn func(*storage.Task) error) (*storage.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.data[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	next := copyTask(t)
	if err := fn(next); err != nil {
		return nil, err
	}
	s.data[id] = copyTask(next)
	return next, nil
}

// DeleteTask removes a task.
func (s *TaskStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, id)
	return nil
}

func copyTask(t *storage.Task) *storage.Task {
	cp := *t
	cp.Data = maps.Clone(t.Data)
	return &cp
}
