// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/absmach/fluxc2/storage"
)

var _ storage.BuildStore = (*BuildStore)(nil)

// BuildStore keeps build records grouped by collection.
type BuildStore struct {
	mu          sync.Mutex
	collections map[string][]*storage.BuildRecord
}

// NewBuildStore creates a new in-memory build store.
func NewBuildStore() *BuildStore {
	return &BuildStore{
		collections: make(map[string][]*storage.BuildRecord),
	}
}

// TrackBuild adds or replaces a record in its collection.
func (s *BuildStore) TrackBuild(_ context.Context, rec *storage.BuildRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	records := s.collections[rec.Collection]
	for i, existing := range records {
		if existing.BuildID == rec.BuildID {
			records[i] = &cp
			return nil
		}
	}
	s.collections[rec.Collection] = append(records, &cp)
	return nil
}

// ListBuilds returns records from every collection.
func (s *BuildStore) ListBuilds(_ context.Context) ([]*storage.BuildRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*storage.BuildRecord
	for _, records := range s.collections {
		for _, rec := range records {
			cp := *rec
			result = append(result, &cp)
		}
	}
	return result, nil
}

// UpdateBuildStatus scans every collection for buildID.
func (s *BuildStore) UpdateBuildStatus(_ context.Context, buildID string, status storage.BuildStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	updated := 0
	for _, records := range s.collections {
		for _, rec := range records {
			if rec.BuildID == buildID {
				rec.Status = status
				rec.UpdatedAt = now
				updated++
			}
		}
	}
	return updated, nil
}
