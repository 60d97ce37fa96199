// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/absmach/fluxc2/storage"
)

var _ storage.BuildStore = (*BuildStore)(nil)

// BuildStore implements storage.BuildStore on the build_records table.
type BuildStore struct {
	db *sql.DB
}

// TrackBuild adds or replaces a record in its collection.
func (s *BuildStore) TrackBuild(ctx context.Context, rec *storage.BuildRecord) error {
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO build_records (collection, build_id, name, status, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(collection, build_id) DO UPDATE SET name = excluded.name, status = excluded.status, updated_at = excluded.updated_at`,
		rec.Collection, rec.BuildID, rec.Name, string(rec.Status), formatTime(updated))
	if err != nil {
		return fmt.Errorf("track build %s: %w", rec.BuildID, err)
	}
	return nil
}

// ListBuilds returns records from every collection.
func (s *BuildStore) ListBuilds(ctx context.Context) ([]*storage.BuildRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT collection, build_id, name, status, updated_at FROM build_records ORDER BY collection, build_id`)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()

	var records []*storage.BuildRecord
	for rows.Next() {
		var rec storage.BuildRecord
		var status, updated string
		if err := rows.Scan(&rec.Collection, &rec.BuildID, &rec.Name, &status, &updated); err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		rec.Status = storage.BuildStatus(status)
		rec.UpdatedAt = parseTime(updated)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// UpdateBuildStatus sets status on every matching record.
func (s *BuildStore) UpdateBuildStatus(ctx context.Context, buildID string, status storage.BuildStatus) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE build_records SET status = ?, updated_at = ? WHERE build_id = ?`,
		string(status), formatTime(time.Now()), buildID)
	if err != nil {
		return 0, fmt.Errorf("update build %s: %w", buildID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update build %s: %w", buildID, err)
	}
	return int(n), nil
}
