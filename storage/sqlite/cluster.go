// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxc2/storage"
)

var _ storage.ClusterStore = (*ClusterStore)(nil)

// ClusterStore implements storage.ClusterStore on the clusters table.
type ClusterStore struct {
	db *sql.DB
}

// GetCluster retrieves a cluster by id.
func (s *ClusterStore) GetCluster(ctx context.Context, id string) (*storage.Cluster, error) {
	var c storage.Cluster
	var status, updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, updated_at FROM clusters WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &status, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cluster %s: %w", id, err)
	}
	c.Status = storage.ClusterStatus(status)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}

// SaveCluster creates or replaces a cluster.
func (s *ClusterStore) SaveCluster(ctx context.Context, c *storage.Cluster) error {
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clusters (id, name, status, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, status = excluded.status, updated_at = excluded.updated_at`,
		c.ID, c.Name, string(c.Status), formatTime(updated))
	if err != nil {
		return fmt.Errorf("save cluster %s: %w", c.ID, err)
	}
	return nil
}

// SetClusterStatus moves a cluster to status inside one transaction.
func (s *ClusterStore) SetClusterStatus(ctx context.Context, id string, status storage.ClusterStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM clusters WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get cluster %s: %w", id, err)
	}

	from := storage.ClusterStatus(current)
	if !from.CanTransition(status) {
		return fmt.Errorf("%w: %q -> %q", storage.ErrInvalidTransition, from, status)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE clusters SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), id); err != nil {
		return fmt.Errorf("update cluster %s: %w", id, err)
	}
	return tx.Commit()
}

// MirrorClusterStatus writes any valid status and returns the previous one.
func (s *ClusterStore) MirrorClusterStatus(ctx context.Context, id string, status storage.ClusterStatus) (storage.ClusterStatus, error) {
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", storage.ErrInvalidStatus, status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM clusters WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get cluster %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE clusters SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), id); err != nil {
		return "", fmt.Errorf("update cluster %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return storage.ClusterStatus(current), nil
}

// ListClusters returns all clusters ordered by id.
func (s *ClusterStore) ListClusters(ctx context.Context) ([]*storage.Cluster, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, status, updated_at FROM clusters ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer rows.Close()

	var clusters []*storage.Cluster
	for rows.Next() {
		var c storage.Cluster
		var status, updated string
		if err := rows.Scan(&c.ID, &c.Name, &status, &updated); err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		c.Status = storage.ClusterStatus(status)
		c.UpdatedAt = parseTime(updated)
		clusters = append(clusters, &c)
	}
	return clusters, rows.Err()
}
