// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sqlite stores the cluster, build and task records the C2 layer
// mirrors from cluster agents and the build pipeline.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/absmach/fluxc2/storage"

	_ "modernc.org/sqlite"
)

var _ storage.Records = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS clusters (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS build_records (
	collection TEXT NOT NULL,
	build_id   TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (collection, build_id)
);
CREATE INDEX IF NOT EXISTS idx_build_records_build_id ON build_records(build_id);
CREATE TABLE IF NOT EXISTS tasks (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	data       TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Store is the SQLite-backed record store.
type Store struct {
	db       *sql.DB
	clusters *ClusterStore
	builds   *BuildStore
	tasks    *TaskStore
}

// New opens (and migrates) the database at path.
func New(path string) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite %s: %w", path, err)
	}

	return &Store{
		db:       db,
		clusters: &ClusterStore{db: db},
		builds:   &BuildStore{db: db},
		tasks:    &TaskStore{db: db},
	}, nil
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

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// openDB opens a SQLite database at path with WAL journaling and a
// 5-second busy timeout, and pings it before returning.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// One connection keeps the per-connection pragmas in force and
	// serializes read-modify-write transactions.
	db.SetMaxOpenConns(1)

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	return db, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
