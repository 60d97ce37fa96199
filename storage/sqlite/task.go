// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxc2/storage"
)

var _ storage.TaskStore = (*TaskStore)(nil)

// TaskStore implements storage.TaskStore on the tasks table. Task data is
// stored as a JSON document.
type TaskStore struct {
	db *sql.DB
}

// SaveTask creates or replaces a task.
func (s *TaskStore) SaveTask(ctx context.Context, t *storage.Task) error {
	data, err := json.Marshal(t.Data)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	now := time.Now()
	created := t.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, title, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = excluded.title, data = excluded.data, updated_at = excluded.updated_at`,
		t.ID, t.Title, string(data), formatTime(created), formatTime(now))
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask retrieves a task by id.
func (s *TaskStore) GetTask(ctx context.Context, id string) (*storage.Task, error) {
	return scanTask(s.db.QueryRowContext(ctx,
		`SELECT id, title, data, created_at, updated_at FROM tasks WHERE id = ?`, id), id)
}

// UpdateTask reads, modifies and writes the task in one transaction. The
// UPDATE only matches an existing row, so a task deleted concurrently is
// not brought back.
func (s *TaskStore) UpdateTask(ctx context.Context, id string, fn func(*storage.Task) error) (*storage.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	t, err := scanTask(tx.QueryRowContext(ctx,
		`SELECT id, title, data, created_at, updated_at FROM tasks WHERE id = ?`, id), id)
	if err != nil {
		return nil, err
	}
	if err := fn(t); err != nil {
		return nil, err
	}

	data, err := json.Marshal(t.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal task %s: %w", id, err)
	}
	t.UpdatedAt = time.Now()
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET title = ?, data = ?, updated_at = ? WHERE id = ?`,
		t.Title, string(data), formatTime(t.UpdatedAt), id)
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, storage.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit task %s: %w", id, err)
	}
	return t, nil
}

func scanTask(row *sql.Row, id string) (*storage.Task, error) {
	var t storage.Task
	var data, created, updated string
	err := row.Scan(&t.ID, &t.Title, &data, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(data), &t.Data); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", id, err)
	}
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return &t, nil
}

// DeleteTask removes a task.
func (s *TaskStore) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}
