// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/absmach/fluxc2/c2"
	"github.com/absmach/fluxc2/storage"
	"github.com/google/uuid"
)

// FieldExitStatus marks the final reply of a task exchange.
const FieldExitStatus = "exit_status"

// ErrAckIDMismatch is returned when an update names an exchange the task
// does not belong to.
var ErrAckIDMismatch = errors.New("ackid does not match task")

type taskContext struct {
	TaskID    string `json:"task_id"`
	ClusterID string `json:"cluster_id"`
}

// TaskUpdate merges every reply of a multi-step exchange into its task and
// deletes the task once a reply carries an exit status.
type TaskUpdate struct {
	tasks  storage.TaskStore
	logger *slog.Logger
}

// NewTaskUpdate creates the continuation.
func NewTaskUpdate(tasks storage.TaskStore) *TaskUpdate {
	return &TaskUpdate{tasks: tasks, logger: slog.Default()}
}

// Handle merges reply into the task data.
func (h *TaskUpdate) Handle(ctx context.Context, reply c2.Body, data json.RawMessage) error {
	var tc taskContext
	if err := json.Unmarshal(data, &tc); err != nil {
		return fmt.Errorf("decode task context: %w", err)
	}

	h.logger.Info("task reply received",
		slog.String("task_id", tc.TaskID),
		slog.String("cluster_id", tc.ClusterID),
		slog.String("status", reply.String(c2.FieldStatus)))

	_, err := h.tasks.UpdateTask(ctx, tc.TaskID, func(task *storage.Task) error {
		if task.Data == nil {
			task.Data = map[string]any{}
		}
		maps.Copy(task.Data, reply)
		task.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return fmt.Errorf("update task %s: %w", tc.TaskID, err)
	}

	if reply.Has(FieldExitStatus) {
		h.logger.Info("task finished",
			slog.String("task_id", tc.TaskID),
			slog.String("exit_status", reply.String(FieldExitStatus)))
		return h.tasks.DeleteTask(ctx, tc.TaskID)
	}
	return nil
}

// StartTask creates a task and sends command to the cluster with the task
// continuation attached. The ackid is recorded in the task data.
func StartTask(ctx context.Context, s Sender, tasks storage.TaskStore, clusterID, command, title string, body c2.Body) (*storage.Task, error) {
	now := time.Now()
	task := &storage.Task{
		ID:        uuid.NewString(),
		Title:     title,
		Data:      map[string]any{"status": "Contacting cluster"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tasks.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	cont, err := c2.NewContinuation(TaskUpdateHandler, taskContext{TaskID: task.ID, ClusterID: clusterID})
	if err != nil {
		return nil, err
	}
	ackID, err := s.SendCommand(ctx, clusterID, command, body, cont)
	if err != nil {
		if derr := tasks.DeleteTask(ctx, task.ID); derr != nil {
			err = errors.Join(err, derr)
		}
		return nil, err
	}

	// The agent may already have replied, and a final reply deletes the
	// task. Record the id only on a task that still exists.
	current, err := tasks.UpdateTask(ctx, task.ID, func(t *storage.Task) error {
		if t.Data == nil {
			t.Data = map[string]any{}
		}
		t.Data[c2.FieldAckID] = ackID
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		task.Data[c2.FieldAckID] = ackID
		return task, nil
	}
	if err != nil {
		return nil, fmt.Errorf("record ackid on task %s: %w", task.ID, err)
	}
	return current, nil
}

// ContinueTask sends the next step of a task's exchange. ackID must be
// the one recorded when the task started.
func ContinueTask(ctx context.Context, s Sender, tasks storage.TaskStore, clusterID, taskID, ackID string, body c2.Body) error {
	task, err := tasks.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}
	if got, _ := task.Data[c2.FieldAckID].(string); got != ackID {
		return fmt.Errorf("%w: task %s has %q, got %q", ErrAckIDMismatch, taskID, got, ackID)
	}
	return s.SendUpdate(ctx, clusterID, ackID, body)
}

// RegisterUserGCS starts the interactive storage authorisation exchange
// for a cluster user.
func RegisterUserGCS(ctx context.Context, s Sender, tasks storage.TaskStore, clusterID, loginUID string) (*storage.Task, error) {
	return StartTask(ctx, s, tasks, clusterID, CommandRegisterUserGCS, "Auth User GCS", c2.Body{"login_uid": loginUID})
}
