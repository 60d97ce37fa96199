// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handlers holds the named continuations the front end attaches
// to commands, and the operations that start those exchanges.
package handlers

import (
	"context"
	"errors"

	"github.com/absmach/fluxc2/c2"
	"github.com/absmach/fluxc2/storage"
)

// Continuation names.
const (
	ClusterSyncHandler = "cluster.sync"
	TaskUpdateHandler  = "task.update"
)

// Application commands sent by these operations.
const (
	CommandSync            = "SYNC"
	CommandRegisterUserGCS = "REGISTER_USER_GCS"
)

// Sender sends commands and updates to cluster agents.
type Sender interface {
	SendCommand(ctx context.Context, dest, command string, body c2.Body, cont *storage.Continuation) (string, error)
	SendUpdate(ctx context.Context, dest, ackID string, body c2.Body) error
}

// Register adds the continuations backed by records to conts.
func Register(conts *c2.Continuations, records storage.Records) error {
	return errors.Join(
		conts.Register(ClusterSyncHandler, NewClusterSync(records.Clusters()).Handle),
		conts.Register(TaskUpdateHandler, NewTaskUpdate(records.Tasks()).Handle),
	)
}
