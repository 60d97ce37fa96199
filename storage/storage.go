// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Continuation names a registered reply handler together with the
// serializable data it needs when the reply arrives.
type Continuation struct {
	Handler string          `json:"handler"`
	Context json.RawMessage `json:"context,omitempty"`
}

// Callback is a persisted continuation awaiting an ACK or UPDATE that
// carries AckID.
type Callback struct {
	AckID        string       `json:"ackid"`
	Continuation Continuation `json:"continuation"`
	Destination  string       `json:"destination,omitempty"`
	Command      string       `json:"command,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	ExpiresAt    time.Time    `json:"expires_at,omitempty"`
}

// Expired reports whether the callback has an expiry that is not after now.
func (c *Callback) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// CallbackStore persists callbacks keyed by ackid.
type CallbackStore interface {
	// Create persists a new callback. Returns ErrAlreadyExists if the
	// ackid is taken.
	Create(ctx context.Context, cb *Callback) error

	// Get returns the callback without removing it.
	Get(ctx context.Context, ackID string) (*Callback, error)

	// Take atomically returns and removes the callback. A second Take for
	// the same ackid returns ErrNotFound.
	Take(ctx context.Context, ackID string) (*Callback, error)

	// Delete removes the callback.
	Delete(ctx context.Context, ackID string) error

	// List returns all pending callbacks.
	List(ctx context.Context) ([]*Callback, error)

	// DeleteExpired removes and returns callbacks expired at now.
	DeleteExpired(ctx context.Context, now time.Time) ([]*Callback, error)

	// Close releases the backend.
	Close() error
}

// ClusterStatus is the lifecycle state of a managed cluster.
type ClusterStatus string

// Cluster status codes.
const (
	ClusterNew           ClusterStatus = "n"
	ClusterCreating      ClusterStatus = "c"
	ClusterInitialising  ClusterStatus = "i"
	ClusterReady         ClusterStatus = "r"
	ClusterReconfiguring ClusterStatus = "re"
	ClusterStopped       ClusterStatus = "s"
	ClusterTerminating   ClusterStatus = "t"
	ClusterError         ClusterStatus = "e"
	ClusterDeleted       ClusterStatus = "d"
)

var clusterStatusNames = map[ClusterStatus]string{
	ClusterNew:           "new",
	ClusterCreating:      "creating",
	ClusterInitialising:  "initialising",
	ClusterReady:         "ready",
	ClusterReconfiguring: "reconfiguring",
	ClusterStopped:       "stopped",
	ClusterTerminating:   "terminating",
	ClusterError:         "error",
	ClusterDeleted:       "deleted",
}

// Allowed transitions. Staying in the same state is always allowed.
var clusterTransitions = map[ClusterStatus][]ClusterStatus{
	ClusterNew:           {ClusterCreating, ClusterDeleted},
	ClusterCreating:      {ClusterInitialising, ClusterReady, ClusterError, ClusterTerminating, ClusterDeleted},
	ClusterInitialising:  {ClusterReady, ClusterError, ClusterTerminating, ClusterDeleted},
	ClusterReady:         {ClusterInitialising, ClusterReconfiguring, ClusterStopped, ClusterTerminating, ClusterError},
	ClusterReconfiguring: {ClusterReady, ClusterError, ClusterTerminating},
	ClusterStopped:       {ClusterInitialising, ClusterReady, ClusterTerminating, ClusterDeleted},
	ClusterTerminating:   {ClusterDeleted, ClusterError},
	ClusterError:         {ClusterCreating, ClusterInitialising, ClusterReady, ClusterTerminating, ClusterDeleted},
	ClusterDeleted:       nil,
}

// Valid reports whether s is a known status code.
func (s ClusterStatus) Valid() bool {
	_, ok := clusterStatusNames[s]
	return ok
}

// Name returns the human readable status name.
func (s ClusterStatus) Name() string {
	if n, ok := clusterStatusNames[s]; ok {
		return n
	}
	return "unknown"
}

// CanTransition reports whether a cluster in status s may move to next.
// A cluster whose stored status is empty or unknown may move to any valid
// status.
func (s ClusterStatus) CanTransition(next ClusterStatus) bool {
	if !next.Valid() {
		return false
	}
	if !s.Valid() {
		return true
	}
	if s == next {
		return true
	}
	for _, allowed := range clusterTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Cluster is the slice of a managed cluster the C2 layer reads and mutates.
type Cluster struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Status    ClusterStatus `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ClusterStore reads clusters and mirrors their status.
type ClusterStore interface {
	// GetCluster returns ErrNotFound for unknown ids.
	GetCluster(ctx context.Context, id string) (*Cluster, error)

	// SaveCluster creates or replaces a cluster.
	SaveCluster(ctx context.Context, c *Cluster) error

	// SetClusterStatus moves a cluster to status. Returns
	// ErrInvalidTransition if the lifecycle forbids the move.
	SetClusterStatus(ctx context.Context, id string, status ClusterStatus) error

	// MirrorClusterStatus records a status reported by the cluster agent.
	// Any valid status is written whatever the current one is, and the
	// previous status is returned. Returns ErrInvalidStatus for unknown
	// codes.
	MirrorClusterStatus(ctx context.Context, id string, status ClusterStatus) (ClusterStatus, error)

	// ListClusters returns all clusters.
	ListClusters(ctx context.Context) ([]*Cluster, error)
}

// BuildStatus is the state of a tracked build.
type BuildStatus string

// Build status codes.
const (
	BuildInProgress BuildStatus = "i"
	BuildSuccess    BuildStatus = "s"
	BuildFailure    BuildStatus = "f"
)

// BuildRecord is one tracked build inside a collection (for example a
// container registry's build list).
type BuildRecord struct {
	Collection string      `json:"collection"`
	BuildID    string      `json:"build_id"`
	Name       string      `json:"name,omitempty"`
	Status     BuildStatus `json:"status"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// BuildStore tracks builds across all collections.
type BuildStore interface {
	// TrackBuild adds or replaces a record in its collection.
	TrackBuild(ctx context.Context, rec *BuildRecord) error

	// ListBuilds returns records from every collection.
	ListBuilds(ctx context.Context) ([]*BuildRecord, error)

	// UpdateBuildStatus sets status on every record, in any collection,
	// whose build id matches. Returns the number of records updated.
	UpdateBuildStatus(ctx context.Context, buildID string, status BuildStatus) (int, error)
}

// Task is a long-running, operator-visible exchange whose progress is
// fed by C2 replies.
type Task struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TaskStore persists tasks.
type TaskStore interface {
	SaveTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	DeleteTask(ctx context.Context, id string) error
	// UpdateTask applies fn to the stored task and saves the result as one
	// atomic step. It returns ErrNotFound, and never recreates the task,
	// when the task is absent. An error from fn aborts the update.
	UpdateTask(ctx context.Context, id string, fn func(*Task) error) (*Task, error)
}

// Records is the composite of the collaborator stores the C2 layer
// reads and writes outside of its own callback records.
type Records interface {
	Clusters() ClusterStore
	Builds() BuildStore
	Tasks() TaskStore
	Close() error
}
