// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/absmach/fluxc2/c2"
	"github.com/absmach/fluxc2/storage"
)

type clusterContext struct {
	ClusterID string `json:"cluster_id"`
}

// ClusterSync applies the reply to a SYNC command to the cluster record.
type ClusterSync struct {
	clusters storage.ClusterStore
	logger   *slog.Logger
}

// NewClusterSync creates the continuation.
func NewClusterSync(clusters storage.ClusterStore) *ClusterSync {
	return &ClusterSync{clusters: clusters, logger: slog.Default()}
}

// Handle sets the cluster status from the reply, ready when absent.
func (h *ClusterSync) Handle(ctx context.Context, reply c2.Body, data json.RawMessage) error {
	var cc clusterContext
	if err := json.Unmarshal(data, &cc); err != nil {
		return fmt.Errorf("decode sync context: %w", err)
	}

	h.logger.Info("cluster sync complete", slog.String("cluster_id", cc.ClusterID))
	if got := reply.String(c2.FieldClusterID); got != "" && got != cc.ClusterID {
		h.logger.Error("sync reply for a different cluster",
			slog.String("expected", cc.ClusterID),
			slog.String("received", got))
	}

	status := storage.ClusterReady
	if s := reply.String(c2.FieldStatus); s != "" {
		status = storage.ClusterStatus(s)
	}
	prev, err := h.clusters.MirrorClusterStatus(ctx, cc.ClusterID, status)
	if err != nil {
		return err
	}
	if !prev.CanTransition(status) {
		h.logger.Warn("sync reported a status outside the cluster lifecycle",
			slog.String("cluster_id", cc.ClusterID),
			slog.String("from", string(prev)),
			slog.String("to", string(status)))
	}
	return nil
}

// SyncCluster marks the cluster initialising and asks its agent to
// resynchronise. The reply moves the cluster to the status it reports.
func SyncCluster(ctx context.Context, s Sender, clusters storage.ClusterStore, clusterID string) (string, error) {
	if err := clusters.SetClusterStatus(ctx, clusterID, storage.ClusterInitialising); err != nil {
		return "", fmt.Errorf("mark cluster %s initialising: %w", clusterID, err)
	}

	cont, err := c2.NewContinuation(ClusterSyncHandler, clusterContext{ClusterID: clusterID})
	if err != nil {
		return "", err
	}
	return s.SendCommand(ctx, clusterID, CommandSync, c2.Body{}, cont)
}
