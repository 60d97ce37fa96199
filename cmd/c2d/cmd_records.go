// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/absmach/fluxc2/internal/wiring"
	"github.com/absmach/fluxc2/storage"
	"github.com/spf13/cobra"
)

func newClustersCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clusters",
		Short: "Manage cluster records",
	}
	cmd.AddCommand(newClustersAddCmd(opts), newClustersListCmd(opts))
	return cmd
}

func newClustersAddCmd(opts *rootOptions) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "add <cluster-id> <name>",
		Short: "Record a cluster",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st := storage.ClusterStatus(status)
			if !st.Valid() {
				return fmt.Errorf("clusters add: %w: %q", storage.ErrInvalidStatus, status)
			}
			return opts.withRuntime(cmd, func(ctx context.Context, rt *wiring.Runtime) error {
				err := rt.Records.Clusters().SaveCluster(ctx, &storage.Cluster{
					ID:        args[0],
					Name:      args[1],
					Status:    st,
					UpdatedAt: time.Now(),
				})
				if err != nil {
					return fmt.Errorf("clusters add: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added cluster %s (%s)\n", args[0], st.Name())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(storage.ClusterNew), "initial status code")

	return cmd
}

func newClustersListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List clusters and their status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *wiring.Runtime) error {
				clusters, err := rt.Records.Clusters().ListClusters(ctx)
				if err != nil {
					return fmt.Errorf("clusters list: %w", err)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tUPDATED")
				for _, c := range clusters {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, c.Name, c.Status.Name(), c.UpdatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
}

func newCallbacksCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "callbacks",
		Short: "Inspect pending reply callbacks",
	}
	cmd.AddCommand(newCallbacksListCmd(opts), newCallbacksSweepCmd(opts))
	return cmd
}

func newCallbacksListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List callbacks awaiting a reply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *wiring.Runtime) error {
				pending, err := rt.ControlPlane.Pending(ctx)
				if err != nil {
					return fmt.Errorf("callbacks list: %w", err)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ACKID\tHANDLER\tCOMMAND\tTARGET\tCREATED\tEXPIRES")
				for _, cb := range pending {
					expires := "-"
					if !cb.ExpiresAt.IsZero() {
						expires = cb.ExpiresAt.Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						cb.AckID, cb.Continuation.Handler, cb.Command, cb.Destination,
						cb.CreatedAt.Format(time.RFC3339), expires)
				}
				return tw.Flush()
			})
		},
	}
}

func newCallbacksSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired callbacks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *wiring.Runtime) error {
				n, err := rt.ControlPlane.Sweep(ctx)
				if err != nil {
					return fmt.Errorf("callbacks sweep: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired callbacks\n", n)
				return nil
			})
		},
	}
}

func newBuildsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "builds",
		Short: "Manage tracked builds",
	}
	cmd.AddCommand(newBuildsTrackCmd(opts), newBuildsListCmd(opts))
	return cmd
}

func newBuildsTrackCmd(opts *rootOptions) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "track <collection> <build-id>",
		Short: "Track a build until its logs report a final status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *wiring.Runtime) error {
				err := rt.Records.Builds().TrackBuild(ctx, &storage.BuildRecord{
					Collection: args[0],
					BuildID:    args[1],
					Name:       name,
					Status:     storage.BuildInProgress,
					UpdatedAt:  time.Now(),
				})
				if err != nil {
					return fmt.Errorf("builds track: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Tracking build %s in %s\n", args[1], args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")

	return cmd
}

func newBuildsListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tracked builds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *wiring.Runtime) error {
				builds, err := rt.Records.Builds().ListBuilds(ctx)
				if err != nil {
					return fmt.Errorf("builds list: %w", err)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "COLLECTION\tBUILD\tNAME\tSTATUS\tUPDATED")
				for _, b := range builds {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						b.Collection, b.BuildID, b.Name, buildStatusName(b.Status), b.UpdatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
}

func buildStatusName(s storage.BuildStatus) string {
	switch s {
	case storage.BuildInProgress:
		return "in progress"
	case storage.BuildSuccess:
		return "success"
	case storage.BuildFailure:
		return "failure"
	default:
		return string(s)
	}
}
