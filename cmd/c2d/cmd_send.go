// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/absmach/fluxc2/c2"
	"github.com/absmach/fluxc2/handlers"
	"github.com/absmach/fluxc2/internal/wiring"
	"github.com/spf13/cobra"
)

// parseBody decodes an optional JSON object argument.
func parseBody(args []string, idx int) (c2.Body, error) {
	body := c2.Body{}
	if len(args) <= idx {
		return body, nil
	}
	if err := json.Unmarshal([]byte(args[idx]), &body); err != nil {
		return nil, fmt.Errorf("invalid body %q: %w", args[idx], err)
	}
	return body, nil
}

func newSendCmd(opts *rootOptions) *cobra.Command {
	var task string

	cmd := &cobra.Command{
		Use:   "send <cluster-id> <command> [json-body]",
		Short: "Send a command to a cluster agent",
		Long:  "Publish a command addressed to one cluster. With --task the command starts\na tracked exchange whose replies are recorded on the task until it exits.",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			clusterID, command := args[0], args[1]
			body, err := parseBody(args, 2)
			if err != nil {
				return fmt.Errorf("send: %w", err)
			}

			return opts.withBus(cmd, func(ctx context.Context, rt *wiring.Runtime) error {
				if task == "" {
					if _, err := rt.ControlPlane.SendCommand(ctx, clusterID, command, body, nil); err != nil {
						return fmt.Errorf("send: %w", err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to %s\n", command, c2.DestinationName(clusterID))
					return nil
				}

				t, err := handlers.StartTask(ctx, rt.ControlPlane, rt.Records.Tasks(), clusterID, command, task, body)
				if err != nil {
					return fmt.Errorf("send: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Started task %s ackid %v\n", t.ID, t.Data[c2.FieldAckID])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "track replies on a new task with this title")

	return cmd
}

func newUpdateCmd(opts *rootOptions) *cobra.Command {
	var taskID string

	cmd := &cobra.Command{
		Use:   "update <cluster-id> <ackid> [json-body]",
		Short: "Continue an exchange with an UPDATE",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			clusterID, ackID := args[0], args[1]
			body, err := parseBody(args, 2)
			if err != nil {
				return fmt.Errorf("update: %w", err)
			}

			return opts.withBus(cmd, func(ctx context.Context, rt *wiring.Runtime) error {
				if taskID != "" {
					err = handlers.ContinueTask(ctx, rt.ControlPlane, rt.Records.Tasks(), clusterID, taskID, ackID, body)
				} else {
					err = rt.ControlPlane.SendUpdate(ctx, clusterID, ackID, body)
				}
				if err != nil {
					return fmt.Errorf("update: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Sent UPDATE %s to %s\n", ackID, c2.DestinationName(clusterID))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "check the ackid against this task first")

	return cmd
}

func newPingCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping <cluster-id>",
		Short: "Send PING to a cluster agent",
		Long:  "Send PING. The agent answers with PONG, which a running daemon logs.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBus(cmd, func(ctx context.Context, rt *wiring.Runtime) error {
				if _, err := rt.ControlPlane.SendCommand(ctx, args[0], c2.CommandPing, c2.Body{}, nil); err != nil {
					return fmt.Errorf("ping: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Sent PING to %s\n", c2.DestinationName(args[0]))
				return nil
			})
		},
	}
}

func newSyncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync <cluster-id>",
		Short: "Ask a cluster agent to resynchronise",
		Long:  "Mark the cluster initialising and send SYNC. The reply sets the status the\nagent reports.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBus(cmd, func(ctx context.Context, rt *wiring.Runtime) error {
				ackID, err := handlers.SyncCluster(ctx, rt.ControlPlane, rt.Records.Clusters(), args[0])
				if err != nil {
					return fmt.Errorf("sync: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Sent SYNC to %s ackid %s\n", c2.DestinationName(args[0]), ackID)
				return nil
			})
		},
	}
}

func newRegisterUserCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "register-user <cluster-id> <login-uid>",
		Short: "Start storage authorisation for a cluster user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBus(cmd, func(ctx context.Context, rt *wiring.Runtime) error {
				t, err := handlers.RegisterUserGCS(ctx, rt.ControlPlane, rt.Records.Tasks(), args[0], args[1])
				if err != nil {
					return fmt.Errorf("register-user: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Started task %s ackid %v\n", t.ID, t.Data[c2.FieldAckID])
				return nil
			})
		},
	}
}
