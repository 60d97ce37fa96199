// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/absmach/fluxc2/internal/wiring"
	"github.com/spf13/cobra"
)

func newSubscriptionCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscription",
		Short: "Manage per-cluster subscriptions and access",
	}
	cmd.AddCommand(
		newSubscriptionCreateCmd(opts),
		newSubscriptionDeleteCmd(opts),
		newSubscriptionGrantCmd(opts),
		newSubscriptionEndpointsCmd(opts),
	)
	return cmd
}

func newSubscriptionCreateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create <cluster-id>",
		Short: "Create the subscription a cluster agent pulls from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBus(cmd, func(ctx context.Context, rt *wiring.Runtime) error {
				path, err := rt.ControlPlane.CreateSubscriptionFor(ctx, args[0])
				if err != nil {
					return fmt.Errorf("subscription create: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			})
		},
	}
}

func newSubscriptionDeleteCmd(opts *rootOptions) *cobra.Command {
	var principal string

	cmd := &cobra.Command{
		Use:   "delete <cluster-id>",
		Short: "Delete a cluster's subscription",
		Long:  "Delete a cluster's subscription. With --principal the agent's publish\nright on the shared topic is revoked first.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBus(cmd, func(ctx context.Context, rt *wiring.Runtime) error {
				if err := rt.ControlPlane.DeleteSubscriptionFor(ctx, args[0], principal); err != nil {
					return fmt.Errorf("subscription delete: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", rt.ControlPlane.SubscriptionFor(args[0]))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&principal, "principal", "", "member whose topic access is revoked")

	return cmd
}

func newSubscriptionGrantCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "grant <cluster-id> <principal>",
		Short: "Let an agent principal use a cluster's subscription",
		Long:  "Grant subscriber on the cluster's subscription and publisher on the shared\ntopic. Refused changes are printed as warnings.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBus(cmd, func(ctx context.Context, rt *wiring.Runtime) error {
				warnings, err := rt.ControlPlane.GrantAccess(ctx, args[0], args[1])
				if err != nil {
					return fmt.Errorf("subscription grant: %w", err)
				}
				for _, w := range warnings {
					fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Granted %s (%d warnings)\n", args[1], len(warnings))
				return nil
			})
		},
	}
}

func newSubscriptionEndpointsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "endpoints <cluster-id>",
		Short: "Print the bus resources an agent is configured with",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(_ context.Context, rt *wiring.Runtime) error {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rt.ControlPlane.AgentEndpoints(args[0]))
			})
		},
	}
}
