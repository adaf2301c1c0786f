package standard

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newDeploymentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deployment",
		Short: "Inspect tracked operations",
	}

	cmd.AddCommand(newDeploymentListCmd())
	cmd.AddCommand(newDeploymentGetCmd())
	cmd.AddCommand(newDeploymentCancelCmd())
	cmd.AddCommand(newDeploymentCleanupCmd())
	return cmd
}

func newDeploymentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your recent deployments",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), readTimeout)
			defer cancel()

			deps, err := api.ListDeployments(ctx, limit)
			if err != nil {
				return err
			}
			if len(deps) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No deployments found")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-38s %-18s %-12s %-9s %s\n", "ID", "TYPE", "STATUS", "PROGRESS", "CREATED")
			for _, d := range deps {
				fmt.Fprintf(cmd.OutOrStdout(), "%-38s %-18s %-12s %-9s %s\n",
					d.DeploymentID, d.Type, d.Status, fmt.Sprintf("%d%%", d.Progress),
					d.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum rows to return")
	return cmd
}

func newDeploymentGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show deployment details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), readTimeout)
			defer cancel()

			dep, err := api.GetDeployment(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID: %s\nType: %s\nStatus: %s\nProgress: %d%%\n",
				dep.DeploymentID, dep.Type, dep.Status, dep.Progress)
			if dep.Error != "" {
				fmt.Fprintf(out, "Error: %s\n", dep.Error)
			}
			fmt.Fprintf(out, "Created: %s\n", dep.CreatedAt.Format(time.RFC3339))
			if dep.CompletedAt != nil {
				fmt.Fprintf(out, "Completed: %s\n", dep.CompletedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newDeploymentCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Abandon local tracking of an in-flight deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), readTimeout)
			defer cancel()

			dep, err := api.CancelDeployment(ctx, args[0])
			if err != nil {
				return err
			}
			printDeployment(cmd, dep)
			return nil
		},
	}
}

func newDeploymentCleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove your finished deployments past an age",
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), readTimeout)
			defer cancel()

			removed, err := api.CleanupDeployments(ctx, olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d deployment(s)\n", removed)
			return nil
		},
	}
	cmd.Flags().Duration("older-than", 24*time.Hour, "Remove finished deployments older than this")
	return cmd
}
