package standard

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newSnapshotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage VM snapshots",
	}

	cmd.AddCommand(newSnapshotListCmd())
	cmd.AddCommand(newSnapshotCreateCmd())
	cmd.AddCommand(newSnapshotRollbackCmd())
	cmd.AddCommand(newSnapshotDeleteCmd())
	return cmd
}

func newSnapshotListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <vmid>",
		Short: "List snapshots of a virtual machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vmid, err := vmidArg(args)
			if err != nil {
				return err
			}
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), readTimeout)
			defer cancel()

			snaps, err := api.ListSnapshots(ctx, vmid)
			if err != nil {
				return err
			}
			if len(snaps) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No snapshots found")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-20s %s\n", "NAME", "CREATED", "DESCRIPTION")
			for _, s := range snaps {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-20s %s\n",
					s.Name, s.CreatedAt.Format("2006-01-02 15:04:05"), s.Description)
			}
			return nil
		},
	}
}

func newSnapshotCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <vmid> <name>",
		Short: "Create a snapshot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vmid, err := vmidArg(args)
			if err != nil {
				return err
			}
			description, _ := cmd.Flags().GetString("description")
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), mutateTimeout)
			defer cancel()

			dep, err := api.CreateSnapshot(ctx, vmid, args[1], description)
			if err != nil {
				return err
			}
			printDeployment(cmd, dep)
			return nil
		},
	}
	cmd.Flags().StringP("description", "d", "", "Snapshot description")
	return cmd
}

func newSnapshotRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <vmid> <name>",
		Short: "Roll a virtual machine back to a snapshot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vmid, err := vmidArg(args)
			if err != nil {
				return err
			}
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), mutateTimeout)
			defer cancel()

			dep, err := api.RollbackSnapshot(ctx, vmid, args[1])
			if err != nil {
				return err
			}
			printDeployment(cmd, dep)
			return nil
		},
	}
}

func newSnapshotDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <vmid> <name>",
		Short: "Delete a snapshot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vmid, err := vmidArg(args)
			if err != nil {
				return err
			}
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), mutateTimeout)
			defer cancel()

			dep, err := api.DeleteSnapshot(ctx, vmid, args[1])
			if err != nil {
				return err
			}
			printDeployment(cmd, dep)
			return nil
		},
	}
}
