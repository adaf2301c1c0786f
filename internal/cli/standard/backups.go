package standard

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pvecloud/pvec/internal/cli/client"
)

func newBackupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage VM backups",
	}

	cmd.AddCommand(newBackupListCmd())
	cmd.AddCommand(newBackupCreateCmd())
	cmd.AddCommand(newBackupRestoreCmd())
	cmd.AddCommand(newBackupCleanupCmd())
	cmd.AddCommand(newBackupScheduleCmd())
	cmd.AddCommand(newBackupUnscheduleCmd())
	return cmd
}

func newBackupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <vmid>",
		Short: "List backups of a virtual machine",
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

			backups, err := api.ListBackups(ctx, vmid)
			if err != nil {
				return err
			}
			if len(backups) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No backups found")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-48s %-10s %-10s %-12s %s\n", "BACKUP", "TYPE", "STATUS", "SIZE", "CREATED")
			for _, b := range backups {
				fmt.Fprintf(cmd.OutOrStdout(), "%-48s %-10s %-10s %-12s %s\n",
					b.BackupID, b.Type, b.Status, formatBytes(b.SizeBytes), b.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func newBackupCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <vmid>",
		Short: "Create a backup",
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
			ctx, cancel := context.WithTimeout(cmd.Context(), mutateTimeout)
			defer cancel()

			dep, err := api.CreateBackup(ctx, vmid)
			if err != nil {
				return err
			}
			printDeployment(cmd, dep)
			return nil
		},
	}
}

func newBackupRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <vmid> <backup>",
		Short: "Restore a virtual machine from a backup",
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

			dep, err := api.RestoreBackup(ctx, vmid, args[1])
			if err != nil {
				return err
			}
			printDeployment(cmd, dep)
			return nil
		},
	}
}

func newBackupScheduleCmd() *cobra.Command {
	var (
		every     time.Duration
		retention int
		compress  string
	)
	cmd := &cobra.Command{
		Use:   "schedule <vmid>",
		Short: "Install or show the recurring backup for a virtual machine",
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
			ctx, cancel := context.WithTimeout(cmd.Context(), mutateTimeout)
			defer cancel()

			var sched *client.BackupSchedule
			if cmd.Flags().Changed("every") {
				sched, err = api.ScheduleBackup(ctx, vmid, every, retention, compress)
			} else {
				sched, err = api.GetBackupSchedule(ctx, vmid)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Every:     %s\n", sched.Every)
			fmt.Fprintf(cmd.OutOrStdout(), "Retention: %d\n", sched.Retention)
			fmt.Fprintf(cmd.OutOrStdout(), "Compress:  %s\n", sched.Compress)
			fmt.Fprintf(cmd.OutOrStdout(), "Next run:  %s\n", sched.NextRun.Format("2006-01-02 15:04:05"))
			if sched.LastRun != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Last run:  %s\n", sched.LastRun.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&every, "every", 24*time.Hour, "interval between backups")
	cmd.Flags().IntVar(&retention, "retention", 7, "backups to keep per machine")
	cmd.Flags().StringVar(&compress, "compress", "zstd", "archive compression (zstd, gzip, lzo)")
	return cmd
}

func newBackupUnscheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unschedule <vmid>",
		Short: "Remove the recurring backup for a virtual machine",
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
			ctx, cancel := context.WithTimeout(cmd.Context(), mutateTimeout)
			defer cancel()

			if err := api.UnscheduleBackup(ctx, vmid); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Backup schedule removed")
			return nil
		},
	}
}

func newBackupCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup <vmid>",
		Short: "Remove backups past the retention count",
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
			ctx, cancel := context.WithTimeout(cmd.Context(), mutateTimeout)
			defer cancel()

			removed, err := api.CleanupBackups(ctx, vmid)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d backup(s)\n", removed)
			return nil
		},
	}
}
