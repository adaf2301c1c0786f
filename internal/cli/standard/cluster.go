package standard

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pvecloud/pvec/internal/cli/client"
)

func newNodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List hypervisor nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), readTimeout)
			defer cancel()

			nodes, err := api.ListNodes(ctx)
			if err != nil {
				return err
			}
			if len(nodes) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No nodes found")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-12s %-10s %-6s %-18s %-18s\n", "NODE", "STATUS", "CPU", "MEMORY(MB)", "DISK(GB)")
			for _, n := range nodes {
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %-10s %-6d %-18s %-18s\n",
					n.Name, n.Status, n.CPUCores,
					fmt.Sprintf("%d/%d", n.MemoryUsedMB, n.MemoryTotalMB),
					fmt.Sprintf("%d/%d", n.DiskUsedGB, n.DiskTotalGB))
			}
			return nil
		},
	}
}

func newAlertsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alerts",
		Short: "Sweep the cluster for resource alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), readTimeout)
			defer cancel()

			alerts, err := api.ListAlerts(ctx)
			if err != nil {
				return err
			}
			if len(alerts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No alerts")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-10s %-8s %-24s %-8s %s\n", "SEVERITY", "KIND", "NAME", "METRIC", "VALUE")
			for _, a := range alerts {
				value := "-"
				if a.Threshold > 0 {
					value = fmt.Sprintf("%.0f%% (limit %.0f%%)", a.Value*100, a.Threshold*100)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %-8s %-24s %-8s %s\n",
					a.Severity, a.Resource, a.Name, a.Metric, value)
			}
			return nil
		},
	}
}

func newMetricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show resource usage history",
	}
	cmd.AddCommand(newNodeMetricsCmd())
	cmd.AddCommand(newVMMetricsCmd())
	return cmd
}

func newNodeMetricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "node <name>",
		Short: "Show a node's status and usage history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), readTimeout)
			defer cancel()

			metrics, err := api.NodeMetrics(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Node:   %s\n", metrics.Node)
			fmt.Fprintf(out, "CPU:    %.1f%%\n", metrics.Status.CPU*100)
			if metrics.Status.Memory.Total > 0 {
				fmt.Fprintf(out, "Memory: %s / %s\n",
					formatBytes(metrics.Status.Memory.Used), formatBytes(metrics.Status.Memory.Total))
			}
			printSeries(cmd, metrics.Series)
			return nil
		},
	}
}

func newVMMetricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vm <vmid>",
		Short: "Show a virtual machine's usage history",
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

			series, err := api.VMMetrics(ctx, vmid)
			if err != nil {
				return err
			}
			printSeries(cmd, series)
			return nil
		},
	}
}

func printSeries(cmd *cobra.Command, series []client.RRDPoint) {
	if len(series) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No samples")
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-8s %-14s %-14s\n", "TIME", "CPU", "MEM", "NET IN/OUT")
	for _, p := range series {
		fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-8s %-14s %-14s\n",
			time.Unix(p.Time, 0).Format("2006-01-02 15:04:05"),
			fmt.Sprintf("%.1f%%", p.CPU*100),
			formatBytes(int64(p.Mem)),
			fmt.Sprintf("%.0f/%.0f", p.NetIn, p.NetOut))
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show your identity and usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), readTimeout)
			defer cancel()

			profile, err := api.Whoami(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "User: %s", profile.ExternalID)
			if profile.DisplayName != "" {
				fmt.Fprintf(out, " (%s)", profile.DisplayName)
			}
			fmt.Fprintln(out)
			if profile.IsAdmin {
				fmt.Fprintln(out, "Admin: yes")
			}
			fmt.Fprintf(out, "VMs: %d\n", profile.VMCount)
			for _, d := range profile.RecentDeployments {
				fmt.Fprintf(out, "  %s %s %s\n", d.DeploymentID, d.Type, d.Status)
			}
			return nil
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream deployment, VM, and alert events",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			return api.WatchEvents(cmd.Context(), func(event string, data []byte) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", event, data)
			})
		},
	}
}
