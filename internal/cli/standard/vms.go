package standard

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/pvecloud/pvec/internal/cli/client"
)

// Mutating calls block until the remote task settles, so they get a
// generous deadline. Reads stay short.
const (
	readTimeout   = 10 * time.Second
	mutateTimeout = 15 * time.Minute
)

func vmidArg(args []string) (int, error) {
	vmid, err := strconv.Atoi(args[0])
	if err != nil || vmid <= 0 {
		return 0, fmt.Errorf("invalid vmid %q", args[0])
	}
	return vmid, nil
}

func printDeployment(cmd *cobra.Command, dep *client.Deployment) {
	if dep == nil {
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deployment %s: %s", dep.DeploymentID, dep.Status)
	if dep.Error != "" {
		fmt.Fprintf(cmd.OutOrStdout(), " (%s)", dep.Error)
	}
	fmt.Fprintln(cmd.OutOrStdout())
}

func newVMsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vm",
		Short: "Manage virtual machines",
	}

	cmd.AddCommand(newVMsListCmd())
	cmd.AddCommand(newVMsGetCmd())
	cmd.AddCommand(newVMsCreateCmd())
	cmd.AddCommand(newVMsCloneCmd())
	cmd.AddCommand(newVMsDeleteCmd())
	cmd.AddCommand(newVMsActionCmd("start", "Start a virtual machine", (*client.Client).StartVM))
	cmd.AddCommand(newVMsActionCmd("stop", "Force-stop a virtual machine", (*client.Client).StopVM))
	cmd.AddCommand(newVMsActionCmd("shutdown", "Gracefully shut down a virtual machine", (*client.Client).ShutdownVM))
	cmd.AddCommand(newVMsActionCmd("reboot", "Reboot a virtual machine", (*client.Client).RebootVM))
	cmd.AddCommand(newVMsResizeCmd())
	cmd.AddCommand(newVMsMigrateCmd())
	cmd.AddCommand(newVMsRefreshCmd())
	cmd.AddCommand(newVMsConvertCmd())
	return cmd
}

func newVMsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List virtual machines",
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), readTimeout)
			defer cancel()

			vms, err := api.ListVMs(ctx, all)
			if err != nil {
				return err
			}
			if len(vms) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No VMs found")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-6s %-20s %-10s %-14s %-8s %-6s %-8s %-10s\n",
				"VMID", "NAME", "STATUS", "TEMPLATE", "MEM(MB)", "CORES", "DISK(GB)", "NODE")
			for _, vm := range vms {
				fmt.Fprintf(cmd.OutOrStdout(), "%-6d %-20s %-10s %-14s %-8d %-6d %-8d %-10s\n",
					vm.VMID, vm.Name, vm.Status, vm.Template, vm.MemoryMB, vm.Cores, vm.DiskGB, vm.Node)
			}
			return nil
		},
	}
	cmd.Flags().Bool("all", false, "List every machine, not just yours (admin)")
	return cmd
}

func newVMsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <vmid>",
		Short: "Show virtual machine details",
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

			vm, err := api.GetVM(ctx, vmid)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "VMID: %d\nName: %s\nStatus: %s\nTemplate: %s\n", vm.VMID, vm.Name, vm.Status, vm.Template)
			fmt.Fprintf(out, "Memory: %d MB\nCores: %d\nDisk: %d GB\n", vm.MemoryMB, vm.Cores, vm.DiskGB)
			fmt.Fprintf(out, "Node: %s\nStorage: %s\nBridge: %s\n", vm.Node, vm.Storage, vm.NetworkBridge)
			if vm.IPAddress != "" {
				fmt.Fprintf(out, "IP: %s\n", vm.IPAddress)
			}
			if vm.MACAddress != "" {
				fmt.Fprintf(out, "MAC: %s\n", vm.MACAddress)
			}
			return nil
		},
	}
}

func newVMsCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a virtual machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			template, _ := cmd.Flags().GetString("template")
			memory, _ := cmd.Flags().GetInt("memory")
			cores, _ := cmd.Flags().GetInt("cores")
			disk, _ := cmd.Flags().GetInt("disk")
			node, _ := cmd.Flags().GetString("node")

			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), mutateTimeout)
			defer cancel()

			dep, vm, err := api.CreateVM(ctx, client.CreateVMRequest{
				Name:     args[0],
				Template: template,
				MemoryMB: memory,
				Cores:    cores,
				DiskGB:   disk,
				Node:     node,
			})
			if err != nil {
				return err
			}
			if vm != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "VM %s created with vmid %d on %s\n", vm.Name, vm.VMID, vm.Node)
			}
			printDeployment(cmd, dep)
			return nil
		},
	}
	cmd.Flags().StringP("template", "t", "", "Template id (required)")
	cmd.Flags().Int("memory", 0, "Memory (MB), defaults from server config")
	cmd.Flags().Int("cores", 0, "CPU cores, defaults from server config")
	cmd.Flags().Int("disk", 0, "Disk (GB), defaults from server config")
	cmd.Flags().String("node", "", "Target node, auto-selected when empty")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func newVMsCloneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clone <vmid> <name>",
		Short: "Clone a virtual machine",
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

			dep, vm, err := api.CloneVM(ctx, vmid, args[1])
			if err != nil {
				return err
			}
			if vm != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "VM %s cloned to vmid %d\n", args[1], vm.VMID)
			}
			printDeployment(cmd, dep)
			return nil
		},
	}
}

func newVMsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <vmid>",
		Short: "Delete a virtual machine",
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

			dep, err := api.DeleteVM(ctx, vmid)
			if err != nil {
				return err
			}
			printDeployment(cmd, dep)
			return nil
		},
	}
}

func newVMsActionCmd(verb, short string, action func(*client.Client, context.Context, int) (*client.Deployment, error)) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <vmid>",
		Short: short,
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

			dep, err := action(api, ctx, vmid)
			if err != nil {
				return err
			}
			printDeployment(cmd, dep)
			return nil
		},
	}
}

func newVMsResizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resize <vmid>",
		Short: "Grow a virtual machine's disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vmid, err := vmidArg(args)
			if err != nil {
				return err
			}
			disk, _ := cmd.Flags().GetInt("disk")
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), mutateTimeout)
			defer cancel()

			dep, err := api.ResizeDisk(ctx, vmid, disk)
			if err != nil {
				return err
			}
			printDeployment(cmd, dep)
			return nil
		},
	}
	cmd.Flags().Int("disk", 0, "New disk size (GB), must exceed the current size")
	_ = cmd.MarkFlagRequired("disk")
	return cmd
}

func newVMsMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <vmid> <node>",
		Short: "Migrate a virtual machine to another node",
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

			dep, err := api.MigrateVM(ctx, vmid, args[1])
			if err != nil {
				return err
			}
			printDeployment(cmd, dep)
			return nil
		},
	}
}

func newVMsRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <vmid>",
		Short: "Reconcile a machine's status with the hypervisor",
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

			vm, err := api.RefreshVM(ctx, vmid)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "VM %d is %s\n", vm.VMID, vm.Status)
			return nil
		},
	}
}

func newVMsConvertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert <vmid>",
		Short: "Convert a virtual machine into a reusable template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vmid, err := vmidArg(args)
			if err != nil {
				return err
			}
			name, _ := cmd.Flags().GetString("name")
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), mutateTimeout)
			defer cancel()

			dep, err := api.ConvertToTemplate(ctx, vmid, name)
			if err != nil {
				return err
			}
			printDeployment(cmd, dep)
			return nil
		},
	}
	cmd.Flags().String("name", "", "Template name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
