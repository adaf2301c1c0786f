package standard

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newTemplatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Manage OS templates",
	}

	cmd.AddCommand(newTemplateListCmd())
	cmd.AddCommand(newTemplateDownloadCmd())
	cmd.AddCommand(newTemplateDeleteCmd())
	return cmd
}

func newTemplateListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), readTimeout)
			defer cancel()

			templates, err := api.ListTemplates(ctx)
			if err != nil {
				return err
			}
			if len(templates) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No templates found")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-16s %-26s %-10s %-8s %-8s %s\n",
				"NAME", "DISPLAY", "MIN MEM", "CORES", "DISK", "SOURCE")
			for _, t := range templates {
				source := "user"
				if t.BuiltIn {
					source = "built-in"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %-26s %-10d %-8d %-8d %s\n",
					t.Name, t.DisplayName, t.MinMemoryMB, t.MinCores, t.MinDiskGB, source)
			}
			return nil
		},
	}
}

func newTemplateDownloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download <filename>",
		Short: "Download a template image onto a node (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			node, _ := cmd.Flags().GetString("node")
			storage, _ := cmd.Flags().GetString("storage")
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), mutateTimeout)
			defer cancel()

			dep, err := api.DownloadTemplate(ctx, node, storage, args[0])
			if err != nil {
				return err
			}
			printDeployment(cmd, dep)
			return nil
		},
	}
	cmd.Flags().String("node", "", "Target node")
	cmd.Flags().String("storage", "local", "Target storage")
	_ = cmd.MarkFlagRequired("node")
	return cmd
}

func newTemplateDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a user template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), readTimeout)
			defer cancel()

			if err := api.DeleteTemplate(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Template %s deleted\n", args[0])
			return nil
		},
	}
}
