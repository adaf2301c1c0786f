package standard

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pvecloud/pvec/internal/cli/client"
)

// Execute runs the Cobra-based CLI entry point.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pvec",
		Short: "pvec command-line interface",
		Long:  "pvec CLI manages virtual machines, snapshots, backups, and templates through pvecd.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringP("api", "a", envOrDefault("PVEC_API_BASE", "http://127.0.0.1:7070"), "pvecd base URL")
	cmd.PersistentFlags().String("api-key", os.Getenv("PVEC_API_KEY"), "API key, if the daemon requires one")
	cmd.PersistentFlags().StringP("user", "u", os.Getenv("PVEC_USER"), "caller identity (external id)")
	cmd.PersistentFlags().String("user-name", os.Getenv("PVEC_USER_NAME"), "caller display name")
	cmd.PersistentFlags().String("roles", os.Getenv("PVEC_ROLES"), "comma-separated caller roles")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newVMsCmd())
	cmd.AddCommand(newSnapshotsCmd())
	cmd.AddCommand(newBackupsCmd())
	cmd.AddCommand(newTemplatesCmd())
	cmd.AddCommand(newDeploymentsCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newNodesCmd())
	cmd.AddCommand(newMetricsCmd())
	cmd.AddCommand(newAlertsCmd())
	cmd.AddCommand(newWatchCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the pvec client version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pvec CLI\n")
		},
	}
}

func envOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func clientFromCmd(cmd *cobra.Command) (*client.Client, error) {
	flags := cmd.Root().PersistentFlags()
	base, err := flags.GetString("api")
	if err != nil {
		base = envOrDefault("PVEC_API_BASE", "http://127.0.0.1:7070")
	}
	apiKey, _ := flags.GetString("api-key")
	externalID, _ := flags.GetString("user")
	if externalID == "" {
		return nil, fmt.Errorf("caller identity required: set --user or PVEC_USER")
	}
	displayName, _ := flags.GetString("user-name")
	rawRoles, _ := flags.GetString("roles")

	var roles []string
	for _, role := range strings.Split(rawRoles, ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}

	return client.New(base, apiKey, client.Identity{
		ExternalID:  externalID,
		DisplayName: displayName,
		Roles:       roles,
	})
}
