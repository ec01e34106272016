package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"workforge/internal/cli/commands"
	"workforge/pkg/config"
)

// NewRootCommand constructs the Workforge root Cobra command.
func NewRootCommand() *cobra.Command {
	version := os.Getenv("WORKFORGE_VERSION")
	if version == "" {
		version = "0.0.0-dev"
	}

	cmd := &cobra.Command{
		Use:           "workforge",
		Short:         "Workforge – ledger-backed work order orchestrator",
		Long:          "Workforge executes declarative work orders against a registry of pluggable modules, charging and refunding a per-tenant credit ledger as it goes.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath(), "path to workforge.yml")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose logging")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of Workforge",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Workforge version %s\n", version)
		},
	})

	// Subcommands, registered in lexicographic order by .Use.
	cmd.AddCommand(commands.NewCatalogCommand())
	cmd.AddCommand(commands.NewRunCommand())
	cmd.AddCommand(commands.NewStatusCommand())

	return cmd
}
