package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags shared by all subcommands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
}

// NewRootCommand creates the root command for the crmbridge CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "crmbridge",
		Short: "Bidirectional sync between a local datastore and an external CRM",
		Long: `crmbridge keeps a local contact and company datastore in sync with an
external HubSpot-compatible CRM. Local writes are pushed out through a
background queue; CRM changes arrive as signed webhooks and are reconciled
back in. Failures on either path become conflict records that an operator
resolves explicitly.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))

	return cmd
}
