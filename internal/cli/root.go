// Package cli implements the funnel daemon and its operator commands.
package cli

import (
	"github.com/spf13/cobra"
)

// Version is stamped at build time.
var Version = "0.1.0"

type rootOptions struct {
	configPath string
}

// NewRootCmd builds the funnel command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "funnel",
		Short: "Credit ledger and user lifecycle engine",
		Long: `funnel runs the credit ledger, lifecycle state machine, rule engine,
overlays and burnable bonuses behind an HTTP API.

Definitions (graphs, rules, bonus templates, tariffs) are YAML files listed
in the [definitions] section of the config file.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to the TOML config file")

	cmd.AddCommand(serveCmd(opts))
	cmd.AddCommand(sweepCmd())
	cmd.AddCommand(validateCmd())
	cmd.AddCommand(costCmd())

	return cmd
}
