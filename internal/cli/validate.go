package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xraph/funnel/definition"
)

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check definition files without installing them",
		Long: `Parse and validate definition files: every graph must have one initial
state, transitions must name known states, condition operators and action
configs must be recognised.

Examples:
  funnel validate funnel.yaml promo.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, path := range args {
				set, err := definition.LoadFile(path)
				if err != nil {
					return err
				}
				settings := "no"
				if set.Settings != nil {
					settings = "yes"
				}
				fmt.Fprintf(out, "%s: ok (%d graphs, %d rules, %d templates, %d tariffs, settings: %s)\n",
					path, len(set.Graphs), len(set.Rules), len(set.Templates), len(set.Tariffs), settings)
			}
			return nil
		},
	}
}
