package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/xraph/funnel/cost"
	"github.com/xraph/funnel/definition"
)

func costCmd() *cobra.Command {
	var (
		file         string
		modelID      string
		inputTokens  int64
		outputTokens int64
		image        bool
		images       int
		userMargin   string
	)

	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Price one generation from a definition file",
		Long: `Run the cost calculator against the tariff and settings of a
definition file and print the result as JSON.

Examples:
  funnel cost -f funnel.yaml --model img-1 --input-tokens 100 --output-tokens 1000 --image
  funnel cost -f funnel.yaml --model chat-1 --input-tokens 2000 --output-tokens 500 --user-margin 0.1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" || modelID == "" {
				return errors.New("--file and --model are required")
			}
			set, err := definition.LoadFile(file)
			if err != nil {
				return err
			}
			tariff, ok := set.Tariff(modelID)
			if !ok {
				return fmt.Errorf("model %q has no tariff in %s", modelID, file)
			}
			if set.Settings == nil {
				return fmt.Errorf("%s has no settings section", file)
			}
			margin, err := decimal.NewFromString(userMargin)
			if err != nil {
				return fmt.Errorf("--user-margin: %w", err)
			}

			res, err := cost.Calculate(cost.Params{
				Tariff:            *tariff,
				Settings:          *set.Settings,
				UserMargin:        margin,
				InputTokens:       inputTokens,
				OutputTokens:      outputTokens,
				IsImageGeneration: image,
				NumberOfImages:    images,
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Definition file with tariffs and settings (required)")
	cmd.Flags().StringVarP(&modelID, "model", "m", "", "Model ID to price (required)")
	cmd.Flags().Int64Var(&inputTokens, "input-tokens", 0, "Input tokens")
	cmd.Flags().Int64Var(&outputTokens, "output-tokens", 0, "Output tokens")
	cmd.Flags().BoolVar(&image, "image", false, "Price output at the image rate")
	cmd.Flags().IntVar(&images, "images", 1, "Number of images")
	cmd.Flags().StringVar(&userMargin, "user-margin", "0", "Per-user margin added to the system and model margins")

	return cmd
}
