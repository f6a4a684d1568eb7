package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"oraclewatch/internal/app"
)

var (
	showAsset string
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent stored samples for an asset",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		if showAsset == "" {
			return fmt.Errorf("--asset must be provided")
		}

		opts := app.ShowOptions{
			Asset: showAsset,
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showAsset, "asset", "", "Asset to display")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of samples to display")
}
