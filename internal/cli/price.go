package cli

import (
	"github.com/spf13/cobra"
)

var priceQuote string

var priceCmd = &cobra.Command{
	Use:   "price <asset>",
	Short: "Read the current price of an asset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Price(cmd.Context(), args[0], priceQuote)
	},
}

func init() {
	priceCmd.Flags().StringVar(&priceQuote, "quote", "", "Express the price relative to this asset instead of the oracle base")
}
