package cli

import (
	"github.com/spf13/cobra"
)

var compareCmd = &cobra.Command{
	Use:   "compare <asset-a> <asset-b>",
	Short: "Order two assets by their current oracle price",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Compare(cmd.Context(), args[0], args[1])
	},
}
