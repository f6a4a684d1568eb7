package cli

import (
	"github.com/spf13/cobra"
)

var twapCmd = &cobra.Command{
	Use:   "twap <asset>",
	Short: "Compute the time-weighted average price over the configured window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Twap(cmd.Context(), args[0])
	},
}
