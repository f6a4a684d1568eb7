package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulateAsset string
	simulateNew   float64
	simulateLast  float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Run the deviation breaker against supplied prices and send the alert",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateNew <= 0 || simulateLast <= 0 {
			return errors.New("--new and --last must be greater than 0")
		}

		newPrice := decimal.NewFromFloat(simulateNew)
		lastPrice := decimal.NewFromFloat(simulateLast)
		return getApp().SimulateAlert(cmd.Context(), simulateAsset, newPrice, lastPrice)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateAsset, "asset", "XLM", "Asset the simulated prices belong to")
	simulateCmd.Flags().Float64Var(&simulateNew, "new", 0, "New price observation")
	simulateCmd.Flags().Float64Var(&simulateLast, "last", 0, "Last accepted price")
}
