package cli

import (
	"github.com/spf13/cobra"

	"deposit-gateway/internal/app"
)

var (
	simulateFlags    requestFlags
	simulatePrice    int64
	simulateExponent int32
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run one deposit against fresh in-memory state and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := simulateFlags.input()
		if err != nil {
			return err
		}
		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			Input:    in,
			Price:    simulatePrice,
			Exponent: simulateExponent,
		})
	},
}

func init() {
	simulateFlags.register(simulateCmd.Flags())
	simulateCmd.Flags().Int64Var(&simulatePrice, "price", 0, "Pin the native/USD price mantissa (0 uses the configured source)")
	simulateCmd.Flags().Int32Var(&simulateExponent, "expo", -8, "Exponent applied to --price")
}
