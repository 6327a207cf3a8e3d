package cli

import (
	"github.com/spf13/cobra"

	"deposit-gateway/internal/app"
)

var (
	depositFlags requestFlags
	depositFund  bool
)

var depositCmd = &cobra.Command{
	Use:   "deposit",
	Short: "Submit one deposit against the configured store",
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := depositFlags.input()
		if err != nil {
			return err
		}
		return getApp().Deposit(cmd.Context(), app.DepositOptions{Input: in, Fund: depositFund})
	},
}

func init() {
	depositFlags.register(depositCmd.Flags())
	depositCmd.Flags().BoolVar(&depositFund, "fund", false, "Credit the sender with what the deposit moves before submitting")
}
