package cli

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"deposit-gateway/internal/app"
)

var (
	showLimit   int
	usageAssets []string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent deposit outcomes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Display remaining window and per-asset capacity",
	RunE: func(cmd *cobra.Command, args []string) error {
		assets := make([]common.Address, 0, len(usageAssets))
		for _, raw := range usageAssets {
			asset, err := parseAddress("--asset", raw)
			if err != nil {
				return err
			}
			assets = append(assets, asset)
		}
		return getApp().ShowUsage(cmd.Context(), assets)
	},
}

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Fetch and validate the configured price feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Quote(cmd.Context())
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of outcomes to display")
	usageCmd.Flags().StringSliceVar(&usageAssets, "asset", nil, "Asset to report (repeatable; defaults to every configured asset)")
}
