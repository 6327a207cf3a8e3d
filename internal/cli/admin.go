package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"deposit-gateway/internal/app"
)

var (
	adminCaller string
	limitEpoch  time.Duration
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Administer gateway policy",
}

type adminFunc func(cmd *cobra.Command, a *app.App, caller common.Address, args []string) error

// asCaller resolves the acting account before running fn.
func asCaller(role app.Role, fn adminFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a := getApp()
		caller, err := a.Caller(adminCaller, role)
		if err != nil {
			return err
		}
		return fn(cmd, a, caller, args)
	}
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Halt all deposits",
	Args:  cobra.NoArgs,
	RunE: asCaller(app.RolePauser, func(cmd *cobra.Command, a *app.App, caller common.Address, _ []string) error {
		return a.Pause(cmd.Context(), caller)
	}),
}

var unpauseCmd = &cobra.Command{
	Use:   "unpause",
	Short: "Resume deposits",
	Args:  cobra.NoArgs,
	RunE: asCaller(app.RolePauser, func(cmd *cobra.Command, a *app.App, caller common.Address, _ []string) error {
		return a.Unpause(cmd.Context(), caller)
	}),
}

var setCapsCmd = &cobra.Command{
	Use:   "set-caps <min-usd> <max-usd>",
	Short: "Set the per-deposit USD bounds",
	Args:  cobra.ExactArgs(2),
	RunE: asCaller(app.RoleAdmin, func(cmd *cobra.Command, a *app.App, caller common.Address, args []string) error {
		return a.SetCaps(cmd.Context(), caller, args[0], args[1])
	}),
}

var setWindowCapCmd = &cobra.Command{
	Use:   "set-window-cap <usd>",
	Short: "Set the global per-window USD cap (0 disables it)",
	Args:  cobra.ExactArgs(1),
	RunE: asCaller(app.RoleAdmin, func(cmd *cobra.Command, a *app.App, caller common.Address, args []string) error {
		return a.SetWindowCap(cmd.Context(), caller, args[0])
	}),
}

var setPriceFeedCmd = &cobra.Command{
	Use:   "set-price-feed <feed-id>",
	Short: "Select the price feed used to value gas deposits",
	Args:  cobra.ExactArgs(1),
	RunE: asCaller(app.RoleAdmin, func(cmd *cobra.Command, a *app.App, caller common.Address, args []string) error {
		return a.SetPriceFeed(cmd.Context(), caller, args[0])
	}),
}

var setConfidenceCmd = &cobra.Command{
	Use:   "set-confidence-threshold <value>",
	Short: "Bound the acceptable quote confidence interval (0 disables the check)",
	Args:  cobra.ExactArgs(1),
	RunE: asCaller(app.RoleAdmin, func(cmd *cobra.Command, a *app.App, caller common.Address, args []string) error {
		threshold, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid threshold: %w", err)
		}
		return a.SetConfidenceThreshold(cmd.Context(), caller, threshold)
	}),
}

var setEpochDurationCmd = &cobra.Command{
	Use:   "set-epoch-duration <duration>",
	Short: "Set the epoch length given to newly seen assets",
	Args:  cobra.ExactArgs(1),
	RunE: asCaller(app.RoleAdmin, func(cmd *cobra.Command, a *app.App, caller common.Address, args []string) error {
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		return a.SetEpochDuration(cmd.Context(), caller, d)
	}),
}

var setAssetLimitCmd = &cobra.Command{
	Use:   "set-asset-limit <asset> <limit-per-epoch>",
	Short: "Set an asset's per-epoch limit in base units (resets its usage)",
	Args:  cobra.ExactArgs(2),
	RunE: asCaller(app.RoleAdmin, func(cmd *cobra.Command, a *app.App, caller common.Address, args []string) error {
		asset, err := parseAddress("asset", args[0])
		if err != nil {
			return err
		}
		limit, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid limit: %w", err)
		}
		return a.SetAssetLimit(cmd.Context(), caller, asset, limit, limitEpoch)
	}),
}

var loadLimitsCmd = &cobra.Command{
	Use:   "load-limits [file.yaml]",
	Short: "Apply an asset-limit file (defaults to limits_file from config)",
	Args:  cobra.MaximumNArgs(1),
	RunE: asCaller(app.RoleAdmin, func(cmd *cobra.Command, a *app.App, caller common.Address, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		return a.LoadLimits(cmd.Context(), caller, path)
	}),
}

var whitelistCmd = &cobra.Command{
	Use:   "whitelist",
	Short: "Manage the fungible asset whitelist",
}

var whitelistAddCmd = &cobra.Command{
	Use:   "add <token>",
	Short: "Admit a fungible asset",
	Args:  cobra.ExactArgs(1),
	RunE: asCaller(app.RoleAdmin, func(cmd *cobra.Command, a *app.App, caller common.Address, args []string) error {
		token, err := parseAddress("token", args[0])
		if err != nil {
			return err
		}
		return a.Whitelist(cmd.Context(), caller, token, true)
	}),
}

var whitelistRemoveCmd = &cobra.Command{
	Use:   "remove <token>",
	Short: "Withdraw a fungible asset",
	Args:  cobra.ExactArgs(1),
	RunE: asCaller(app.RoleAdmin, func(cmd *cobra.Command, a *app.App, caller common.Address, args []string) error {
		token, err := parseAddress("token", args[0])
		if err != nil {
			return err
		}
		return a.Whitelist(cmd.Context(), caller, token, false)
	}),
}

func init() {
	adminCmd.PersistentFlags().StringVar(&adminCaller, "as", "", "Acting account (defaults to the configured admin or pauser)")
	setAssetLimitCmd.Flags().DurationVar(&limitEpoch, "epoch", 24*time.Hour, "Epoch length")

	whitelistCmd.AddCommand(whitelistAddCmd, whitelistRemoveCmd)
	adminCmd.AddCommand(
		pauseCmd,
		unpauseCmd,
		setCapsCmd,
		setWindowCapCmd,
		setPriceFeedCmd,
		setConfidenceCmd,
		setEpochDurationCmd,
		setAssetLimitCmd,
		loadLimitsCmd,
		whitelistCmd,
	)
}
