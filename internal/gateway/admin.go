package gateway

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

func requireAdmin(cfg Config, caller common.Address) error {
	if caller != cfg.Admin {
		return fmt.Errorf("%w: %s is not admin", ErrInvalidOwner, caller.Hex())
	}
	return nil
}

func requireActiveAdmin(cfg Config, caller common.Address) error {
	if err := requireAdmin(cfg, caller); err != nil {
		return err
	}
	if cfg.Paused {
		return ErrPaused
	}
	return nil
}

func requirePauser(cfg Config, caller common.Address) error {
	if caller != cfg.Pauser && caller != cfg.Admin {
		return fmt.Errorf("%w: %s may not pause", ErrInvalidOwner, caller.Hex())
	}
	return nil
}

// Pause stops all deposits. The pauser or the admin may call it.
func Pause(cfg *Config, caller common.Address) error {
	if err := requirePauser(*cfg, caller); err != nil {
		return err
	}
	cfg.Paused = true
	return nil
}

// Unpause resumes deposits.
func Unpause(cfg *Config, caller common.Address) error {
	if err := requirePauser(*cfg, caller); err != nil {
		return err
	}
	cfg.Paused = false
	return nil
}

// SetCaps replaces the per-deposit USD bounds.
func SetCaps(cfg *Config, caller common.Address, minUSD, maxUSD uint64) error {
	if err := requireActiveAdmin(*cfg, caller); err != nil {
		return err
	}
	if minUSD > maxUSD {
		return fmt.Errorf("%w: min %s > max %s", ErrInvalidCapRange, FormatUSD(minUSD), FormatUSD(maxUSD))
	}
	cfg.MinCapUSD = minUSD
	cfg.MaxCapUSD = maxUSD
	return nil
}

// SetPriceFeed replaces the oracle feed identifier.
func SetPriceFeed(cfg *Config, caller common.Address, feedID string) error {
	if err := requireActiveAdmin(*cfg, caller); err != nil {
		return err
	}
	feedID = strings.TrimSpace(feedID)
	if feedID == "" || strings.Trim(strings.TrimPrefix(feedID, "0x"), "0") == "" {
		return fmt.Errorf("%w: empty price feed", ErrZeroAddress)
	}
	cfg.PriceFeedID = feedID
	return nil
}

// SetConfidenceThreshold replaces the maximum accepted quote confidence.
func SetConfidenceThreshold(cfg *Config, caller common.Address, threshold uint64) error {
	if err := requireActiveAdmin(*cfg, caller); err != nil {
		return err
	}
	if threshold == 0 {
		return fmt.Errorf("%w: confidence threshold must be positive", ErrInvalidAmount)
	}
	cfg.ConfidenceThreshold = threshold
	return nil
}

// SetEpochDuration replaces the epoch length given to newly created asset records.
func SetEpochDuration(cfg *Config, caller common.Address, seconds uint64) error {
	if err := requireActiveAdmin(*cfg, caller); err != nil {
		return err
	}
	cfg.DefaultEpochDuration = seconds
	return nil
}

// SetWindowCap replaces the global window cap. Zero disables it.
func SetWindowCap(w *GlobalRateWindow, cfg Config, caller common.Address, capUSD uint64) error {
	if err := requireActiveAdmin(cfg, caller); err != nil {
		return err
	}
	w.CapUSD = capUSD
	return nil
}

// SetAssetLimit replaces an asset's epoch parameters and clears its usage.
func SetAssetLimit(limit *AssetRateLimit, cfg Config, caller common.Address, limitPerEpoch, epochDuration uint64) error {
	if err := requireActiveAdmin(cfg, caller); err != nil {
		return err
	}
	limit.LimitPerEpoch = limitPerEpoch
	limit.EpochDuration = epochDuration
	limit.EpochID = 0
	limit.UsedThisEpoch = 0
	return nil
}

// WhitelistToken validates adding token to the whitelist.
func WhitelistToken(cfg Config, caller, token common.Address, listed bool) error {
	if err := requireActiveAdmin(cfg, caller); err != nil {
		return err
	}
	if IsNative(token) {
		return ErrZeroAddress
	}
	if listed {
		return fmt.Errorf("%w: %s", ErrTokenAlreadyWhitelisted, token.Hex())
	}
	return nil
}

// RemoveWhitelistToken validates removing token from the whitelist.
func RemoveWhitelistToken(cfg Config, caller, token common.Address, listed bool) error {
	if err := requireActiveAdmin(cfg, caller); err != nil {
		return err
	}
	if IsNative(token) {
		return ErrZeroAddress
	}
	if !listed {
		return fmt.Errorf("%w: %s", ErrTokenNotWhitelisted, token.Hex())
	}
	return nil
}
