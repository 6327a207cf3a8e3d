package service

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"deposit-gateway/internal/config"
	"deposit-gateway/internal/gateway"
)

var configOnly = gateway.Footprint{Config: true}

func (s *Service) updateConfig(ctx context.Context, op string, mutate func(*gateway.Config) error) error {
	err := s.store.Atomically(ctx, configOnly, func(l gateway.Ledger) error {
		cfg, err := l.Config(ctx)
		if err != nil {
			return err
		}
		if err := mutate(&cfg); err != nil {
			return err
		}
		return l.SaveConfig(ctx, cfg)
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("op", op).Msg("config updated")
	return nil
}

// Pause halts deposits.
func (s *Service) Pause(ctx context.Context, caller common.Address) error {
	return s.updateConfig(ctx, "pause", func(cfg *gateway.Config) error {
		return gateway.Pause(cfg, caller)
	})
}

// Unpause resumes deposits.
func (s *Service) Unpause(ctx context.Context, caller common.Address) error {
	return s.updateConfig(ctx, "unpause", func(cfg *gateway.Config) error {
		return gateway.Unpause(cfg, caller)
	})
}

// SetCaps replaces the per-deposit USD bounds.
func (s *Service) SetCaps(ctx context.Context, caller common.Address, minUSD, maxUSD uint64) error {
	return s.updateConfig(ctx, "set_caps", func(cfg *gateway.Config) error {
		return gateway.SetCaps(cfg, caller, minUSD, maxUSD)
	})
}

// SetPriceFeed selects the feed used to value gas legs.
func (s *Service) SetPriceFeed(ctx context.Context, caller common.Address, feedID string) error {
	return s.updateConfig(ctx, "set_price_feed", func(cfg *gateway.Config) error {
		return gateway.SetPriceFeed(cfg, caller, feedID)
	})
}

// SetConfidenceThreshold bounds acceptable quote confidence.
func (s *Service) SetConfidenceThreshold(ctx context.Context, caller common.Address, threshold uint64) error {
	return s.updateConfig(ctx, "set_confidence_threshold", func(cfg *gateway.Config) error {
		return gateway.SetConfidenceThreshold(cfg, caller, threshold)
	})
}

// SetEpochDuration changes the epoch length given to new asset records.
func (s *Service) SetEpochDuration(ctx context.Context, caller common.Address, seconds uint64) error {
	return s.updateConfig(ctx, "set_epoch_duration", func(cfg *gateway.Config) error {
		return gateway.SetEpochDuration(cfg, caller, seconds)
	})
}

// SetWindowCap replaces the global window cap.
func (s *Service) SetWindowCap(ctx context.Context, caller common.Address, capUSD uint64) error {
	return s.store.Atomically(ctx, gateway.Footprint{Window: true}, func(l gateway.Ledger) error {
		cfg, err := l.Config(ctx)
		if err != nil {
			return err
		}
		w, err := l.GlobalWindow(ctx)
		if err != nil {
			return err
		}
		if err := gateway.SetWindowCap(&w, cfg, caller, capUSD); err != nil {
			return err
		}
		return l.SaveGlobalWindow(ctx, w)
	})
}

// SeedWindowCap sets the window cap on a store that has none yet. It is a
// bootstrap step and carries no caller.
func (s *Service) SeedWindowCap(ctx context.Context, capUSD uint64) error {
	if capUSD == 0 {
		return nil
	}
	return s.store.Atomically(ctx, gateway.Footprint{Window: true}, func(l gateway.Ledger) error {
		w, err := l.GlobalWindow(ctx)
		if err != nil {
			return err
		}
		if w.CapUSD != 0 {
			return nil
		}
		w.CapUSD = capUSD
		return l.SaveGlobalWindow(ctx, w)
	})
}

// SetAssetLimit replaces an asset's epoch parameters and clears its usage.
func (s *Service) SetAssetLimit(ctx context.Context, caller, asset common.Address, limitPerEpoch, epochDuration uint64) error {
	fp := gateway.Footprint{Assets: []common.Address{asset}}
	return s.store.Atomically(ctx, fp, func(l gateway.Ledger) error {
		return setAssetLimit(ctx, l, caller, asset, limitPerEpoch, epochDuration)
	})
}

func setAssetLimit(ctx context.Context, l gateway.Ledger, caller, asset common.Address, limitPerEpoch, epochDuration uint64) error {
	cfg, err := l.Config(ctx)
	if err != nil {
		return err
	}
	limit, err := l.AssetLimit(ctx, asset)
	if err != nil {
		return err
	}
	if err := gateway.SetAssetLimit(&limit, cfg, caller, limitPerEpoch, epochDuration); err != nil {
		return err
	}
	return l.SaveAssetLimit(ctx, limit)
}

// WhitelistToken admits a fungible asset.
func (s *Service) WhitelistToken(ctx context.Context, caller, token common.Address) error {
	return s.setWhitelisted(ctx, caller, token, true)
}

// RemoveWhitelistToken withdraws a fungible asset.
func (s *Service) RemoveWhitelistToken(ctx context.Context, caller, token common.Address) error {
	return s.setWhitelisted(ctx, caller, token, false)
}

func (s *Service) setWhitelisted(ctx context.Context, caller, token common.Address, listed bool) error {
	return s.store.Atomically(ctx, gateway.Footprint{Whitelist: true}, func(l gateway.Ledger) error {
		cfg, err := l.Config(ctx)
		if err != nil {
			return err
		}
		current, err := l.IsWhitelisted(ctx, token)
		if err != nil {
			return err
		}
		if listed {
			err = gateway.WhitelistToken(cfg, caller, token, current)
		} else {
			err = gateway.RemoveWhitelistToken(cfg, caller, token, current)
		}
		if err != nil {
			return err
		}
		return l.SetWhitelisted(ctx, token, listed)
	})
}

// ApplyAssetLimits installs a policy file in one call: every entry's limit
// is reset and the whitelist is brought in line with the file.
func (s *Service) ApplyAssetLimits(ctx context.Context, caller common.Address, limits []config.AssetLimit) error {
	fp := gateway.Footprint{Whitelist: true}
	for _, entry := range limits {
		fp.Assets = append(fp.Assets, entry.Asset)
	}
	err := s.store.Atomically(ctx, fp, func(l gateway.Ledger) error {
		cfg, err := l.Config(ctx)
		if err != nil {
			return err
		}
		for _, entry := range limits {
			if err := setAssetLimit(ctx, l, caller, entry.Asset, entry.LimitPerEpoch, entry.EpochDuration); err != nil {
				return fmt.Errorf("asset %s: %w", entry.Asset.Hex(), err)
			}
			if gateway.IsNative(entry.Asset) {
				continue
			}
			current, err := l.IsWhitelisted(ctx, entry.Asset)
			if err != nil {
				return err
			}
			if current == entry.Whitelisted {
				continue
			}
			if entry.Whitelisted {
				err = gateway.WhitelistToken(cfg, caller, entry.Asset, current)
			} else {
				err = gateway.RemoveWhitelistToken(cfg, caller, entry.Asset, current)
			}
			if err != nil {
				return fmt.Errorf("asset %s: %w", entry.Asset.Hex(), err)
			}
			if err := l.SetWhitelisted(ctx, entry.Asset, entry.Whitelisted); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info().Int("assets", len(limits)).Msg("asset limits applied")
	return nil
}

// AssetUsage is an asset's limit record projected onto the current time.
type AssetUsage struct {
	Limit         gateway.AssetRateLimit
	Whitelisted   bool
	EpochID       uint64
	UsedThisEpoch uint64
	Remaining     uint64
}

// Usage is a point-in-time view of capacity.
type Usage struct {
	Config            gateway.Config
	Window            gateway.GlobalRateWindow
	CurrentWindowID   uint64
	ConsumedUSD       uint64
	RemainingUSD      uint64
	Assets            []AssetUsage
	EvaluatedAtUnixTS uint64
}

// Usage reports remaining capacity for assets, or for every asset with a
// stored record when assets is empty. Nothing is consumed.
func (s *Service) Usage(ctx context.Context, assets []common.Address) (Usage, error) {
	tick, err := s.clock.Tick(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("read clock: %w", err)
	}
	if len(assets) == 0 {
		stored, err := s.store.ListAssetLimits(ctx)
		if err != nil {
			return Usage{}, err
		}
		for _, limit := range stored {
			assets = append(assets, limit.Asset)
		}
	}

	usage := Usage{CurrentWindowID: tick.WindowID, EvaluatedAtUnixTS: tick.Now}
	err = s.store.Atomically(ctx, gateway.Footprint{}, func(l gateway.Ledger) error {
		var err error
		if usage.Config, err = l.Config(ctx); err != nil {
			return err
		}
		if usage.Window, err = l.GlobalWindow(ctx); err != nil {
			return err
		}
		usage.ConsumedUSD = usage.Window.Projected(tick.WindowID)
		if usage.Window.CapUSD > usage.ConsumedUSD {
			usage.RemainingUSD = usage.Window.CapUSD - usage.ConsumedUSD
		}

		usage.Assets = make([]AssetUsage, 0, len(assets))
		for _, asset := range assets {
			limit, err := l.AssetLimit(ctx, asset)
			if err != nil {
				return err
			}
			listed, err := l.IsWhitelisted(ctx, asset)
			if err != nil {
				return err
			}
			au := AssetUsage{Limit: limit, Whitelisted: listed || gateway.IsNative(asset)}
			au.EpochID, au.UsedThisEpoch = limit.Projected(tick.Now)
			if limit.LimitPerEpoch > au.UsedThisEpoch {
				au.Remaining = limit.LimitPerEpoch - au.UsedThisEpoch
			}
			usage.Assets = append(usage.Assets, au)
		}
		return nil
	})
	if err != nil {
		return Usage{}, err
	}
	return usage, nil
}
