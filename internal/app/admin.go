package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"deposit-gateway/internal/config"
	"deposit-gateway/internal/gateway"
	"deposit-gateway/internal/service"
)

// Role selects which configured account acts when no caller is given.
type Role int

const (
	RoleAdmin Role = iota
	RolePauser
)

// Caller resolves the acting account: raw when set, otherwise the configured
// account for role.
func (a *App) Caller(raw string, role Role) (common.Address, error) {
	if raw != "" {
		if !common.IsHexAddress(raw) {
			return common.Address{}, fmt.Errorf("caller %q is not an address", raw)
		}
		return common.HexToAddress(raw), nil
	}
	policy, err := a.Config.Gateway.Policy()
	if err != nil {
		return common.Address{}, err
	}
	if role == RolePauser {
		return policy.Pauser, nil
	}
	return policy.Admin, nil
}

func (a *App) admin(ctx context.Context, op string, fn func(*service.Service) error) error {
	err := a.withService(ctx, fn)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	fmt.Fprintf(os.Stdout, "%s: ok\n", op)
	return nil
}

// Pause halts deposits.
func (a *App) Pause(ctx context.Context, caller common.Address) error {
	return a.admin(ctx, "pause", func(svc *service.Service) error {
		return svc.Pause(ctx, caller)
	})
}

// Unpause resumes deposits.
func (a *App) Unpause(ctx context.Context, caller common.Address) error {
	return a.admin(ctx, "unpause", func(svc *service.Service) error {
		return svc.Unpause(ctx, caller)
	})
}

// SetCaps replaces the per-deposit USD bounds given as dollar strings.
func (a *App) SetCaps(ctx context.Context, caller common.Address, minUSD, maxUSD string) error {
	lo, err := gateway.ParseUSD(minUSD)
	if err != nil {
		return err
	}
	hi, err := gateway.ParseUSD(maxUSD)
	if err != nil {
		return err
	}
	return a.admin(ctx, "set-caps", func(svc *service.Service) error {
		return svc.SetCaps(ctx, caller, lo, hi)
	})
}

// SetWindowCap replaces the global window cap; "0" disables it.
func (a *App) SetWindowCap(ctx context.Context, caller common.Address, capUSD string) error {
	value, err := gateway.ParseUSD(capUSD)
	if err != nil {
		return err
	}
	return a.admin(ctx, "set-window-cap", func(svc *service.Service) error {
		return svc.SetWindowCap(ctx, caller, value)
	})
}

// SetPriceFeed selects the feed used to value gas legs.
func (a *App) SetPriceFeed(ctx context.Context, caller common.Address, feedID string) error {
	return a.admin(ctx, "set-price-feed", func(svc *service.Service) error {
		return svc.SetPriceFeed(ctx, caller, feedID)
	})
}

// SetConfidenceThreshold bounds acceptable quote confidence.
func (a *App) SetConfidenceThreshold(ctx context.Context, caller common.Address, threshold uint64) error {
	return a.admin(ctx, "set-confidence-threshold", func(svc *service.Service) error {
		return svc.SetConfidenceThreshold(ctx, caller, threshold)
	})
}

// SetEpochDuration changes the default epoch length for new asset records.
func (a *App) SetEpochDuration(ctx context.Context, caller common.Address, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("epoch duration cannot be negative")
	}
	return a.admin(ctx, "set-epoch-duration", func(svc *service.Service) error {
		return svc.SetEpochDuration(ctx, caller, uint64(d/time.Second))
	})
}

// SetAssetLimit replaces an asset's epoch parameters.
func (a *App) SetAssetLimit(ctx context.Context, caller, asset common.Address, limit uint64, epoch time.Duration) error {
	if epoch < 0 {
		return fmt.Errorf("epoch duration cannot be negative")
	}
	return a.admin(ctx, "set-asset-limit", func(svc *service.Service) error {
		return svc.SetAssetLimit(ctx, caller, asset, limit, uint64(epoch/time.Second))
	})
}

// Whitelist adds or removes a fungible asset.
func (a *App) Whitelist(ctx context.Context, caller, token common.Address, listed bool) error {
	op := "whitelist-add"
	if !listed {
		op = "whitelist-remove"
	}
	return a.admin(ctx, op, func(svc *service.Service) error {
		if listed {
			return svc.WhitelistToken(ctx, caller, token)
		}
		return svc.RemoveWhitelistToken(ctx, caller, token)
	})
}

// LoadLimits applies an asset-limit file. Usage of every listed asset resets.
func (a *App) LoadLimits(ctx context.Context, caller common.Address, path string) error {
	if path == "" {
		path = a.Config.LimitsFile
	}
	if path == "" {
		return fmt.Errorf("no limits file given and limits_file not configured")
	}
	limits, err := config.LoadAssetLimits(path)
	if err != nil {
		return err
	}
	return a.admin(ctx, "load-limits", func(svc *service.Service) error {
		return svc.ApplyAssetLimits(ctx, caller, limits)
	})
}
