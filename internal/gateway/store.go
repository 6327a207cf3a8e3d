package gateway

import (
	"bytes"
	"context"
	"slices"

	"github.com/ethereum/go-ethereum/common"
)

// Ledger is the unit-of-work view a single call operates on. Writes become
// visible to other calls only when the surrounding Atomically commits.
type Ledger interface {
	Config(ctx context.Context) (Config, error)
	SaveConfig(ctx context.Context, cfg Config) error

	GlobalWindow(ctx context.Context) (GlobalRateWindow, error)
	SaveGlobalWindow(ctx context.Context, w GlobalRateWindow) error

	// AssetLimit returns the record for asset, creating it with zero usage
	// when none exists yet.
	AssetLimit(ctx context.Context, asset common.Address) (AssetRateLimit, error)
	SaveAssetLimit(ctx context.Context, limit AssetRateLimit) error

	IsWhitelisted(ctx context.Context, asset common.Address) (bool, error)
	SetWhitelisted(ctx context.Context, asset common.Address, listed bool) error

	Balance(ctx context.Context, account, asset common.Address) (uint64, error)
	// Transfer moves amount of asset between accounts. It fails with
	// ErrInsufficientBalance and leaves both balances untouched when from
	// holds less than amount.
	Transfer(ctx context.Context, asset common.Address, amount uint64, from, to common.Address) error

	Emit(ctx context.Context, outcome Outcome) error
}

// Store runs fn inside a transactional boundary. Every write fn performs
// through the Ledger, including emitted outcomes, commits together when fn
// returns nil and is discarded otherwise.
type Store interface {
	Atomically(ctx context.Context, fp Footprint, fn func(Ledger) error) error
}

// Footprint declares the records a call will write. Stores grant exclusive
// access to exactly these records for the duration of the call.
type Footprint struct {
	Config    bool
	Window    bool
	Whitelist bool
	Assets    []common.Address
	Balances  []Holding
}

// Holding identifies one account's balance of one asset.
type Holding struct {
	Account common.Address
	Asset   common.Address
}

// Canonical returns a copy with sorted, de-duplicated asset and balance sets.
func (f Footprint) Canonical() Footprint {
	out := f
	out.Assets = sortedUnique(f.Assets)
	out.Balances = sortedHoldings(f.Balances)
	return out
}

// LockKeys lists the footprint as lock keys in acquisition order: config,
// window, whitelist, assets, then balances, each set in byte order. Every
// store acquires locks in this order so no cycle can form.
func (f Footprint) LockKeys() []string {
	c := f.Canonical()
	keys := make([]string, 0, 3+len(c.Assets)+len(c.Balances))
	if c.Config {
		keys = append(keys, ConfigKey)
	}
	if c.Window {
		keys = append(keys, WindowKey)
	}
	if c.Whitelist {
		keys = append(keys, WhitelistKey)
	}
	for _, asset := range c.Assets {
		keys = append(keys, AssetKey(asset))
	}
	for _, h := range c.Balances {
		keys = append(keys, BalanceKey(h.Account, h.Asset))
	}
	return keys
}

const (
	ConfigKey    = "config"
	WindowKey    = "window"
	WhitelistKey = "whitelist"
)

// AssetKey is the lock key of an asset's rate-limit record.
func AssetKey(asset common.Address) string {
	return "asset:" + asset.Hex()
}

// BalanceKey is the lock key of account's balance of asset.
func BalanceKey(account, asset common.Address) string {
	return "balance:" + account.Hex() + ":" + asset.Hex()
}

func sortedUnique(in []common.Address) []common.Address {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	slices.SortFunc(out, func(a, b common.Address) int {
		return bytes.Compare(a[:], b[:])
	})
	return slices.Compact(out)
}

func sortedHoldings(in []Holding) []Holding {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	slices.SortFunc(out, func(a, b Holding) int {
		if c := bytes.Compare(a.Account[:], b.Account[:]); c != 0 {
			return c
		}
		return bytes.Compare(a.Asset[:], b.Asset[:])
	})
	return slices.Compact(out)
}
