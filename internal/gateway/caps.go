package gateway

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// GlobalRateWindow caps the USD value admitted through gas legs per window.
type GlobalRateWindow struct {
	CapUSD      uint64
	WindowID    uint64
	ConsumedUSD uint64
}

// CheckAndConsume admits usd into the window identified by currentWindowID.
// The window resets whenever the id differs from the stored one, including a
// backwards change. The record is left untouched on failure.
func (w *GlobalRateWindow) CheckAndConsume(currentWindowID, usd uint64) error {
	if w.CapUSD == 0 {
		return nil
	}
	consumed := w.ConsumedUSD
	if currentWindowID != w.WindowID {
		consumed = 0
	}
	next, ok := addWithin(consumed, usd, w.CapUSD)
	if !ok {
		return fmt.Errorf("%w: window %d consumed %s + %s > cap %s",
			ErrWindowCapExceeded, currentWindowID, FormatUSD(consumed), FormatUSD(usd), FormatUSD(w.CapUSD))
	}
	w.WindowID = currentWindowID
	w.ConsumedUSD = next
	return nil
}

// Projected returns the consumption the window would report at currentWindowID.
func (w GlobalRateWindow) Projected(currentWindowID uint64) uint64 {
	if w.WindowID != currentWindowID {
		return 0
	}
	return w.ConsumedUSD
}

// AssetRateLimit caps base-unit usage of a single asset per epoch.
type AssetRateLimit struct {
	Asset         common.Address
	LimitPerEpoch uint64
	EpochDuration uint64
	EpochID       uint64
	UsedThisEpoch uint64
}

// NewAssetRateLimit returns a fresh record with zero usage.
func NewAssetRateLimit(asset common.Address, epochDuration uint64) AssetRateLimit {
	return AssetRateLimit{Asset: asset, EpochDuration: epochDuration}
}

// Enabled reports whether both the epoch logic and the limit are active.
func (l AssetRateLimit) Enabled() bool {
	return l.EpochDuration > 0 && l.LimitPerEpoch > 0
}

// CheckAndConsume admits amount into the epoch containing currentTime (unix
// seconds). Usage resets only when the epoch moves forward. The record is
// left untouched on failure.
func (l *AssetRateLimit) CheckAndConsume(currentTime, amount uint64) error {
	if !l.Enabled() {
		return nil
	}
	epoch := currentTime / l.EpochDuration
	epochID, used := l.EpochID, l.UsedThisEpoch
	if epoch > epochID {
		epochID, used = epoch, 0
	}
	next, ok := addWithin(used, amount, l.LimitPerEpoch)
	if !ok {
		return fmt.Errorf("%w: asset %s epoch %d used %d + %d > limit %d",
			ErrRateLimitExceeded, l.Asset.Hex(), epochID, used, amount, l.LimitPerEpoch)
	}
	l.EpochID = epochID
	l.UsedThisEpoch = next
	return nil
}

// Projected returns the usage the record would report at currentTime.
func (l AssetRateLimit) Projected(currentTime uint64) (epochID, used uint64) {
	if l.EpochDuration == 0 {
		return l.EpochID, l.UsedThisEpoch
	}
	epoch := currentTime / l.EpochDuration
	if epoch > l.EpochID {
		return epoch, 0
	}
	return l.EpochID, l.UsedThisEpoch
}

// addWithin returns a+b when the sum does not exceed limit. Sums are taken
// in 256 bits so an overflowing total counts as exceeding.
func addWithin(a, b, limit uint64) (uint64, bool) {
	sum := new(uint256.Int).Add(uint256.NewInt(a), uint256.NewInt(b))
	if sum.Gt(uint256.NewInt(limit)) {
		return 0, false
	}
	return sum.Uint64(), true
}
