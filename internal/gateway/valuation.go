package gateway

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const (
	// USDDecimals is the fixed-point precision of every USD amount.
	USDDecimals = 8
	// NativeDecimals is the precision of the native asset's base unit.
	NativeDecimals = 9
	// NativeUnit is one whole native unit in base units.
	NativeUnit uint64 = 1_000_000_000

	maxPow10 = 77
)

var pow10 [maxPow10 + 1]*uint256.Int

func init() {
	pow10[0] = uint256.NewInt(1)
	ten := uint256.NewInt(10)
	for i := 1; i <= maxPow10; i++ {
		pow10[i] = new(uint256.Int).Mul(pow10[i-1], ten)
	}
}

// USDAmount values nativeAmount base units at quote q as an 8-decimal USD
// amount: nativeAmount * mantissa * 10^(exponent+8) / 10^9. Every division
// truncates toward zero.
func USDAmount(nativeAmount uint64, q PriceQuote) (uint64, error) {
	if q.Mantissa <= 0 {
		return 0, fmt.Errorf("%w: mantissa %d", ErrInvalidPrice, q.Mantissa)
	}

	value := new(uint256.Int).Mul(uint256.NewInt(nativeAmount), uint256.NewInt(uint64(q.Mantissa)))

	shift := int(q.Exponent) + USDDecimals
	switch {
	case shift >= 0:
		if shift > maxPow10 {
			return 0, fmt.Errorf("%w: exponent %d out of range", ErrInvalidAmount, q.Exponent)
		}
		if _, overflow := value.MulOverflow(value, pow10[shift]); overflow {
			return 0, fmt.Errorf("%w: valuation overflow", ErrInvalidAmount)
		}
	case -shift > maxPow10:
		value.Clear()
	default:
		value.Div(value, pow10[-shift])
	}

	value.Div(value, pow10[NativeDecimals])
	if !value.IsUint64() {
		return 0, fmt.Errorf("%w: usd value %s exceeds range", ErrInvalidAmount, value.Dec())
	}
	return value.Uint64(), nil
}

// CheckCaps enforces the per-deposit USD bounds.
func CheckCaps(cfg Config, usd uint64) error {
	if usd < cfg.MinCapUSD {
		return fmt.Errorf("%w: %s < %s", ErrBelowMinCap, FormatUSD(usd), FormatUSD(cfg.MinCapUSD))
	}
	if usd > cfg.MaxCapUSD {
		return fmt.Errorf("%w: %s > %s", ErrAboveMaxCap, FormatUSD(usd), FormatUSD(cfg.MaxCapUSD))
	}
	return nil
}

// USDDecimal converts an 8-decimal USD amount to a decimal.
func USDDecimal(usd uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(usd), -USDDecimals)
}

// FormatUSD renders an 8-decimal USD amount with cent precision, truncated.
func FormatUSD(usd uint64) string {
	return USDDecimal(usd).Truncate(2).StringFixed(2)
}

// ParseUSD parses a decimal dollar string such as "150.25" into 8-decimal
// fixed point. Digits beyond 8 decimals are truncated.
func ParseUSD(s string) (uint64, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "$"))
	if s == "" {
		return 0, fmt.Errorf("%w: empty usd amount", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: parse usd %q: %v", ErrInvalidAmount, s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: negative usd amount %q", ErrInvalidAmount, s)
	}
	scaled := d.Shift(USDDecimals).Truncate(0).BigInt()
	if !scaled.IsUint64() {
		return 0, fmt.Errorf("%w: usd amount %q exceeds range", ErrInvalidAmount, s)
	}
	return scaled.Uint64(), nil
}
