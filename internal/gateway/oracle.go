package gateway

import (
	"fmt"
)

// RawQuote is a price attestation exactly as a price source reported it.
type RawQuote struct {
	FeedID      string
	Price       int64
	Exponent    int32
	PublishTime int64
	Confidence  uint64
}

// PriceQuote is a validated price: value = Mantissa * 10^Exponent USD per
// whole native unit.
type PriceQuote struct {
	Mantissa    int64
	Exponent    int32
	PublishTime int64
	Confidence  uint64
}

// NormalizeQuote validates a raw attestation.
func NormalizeQuote(raw RawQuote) (PriceQuote, error) {
	if raw.Price <= 0 {
		return PriceQuote{}, fmt.Errorf("%w: mantissa %d", ErrInvalidPrice, raw.Price)
	}
	return PriceQuote{
		Mantissa:    raw.Price,
		Exponent:    raw.Exponent,
		PublishTime: raw.PublishTime,
		Confidence:  raw.Confidence,
	}, nil
}

// QuoteGuard applies optional freshness and confidence bounds. A zero field
// disables the corresponding check.
type QuoteGuard struct {
	MaxAge              uint64
	ConfidenceThreshold uint64
}

// GuardFor derives the guard configured on cfg.
func GuardFor(cfg Config) QuoteGuard {
	return QuoteGuard{MaxAge: cfg.MaxPriceAge, ConfidenceThreshold: cfg.ConfidenceThreshold}
}

// Check rejects stale or low-confidence quotes relative to now (unix seconds).
func (g QuoteGuard) Check(q PriceQuote, now uint64) error {
	if q.Mantissa <= 0 {
		return fmt.Errorf("%w: mantissa %d", ErrInvalidPrice, q.Mantissa)
	}
	if g.MaxAge > 0 {
		if q.PublishTime <= 0 {
			return fmt.Errorf("%w: missing publish time", ErrInvalidPrice)
		}
		published := uint64(q.PublishTime)
		if now > published && now-published > g.MaxAge {
			return fmt.Errorf("%w: quote is %ds old, max %ds", ErrInvalidPrice, now-published, g.MaxAge)
		}
	}
	if g.ConfidenceThreshold > 0 && q.Confidence > g.ConfidenceThreshold {
		return fmt.Errorf("%w: confidence %d above threshold %d", ErrInvalidPrice, q.Confidence, g.ConfidenceThreshold)
	}
	return nil
}
