package fetcher

import (
	"context"

	"deposit-gateway/internal/gateway"
)

// PriceSource retrieves the latest native/USD attestation for a feed.
type PriceSource interface {
	FetchQuote(ctx context.Context, feedID string) (gateway.RawQuote, error)
}

// Tick is a reading of the gateway's notion of time.
type Tick struct {
	// WindowID identifies the current global rate window.
	WindowID uint64
	// Now is unix seconds.
	Now uint64
}

// Clock supplies window ids and the current time.
type Clock interface {
	Tick(ctx context.Context) (Tick, error)
}
