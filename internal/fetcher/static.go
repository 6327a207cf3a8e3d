package fetcher

import (
	"context"
	"time"

	"deposit-gateway/internal/gateway"
)

// Static always reports the same price, stamped with the current time.
type Static struct {
	Price      int64
	Exponent   int32
	Confidence uint64
	Now        func() time.Time
}

// FetchQuote returns the pinned quote.
func (s Static) FetchQuote(_ context.Context, feedID string) (gateway.RawQuote, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return gateway.RawQuote{
		FeedID:      feedID,
		Price:       s.Price,
		Exponent:    s.Exponent,
		PublishTime: now().Unix(),
		Confidence:  s.Confidence,
	}, nil
}

var _ PriceSource = Static{}
