package app

import (
	"context"
	"fmt"
	"os"

	"deposit-gateway/internal/gateway"
	"deposit-gateway/internal/service"
)

// DepositOptions describe a single deposit submitted from the command line.
type DepositOptions struct {
	Input service.DepositInput
	// Fund credits the sender first, standing in for an on-chain balance.
	Fund bool
}

// Deposit submits one request against the configured store.
func (a *App) Deposit(ctx context.Context, opts DepositOptions) error {
	return a.withService(ctx, func(svc *service.Service) error {
		if opts.Fund {
			if err := fundFor(ctx, svc, opts.Input); err != nil {
				return err
			}
		}
		result, err := svc.Deposit(ctx, opts.Input)
		if err != nil {
			return fmt.Errorf("deposit rejected (%s): %w", gateway.CodeOf(err), err)
		}
		fmt.Fprintf(os.Stdout, "accepted: %s in window %d\n", result.TxType, result.WindowID)
		return printOutcomes(os.Stdout, result.Outcomes)
	})
}

// Quote fetches and validates the configured price feed.
func (a *App) Quote(ctx context.Context) error {
	return a.withService(ctx, func(svc *service.Service) error {
		q, err := svc.Quote(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "feed:         %s\n", q.FeedID)
		fmt.Fprintf(os.Stdout, "price:        %de%d\n", q.Quote.Mantissa, q.Quote.Exponent)
		fmt.Fprintf(os.Stdout, "confidence:   %d\n", q.Quote.Confidence)
		fmt.Fprintf(os.Stdout, "published:    %d\n", q.Quote.PublishTime)
		fmt.Fprintf(os.Stdout, "usd/unit:     %s\n", gateway.FormatUSD(q.USDPerUnit))
		fmt.Fprintf(os.Stdout, "window:       %d\n", q.WindowID)
		return nil
	})
}
