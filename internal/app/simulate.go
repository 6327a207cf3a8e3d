package app

import (
	"context"
	"fmt"
	"os"

	"deposit-gateway/internal/fetcher"
	"deposit-gateway/internal/gateway"
	"deposit-gateway/internal/service"
	"deposit-gateway/internal/storage"
)

// Simulate runs one request against fresh in-memory state seeded from the
// configuration. The sender is funded with exactly what the request moves,
// so the result reflects policy alone. Alerts are not sent.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	policy, err := a.Config.Gateway.Policy()
	if err != nil {
		return err
	}
	vault, err := a.Config.Gateway.VaultAddress()
	if err != nil {
		return err
	}

	prices := a.newPriceSource()
	if opts.Price != 0 {
		prices = fetcher.Static{Price: opts.Price, Exponent: opts.Exponent}
	}

	store := storage.NewMemoryStore(policy)
	svc := service.New(service.Options{Vault: vault}, nil, store, prices, a.newClock(), nil, nil, a.Logger)

	windowCap, err := a.Config.Gateway.WindowCap()
	if err != nil {
		return err
	}
	if err := svc.SeedWindowCap(ctx, windowCap); err != nil {
		return err
	}
	if a.Config.LimitsFile != "" {
		if err := a.applyLimitsFile(ctx, svc, policy.Admin); err != nil {
			return err
		}
	}
	if err := fundFor(ctx, svc, opts.Input); err != nil {
		return err
	}

	result, err := svc.Deposit(ctx, opts.Input)
	if err != nil {
		fmt.Fprintf(os.Stdout, "rejected: %s (%s)\n", gateway.CodeOf(err), sanitizeInline(err.Error()))
		return nil
	}

	fmt.Fprintf(os.Stdout, "accepted: %s in window %d\n", result.TxType, result.WindowID)
	return printOutcomes(os.Stdout, result.Outcomes)
}
