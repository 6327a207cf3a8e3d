package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"deposit-gateway/internal/alerting"
	"deposit-gateway/internal/fetcher"
	"deposit-gateway/internal/gateway"
	"deposit-gateway/internal/metrics"
	"deposit-gateway/internal/scheduler"
	"deposit-gateway/internal/storage"
)

const unclassified = "unclassified"

// Options tune the service.
type Options struct {
	Vault common.Address
	// Retention bounds outcome history kept by Maintain; zero keeps everything.
	Retention     time.Duration
	LockKey       int64
	AlertsOn      bool
	AlertChannels []string
}

// Service orchestrates pricing, policy enforcement, persistence, and alerting.
type Service struct {
	scheduler *scheduler.Scheduler
	store     storage.Backend
	prices    fetcher.PriceSource
	clock     fetcher.Clock
	orch      *gateway.Orchestrator
	notifier  alerting.Notifier
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	retention time.Duration
	lockKey   int64
	alertsOn  bool
	channels  []string
	now       func() time.Time
}

// New constructs the gateway service.
func New(opts Options, sched *scheduler.Scheduler, store storage.Backend, prices fetcher.PriceSource, clock fetcher.Clock, notifier alerting.Notifier, m *metrics.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		scheduler: sched,
		store:     store,
		prices:    prices,
		clock:     clock,
		orch:      gateway.NewOrchestrator(opts.Vault),
		notifier:  notifier,
		metrics:   m,
		logger:    logger.With().Str("component", "service").Logger(),
		retention: opts.Retention,
		lockKey:   opts.LockKey,
		alertsOn:  opts.AlertsOn,
		channels:  opts.AlertChannels,
		now:       time.Now,
	}
}

// Run drives periodic maintenance until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.Maintain)
}

// Vault returns the custody account.
func (s *Service) Vault() common.Address {
	return s.orch.Vault
}

// DepositInput is one inbound call.
type DepositInput struct {
	Sender  common.Address
	Request gateway.DepositRequest
	// Upfront is the native amount attached to the call.
	Upfront uint64
}

// DepositResult lists what a committed call emitted.
type DepositResult struct {
	TxType   gateway.TxType
	WindowID uint64
	Outcomes []gateway.Outcome
}

// Deposit classifies, prices and executes a request as one atomic call.
func (s *Service) Deposit(ctx context.Context, in DepositInput) (DepositResult, error) {
	start := s.now()
	defer s.metrics.ObserveLatency("deposit", start)

	tick, err := s.clock.Tick(ctx)
	if err != nil {
		return DepositResult{}, fmt.Errorf("read clock: %w", err)
	}
	env := gateway.Env{Sender: in.Sender, WindowID: tick.WindowID, Now: tick.Now}

	label := unclassified
	result := DepositResult{WindowID: tick.WindowID}
	var (
		fp       gateway.Footprint
		quoteErr error
	)
	if txType, err := gateway.Classify(in.Request, in.Upfront); err == nil {
		label = txType.String()
		result.TxType = txType
		if plan, err := gateway.PlanDeposit(in.Request, in.Upfront, txType); err == nil {
			fp = plan.Footprint(in.Sender, s.orch.Vault)
			if plan.Valued() {
				// A failed fetch leaves the quote zero; the gas leg then
				// rejects it after the earlier precondition checks.
				env.Quote, quoteErr = s.fetchQuote(ctx, tick)
			}
		}
	}

	var window *gateway.GlobalRateWindow
	err = s.store.Atomically(ctx, fp, func(l gateway.Ledger) error {
		outcomes, err := s.orch.Deposit(ctx, l, env, in.Request, in.Upfront)
		if err != nil {
			return err
		}
		result.Outcomes = outcomes
		if fp.Window {
			w, err := l.GlobalWindow(ctx)
			if err != nil {
				return err
			}
			window = &w
		}
		return nil
	})
	if err != nil && quoteErr != nil && errors.Is(err, gateway.ErrInvalidPrice) {
		err = fmt.Errorf("%w: %v", err, quoteErr)
	}

	s.metrics.ObserveDeposit(label, result.Outcomes, err)
	if err != nil {
		result.Outcomes = nil
		s.logger.Warn().Err(err).
			Str("sender", in.Sender.Hex()).
			Str("asset", in.Request.Asset.Hex()).
			Str("tx_type", label).
			Str("code", string(gateway.CodeOf(err))).
			Uint64("window_id", tick.WindowID).
			Msg("deposit rejected")
		s.alert(ctx, in, result.TxType, tick, err)
		return result, err
	}

	if window != nil {
		s.metrics.SetWindow(*window)
	}
	for _, o := range result.Outcomes {
		s.logger.Info().
			Str("id", o.ID.String()).
			Str("tx_type", o.TxType.String()).
			Str("sender", o.Sender.Hex()).
			Str("recipient", o.Recipient.Hex()).
			Str("asset", o.Asset.Hex()).
			Uint64("amount", o.Amount).
			Str("usd", gateway.FormatUSD(o.USDValue)).
			Str("payload_hash", o.PayloadHash.Hex()).
			Uint64("window_id", o.WindowID).
			Msg("outcome emitted")
	}
	return result, nil
}

func (s *Service) alert(ctx context.Context, in DepositInput, txType gateway.TxType, tick fetcher.Tick, err error) {
	if !s.alertsOn || s.notifier == nil || !gateway.IsCapBreach(err) {
		return
	}
	amount := in.Upfront
	if errors.Is(err, gateway.ErrRateLimitExceeded) {
		amount = in.Request.Amount
	}
	note := alerting.Notification{
		At:       s.now(),
		Code:     gateway.CodeOf(err),
		Sender:   in.Sender,
		Asset:    in.Request.Asset,
		TxType:   txType,
		Amount:   amount,
		WindowID: tick.WindowID,
		Detail:   err.Error(),
		Channels: s.channels,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("code", string(note.Code)).Msg("failed to dispatch alert")
	}
}

// QuoteResult is a validated price and what one whole native unit is worth.
type QuoteResult struct {
	FeedID      string
	Quote       gateway.PriceQuote
	USDPerUnit  uint64
	WindowID    uint64
	CheckedAtTS uint64
}

// Quote fetches and validates the configured price feed.
func (s *Service) Quote(ctx context.Context) (QuoteResult, error) {
	tick, err := s.clock.Tick(ctx)
	if err != nil {
		return QuoteResult{}, fmt.Errorf("read clock: %w", err)
	}
	cfg, err := s.Config(ctx)
	if err != nil {
		return QuoteResult{}, err
	}
	q, err := s.quote(ctx, cfg, tick)
	if err != nil {
		return QuoteResult{}, err
	}
	if err := gateway.GuardFor(cfg).Check(q, tick.Now); err != nil {
		return QuoteResult{}, err
	}
	unit, err := gateway.USDAmount(gateway.NativeUnit, q)
	if err != nil {
		return QuoteResult{}, err
	}
	return QuoteResult{
		FeedID:      cfg.PriceFeedID,
		Quote:       q,
		USDPerUnit:  unit,
		WindowID:    tick.WindowID,
		CheckedAtTS: tick.Now,
	}, nil
}

func (s *Service) fetchQuote(ctx context.Context, tick fetcher.Tick) (gateway.PriceQuote, error) {
	cfg, err := s.Config(ctx)
	if err != nil {
		return gateway.PriceQuote{}, err
	}
	return s.quote(ctx, cfg, tick)
}

func (s *Service) quote(ctx context.Context, cfg gateway.Config, tick fetcher.Tick) (gateway.PriceQuote, error) {
	if s.prices == nil {
		return gateway.PriceQuote{}, fmt.Errorf("price source not configured")
	}
	raw, err := s.prices.FetchQuote(ctx, cfg.PriceFeedID)
	if err != nil {
		s.metrics.ObserveQuote(0, tick.Now, err)
		s.logger.Error().Err(err).Str("feed", cfg.PriceFeedID).Msg("failed to fetch quote")
		return gateway.PriceQuote{}, fmt.Errorf("fetch quote: %w", err)
	}
	q, err := gateway.NormalizeQuote(raw)
	if err != nil {
		s.metrics.ObserveQuote(0, tick.Now, err)
		return gateway.PriceQuote{}, err
	}
	s.metrics.ObserveQuote(q.PublishTime, tick.Now, nil)
	return q, nil
}

// Config reads the current policy configuration.
func (s *Service) Config(ctx context.Context) (gateway.Config, error) {
	var cfg gateway.Config
	err := s.store.Atomically(ctx, gateway.Footprint{}, func(l gateway.Ledger) error {
		var err error
		cfg, err = l.Config(ctx)
		return err
	})
	return cfg, err
}

// Fund credits an account, standing in for the chain's own balances.
func (s *Service) Fund(ctx context.Context, account, asset common.Address, amount uint64) error {
	if err := s.store.Credit(ctx, account, asset, amount); err != nil {
		return fmt.Errorf("fund %s: %w", account.Hex(), err)
	}
	return nil
}

// RecentOutcomes lists up to limit outcomes, newest first.
func (s *Service) RecentOutcomes(ctx context.Context, limit int) ([]gateway.Outcome, error) {
	return s.store.ListRecentOutcomes(ctx, limit)
}

// OutcomesBetween lists outcomes created in [from, to).
func (s *Service) OutcomesBetween(ctx context.Context, from, to time.Time) ([]gateway.Outcome, error) {
	return s.store.ListOutcomesBetween(ctx, from, to)
}

// Maintain prunes outcome history older than the retention period.
func (s *Service) Maintain(ctx context.Context, tick time.Time) error {
	if s.retention <= 0 {
		return nil
	}
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", tick).Msg("skip maintenance because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	cutoff := tick.Add(-s.retention)
	removed, err := s.store.DeleteOutcomesBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune outcomes: %w", err)
	}
	s.logger.Info().Time("cutoff", cutoff).Int64("removed", removed).Msg("outcome history pruned")
	return nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 {
		return nil, true, nil
	}
	unlock, acquired, err := s.store.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
