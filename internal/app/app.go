package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"deposit-gateway/internal/alerting"
	"deposit-gateway/internal/api"
	"deposit-gateway/internal/config"
	"deposit-gateway/internal/fetcher"
	"deposit-gateway/internal/gateway"
	"deposit-gateway/internal/metrics"
	"deposit-gateway/internal/scheduler"
	"deposit-gateway/internal/service"
	"deposit-gateway/internal/storage"
	"deposit-gateway/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newPriceSource() fetcher.PriceSource {
	oracle := a.Config.Oracle
	switch strings.ToLower(oracle.Source) {
	case "aggregator":
		return fetcher.NewAggregator(fetcher.AggregatorOptions{
			RPCURL:  oracle.Aggregator.RPCURL,
			Address: oracle.Aggregator.Address,
			Timeout: oracle.Aggregator.RequestTimeout,
		}, a.Logger)
	case "static":
		return fetcher.Static{
			Price:      oracle.Static.Price,
			Exponent:   oracle.Static.Exponent,
			Confidence: oracle.Static.Confidence,
		}
	default:
		return fetcher.NewHermes(fetcher.HermesOptions{
			BaseURL:   oracle.Hermes.BaseURL,
			Timeout:   oracle.Hermes.RequestTimeout,
			UserAgent: oracle.Hermes.UserAgent,
		}, a.Logger)
	}
}

func (a *App) newClock() fetcher.Clock {
	if strings.EqualFold(a.Config.Clock.Source, "chain") {
		return fetcher.NewChainClock(fetcher.ChainClockOptions{
			RPCURL:  a.Config.Clock.RPCURL,
			Timeout: a.Config.Clock.RequestTimeout,
		}, a.Logger)
	}
	return fetcher.SystemClock{SlotLength: a.Config.Clock.SlotLength}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		telegram := alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
		return alerting.NewCooldown(telegram, a.Config.Alerting.Cooldown)
	}
	return nil
}

// openStore returns the PostgreSQL store when a DSN is configured and an
// in-memory store otherwise. The bool reports whether state is ephemeral.
func (a *App) openStore(ctx context.Context) (storage.Backend, func(), bool, error) {
	policy, err := a.Config.Gateway.Policy()
	if err != nil {
		return nil, nil, false, err
	}

	if a.Config.Database.DSN == "" {
		return storage.NewMemoryStore(policy), func() {}, true, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, false, err
	}
	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}

	if a.Config.Database.AutoMigrate {
		applied, err := store.Migrate(ctx)
		if err != nil {
			closer()
			return nil, nil, false, err
		}
		for _, name := range applied {
			a.Logger.Info().Str("migration", name).Msg("migration applied")
		}
	}
	if err := store.EnsureConfig(ctx, policy); err != nil {
		closer()
		return nil, nil, false, err
	}
	return store, closer, false, nil
}

type serviceParts struct {
	sched   *scheduler.Scheduler
	metrics *metrics.Metrics
}

// newService wires the service over store and seeds bootstrap state.
// Ephemeral stores also receive the configured asset-limit file, since
// they start empty on every invocation.
func (a *App) newService(ctx context.Context, store storage.Backend, ephemeral bool, parts serviceParts) (*service.Service, error) {
	vault, err := a.Config.Gateway.VaultAddress()
	if err != nil {
		return nil, err
	}
	svc := service.New(service.Options{
		Vault:         vault,
		Retention:     a.Config.Scheduler.Retention,
		LockKey:       a.Config.Scheduler.AdvisoryLockKey,
		AlertsOn:      a.Config.Alerting.Enabled,
		AlertChannels: a.Config.Alerting.Channels,
	}, parts.sched, store, a.newPriceSource(), a.newClock(), a.newNotifier(), parts.metrics, a.Logger)

	windowCap, err := a.Config.Gateway.WindowCap()
	if err != nil {
		return nil, err
	}
	if err := svc.SeedWindowCap(ctx, windowCap); err != nil {
		return nil, fmt.Errorf("seed window cap: %w", err)
	}

	if ephemeral && a.Config.LimitsFile != "" {
		policy, err := a.Config.Gateway.Policy()
		if err != nil {
			return nil, err
		}
		if err := a.applyLimitsFile(ctx, svc, policy.Admin); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

func (a *App) applyLimitsFile(ctx context.Context, svc *service.Service, caller common.Address) error {
	limits, err := config.LoadAssetLimits(a.Config.LimitsFile)
	if err != nil {
		return err
	}
	if err := svc.ApplyAssetLimits(ctx, caller, limits); err != nil {
		return fmt.Errorf("apply asset limits: %w", err)
	}
	return nil
}

// withService opens the store, builds the service and runs fn.
func (a *App) withService(ctx context.Context, fn func(*service.Service) error) error {
	store, closeStore, ephemeral, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()
	if ephemeral {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory state")
	}

	svc, err := a.newService(ctx, store, ephemeral, serviceParts{})
	if err != nil {
		return err
	}
	return fn(svc)
}

// Run serves the HTTP API and runs maintenance until interrupted.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, ephemeral, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()
	if ephemeral {
		a.Logger.Warn().Msg("database.dsn not configured; state is kept in memory")
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToInterval,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunAtStart:   true,
	}, a.Logger)

	svc, err := a.newService(ctx, store, ephemeral, serviceParts{sched: sched, metrics: metrics.Default()})
	if err != nil {
		return err
	}

	httpCfg := a.Config.HTTP
	srv := &http.Server{
		Addr: httpCfg.Listen,
		Handler: api.New(svc, api.Options{
			RateLimit: httpCfg.RateLimit,
			Burst:     httpCfg.Burst,
			Metrics:   promhttp.Handler(),
		}, a.Logger).Handler(),
		ReadTimeout:  httpCfg.ReadTimeout,
		WriteTimeout: httpCfg.WriteTimeout,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		a.Logger.Info().Str("listen", httpCfg.Listen).Str("version", version.Version).Msg("starting http api")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), httpCfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		err := svc.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	err = group.Wait()
	if err != nil {
		a.Logger.Error().Err(err).Msg("gateway terminated with error")
		return err
	}
	a.Logger.Info().Msg("gateway stopped")
	return nil
}

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn not configured; nothing to migrate")
	}
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	store := storage.NewStore(pool)
	defer store.Close()

	applied, err := store.Migrate(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		a.Logger.Info().Msg("schema up to date")
	}
	for _, name := range applied {
		a.Logger.Info().Str("migration", name).Msg("migration applied")
	}
	return nil
}

// ExportOptions hold parameters for exporting outcome history.
type ExportOptions struct {
	From *time.Time
	To   *time.Time
	// Last sizes the window when From is nil.
	Last      time.Duration
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ReplayOptions configure a batch replay.
type ReplayOptions struct {
	Path    string
	DryRun  bool
	Workers int
	// Fund credits each sender with what its request needs before running it.
	Fund bool
}

// SimulateOptions describe one request run against fresh in-memory state.
type SimulateOptions struct {
	Input service.DepositInput
	// Price and Exponent pin the native/USD quote; zero keeps the configured source.
	Price    int64
	Exponent int32
}

// fundFor credits the sender with exactly what in moves out of its account.
func fundFor(ctx context.Context, svc *service.Service, in service.DepositInput) error {
	if in.Upfront > 0 {
		if err := svc.Fund(ctx, in.Sender, gateway.NativeAsset, in.Upfront); err != nil {
			return err
		}
	}
	if !gateway.IsNative(in.Request.Asset) && in.Request.Amount > 0 {
		return svc.Fund(ctx, in.Sender, in.Request.Asset, in.Request.Amount)
	}
	return nil
}
