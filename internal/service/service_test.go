package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deposit-gateway/internal/alerting"
	"deposit-gateway/internal/config"
	"deposit-gateway/internal/fetcher"
	"deposit-gateway/internal/gateway"
	"deposit-gateway/internal/metrics"
	"deposit-gateway/internal/storage"
)

var (
	admin  = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	vault  = common.HexToAddress("0x000000000000000000000000000000000000fa17")
	sender = common.HexToAddress("0x0000000000000000000000000000000000005e4d")
	token  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	revert = gateway.RevertInstructions{FundRecipient: common.HexToAddress("0x0f0f")}
)

const (
	dollar = uint64(100_000_000)
	now    = uint64(1_700_000_000)
)

type fixedClock struct {
	mu   sync.Mutex
	tick fetcher.Tick
}

func (c *fixedClock) Tick(context.Context) (fetcher.Tick, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tick, nil
}

func (c *fixedClock) set(windowID, at uint64) {
	c.mu.Lock()
	c.tick = fetcher.Tick{WindowID: windowID, Now: at}
	c.mu.Unlock()
}

type failingSource struct{ calls int }

func (f *failingSource) FetchQuote(context.Context, string) (gateway.RawQuote, error) {
	f.calls++
	return gateway.RawQuote{}, errors.New("hermes unreachable")
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n alerting.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

type fixture struct {
	svc      *Service
	store    *storage.MemoryStore
	clock    *fixedClock
	notifier *recordingNotifier
}

func newFixture(t *testing.T, prices fetcher.PriceSource) *fixture {
	t.Helper()
	if prices == nil {
		prices = fetcher.Static{Price: 15_025_000_000, Exponent: -8, Now: func() time.Time { return time.Unix(int64(now), 0) }}
	}
	store := storage.NewMemoryStore(gateway.Config{
		Admin:       admin,
		Pauser:      admin,
		MinCapUSD:   dollar,
		MaxCapUSD:   1_000 * dollar,
		PriceFeedID: "0xef0d",
		MaxPriceAge: 60,
	})
	clock := &fixedClock{tick: fetcher.Tick{WindowID: 1, Now: now}}
	notifier := &recordingNotifier{}
	svc := New(Options{Vault: vault, AlertsOn: true, Retention: time.Hour, AlertChannels: []string{"telegram"}},
		nil, store, prices, clock, notifier, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	return &fixture{svc: svc, store: store, clock: clock, notifier: notifier}
}

func gasInput(upfront uint64) DepositInput {
	return DepositInput{Sender: sender, Request: gateway.DepositRequest{Recipient: sender, Revert: revert}, Upfront: upfront}
}

func TestDepositGasValuesAndCommits(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.svc.Fund(ctx, sender, gateway.NativeAsset, 5*gateway.NativeUnit))

	res, err := f.svc.Deposit(ctx, gasInput(gateway.NativeUnit))
	require.NoError(t, err)
	assert.Equal(t, gateway.TxTypeGas, res.TxType)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, uint64(15_025_000_000), res.Outcomes[0].USDValue)
	assert.Equal(t, uint64(1), res.Outcomes[0].WindowID)

	recent, err := f.svc.RecentOutcomes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, res.Outcomes[0].ID, recent[0].ID)
}

func TestDepositWindowBreachAlerts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.svc.Fund(ctx, sender, gateway.NativeAsset, 5*gateway.NativeUnit))
	require.NoError(t, f.svc.SetWindowCap(ctx, admin, 200*dollar))

	_, err := f.svc.Deposit(ctx, gasInput(gateway.NativeUnit))
	require.NoError(t, err)

	res, err := f.svc.Deposit(ctx, gasInput(gateway.NativeUnit))
	require.ErrorIs(t, err, gateway.ErrWindowCapExceeded)
	assert.Empty(t, res.Outcomes)
	require.Len(t, f.notifier.notes, 1)
	assert.Equal(t, gateway.CodeWindowCapExceeded, f.notifier.notes[0].Code)
	assert.Equal(t, gateway.NativeUnit, f.notifier.notes[0].Amount)

	f.clock.set(2, now)
	_, err = f.svc.Deposit(ctx, gasInput(gateway.NativeUnit))
	require.NoError(t, err)

	usage, err := f.svc.Usage(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(15_025_000_000), usage.ConsumedUSD)
	assert.Equal(t, 200*dollar-15_025_000_000, usage.RemainingUSD)
}

func TestDepositSkipsQuoteWithoutValuedLeg(t *testing.T) {
	src := &failingSource{}
	f := newFixture(t, src)
	ctx := context.Background()
	require.NoError(t, f.svc.Fund(ctx, sender, token, 100))
	require.NoError(t, f.svc.WhitelistToken(ctx, admin, token))

	res, err := f.svc.Deposit(ctx, DepositInput{Sender: sender, Request: gateway.DepositRequest{
		Recipient: sender, Asset: token, Amount: 40, Revert: revert,
	}})
	require.NoError(t, err)
	assert.Equal(t, gateway.TxTypeFunds, res.TxType)
	assert.Zero(t, src.calls)

	balance := f.store.Outcomes()
	require.Len(t, balance, 1)
	assert.Equal(t, uint64(40), balance[0].Amount)
}

func TestDepositQuoteFailureRejectsValuedLeg(t *testing.T) {
	src := &failingSource{}
	f := newFixture(t, src)
	ctx := context.Background()
	require.NoError(t, f.svc.Fund(ctx, sender, gateway.NativeAsset, gateway.NativeUnit))

	_, err := f.svc.Deposit(ctx, gasInput(gateway.NativeUnit))
	require.ErrorIs(t, err, gateway.ErrInvalidPrice)
	assert.Contains(t, err.Error(), "hermes unreachable")
	assert.Equal(t, 1, src.calls)
	assert.Empty(t, f.store.Outcomes())
}

func TestDepositPausedTakesPrecedence(t *testing.T) {
	f := newFixture(t, &failingSource{})
	ctx := context.Background()
	require.NoError(t, f.svc.Pause(ctx, admin))

	_, err := f.svc.Deposit(ctx, gasInput(gateway.NativeUnit))
	require.ErrorIs(t, err, gateway.ErrPaused)
	assert.Empty(t, f.notifier.notes)

	require.NoError(t, f.svc.Unpause(ctx, admin))
	cfg, err := f.svc.Config(ctx)
	require.NoError(t, err)
	assert.False(t, cfg.Paused)
}

func TestDepositClassificationError(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Deposit(context.Background(), DepositInput{Sender: sender, Request: gateway.DepositRequest{Revert: revert}})
	require.ErrorIs(t, err, gateway.ErrInvalidInput)
}

func TestQuote(t *testing.T) {
	f := newFixture(t, nil)
	q, err := f.svc.Quote(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(15_025_000_000), q.USDPerUnit)
	assert.Equal(t, "0xef0d", q.FeedID)

	f.clock.set(1, now+61)
	_, err = f.svc.Quote(context.Background())
	require.ErrorIs(t, err, gateway.ErrInvalidPrice)
}

func TestAdminWrappers(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	stranger := common.HexToAddress("0x5757")

	require.ErrorIs(t, f.svc.SetCaps(ctx, stranger, 1, 2), gateway.ErrInvalidOwner)
	require.NoError(t, f.svc.SetCaps(ctx, admin, 2*dollar, 3*dollar))
	require.NoError(t, f.svc.SetPriceFeed(ctx, admin, "0xabcd"))
	require.NoError(t, f.svc.SetConfidenceThreshold(ctx, admin, 5))
	require.NoError(t, f.svc.SetEpochDuration(ctx, admin, 60))

	cfg, err := f.svc.Config(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2*dollar, cfg.MinCapUSD)
	assert.Equal(t, 3*dollar, cfg.MaxCapUSD)
	assert.Equal(t, "0xabcd", cfg.PriceFeedID)
	assert.Equal(t, uint64(5), cfg.ConfidenceThreshold)
	assert.Equal(t, uint64(60), cfg.DefaultEpochDuration)

	require.NoError(t, f.svc.WhitelistToken(ctx, admin, token))
	require.ErrorIs(t, f.svc.WhitelistToken(ctx, admin, token), gateway.ErrTokenAlreadyWhitelisted)
	require.NoError(t, f.svc.RemoveWhitelistToken(ctx, admin, token))
	require.ErrorIs(t, f.svc.RemoveWhitelistToken(ctx, admin, token), gateway.ErrTokenNotWhitelisted)

	require.NoError(t, f.svc.SetAssetLimit(ctx, admin, token, 500, 3600))
	usage, err := f.svc.Usage(ctx, []common.Address{token})
	require.NoError(t, err)
	require.Len(t, usage.Assets, 1)
	assert.Equal(t, uint64(500), usage.Assets[0].Remaining)
	assert.False(t, usage.Assets[0].Whitelisted)
}

func TestSeedWindowCapOnlyOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.svc.SeedWindowCap(ctx, 10*dollar))
	require.NoError(t, f.svc.SeedWindowCap(ctx, 99*dollar))

	usage, err := f.svc.Usage(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 10*dollar, usage.Window.CapUSD)
}

func TestApplyAssetLimits(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	other := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	require.NoError(t, f.svc.WhitelistToken(ctx, admin, other))

	err := f.svc.ApplyAssetLimits(ctx, admin, []config.AssetLimit{
		{Asset: gateway.NativeAsset, LimitPerEpoch: 10 * gateway.NativeUnit, EpochDuration: 3600},
		{Asset: token, LimitPerEpoch: 1_000, EpochDuration: 60, Whitelisted: true},
		{Asset: other, LimitPerEpoch: 5, EpochDuration: 60},
	})
	require.NoError(t, err)

	usage, err := f.svc.Usage(ctx, nil)
	require.NoError(t, err)
	require.Len(t, usage.Assets, 3)
	byAsset := map[common.Address]AssetUsage{}
	for _, au := range usage.Assets {
		byAsset[au.Limit.Asset] = au
	}
	assert.True(t, byAsset[gateway.NativeAsset].Whitelisted)
	assert.True(t, byAsset[token].Whitelisted)
	assert.False(t, byAsset[other].Whitelisted)
	assert.Equal(t, uint64(1_000), byAsset[token].Limit.LimitPerEpoch)

	err = f.svc.ApplyAssetLimits(ctx, common.HexToAddress("0x5757"), []config.AssetLimit{{Asset: token, LimitPerEpoch: 1}})
	require.ErrorIs(t, err, gateway.ErrInvalidOwner)
}

func TestMaintainPrunesHistory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.svc.Fund(ctx, sender, gateway.NativeAsset, gateway.NativeUnit))
	_, err := f.svc.Deposit(ctx, gasInput(gateway.NativeUnit))
	require.NoError(t, err)

	created := time.Unix(int64(now), 0)
	require.NoError(t, f.svc.Maintain(ctx, created.Add(30*time.Minute)))
	assert.Len(t, f.store.Outcomes(), 1)

	require.NoError(t, f.svc.Maintain(ctx, created.Add(2*time.Hour)))
	assert.Empty(t, f.store.Outcomes())
}
