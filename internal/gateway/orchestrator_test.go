package gateway_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deposit-gateway/internal/gateway"
	"deposit-gateway/internal/storage"
)

var (
	admin     = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	vault     = common.HexToAddress("0x000000000000000000000000000000000000fa17")
	sender    = common.HexToAddress("0x0000000000000000000000000000000000005e4d")
	recipient = common.HexToAddress("0x000000000000000000000000000000000000d357")
	tokenA    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	tokenB    = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	revert    = gateway.RevertInstructions{FundRecipient: common.HexToAddress("0x0000000000000000000000000000000000000f0f")}

	solQuote = gateway.PriceQuote{Mantissa: 15_025_000_000, Exponent: -8, PublishTime: 1_700_000_000}
)

type harness struct {
	t     *testing.T
	store *storage.MemoryStore
	orch  *gateway.Orchestrator
	env   gateway.Env
}

func newHarness(t *testing.T, mutate func(*gateway.Config)) *harness {
	t.Helper()
	cfg := gateway.Config{
		Admin:     admin,
		Pauser:    admin,
		MinCapUSD: 0,
		MaxCapUSD: 1_000_000_000_000,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &harness{
		t:     t,
		store: storage.NewMemoryStore(cfg),
		orch:  gateway.NewOrchestrator(vault),
		env:   gateway.Env{Sender: sender, Quote: solQuote, WindowID: 1, Now: 1_700_000_000},
	}
}

func (h *harness) credit(asset common.Address, amount uint64) {
	h.t.Helper()
	require.NoError(h.t, h.store.Credit(context.Background(), sender, asset, amount))
}

func (h *harness) setWindowCap(capUSD uint64) {
	h.t.Helper()
	err := h.store.Atomically(context.Background(), gateway.Footprint{Window: true}, func(l gateway.Ledger) error {
		w, err := l.GlobalWindow(context.Background())
		if err != nil {
			return err
		}
		w.CapUSD = capUSD
		return l.SaveGlobalWindow(context.Background(), w)
	})
	require.NoError(h.t, err)
}

func (h *harness) setAssetLimit(asset common.Address, limit, epoch uint64) {
	h.t.Helper()
	fp := gateway.Footprint{Assets: []common.Address{asset}}
	err := h.store.Atomically(context.Background(), fp, func(l gateway.Ledger) error {
		return l.SaveAssetLimit(context.Background(), gateway.AssetRateLimit{Asset: asset, LimitPerEpoch: limit, EpochDuration: epoch})
	})
	require.NoError(h.t, err)
}

func (h *harness) whitelist(asset common.Address) {
	h.t.Helper()
	err := h.store.Atomically(context.Background(), gateway.Footprint{Whitelist: true}, func(l gateway.Ledger) error {
		return l.SetWhitelisted(context.Background(), asset, true)
	})
	require.NoError(h.t, err)
}

func (h *harness) deposit(req gateway.DepositRequest, upfront uint64) ([]gateway.Outcome, error) {
	var outcomes []gateway.Outcome
	fp := gateway.FootprintFor(h.env.Sender, vault, req, upfront)
	err := h.store.Atomically(context.Background(), fp, func(l gateway.Ledger) error {
		out, err := h.orch.Deposit(context.Background(), l, h.env, req, upfront)
		outcomes = out
		return err
	})
	return outcomes, err
}

func (h *harness) snapshot() (gateway.GlobalRateWindow, map[common.Address]gateway.AssetRateLimit) {
	h.t.Helper()
	var window gateway.GlobalRateWindow
	limits := make(map[common.Address]gateway.AssetRateLimit)
	err := h.store.Atomically(context.Background(), gateway.Footprint{}, func(l gateway.Ledger) error {
		var err error
		if window, err = l.GlobalWindow(context.Background()); err != nil {
			return err
		}
		for _, asset := range []common.Address{gateway.NativeAsset, tokenA, tokenB} {
			if limits[asset], err = l.AssetLimit(context.Background(), asset); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(h.t, err)
	return window, limits
}

func (h *harness) balance(account, asset common.Address) uint64 {
	h.t.Helper()
	var amount uint64
	err := h.store.Atomically(context.Background(), gateway.Footprint{}, func(l gateway.Ledger) error {
		var err error
		amount, err = l.Balance(context.Background(), account, asset)
		return err
	})
	require.NoError(h.t, err)
	return amount
}

func TestPayloadOnlyDeposit(t *testing.T) {
	h := newHarness(t, nil)
	h.setWindowCap(1)

	req := gateway.DepositRequest{Recipient: recipient, Payload: []byte{0xca, 0xfe}, Revert: revert}
	outcomes, err := h.deposit(req, 0)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	out := outcomes[0]
	assert.Equal(t, gateway.TxTypeGasAndPayload, out.TxType)
	assert.Equal(t, uint64(0), out.Amount)
	assert.Equal(t, gateway.NativeAsset, out.Asset)
	assert.Equal(t, common.Address{}, out.Recipient)
	assert.Equal(t, []byte{0xca, 0xfe}, out.Payload)
	assert.Equal(t, uint64(0), out.USDValue)

	assert.Equal(t, uint64(0), h.balance(vault, gateway.NativeAsset))
	window, _ := h.snapshot()
	assert.Equal(t, uint64(0), window.ConsumedUSD)
	assert.Len(t, h.store.Outcomes(), 1)
}

func TestRunGasLegZeroAmountNeedsPayloadType(t *testing.T) {
	h := newHarness(t, nil)
	err := h.store.Atomically(context.Background(), gateway.Footprint{}, func(l gateway.Ledger) error {
		_, err := h.orch.RunGasLeg(context.Background(), l, h.env, gateway.GasLeg{TxType: gateway.TxTypeGas, Revert: revert})
		return err
	})
	require.ErrorIs(t, err, gateway.ErrInvalidAmount)

	err = h.store.Atomically(context.Background(), gateway.Footprint{}, func(l gateway.Ledger) error {
		_, err := h.orch.RunGasLeg(context.Background(), l, h.env, gateway.GasLeg{TxType: gateway.TxTypeFunds, Revert: revert})
		return err
	})
	require.ErrorIs(t, err, gateway.ErrInvalidTxType)
}

func TestGasDepositConsumesWindow(t *testing.T) {
	h := newHarness(t, func(cfg *gateway.Config) {
		cfg.MinCapUSD = 100_000_000
		cfg.MaxCapUSD = 1_000_000_000
	})
	h.env.Quote = gateway.PriceQuote{Mantissa: 300_000_000, Exponent: -8}
	h.setWindowCap(500_000_000)
	h.credit(gateway.NativeAsset, 5_000_000_000)

	req := gateway.DepositRequest{Revert: revert}

	outcomes, err := h.deposit(req, 1_000_000_000)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, gateway.TxTypeGas, outcomes[0].TxType)
	assert.Equal(t, uint64(300_000_000), outcomes[0].USDValue)

	_, err = h.deposit(req, 1_000_000_000)
	require.ErrorIs(t, err, gateway.ErrWindowCapExceeded)
	assert.Equal(t, uint64(1_000_000_000), h.balance(vault, gateway.NativeAsset))

	h.env.WindowID = 2
	_, err = h.deposit(req, 1_000_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(2_000_000_000), h.balance(vault, gateway.NativeAsset))
	assert.Equal(t, uint64(3_000_000_000), h.balance(sender, gateway.NativeAsset))
}

func TestGasDepositBounds(t *testing.T) {
	h := newHarness(t, func(cfg *gateway.Config) {
		cfg.MinCapUSD = 100_000_000
		cfg.MaxCapUSD = 1_000_000_000
	})
	h.env.Quote = gateway.PriceQuote{Mantissa: 300_000_000, Exponent: -8}
	h.credit(gateway.NativeAsset, 10_000_000_000)

	_, err := h.deposit(gateway.DepositRequest{Revert: revert}, 10_000_000)
	require.ErrorIs(t, err, gateway.ErrBelowMinCap)
	_, err = h.deposit(gateway.DepositRequest{Revert: revert}, 4_000_000_000)
	require.ErrorIs(t, err, gateway.ErrAboveMaxCap)
	assert.Empty(t, h.store.Outcomes())
}

func TestNativeFundsMustMatchUpfront(t *testing.T) {
	h := newHarness(t, nil)
	h.credit(gateway.NativeAsset, 100)

	req := gateway.DepositRequest{Recipient: recipient, Asset: gateway.NativeAsset, Amount: 10, Revert: revert}
	_, err := h.deposit(req, 11)
	require.ErrorIs(t, err, gateway.ErrInvalidAmount)

	outcomes, err := h.deposit(req, 10)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, gateway.TxTypeFunds, outcomes[0].TxType)
	assert.Equal(t, recipient, outcomes[0].Recipient)
	assert.Equal(t, uint64(10), h.balance(vault, gateway.NativeAsset))
}

func TestFundsAndPayloadSplitsGasTopUp(t *testing.T) {
	h := newHarness(t, nil)
	h.setWindowCap(1_000_000_000)
	h.setAssetLimit(gateway.NativeAsset, 1_000, 3_600)
	h.credit(gateway.NativeAsset, 100)

	req := gateway.DepositRequest{
		Recipient: recipient,
		Asset:     gateway.NativeAsset,
		Amount:    10,
		Payload:   []byte{0x01},
		Revert:    revert,
	}
	outcomes, err := h.deposit(req, 15)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	gas, funds := outcomes[0], outcomes[1]
	assert.Equal(t, gateway.TxTypeGas, gas.TxType)
	assert.Equal(t, uint64(5), gas.Amount)
	assert.Equal(t, common.Address{}, gas.Recipient)
	assert.Empty(t, gas.Payload)
	assert.Equal(t, uint64(75), gas.USDValue)

	assert.Equal(t, gateway.TxTypeFundsAndPayload, funds.TxType)
	assert.Equal(t, uint64(10), funds.Amount)
	assert.Equal(t, recipient, funds.Recipient)
	assert.Equal(t, []byte{0x01}, funds.Payload)

	window, limits := h.snapshot()
	assert.Equal(t, uint64(75), window.ConsumedUSD)
	assert.Equal(t, uint64(10), limits[gateway.NativeAsset].UsedThisEpoch)
	assert.Equal(t, uint64(15), h.balance(vault, gateway.NativeAsset))
	assert.Equal(t, uint64(85), h.balance(sender, gateway.NativeAsset))

	logged := h.store.Outcomes()
	require.Len(t, logged, 2)
	assert.Equal(t, gas.ID, logged[0].ID)
	assert.Equal(t, funds.ID, logged[1].ID)
}

func TestFailedFundsLegRollsBackGasTopUp(t *testing.T) {
	h := newHarness(t, nil)
	h.setWindowCap(1_000_000_000)
	h.setAssetLimit(gateway.NativeAsset, 5, 3_600)
	h.credit(gateway.NativeAsset, 100)

	req := gateway.DepositRequest{
		Recipient: recipient,
		Asset:     gateway.NativeAsset,
		Amount:    10,
		Payload:   []byte{0x01},
		Revert:    revert,
	}
	_, err := h.deposit(req, 15)
	require.ErrorIs(t, err, gateway.ErrRateLimitExceeded)

	window, limits := h.snapshot()
	assert.Equal(t, uint64(0), window.ConsumedUSD)
	assert.Equal(t, uint64(0), limits[gateway.NativeAsset].UsedThisEpoch)
	assert.Equal(t, uint64(0), h.balance(vault, gateway.NativeAsset))
	assert.Equal(t, uint64(100), h.balance(sender, gateway.NativeAsset))
	assert.Empty(t, h.store.Outcomes())
}

func TestTokenFundsRequireWhitelist(t *testing.T) {
	h := newHarness(t, nil)
	h.setAssetLimit(tokenA, 1_000, 3_600)
	h.credit(tokenA, 500)

	req := gateway.DepositRequest{Recipient: recipient, Asset: tokenA, Amount: 200, Revert: revert}
	_, err := h.deposit(req, 0)
	require.ErrorIs(t, err, gateway.ErrTokenNotWhitelisted)

	_, limits := h.snapshot()
	assert.Equal(t, uint64(0), limits[tokenA].UsedThisEpoch)

	h.whitelist(tokenA)
	outcomes, err := h.deposit(req, 0)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, tokenA, outcomes[0].Asset)
	assert.Equal(t, uint64(200), h.balance(vault, tokenA))
	assert.Equal(t, uint64(300), h.balance(sender, tokenA))
}

func TestTokenFundsWithPayloadTopsUpFullUpfront(t *testing.T) {
	h := newHarness(t, nil)
	h.whitelist(tokenA)
	h.credit(tokenA, 500)
	h.credit(gateway.NativeAsset, 1_000_000_000)

	req := gateway.DepositRequest{Recipient: recipient, Asset: tokenA, Amount: 200, Payload: []byte{0x02}, Revert: revert}
	outcomes, err := h.deposit(req, 1_000_000_000)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, uint64(1_000_000_000), outcomes[0].Amount)
	assert.Equal(t, uint64(15_025_000_000), outcomes[0].USDValue)
	assert.Equal(t, tokenA, outcomes[1].Asset)
	assert.Equal(t, uint64(200), outcomes[1].Amount)
}

func TestTokenEpochLimit(t *testing.T) {
	h := newHarness(t, nil)
	h.whitelist(tokenA)
	h.setAssetLimit(tokenA, 1_000, 3_600)
	h.credit(tokenA, 10_000)
	h.env.Now = 7_200

	deposit := func(amount uint64) error {
		_, err := h.deposit(gateway.DepositRequest{Recipient: recipient, Asset: tokenA, Amount: amount, Revert: revert}, 0)
		return err
	}

	require.NoError(t, deposit(600))
	require.ErrorIs(t, deposit(500), gateway.ErrRateLimitExceeded)
	h.env.Now = 10_800
	require.NoError(t, deposit(500))
}

func TestDepositPreconditions(t *testing.T) {
	h := newHarness(t, func(cfg *gateway.Config) { cfg.Paused = true })
	_, err := h.deposit(gateway.DepositRequest{Revert: revert}, 1)
	require.ErrorIs(t, err, gateway.ErrPaused)

	h = newHarness(t, nil)
	h.credit(gateway.NativeAsset, 5)
	_, err = h.deposit(gateway.DepositRequest{Revert: revert}, 6)
	require.ErrorIs(t, err, gateway.ErrInsufficientBalance)

	_, err = h.deposit(gateway.DepositRequest{}, 1)
	require.ErrorIs(t, err, gateway.ErrInvalidRecipient)
}

func TestStrictGasPayload(t *testing.T) {
	run := func(strict bool, leg gateway.GasLeg) error {
		h := newHarness(t, func(cfg *gateway.Config) { cfg.StrictGasPayload = strict })
		return h.store.Atomically(context.Background(), gateway.Footprint{}, func(l gateway.Ledger) error {
			_, err := h.orch.RunGasLeg(context.Background(), l, h.env, leg)
			return err
		})
	}

	payloadOnGas := gateway.GasLeg{TxType: gateway.TxTypeGas, Payload: []byte{0x01}, Revert: revert}
	emptyPayloadCall := gateway.GasLeg{TxType: gateway.TxTypeGasAndPayload, Revert: revert}

	require.ErrorIs(t, run(true, payloadOnGas), gateway.ErrInvalidInput)
	require.ErrorIs(t, run(true, emptyPayloadCall), gateway.ErrInvalidInput)
	require.ErrorIs(t, run(false, payloadOnGas), gateway.ErrInvalidAmount)
	require.NoError(t, run(false, emptyPayloadCall))
}

func TestQuoteGuardAppliesToGasLeg(t *testing.T) {
	h := newHarness(t, func(cfg *gateway.Config) { cfg.MaxPriceAge = 60 })
	h.credit(gateway.NativeAsset, 100)
	h.env.Now = uint64(solQuote.PublishTime) + 61

	_, err := h.deposit(gateway.DepositRequest{Revert: revert}, 100)
	require.ErrorIs(t, err, gateway.ErrInvalidPrice)
}

func TestWritesOutsideFootprintFail(t *testing.T) {
	h := newHarness(t, nil)
	h.credit(gateway.NativeAsset, 100)
	err := h.store.Atomically(context.Background(), gateway.Footprint{}, func(l gateway.Ledger) error {
		_, err := h.orch.Deposit(context.Background(), l, h.env, gateway.DepositRequest{Revert: revert}, 10)
		return err
	})
	require.ErrorIs(t, err, storage.ErrOutsideFootprint)
	assert.Empty(t, h.store.Outcomes())
}

func TestConcurrentDepositsRespectEpochLimit(t *testing.T) {
	h := newHarness(t, nil)
	h.whitelist(tokenA)
	h.setAssetLimit(tokenA, 100, 3_600)
	h.credit(tokenA, 10_000)

	var (
		wg       sync.WaitGroup
		admitted atomic.Int64
		rejected atomic.Int64
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.deposit(gateway.DepositRequest{Recipient: recipient, Asset: tokenA, Amount: 10, Revert: revert}, 0)
			switch {
			case err == nil:
				admitted.Add(1)
			case gateway.CodeOf(err) == gateway.CodeRateLimitExceeded:
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), admitted.Load())
	assert.Equal(t, int64(40), rejected.Load())
	assert.Equal(t, uint64(100), h.balance(vault, tokenA))
	_, limits := h.snapshot()
	assert.Equal(t, uint64(100), limits[tokenA].UsedThisEpoch)
}

func TestDisjointAssetsRunInParallel(t *testing.T) {
	h := newHarness(t, nil)
	h.whitelist(tokenA)
	h.whitelist(tokenB)
	h.credit(tokenA, 100)
	h.credit(tokenB, 100)

	reqA := gateway.DepositRequest{Recipient: recipient, Asset: tokenA, Amount: 10, Revert: revert}
	reqB := gateway.DepositRequest{Recipient: recipient, Asset: tokenB, Amount: 10, Revert: revert}

	entered := make(chan struct{})
	release := make(chan struct{})
	blocked := make(chan error, 1)
	go func() {
		fp := gateway.FootprintFor(sender, vault, reqA, 0)
		blocked <- h.store.Atomically(context.Background(), fp, func(l gateway.Ledger) error {
			close(entered)
			<-release
			_, err := h.orch.Deposit(context.Background(), l, h.env, reqA, 0)
			return err
		})
	}()
	<-entered

	done := make(chan error, 1)
	go func() {
		_, err := h.deposit(reqB, 0)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("deposit on a disjoint asset was blocked")
	}

	close(release)
	require.NoError(t, <-blocked)
	assert.Equal(t, uint64(10), h.balance(vault, tokenA))
	assert.Equal(t, uint64(10), h.balance(vault, tokenB))
}
