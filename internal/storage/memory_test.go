package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deposit-gateway/internal/gateway"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	token = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

func TestMemoryStoreRejectsWritesOutsideFootprint(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(gateway.Config{})
	require.NoError(t, s.Credit(ctx, alice, token, 10))

	err := s.Atomically(ctx, gateway.Footprint{}, func(l gateway.Ledger) error {
		return l.Transfer(ctx, token, 5, alice, bob)
	})
	require.ErrorIs(t, err, ErrOutsideFootprint)

	err = s.Atomically(ctx, gateway.Footprint{Config: true}, func(l gateway.Ledger) error {
		return l.SaveGlobalWindow(ctx, gateway.GlobalRateWindow{CapUSD: 1})
	})
	require.ErrorIs(t, err, ErrOutsideFootprint)
}

func TestMemoryStoreDiscardsFailedCalls(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(gateway.Config{})
	require.NoError(t, s.Credit(ctx, alice, token, 10))

	fp := gateway.Footprint{Balances: []gateway.Holding{{Account: alice, Asset: token}, {Account: bob, Asset: token}}}
	boom := errors.New("boom")
	err := s.Atomically(ctx, fp, func(l gateway.Ledger) error {
		if err := l.Transfer(ctx, token, 4, alice, bob); err != nil {
			return err
		}
		if err := l.Emit(ctx, gateway.Outcome{Amount: 4}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, s.Outcomes())

	err = s.Atomically(ctx, fp, func(l gateway.Ledger) error {
		got, err := l.Balance(ctx, alice, token)
		require.NoError(t, err)
		assert.Equal(t, uint64(10), got)
		return l.Transfer(ctx, token, 11, alice, bob)
	})
	require.ErrorIs(t, err, gateway.ErrInsufficientBalance)

	require.NoError(t, s.Atomically(ctx, fp, func(l gateway.Ledger) error {
		return l.Transfer(ctx, token, 10, alice, bob)
	}))
	require.NoError(t, s.Atomically(ctx, gateway.Footprint{}, func(l gateway.Ledger) error {
		a, _ := l.Balance(ctx, alice, token)
		b, _ := l.Balance(ctx, bob, token)
		assert.Equal(t, uint64(0), a)
		assert.Equal(t, uint64(10), b)
		return nil
	}))
}

func TestMemoryStoreCreditOverflow(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(gateway.Config{})
	require.NoError(t, s.Credit(ctx, alice, token, ^uint64(0)))
	assert.ErrorIs(t, s.Credit(ctx, alice, token, 1), gateway.ErrInvalidAmount)
}

func TestMemoryStoreAssetLimitDefaultsAndListing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(gateway.Config{DefaultEpochDuration: 3600})

	fp := gateway.Footprint{Assets: []common.Address{token}}
	require.NoError(t, s.Atomically(ctx, fp, func(l gateway.Ledger) error {
		limit, err := l.AssetLimit(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, uint64(3600), limit.EpochDuration)
		limit.LimitPerEpoch = 100
		return l.SaveAssetLimit(ctx, limit)
	}))

	limits, err := s.ListAssetLimits(ctx)
	require.NoError(t, err)
	require.Len(t, limits, 1)
	assert.Equal(t, uint64(100), limits[0].LimitPerEpoch)
}

func TestMemoryStoreOutcomeHistory(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(gateway.Config{})
	base := time.Unix(1_700_000_000, 0).UTC()

	require.NoError(t, s.Atomically(ctx, gateway.Footprint{}, func(l gateway.Ledger) error {
		for i := 0; i < 3; i++ {
			if err := l.Emit(ctx, gateway.Outcome{Amount: uint64(i), CreatedAt: base.Add(time.Duration(i) * time.Hour)}); err != nil {
				return err
			}
		}
		return nil
	}))

	recent, err := s.ListRecentOutcomes(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, uint64(2), recent[0].Amount)

	between, err := s.ListOutcomesBetween(ctx, base, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, between, 2)

	removed, err := s.DeleteOutcomesBefore(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
	assert.Len(t, s.Outcomes(), 1)
}
