package storage

import (
	"context"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deposit-gateway/internal/config"
	"deposit-gateway/internal/gateway"
)

func TestStoreWithoutPool(t *testing.T) {
	var s *Store
	err := s.Atomically(context.Background(), gateway.Footprint{}, func(gateway.Ledger) error { return nil })
	assert.ErrorIs(t, err, ErrNotConfigured)
	s.Close()
}

func TestMigrationsAreOrdered(t *testing.T) {
	versions, err := Migrations()
	require.NoError(t, err)
	require.NotEmpty(t, versions)
	assert.Equal(t, "0001_init", versions[0])
}

func randomAddress() common.Address {
	id := uuid.New()
	return common.BytesToAddress(id[:])
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DEPOSITGW_TEST_DSN")
	if dsn == "" {
		t.Skip("DEPOSITGW_TEST_DSN not set")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, config.DatabaseConfig{DSN: dsn})
	require.NoError(t, err)
	s := NewStore(pool)
	t.Cleanup(s.Close)

	_, err = s.Migrate(ctx)
	require.NoError(t, err)
	require.NoError(t, s.EnsureConfig(ctx, gateway.Config{MaxCapUSD: 1}))
	return s
}

func TestPostgresTransferCommitsAndRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	from, to, asset := randomAddress(), randomAddress(), randomAddress()

	require.NoError(t, s.Credit(ctx, from, asset, 10))

	fp := gateway.Footprint{Balances: []gateway.Holding{{Account: from, Asset: asset}, {Account: to, Asset: asset}}}
	err := s.Atomically(ctx, fp, func(l gateway.Ledger) error {
		if err := l.Transfer(ctx, asset, 4, from, to); err != nil {
			return err
		}
		return l.Transfer(ctx, asset, 7, from, to)
	})
	require.ErrorIs(t, err, gateway.ErrInsufficientBalance)

	require.NoError(t, s.Atomically(ctx, gateway.Footprint{}, func(l gateway.Ledger) error {
		got, err := l.Balance(ctx, from, asset)
		require.NoError(t, err)
		assert.Equal(t, uint64(10), got)
		return nil
	}))

	err = s.Atomically(ctx, gateway.Footprint{}, func(l gateway.Ledger) error {
		return l.Transfer(ctx, asset, 1, from, to)
	})
	assert.ErrorIs(t, err, ErrOutsideFootprint)
}

func TestPostgresAssetLimitLazyCreation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	asset := randomAddress()

	fp := gateway.Footprint{Assets: []common.Address{asset}}
	require.NoError(t, s.Atomically(ctx, fp, func(l gateway.Ledger) error {
		limit, err := l.AssetLimit(ctx, asset)
		if err != nil {
			return err
		}
		assert.Equal(t, asset, limit.Asset)
		assert.Zero(t, limit.UsedThisEpoch)
		limit.LimitPerEpoch = 500
		limit.EpochDuration = 60
		return l.SaveAssetLimit(ctx, limit)
	}))

	limits, err := s.ListAssetLimits(ctx)
	require.NoError(t, err)
	found := false
	for _, limit := range limits {
		if limit.Asset == asset {
			found = true
			assert.Equal(t, uint64(500), limit.LimitPerEpoch)
		}
	}
	assert.True(t, found)
}
