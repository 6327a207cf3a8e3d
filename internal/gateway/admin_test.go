package gateway

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testAdmin    = common.HexToAddress("0x0000000000000000000000000000000000000a0a")
	testPauser   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	testStranger = common.HexToAddress("0x0000000000000000000000000000000000000c0c")
)

func adminConfig() Config {
	return Config{Admin: testAdmin, Pauser: testPauser, MinCapUSD: 1, MaxCapUSD: 10}
}

func TestSetCapsKeepsRange(t *testing.T) {
	cfg := adminConfig()

	require.NoError(t, SetCaps(&cfg, testAdmin, 5, 5))
	assert.Equal(t, uint64(5), cfg.MinCapUSD)
	assert.Equal(t, uint64(5), cfg.MaxCapUSD)

	require.ErrorIs(t, SetCaps(&cfg, testAdmin, 6, 5), ErrInvalidCapRange)
	assert.Equal(t, uint64(5), cfg.MinCapUSD)
	require.NoError(t, cfg.Validate())

	require.ErrorIs(t, SetCaps(&cfg, testStranger, 1, 2), ErrInvalidOwner)
	require.ErrorIs(t, Config{MinCapUSD: 2, MaxCapUSD: 1}.Validate(), ErrInvalidCapRange)
}

func TestPauseAuthority(t *testing.T) {
	cfg := adminConfig()

	require.ErrorIs(t, Pause(&cfg, testStranger), ErrInvalidOwner)
	require.NoError(t, Pause(&cfg, testPauser))
	assert.True(t, cfg.Paused)

	require.ErrorIs(t, SetCaps(&cfg, testAdmin, 1, 2), ErrPaused)

	require.NoError(t, Unpause(&cfg, testAdmin))
	assert.False(t, cfg.Paused)
}

func TestAdminSetters(t *testing.T) {
	cfg := adminConfig()

	require.ErrorIs(t, SetPriceFeed(&cfg, testAdmin, "0x00"), ErrZeroAddress)
	require.NoError(t, SetPriceFeed(&cfg, testAdmin, "0xef0d"))
	assert.Equal(t, "0xef0d", cfg.PriceFeedID)

	require.ErrorIs(t, SetConfidenceThreshold(&cfg, testAdmin, 0), ErrInvalidAmount)
	require.NoError(t, SetConfidenceThreshold(&cfg, testAdmin, 9))
	assert.Equal(t, uint64(9), cfg.ConfidenceThreshold)

	require.NoError(t, SetEpochDuration(&cfg, testAdmin, 60))
	assert.Equal(t, uint64(60), cfg.DefaultEpochDuration)

	w := GlobalRateWindow{CapUSD: 1, WindowID: 4, ConsumedUSD: 1}
	require.NoError(t, SetWindowCap(&w, cfg, testAdmin, 99))
	assert.Equal(t, GlobalRateWindow{CapUSD: 99, WindowID: 4, ConsumedUSD: 1}, w)

	l := AssetRateLimit{Asset: testToken, LimitPerEpoch: 1, EpochDuration: 1, EpochID: 8, UsedThisEpoch: 1}
	require.NoError(t, SetAssetLimit(&l, cfg, testAdmin, 500, 3600))
	assert.Equal(t, AssetRateLimit{Asset: testToken, LimitPerEpoch: 500, EpochDuration: 3600}, l)
}

func TestWhitelistChecks(t *testing.T) {
	cfg := adminConfig()

	require.ErrorIs(t, WhitelistToken(cfg, testAdmin, NativeAsset, false), ErrZeroAddress)
	require.ErrorIs(t, WhitelistToken(cfg, testAdmin, testToken, true), ErrTokenAlreadyWhitelisted)
	require.NoError(t, WhitelistToken(cfg, testAdmin, testToken, false))
	require.ErrorIs(t, WhitelistToken(cfg, testStranger, testToken, false), ErrInvalidOwner)

	require.ErrorIs(t, RemoveWhitelistToken(cfg, testAdmin, testToken, false), ErrTokenNotWhitelisted)
	require.NoError(t, RemoveWhitelistToken(cfg, testAdmin, testToken, true))
}

func TestCodeOf(t *testing.T) {
	err := SetCaps(&Config{Admin: testAdmin}, testAdmin, 2, 1)
	assert.Equal(t, CodeInvalidCapRange, CodeOf(err))
	assert.Equal(t, Code(""), CodeOf(assert.AnError))
	assert.True(t, IsCapBreach(ErrRateLimitExceeded))
	assert.False(t, IsCapBreach(ErrPaused))
}

func TestFootprintLockKeys(t *testing.T) {
	a := common.HexToAddress("0x02")
	b := common.HexToAddress("0x01")
	fp := Footprint{
		Window:   true,
		Config:   true,
		Assets:   []common.Address{a, b, a},
		Balances: []Holding{
			{Account: testPauser, Asset: a},
			{Account: testAdmin, Asset: b},
			{Account: testAdmin, Asset: NativeAsset},
			{Account: testPauser, Asset: a},
		},
	}
	assert.Equal(t, []string{
		ConfigKey,
		WindowKey,
		AssetKey(b),
		AssetKey(a),
		BalanceKey(testAdmin, NativeAsset),
		BalanceKey(testAdmin, b),
		BalanceKey(testPauser, a),
	}, fp.LockKeys())
}
