package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
gateway:
  admin: "0x00000000000000000000000000000000000000ad"
  vault: "0x000000000000000000000000000000000000fa17"
  min_cap_usd: "1"
  max_cap_usd: "1000.50"
  window_cap_usd: "5000"
  max_price_age: 1m
  default_epoch_duration: 24h
oracle:
  source: static
  static:
    price: 15025000000
    exponent: -8
alerting:
  channels: "telegram,ops"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Listen)
	assert.Equal(t, time.Hour, cfg.Scheduler.Interval)
	assert.Equal(t, []string{"telegram", "ops"}, cfg.Alerting.Channels)

	policy, err := cfg.Gateway.Policy()
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xad"), policy.Admin)
	assert.Equal(t, uint64(100_000_000), policy.MinCapUSD)
	assert.Equal(t, uint64(1000_50000000), policy.MaxCapUSD)
	assert.Equal(t, uint64(60), policy.MaxPriceAge)
	assert.Equal(t, uint64(86400), policy.DefaultEpochDuration)

	windowCap, err := cfg.Gateway.WindowCap()
	require.NoError(t, err)
	assert.Equal(t, uint64(5000_00000000), windowCap)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := map[string]string{
		"inverted caps": `
gateway:
  min_cap_usd: "10"
  max_cap_usd: "1"
`,
		"bad vault": `
gateway:
  vault: "not-an-address"
`,
		"unknown oracle": `
oracle:
  source: carrier-pigeon
`,
		"chain clock without rpc": `
clock:
  source: chain
`,
		"telegram without token": `
alerting:
  telegram:
    enabled: true
    chat_id: "1"
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.yaml", body))
			assert.Error(t, err)
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 50}}
	assert.Equal(t, 50, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 7, cfg.ResolveMaxPoints(7))
}

func TestLoadAssetLimits(t *testing.T) {
	path := writeFile(t, "limits.yaml", `
- asset: "0x00000000000000000000000000000000000000b2"
  limit_per_epoch: "18446744073709551615"
  epoch_duration: 1h
  whitelisted: true
- asset: "0x0000000000000000000000000000000000000000"
  limit_per_epoch: "1000"
  epoch_duration: 24h
`)

	limits, err := LoadAssetLimits(path)
	require.NoError(t, err)
	require.Len(t, limits, 2)

	assert.Equal(t, common.Address{}, limits[0].Asset)
	assert.Equal(t, uint64(86400), limits[0].EpochDuration)
	assert.False(t, limits[0].Whitelisted)

	assert.Equal(t, common.HexToAddress("0xb2"), limits[1].Asset)
	assert.Equal(t, ^uint64(0), limits[1].LimitPerEpoch)
	assert.Equal(t, uint64(3600), limits[1].EpochDuration)
	assert.True(t, limits[1].Whitelisted)
}

func TestLoadAssetLimitsRejectsDuplicates(t *testing.T) {
	path := writeFile(t, "limits.yaml", `
- asset: "0x00000000000000000000000000000000000000b2"
- asset: "0x00000000000000000000000000000000000000B2"
`)
	_, err := LoadAssetLimits(path)
	assert.ErrorContains(t, err, "duplicate")
}
