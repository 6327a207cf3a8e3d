package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// AssetLimit is one entry of the asset-limit policy file.
type AssetLimit struct {
	Asset         common.Address
	LimitPerEpoch uint64
	EpochDuration uint64
	Whitelisted   bool
}

// assetLimitFile mirrors the YAML representation of an entry.
type assetLimitFile struct {
	Asset         string        `yaml:"asset"`
	LimitPerEpoch string        `yaml:"limit_per_epoch"`
	EpochDuration time.Duration `yaml:"epoch_duration"`
	Whitelisted   bool          `yaml:"whitelisted"`
}

// LoadAssetLimits reads per-asset limits from the provided YAML file.
func LoadAssetLimits(path string) ([]AssetLimit, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open asset limits: %w", err)
	}
	defer file.Close()

	var entries []assetLimitFile
	if err := yaml.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode asset limits: %w", err)
	}

	limits := make([]AssetLimit, 0, len(entries))
	seen := make(map[common.Address]struct{}, len(entries))
	for _, entry := range entries {
		raw := strings.TrimSpace(entry.Asset)
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("asset %q is not an address", entry.Asset)
		}
		asset := common.HexToAddress(raw)
		if _, exists := seen[asset]; exists {
			return nil, fmt.Errorf("duplicate limit for asset %s", asset.Hex())
		}
		if entry.EpochDuration < 0 {
			return nil, fmt.Errorf("asset %s epoch_duration cannot be negative", asset.Hex())
		}

		var limit uint64
		if trimmed := strings.TrimSpace(entry.LimitPerEpoch); trimmed != "" {
			limit, err = strconv.ParseUint(trimmed, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("asset %s limit_per_epoch: %w", asset.Hex(), err)
			}
		}

		limits = append(limits, AssetLimit{
			Asset:         asset,
			LimitPerEpoch: limit,
			EpochDuration: uint64(entry.EpochDuration / time.Second),
			Whitelisted:   entry.Whitelisted,
		})
		seen[asset] = struct{}{}
	}
	sort.Slice(limits, func(i, j int) bool { return limits[i].Asset.Hex() < limits[j].Asset.Hex() })
	return limits, nil
}
