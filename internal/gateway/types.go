// Package gateway implements the deposit admission policy: transaction
// classification, oracle-based USD valuation, the global per-window USD cap,
// the per-asset per-epoch usage cap, and the orchestration that composes those
// checks with custody transfers.
package gateway

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// NativeAsset is the asset identifier reserved for the chain's native asset.
var NativeAsset = common.Address{}

// IsNative reports whether asset is the native sentinel.
func IsNative(asset common.Address) bool {
	return asset == NativeAsset
}

// TxType classifies a deposit by the shape of the request.
type TxType uint8

const (
	// TxTypeGas funds destination execution budget only.
	TxTypeGas TxType = iota
	// TxTypeGasAndPayload funds execution budget (possibly zero) and carries a payload.
	TxTypeGasAndPayload
	// TxTypeFunds bridges a value-bearing asset without a payload.
	TxTypeFunds
	// TxTypeFundsAndPayload bridges a value-bearing asset and carries a payload.
	TxTypeFundsAndPayload
)

// AllTxTypes lists every transaction type in wire order.
func AllTxTypes() []TxType {
	return []TxType{TxTypeGas, TxTypeGasAndPayload, TxTypeFunds, TxTypeFundsAndPayload}
}

func (t TxType) String() string {
	switch t {
	case TxTypeGas:
		return "gas"
	case TxTypeGasAndPayload:
		return "gas_and_payload"
	case TxTypeFunds:
		return "funds"
	case TxTypeFundsAndPayload:
		return "funds_and_payload"
	default:
		return fmt.Sprintf("tx_type(%d)", uint8(t))
	}
}

// ParseTxType is the inverse of TxType.String.
func ParseTxType(s string) (TxType, error) {
	for _, t := range AllTxTypes() {
		if strings.EqualFold(strings.TrimSpace(s), t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown tx type %q", ErrInvalidTxType, s)
}

// MarshalText encodes the type by name.
func (t TxType) MarshalText() ([]byte, error) {
	switch t {
	case TxTypeGas, TxTypeGasAndPayload, TxTypeFunds, TxTypeFundsAndPayload:
		return []byte(t.String()), nil
	default:
		return nil, ErrInvalidTxType
	}
}

// UnmarshalText decodes a type name.
func (t *TxType) UnmarshalText(text []byte) error {
	parsed, err := ParseTxType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Config is the gateway-wide policy configuration. USD amounts carry 8 decimals.
type Config struct {
	Admin               common.Address
	Pauser              common.Address
	MinCapUSD           uint64
	MaxCapUSD           uint64
	Paused              bool
	PriceFeedID         string
	ConfidenceThreshold uint64
	// MaxPriceAge bounds quote staleness in seconds; 0 disables the check.
	MaxPriceAge uint64
	// DefaultEpochDuration seeds lazily created per-asset records.
	DefaultEpochDuration uint64
	// StrictGasPayload enforces payload shape on the gas leg.
	StrictGasPayload bool
}

// Validate checks the config invariants.
func (c Config) Validate() error {
	if c.MinCapUSD > c.MaxCapUSD {
		return fmt.Errorf("%w: min %d > max %d", ErrInvalidCapRange, c.MinCapUSD, c.MaxCapUSD)
	}
	return nil
}

// RevertInstructions tell the destination chain where to return funds on failure.
type RevertInstructions struct {
	FundRecipient common.Address
	RevertMsg     []byte
}

// DepositRequest is an inbound fund-movement request. The native amount
// attached to the call travels separately as the upfront amount.
type DepositRequest struct {
	Recipient     common.Address
	Asset         common.Address
	Amount        uint64
	Payload       []byte
	Revert        RevertInstructions
	SignatureData []byte
}

// Outcome is the record announced for every committed leg.
type Outcome struct {
	ID            uuid.UUID
	Sender        common.Address
	Recipient     common.Address
	Asset         common.Address
	Amount        uint64
	Payload       []byte
	PayloadHash   common.Hash
	Revert        RevertInstructions
	TxType        TxType
	SignatureData []byte
	// USDValue is the 8-decimal valuation of a gas leg, zero otherwise.
	USDValue  uint64
	WindowID  uint64
	CreatedAt time.Time
}
