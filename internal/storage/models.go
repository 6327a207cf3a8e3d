package storage

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"deposit-gateway/internal/gateway"
)

// outcomeRow is the column-level shape of an outcomes row. Amounts are
// NUMERIC(20,0) columns carried as decimal strings; addresses are hex text.
type outcomeRow struct {
	ID            uuid.UUID
	Sender        string
	Recipient     string
	Asset         string
	Amount        string
	Payload       []byte
	PayloadHash   string
	RevertTo      string
	RevertMsg     []byte
	TxType        string
	SignatureData []byte
	USDValue      string
	WindowID      string
	CreatedAt     time.Time
}

func newOutcomeRow(o gateway.Outcome) outcomeRow {
	return outcomeRow{
		ID:            o.ID,
		Sender:        o.Sender.Hex(),
		Recipient:     o.Recipient.Hex(),
		Asset:         o.Asset.Hex(),
		Amount:        formatUint(o.Amount),
		Payload:       nonNil(o.Payload),
		PayloadHash:   o.PayloadHash.Hex(),
		RevertTo:      o.Revert.FundRecipient.Hex(),
		RevertMsg:     nonNil(o.Revert.RevertMsg),
		TxType:        o.TxType.String(),
		SignatureData: nonNil(o.SignatureData),
		USDValue:      formatUint(o.USDValue),
		WindowID:      formatUint(o.WindowID),
		CreatedAt:     o.CreatedAt,
	}
}

func (r outcomeRow) outcome() (gateway.Outcome, error) {
	txType, err := gateway.ParseTxType(r.TxType)
	if err != nil {
		return gateway.Outcome{}, fmt.Errorf("parse tx type: %w", err)
	}
	amount, err := parseUint(r.Amount)
	if err != nil {
		return gateway.Outcome{}, fmt.Errorf("parse amount: %w", err)
	}
	usd, err := parseUint(r.USDValue)
	if err != nil {
		return gateway.Outcome{}, fmt.Errorf("parse usd value: %w", err)
	}
	windowID, err := parseUint(r.WindowID)
	if err != nil {
		return gateway.Outcome{}, fmt.Errorf("parse window id: %w", err)
	}
	return gateway.Outcome{
		ID:            r.ID,
		Sender:        common.HexToAddress(r.Sender),
		Recipient:     common.HexToAddress(r.Recipient),
		Asset:         common.HexToAddress(r.Asset),
		Amount:        amount,
		Payload:       r.Payload,
		PayloadHash:   common.HexToHash(r.PayloadHash),
		Revert:        gateway.RevertInstructions{FundRecipient: common.HexToAddress(r.RevertTo), RevertMsg: r.RevertMsg},
		TxType:        txType,
		SignatureData: r.SignatureData,
		USDValue:      usd,
		WindowID:      windowID,
		CreatedAt:     r.CreatedAt.UTC(),
	}, nil
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
