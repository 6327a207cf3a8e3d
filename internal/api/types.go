package api

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"deposit-gateway/internal/gateway"
	"deposit-gateway/internal/service"
)

type revertJSON struct {
	FundRecipient common.Address `json:"fund_recipient"`
	RevertMsg     hexutil.Bytes  `json:"revert_msg,omitempty"`
}

// DepositRequest is the JSON form of a deposit call. Amounts are decimal
// strings and byte fields are 0x-prefixed hex.
type DepositRequest struct {
	Sender        common.Address `json:"sender"`
	Recipient     common.Address `json:"recipient"`
	Asset         common.Address `json:"asset"`
	Amount        uint64         `json:"amount,string"`
	Upfront       uint64         `json:"upfront,string"`
	Payload       hexutil.Bytes  `json:"payload,omitempty"`
	Revert        revertJSON     `json:"revert"`
	SignatureData hexutil.Bytes  `json:"signature_data,omitempty"`
}

// Input converts the request for the service.
func (r DepositRequest) Input() service.DepositInput {
	return service.DepositInput{
		Sender:  r.Sender,
		Upfront: r.Upfront,
		Request: gateway.DepositRequest{
			Recipient:     r.Recipient,
			Asset:         r.Asset,
			Amount:        r.Amount,
			Payload:       r.Payload,
			Revert:        gateway.RevertInstructions{FundRecipient: r.Revert.FundRecipient, RevertMsg: r.Revert.RevertMsg},
			SignatureData: r.SignatureData,
		},
	}
}

type outcomeJSON struct {
	ID            string         `json:"id"`
	TxType        gateway.TxType `json:"tx_type"`
	Sender        common.Address `json:"sender"`
	Recipient     common.Address `json:"recipient"`
	Asset         common.Address `json:"asset"`
	Amount        uint64         `json:"amount,string"`
	Payload       hexutil.Bytes  `json:"payload"`
	PayloadHash   common.Hash    `json:"payload_hash"`
	Revert        revertJSON     `json:"revert"`
	SignatureData hexutil.Bytes  `json:"signature_data"`
	USDValue      string         `json:"usd_value"`
	USDValueRaw   uint64         `json:"usd_value_raw,string"`
	WindowID      uint64         `json:"window_id,string"`
	CreatedAt     time.Time      `json:"created_at"`
}

func newOutcomeJSON(o gateway.Outcome) outcomeJSON {
	return outcomeJSON{
		ID:            o.ID.String(),
		TxType:        o.TxType,
		Sender:        o.Sender,
		Recipient:     o.Recipient,
		Asset:         o.Asset,
		Amount:        o.Amount,
		Payload:       o.Payload,
		PayloadHash:   o.PayloadHash,
		Revert:        revertJSON{FundRecipient: o.Revert.FundRecipient, RevertMsg: o.Revert.RevertMsg},
		SignatureData: o.SignatureData,
		USDValue:      gateway.FormatUSD(o.USDValue),
		USDValueRaw:   o.USDValue,
		WindowID:      o.WindowID,
		CreatedAt:     o.CreatedAt.UTC(),
	}
}

func newOutcomesJSON(outcomes []gateway.Outcome) []outcomeJSON {
	out := make([]outcomeJSON, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, newOutcomeJSON(o))
	}
	return out
}

type depositResponse struct {
	TxType   gateway.TxType `json:"tx_type"`
	WindowID uint64         `json:"window_id,string"`
	Outcomes []outcomeJSON  `json:"outcomes"`
}

type quoteResponse struct {
	FeedID      string `json:"feed_id"`
	Mantissa    int64  `json:"mantissa,string"`
	Exponent    int32  `json:"exponent"`
	PublishTime int64  `json:"publish_time"`
	Confidence  uint64 `json:"confidence,string"`
	USDPerUnit  string `json:"usd_per_unit"`
	WindowID    uint64 `json:"window_id,string"`
}

type assetUsageJSON struct {
	Asset         common.Address `json:"asset"`
	Whitelisted   bool           `json:"whitelisted"`
	LimitPerEpoch uint64         `json:"limit_per_epoch,string"`
	EpochDuration uint64         `json:"epoch_duration"`
	EpochID       uint64         `json:"epoch_id,string"`
	Used          uint64         `json:"used,string"`
	Remaining     uint64         `json:"remaining,string"`
}

type usageResponse struct {
	Paused       bool             `json:"paused"`
	MinCapUSD    string           `json:"min_cap_usd"`
	MaxCapUSD    string           `json:"max_cap_usd"`
	WindowCapUSD string           `json:"window_cap_usd"`
	WindowID     uint64           `json:"window_id,string"`
	ConsumedUSD  string           `json:"consumed_usd"`
	RemainingUSD string           `json:"remaining_usd"`
	Assets       []assetUsageJSON `json:"assets"`
}

func newUsageResponse(u service.Usage) usageResponse {
	resp := usageResponse{
		Paused:       u.Config.Paused,
		MinCapUSD:    gateway.FormatUSD(u.Config.MinCapUSD),
		MaxCapUSD:    gateway.FormatUSD(u.Config.MaxCapUSD),
		WindowCapUSD: gateway.FormatUSD(u.Window.CapUSD),
		WindowID:     u.CurrentWindowID,
		ConsumedUSD:  gateway.FormatUSD(u.ConsumedUSD),
		RemainingUSD: gateway.FormatUSD(u.RemainingUSD),
		Assets:       make([]assetUsageJSON, 0, len(u.Assets)),
	}
	for _, a := range u.Assets {
		resp.Assets = append(resp.Assets, assetUsageJSON{
			Asset:         a.Limit.Asset,
			Whitelisted:   a.Whitelisted,
			LimitPerEpoch: a.Limit.LimitPerEpoch,
			EpochDuration: a.Limit.EpochDuration,
			EpochID:       a.EpochID,
			Used:          a.UsedThisEpoch,
			Remaining:     a.Remaining,
		})
	}
	return resp
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
