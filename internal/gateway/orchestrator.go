package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// Env carries the per-call inputs supplied by the caller's environment.
type Env struct {
	Sender common.Address
	// Quote values gas legs. It may be zero when the call has no valued leg.
	Quote    PriceQuote
	WindowID uint64
	// Now is the current time in unix seconds.
	Now uint64
}

// GasLeg funds destination execution budget.
type GasLeg struct {
	TxType        TxType
	Amount        uint64
	Payload       []byte
	Revert        RevertInstructions
	SignatureData []byte
}

// FundsLeg moves the request's asset into custody.
type FundsLeg struct {
	TxType  TxType
	Request DepositRequest
}

// Leg is one step of a plan. Exactly one field is set.
type Leg struct {
	Gas   *GasLeg
	Funds *FundsLeg
}

// Plan is the ordered list of legs a classified request executes. A bundled
// gas top-up always precedes the funds leg it belongs to.
type Plan struct {
	TxType TxType
	Legs   []Leg
}

// Valued reports whether the plan contains a gas leg that moves value and so
// needs a price quote and the global window.
func (p Plan) Valued() bool {
	for _, leg := range p.Legs {
		if leg.Gas != nil && leg.Gas.Amount > 0 {
			return true
		}
	}
	return false
}

// Footprint derives the records executing the plan writes.
func (p Plan) Footprint(sender, vault common.Address) Footprint {
	fp := Footprint{Window: p.Valued()}
	for _, leg := range p.Legs {
		switch {
		case leg.Gas != nil && leg.Gas.Amount > 0:
			fp.Balances = append(fp.Balances,
				Holding{Account: sender, Asset: NativeAsset},
				Holding{Account: vault, Asset: NativeAsset})
		case leg.Funds != nil:
			asset := leg.Funds.Request.Asset
			fp.Assets = append(fp.Assets, asset)
			fp.Balances = append(fp.Balances,
				Holding{Account: sender, Asset: asset},
				Holding{Account: vault, Asset: asset})
		}
	}
	return fp.Canonical()
}

// PlanDeposit expands a classified request into its legs.
func PlanDeposit(req DepositRequest, upfront uint64, txType TxType) (Plan, error) {
	switch txType {
	case TxTypeGas, TxTypeGasAndPayload:
		return Plan{TxType: txType, Legs: []Leg{{Gas: &GasLeg{
			TxType:        txType,
			Amount:        upfront,
			Payload:       req.Payload,
			Revert:        req.Revert,
			SignatureData: req.SignatureData,
		}}}}, nil
	case TxTypeFunds, TxTypeFundsAndPayload:
		return planFunds(req, upfront, txType)
	default:
		return Plan{}, fmt.Errorf("%w: %s", ErrInvalidTxType, txType)
	}
}

func planFunds(req DepositRequest, upfront uint64, txType TxType) (Plan, error) {
	if req.Revert.FundRecipient == (common.Address{}) {
		return Plan{}, ErrInvalidRecipient
	}
	if req.Amount == 0 {
		return Plan{}, fmt.Errorf("%w: funds amount is zero", ErrInvalidAmount)
	}

	native := IsNative(req.Asset)
	var gas uint64

	switch txType {
	case TxTypeFunds:
		if len(req.Payload) > 0 {
			return Plan{}, fmt.Errorf("%w: funds deposit carries a payload", ErrInvalidInput)
		}
		if native && upfront != req.Amount {
			return Plan{}, fmt.Errorf("%w: upfront %d must equal funds %d", ErrInvalidAmount, upfront, req.Amount)
		}
		if !native && upfront != 0 {
			return Plan{}, fmt.Errorf("%w: upfront %d not allowed with fungible funds", ErrInvalidAmount, upfront)
		}
	case TxTypeFundsAndPayload:
		if len(req.Payload) == 0 {
			return Plan{}, fmt.Errorf("%w: payload required", ErrInvalidInput)
		}
		if native {
			if upfront < req.Amount {
				return Plan{}, fmt.Errorf("%w: upfront %d below funds %d", ErrInvalidAmount, upfront, req.Amount)
			}
			gas = upfront - req.Amount
		} else {
			gas = upfront
		}
	default:
		return Plan{}, fmt.Errorf("%w: %s is not a funds type", ErrInvalidTxType, txType)
	}

	plan := Plan{TxType: txType}
	if gas > 0 {
		plan.Legs = append(plan.Legs, Leg{Gas: &GasLeg{
			TxType:        TxTypeGas,
			Amount:        gas,
			Revert:        req.Revert,
			SignatureData: req.SignatureData,
		}})
	}
	plan.Legs = append(plan.Legs, Leg{Funds: &FundsLeg{TxType: txType, Request: req}})
	return plan, nil
}

// FootprintFor computes the lock set of a deposit. A request that cannot be
// planned needs no write access because it fails before touching state.
func FootprintFor(sender, vault common.Address, req DepositRequest, upfront uint64) Footprint {
	txType, err := Classify(req, upfront)
	if err != nil {
		return Footprint{}
	}
	plan, err := PlanDeposit(req, upfront, txType)
	if err != nil {
		return Footprint{}
	}
	return plan.Footprint(sender, vault)
}

// Orchestrator composes valuation, cap enforcement and custody transfers.
type Orchestrator struct {
	// Vault is the custody account deposits are moved into.
	Vault common.Address
	NewID func() uuid.UUID
}

// NewOrchestrator returns an orchestrator depositing into vault.
func NewOrchestrator(vault common.Address) *Orchestrator {
	return &Orchestrator{Vault: vault, NewID: uuid.New}
}

// Deposit runs a top-level request and returns the outcomes it emitted, in
// emission order.
func (o *Orchestrator) Deposit(ctx context.Context, l Ledger, env Env, req DepositRequest, upfront uint64) ([]Outcome, error) {
	cfg, err := l.Config(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.Paused {
		return nil, ErrPaused
	}
	balance, err := l.Balance(ctx, env.Sender, NativeAsset)
	if err != nil {
		return nil, err
	}
	if balance < upfront {
		return nil, fmt.Errorf("%w: balance %d below upfront %d", ErrInsufficientBalance, balance, upfront)
	}

	txType, err := Classify(req, upfront)
	if err != nil {
		return nil, err
	}
	plan, err := PlanDeposit(req, upfront, txType)
	if err != nil {
		return nil, err
	}
	return o.Execute(ctx, l, env, plan)
}

// Execute runs the plan's legs in order and stops at the first failure.
func (o *Orchestrator) Execute(ctx context.Context, l Ledger, env Env, plan Plan) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(plan.Legs))
	for _, leg := range plan.Legs {
		var (
			out Outcome
			err error
		)
		switch {
		case leg.Gas != nil:
			out, err = o.RunGasLeg(ctx, l, env, *leg.Gas)
		case leg.Funds != nil:
			out, err = o.moveFunds(ctx, l, env, *leg.Funds)
		default:
			err = fmt.Errorf("%w: empty leg", ErrInvalidTxType)
		}
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

// RunGasLeg values the gas amount, enforces the per-deposit bounds and the
// global window, moves the native amount into custody and emits an outcome.
// A zero amount on a payload-carrying type emits a zero-amount outcome
// without touching any state.
func (o *Orchestrator) RunGasLeg(ctx context.Context, l Ledger, env Env, leg GasLeg) (Outcome, error) {
	switch leg.TxType {
	case TxTypeGas, TxTypeGasAndPayload:
	case TxTypeFunds, TxTypeFundsAndPayload:
		return Outcome{}, fmt.Errorf("%w: %s on gas leg", ErrInvalidTxType, leg.TxType)
	default:
		return Outcome{}, fmt.Errorf("%w: %s", ErrInvalidTxType, leg.TxType)
	}
	if leg.Revert.FundRecipient == (common.Address{}) {
		return Outcome{}, ErrInvalidRecipient
	}

	cfg, err := l.Config(ctx)
	if err != nil {
		return Outcome{}, err
	}
	if cfg.StrictGasPayload {
		if err := checkGasPayload(leg); err != nil {
			return Outcome{}, err
		}
	}

	if leg.Amount == 0 {
		if !carriesPayload(leg.TxType) {
			return Outcome{}, fmt.Errorf("%w: zero gas without payload", ErrInvalidAmount)
		}
		out := o.outcome(env, leg.TxType, common.Address{}, NativeAsset, 0, leg.Payload, leg.Revert, leg.SignatureData)
		out.WindowID = env.WindowID
		return out, l.Emit(ctx, out)
	}

	balance, err := l.Balance(ctx, env.Sender, NativeAsset)
	if err != nil {
		return Outcome{}, err
	}
	if balance < leg.Amount {
		return Outcome{}, fmt.Errorf("%w: balance %d below gas %d", ErrInsufficientBalance, balance, leg.Amount)
	}

	if err := GuardFor(cfg).Check(env.Quote, env.Now); err != nil {
		return Outcome{}, err
	}
	usd, err := USDAmount(leg.Amount, env.Quote)
	if err != nil {
		return Outcome{}, err
	}
	if err := CheckCaps(cfg, usd); err != nil {
		return Outcome{}, err
	}

	window, err := l.GlobalWindow(ctx)
	if err != nil {
		return Outcome{}, err
	}
	if err := window.CheckAndConsume(env.WindowID, usd); err != nil {
		return Outcome{}, err
	}
	if err := l.SaveGlobalWindow(ctx, window); err != nil {
		return Outcome{}, err
	}

	if err := l.Transfer(ctx, NativeAsset, leg.Amount, env.Sender, o.Vault); err != nil {
		return Outcome{}, err
	}

	out := o.outcome(env, leg.TxType, common.Address{}, NativeAsset, leg.Amount, leg.Payload, leg.Revert, leg.SignatureData)
	out.USDValue = usd
	out.WindowID = env.WindowID
	return out, l.Emit(ctx, out)
}

// RunFundsLeg runs a funds request, including its bundled gas top-up when
// the upfront amount exceeds what the funds movement needs.
func (o *Orchestrator) RunFundsLeg(ctx context.Context, l Ledger, env Env, req DepositRequest, upfront uint64, txType TxType) ([]Outcome, error) {
	plan, err := planFunds(req, upfront, txType)
	if err != nil {
		return nil, err
	}
	return o.Execute(ctx, l, env, plan)
}

func (o *Orchestrator) moveFunds(ctx context.Context, l Ledger, env Env, leg FundsLeg) (Outcome, error) {
	req := leg.Request

	limit, err := l.AssetLimit(ctx, req.Asset)
	if err != nil {
		return Outcome{}, err
	}
	if limit.Asset != req.Asset {
		return Outcome{}, fmt.Errorf("%w: record %s for asset %s", ErrInvalidToken, limit.Asset.Hex(), req.Asset.Hex())
	}
	if err := limit.CheckAndConsume(env.Now, req.Amount); err != nil {
		return Outcome{}, err
	}
	if err := l.SaveAssetLimit(ctx, limit); err != nil {
		return Outcome{}, err
	}

	if !IsNative(req.Asset) {
		listed, err := l.IsWhitelisted(ctx, req.Asset)
		if err != nil {
			return Outcome{}, err
		}
		if !listed {
			return Outcome{}, fmt.Errorf("%w: %s", ErrTokenNotWhitelisted, req.Asset.Hex())
		}
	}

	if err := l.Transfer(ctx, req.Asset, req.Amount, env.Sender, o.Vault); err != nil {
		return Outcome{}, err
	}

	out := o.outcome(env, leg.TxType, req.Recipient, req.Asset, req.Amount, req.Payload, req.Revert, req.SignatureData)
	return out, l.Emit(ctx, out)
}

func (o *Orchestrator) outcome(env Env, txType TxType, recipient, asset common.Address, amount uint64, payload []byte, revert RevertInstructions, sig []byte) Outcome {
	newID := o.NewID
	if newID == nil {
		newID = uuid.New
	}
	return Outcome{
		ID:            newID(),
		Sender:        env.Sender,
		Recipient:     recipient,
		Asset:         asset,
		Amount:        amount,
		Payload:       payload,
		PayloadHash:   crypto.Keccak256Hash(payload),
		Revert:        revert,
		TxType:        txType,
		SignatureData: sig,
		CreatedAt:     time.Unix(int64(env.Now), 0).UTC(),
	}
}

func checkGasPayload(leg GasLeg) error {
	switch leg.TxType {
	case TxTypeGas:
		if len(leg.Payload) > 0 {
			return fmt.Errorf("%w: gas deposit carries a payload", ErrInvalidInput)
		}
	case TxTypeGasAndPayload:
		if len(leg.Payload) == 0 {
			return fmt.Errorf("%w: payload required", ErrInvalidInput)
		}
	case TxTypeFunds, TxTypeFundsAndPayload:
		return fmt.Errorf("%w: %s on gas leg", ErrInvalidTxType, leg.TxType)
	default:
		return fmt.Errorf("%w: %s", ErrInvalidTxType, leg.TxType)
	}
	return nil
}

func carriesPayload(t TxType) bool {
	switch t {
	case TxTypeGasAndPayload, TxTypeFundsAndPayload:
		return true
	case TxTypeGas, TxTypeFunds:
		return false
	default:
		return false
	}
}
