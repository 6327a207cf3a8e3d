package gateway

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Classify derives the transaction type from the request shape and the
// native amount attached to the call.
func Classify(req DepositRequest, upfront uint64) (TxType, error) {
	if req.Revert.FundRecipient == (common.Address{}) {
		return 0, ErrInvalidRecipient
	}

	hasFunds := req.Amount > 0
	hasPayload := len(req.Payload) > 0
	native := IsNative(req.Asset)

	if !hasFunds {
		if hasPayload {
			return TxTypeGasAndPayload, nil
		}
		if upfront == 0 {
			return 0, fmt.Errorf("%w: nothing to deposit", ErrInvalidInput)
		}
		return TxTypeGas, nil
	}

	if hasPayload {
		if native && upfront < req.Amount {
			return 0, fmt.Errorf("%w: upfront %d below funds %d", ErrInvalidAmount, upfront, req.Amount)
		}
		return TxTypeFundsAndPayload, nil
	}

	switch {
	case native && upfront != req.Amount:
		return 0, fmt.Errorf("%w: upfront %d must equal funds %d", ErrInvalidAmount, upfront, req.Amount)
	case !native && upfront > 0:
		return 0, fmt.Errorf("%w: upfront %d not allowed with fungible funds", ErrInvalidAmount, upfront)
	}
	return TxTypeFunds, nil
}
