package cli

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/pflag"

	"deposit-gateway/internal/gateway"
	"deposit-gateway/internal/service"
)

// requestFlags collects a deposit call from flags.
type requestFlags struct {
	sender        string
	recipient     string
	asset         string
	amount        uint64
	upfront       uint64
	payload       string
	fundRecipient string
	revertMsg     string
	signature     string
}

func (f *requestFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.sender, "sender", "", "Calling account")
	fs.StringVar(&f.recipient, "recipient", "", "Destination-chain recipient")
	fs.StringVar(&f.asset, "asset", "", "Asset to bridge (empty for native)")
	fs.Uint64Var(&f.amount, "amount", 0, "Funds amount in base units")
	fs.Uint64Var(&f.upfront, "upfront", 0, "Native amount attached to the call in base units")
	fs.StringVar(&f.payload, "payload", "", "Hex payload for destination execution")
	fs.StringVar(&f.fundRecipient, "fund-recipient", "", "Account refunded if destination execution reverts")
	fs.StringVar(&f.revertMsg, "revert-msg", "", "Hex message delivered on revert")
	fs.StringVar(&f.signature, "signature", "", "Hex signature data")
}

func (f *requestFlags) input() (service.DepositInput, error) {
	sender, err := parseAddress("--sender", f.sender)
	if err != nil {
		return service.DepositInput{}, err
	}
	recipient, err := optionalAddress("--recipient", f.recipient)
	if err != nil {
		return service.DepositInput{}, err
	}
	asset, err := optionalAddress("--asset", f.asset)
	if err != nil {
		return service.DepositInput{}, err
	}
	fundRecipient, err := optionalAddress("--fund-recipient", f.fundRecipient)
	if err != nil {
		return service.DepositInput{}, err
	}
	payload, err := optionalHex("--payload", f.payload)
	if err != nil {
		return service.DepositInput{}, err
	}
	revertMsg, err := optionalHex("--revert-msg", f.revertMsg)
	if err != nil {
		return service.DepositInput{}, err
	}
	signature, err := optionalHex("--signature", f.signature)
	if err != nil {
		return service.DepositInput{}, err
	}

	return service.DepositInput{
		Sender:  sender,
		Upfront: f.upfront,
		Request: gateway.DepositRequest{
			Recipient:     recipient,
			Asset:         asset,
			Amount:        f.amount,
			Payload:       payload,
			Revert:        gateway.RevertInstructions{FundRecipient: fundRecipient, RevertMsg: revertMsg},
			SignatureData: signature,
		},
	}, nil
}

func parseAddress(flag, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s %q is not an address", flag, raw)
	}
	return common.HexToAddress(raw), nil
}

func optionalAddress(flag, raw string) (common.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return common.Address{}, nil
	}
	return parseAddress(flag, raw)
}

func optionalHex(flag, raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		raw = "0x" + raw
	}
	b, err := hexutil.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", flag, err)
	}
	return b, nil
}
