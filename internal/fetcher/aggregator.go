package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"deposit-gateway/internal/gateway"
)

const (
	aggregatorABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`
)

var (
	aggregatorABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// AggregatorOptions parameterise the on-chain fetcher.
type AggregatorOptions struct {
	RPCURL  string
	Address string
	Timeout time.Duration
}

// Aggregator reads a price-feed aggregator contract over Ethereum RPC. The
// feed id argument is ignored; the contract address selects the feed.
type Aggregator struct {
	opts      AggregatorOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
	decimals  *uint8
}

// NewAggregator builds a new aggregator fetcher.
func NewAggregator(opts AggregatorOptions, logger zerolog.Logger) *Aggregator {
	return &Aggregator{opts: opts, logger: logger.With().Str("component", "aggregator_fetcher").Logger()}
}

// FetchQuote retrieves the latest round as a raw quote.
func (a *Aggregator) FetchQuote(ctx context.Context, _ string) (gateway.RawQuote, error) {
	if a.opts.RPCURL == "" {
		return gateway.RawQuote{}, errors.New("ethereum rpc url not configured")
	}
	if !common.IsHexAddress(a.opts.Address) {
		return gateway.RawQuote{}, errors.New("aggregator contract address not configured")
	}

	timeout := a.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := a.getClient(ctx)
	if err != nil {
		return gateway.RawQuote{}, err
	}

	addr := common.HexToAddress(a.opts.Address)
	decimals, err := a.feedDecimals(ctx, client, addr)
	if err != nil {
		return gateway.RawQuote{}, err
	}

	outputs, err := call(ctx, client, addr, "latestRoundData")
	if err != nil {
		return gateway.RawQuote{}, err
	}
	if len(outputs) != 5 {
		return gateway.RawQuote{}, errors.New("unexpected latestRoundData response")
	}
	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return gateway.RawQuote{}, errors.New("failed to decode latestRoundData answer")
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return gateway.RawQuote{}, errors.New("failed to decode latestRoundData updatedAt")
	}
	if !answer.IsInt64() || !updatedAt.IsInt64() {
		return gateway.RawQuote{}, fmt.Errorf("round data out of range: answer %s updatedAt %s", answer, updatedAt)
	}

	return gateway.RawQuote{
		FeedID:      addr.Hex(),
		Price:       answer.Int64(),
		Exponent:    -int32(decimals),
		PublishTime: updatedAt.Int64(),
	}, nil
}

func (a *Aggregator) feedDecimals(ctx context.Context, client *ethclient.Client, addr common.Address) (uint8, error) {
	a.clientMux.Lock()
	cached := a.decimals
	a.clientMux.Unlock()
	if cached != nil {
		return *cached, nil
	}

	outputs, err := call(ctx, client, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	decimals, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	a.clientMux.Lock()
	a.decimals = &decimals
	a.clientMux.Unlock()
	return decimals, nil
}

func call(ctx context.Context, client *ethclient.Client, addr common.Address, method string) ([]any, error) {
	payload, err := aggregatorABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return aggregatorABI.Unpack(method, res)
}

func (a *Aggregator) getClient(ctx context.Context) (*ethclient.Client, error) {
	a.clientMux.Lock()
	defer a.clientMux.Unlock()

	if a.client != nil {
		return a.client, nil
	}

	client, err := ethclient.DialContext(ctx, a.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	a.client = client
	return client, nil
}

var _ PriceSource = (*Aggregator)(nil)
