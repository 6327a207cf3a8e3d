package fetcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// SystemClock derives window ids from wall time divided into fixed slots.
type SystemClock struct {
	SlotLength time.Duration
	Now        func() time.Time
}

// Tick reports the current slot and time.
func (c SystemClock) Tick(context.Context) (Tick, error) {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	slot := c.SlotLength
	if slot < time.Second {
		slot = time.Second
	}
	t := now().Unix()
	if t < 0 {
		return Tick{}, errors.New("clock before unix epoch")
	}
	return Tick{WindowID: uint64(t) / uint64(slot/time.Second), Now: uint64(t)}, nil
}

// ChainClockOptions parameterise the chain clock.
type ChainClockOptions struct {
	RPCURL  string
	Timeout time.Duration
}

// ChainClock uses the latest block: its number is the window id and its
// timestamp is the current time.
type ChainClock struct {
	opts      ChainClockOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewChainClock builds a clock backed by an Ethereum RPC endpoint.
func NewChainClock(opts ChainClockOptions, logger zerolog.Logger) *ChainClock {
	return &ChainClock{opts: opts, logger: logger.With().Str("component", "chain_clock").Logger()}
}

// Tick reads the latest header.
func (c *ChainClock) Tick(ctx context.Context) (Tick, error) {
	if c.opts.RPCURL == "" {
		return Tick{}, errors.New("ethereum rpc url not configured")
	}
	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return Tick{}, err
	}
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return Tick{}, err
	}
	if !header.Number.IsUint64() {
		return Tick{}, errors.New("block number out of range")
	}
	return Tick{WindowID: header.Number.Uint64(), Now: header.Time}, nil
}

func (c *ChainClock) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}
	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

var (
	_ Clock = SystemClock{}
	_ Clock = (*ChainClock)(nil)
)
