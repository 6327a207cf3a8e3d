package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

func TestAggregatorMissingConfig(t *testing.T) {
	agg := NewAggregator(AggregatorOptions{}, noopLogger())
	if _, err := agg.FetchQuote(context.Background(), ""); err == nil {
		t.Fatal("expected error without an rpc url")
	}

	agg = NewAggregator(AggregatorOptions{RPCURL: "http://localhost"}, noopLogger())
	if _, err := agg.FetchQuote(context.Background(), ""); err == nil {
		t.Fatal("expected error without a contract address")
	}
}

func TestAggregatorFetchQuote(t *testing.T) {
	decimalsOut, err := aggregatorABI.Methods["decimals"].Outputs.Pack(uint8(8))
	if err != nil {
		t.Fatal(err)
	}
	roundOut, err := aggregatorABI.Methods["latestRoundData"].Outputs.Pack(
		big.NewInt(7), big.NewInt(15025000000), big.NewInt(1699999990), big.NewInt(1700000000), big.NewInt(7),
	)
	if err != nil {
		t.Fatal(err)
	}

	calls := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			return
		}
		if req.Method != "eth_call" || len(req.Params) == 0 {
			t.Errorf("unexpected rpc method %s", req.Method)
			return
		}
		var msg struct {
			Input hexutil.Bytes `json:"input"`
			Data  hexutil.Bytes `json:"data"`
		}
		_ = json.Unmarshal(req.Params[0], &msg)
		input := msg.Input
		if len(input) == 0 {
			input = msg.Data
		}

		var result []byte
		switch {
		case bytes.HasPrefix(input, aggregatorABI.Methods["decimals"].ID):
			calls["decimals"]++
			result = decimalsOut
		case bytes.HasPrefix(input, aggregatorABI.Methods["latestRoundData"].ID):
			calls["latestRoundData"]++
			result = roundOut
		default:
			t.Errorf("unexpected call data %x", input)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  hexutil.Bytes(result),
		})
	}))
	defer srv.Close()

	agg := NewAggregator(AggregatorOptions{
		RPCURL:  srv.URL,
		Address: "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419",
		Timeout: time.Second,
	}, noopLogger())

	for i := 0; i < 2; i++ {
		quote, err := agg.FetchQuote(context.Background(), "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if quote.Price != 15025000000 || quote.Exponent != -8 || quote.PublishTime != 1700000000 {
			t.Fatalf("unexpected quote %+v", quote)
		}
	}
	if calls["decimals"] != 1 {
		t.Fatalf("decimals should be read once, got %d", calls["decimals"])
	}
	if calls["latestRoundData"] != 2 {
		t.Fatalf("expected two round reads, got %d", calls["latestRoundData"])
	}
}
