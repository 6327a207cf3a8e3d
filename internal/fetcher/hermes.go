package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"deposit-gateway/internal/gateway"
)

const hermesLatestPath = "/v2/updates/price/latest"

// HermesOptions parameterise the Pyth Hermes fetcher.
type HermesOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Hermes fetches price updates from a Pyth Hermes endpoint.
type Hermes struct {
	opts    HermesOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHermes constructs a Hermes fetcher.
func NewHermes(opts HermesOptions, logger zerolog.Logger) *Hermes {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://hermes.pyth.network"
	}

	return &Hermes{
		opts:    opts,
		logger:  logger.With().Str("component", "hermes_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchQuote retrieves the latest parsed price for feedID.
func (h *Hermes) FetchQuote(ctx context.Context, feedID string) (gateway.RawQuote, error) {
	id := normalizeFeedID(feedID)
	if id == "" {
		return gateway.RawQuote{}, errors.New("price feed id not configured")
	}

	query := url.Values{}
	query.Add("ids[]", id)
	query.Set("parsed", "true")
	query.Set("encoding", "hex")
	endpoint := h.baseURL + hermesLatestPath + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return gateway.RawQuote{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "depositgw/1.0")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return gateway.RawQuote{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return gateway.RawQuote{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return gateway.RawQuote{}, parseHTTPError(resp.StatusCode, payload)
	}

	var res latestResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return gateway.RawQuote{}, fmt.Errorf("decode hermes response: %w", err)
	}

	for _, update := range res.Parsed {
		if normalizeFeedID(update.ID) != id {
			continue
		}
		price, err := strconv.ParseInt(update.Price.Price, 10, 64)
		if err != nil {
			return gateway.RawQuote{}, fmt.Errorf("parse price: %w", err)
		}
		conf, err := strconv.ParseUint(update.Price.Conf, 10, 64)
		if err != nil {
			return gateway.RawQuote{}, fmt.Errorf("parse confidence: %w", err)
		}
		h.logger.Debug().Str("feed", id).Int64("price", price).Int32("expo", update.Price.Expo).
			Int64("publish_time", update.Price.PublishTime).Msg("quote fetched")
		return gateway.RawQuote{
			FeedID:      "0x" + id,
			Price:       price,
			Exponent:    update.Price.Expo,
			PublishTime: update.Price.PublishTime,
			Confidence:  conf,
		}, nil
	}
	return gateway.RawQuote{}, fmt.Errorf("feed %s missing from hermes response", id)
}

// normalizeFeedID lowercases and strips the 0x prefix.
func normalizeFeedID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	return strings.TrimPrefix(id, "0x")
}

type latestResponse struct {
	Parsed []struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Conf        string `json:"conf"`
			Expo        int32  `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
	} `json:"parsed"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("hermes api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("hermes api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("hermes api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("hermes api error (%d)", status)
}

var _ PriceSource = (*Hermes)(nil)
