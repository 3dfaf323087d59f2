package pricefeed

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
	"github.com/shopspring/decimal"
)

const defaultFeedTimeout = 10 * time.Second

// MarketFeed reads prices for one identifier from the configured price API.
type MarketFeed struct {
	identifier string
	decimals   int32
	lookback   time.Duration
	userAgent  string
	baseURL    string
	client     *http.Client
	logger     zerolog.Logger
	now        func() time.Time
}

// NewMarketFeed constructs an HTTP-backed feed for one identifier.
func NewMarketFeed(identifier string, decimals int32, cfg Config, logger zerolog.Logger) *MarketFeed {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultFeedTimeout
	}

	return &MarketFeed{
		identifier: identifier,
		decimals:   decimals,
		lookback:   cfg.Lookback,
		userAgent:  cfg.UserAgent,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		client:     &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "market_feed").Str("identifier", identifier).Logger(),
		now:        time.Now,
	}
}

// PriceAt fetches the price observed at a ledger timestamp. Timestamps older
// than the lookback window are refused, since the API only retains that much
// history.
func (f *MarketFeed) PriceAt(ctx context.Context, timestamp uint64) (decimal.Decimal, error) {
	if f.lookback > 0 {
		oldest := f.now().Add(-f.lookback).Unix()
		if oldest > 0 && timestamp < uint64(oldest) {
			return decimal.Decimal{}, fmt.Errorf("timestamp %d outside lookback window", timestamp)
		}
	}
	return f.fetch(ctx, url.Values{"at": []string{strconv.FormatUint(timestamp, 10)}})
}

// CurrentPrice fetches the latest price.
func (f *MarketFeed) CurrentPrice(ctx context.Context) (decimal.Decimal, error) {
	return f.fetch(ctx, nil)
}

func (f *MarketFeed) Decimals() int32 { return f.decimals }

func (f *MarketFeed) fetch(ctx context.Context, query url.Values) (decimal.Decimal, error) {
	if f.baseURL == "" {
		return decimal.Decimal{}, errors.New("pricefeed: api base url not configured")
	}

	endpoint := fmt.Sprintf("%s/prices/%s", f.baseURL, url.PathEscape(f.identifier))
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("create price request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("fetch price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decimal.Decimal{}, fmt.Errorf("price api status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Price string `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Decimal{}, fmt.Errorf("decode price response: %w", err)
	}
	if payload.Price == "" {
		return decimal.Decimal{}, errors.New("price api returned empty price")
	}

	price, err := decimal.NewFromString(payload.Price)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse price %q: %w", payload.Price, err)
	}

	return price.Round(f.decimals), nil
}

var _ Feed = (*MarketFeed)(nil)
