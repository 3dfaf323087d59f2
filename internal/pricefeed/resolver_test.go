package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testRegistry() *Registry {
	return NewRegistry(map[string]int32{
		"BTC-USD": 8,
		"ETH-USD": 18,
		"EUR-USD": 6,
	})
}

func TestResolveUnknownIdentifier(t *testing.T) {
	r := NewResolver(testRegistry(), Config{}, noopLogger())

	_, err := r.Resolve("DOGE-USD")
	if !errors.Is(err, ErrUnresolvableIdentifier) {
		t.Fatalf("expected ErrUnresolvableIdentifier, got %v", err)
	}
}

func TestResolveCachesPerIdentifier(t *testing.T) {
	override := decimal.NewFromFloat(1.5)
	r := NewResolver(testRegistry(), Config{CurrentOverride: &override, HistoricalOverride: &override}, noopLogger())

	first, err := r.Resolve("BTC-USD")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	second, err := r.Resolve("BTC-USD")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if first != second {
		t.Fatal("resolver must return the cached feed on repeat resolution")
	}

	other, err := r.Resolve("ETH-USD")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if other == first {
		t.Fatal("distinct identifiers must not share a feed")
	}
}

func TestResolveConcurrentSameIdentifier(t *testing.T) {
	override := decimal.NewFromFloat(2)
	r := NewResolver(testRegistry(), Config{CurrentOverride: &override}, noopLogger())

	const workers = 16
	feeds := make([]Feed, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			feed, err := r.Resolve("EUR-USD")
			if err != nil {
				t.Errorf("resolve failed: %v", err)
				return
			}
			feeds[i] = feed
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if feeds[i] != feeds[0] {
			t.Fatal("concurrent resolutions must converge on a single cached feed")
		}
	}
}

func TestFeedScaleMatchesRegisteredPrecision(t *testing.T) {
	override := decimal.RequireFromString("42123.123456789123")
	r := NewResolver(testRegistry(), Config{HistoricalOverride: &override}, noopLogger())

	cases := []struct {
		identifier string
		decimals   int32
	}{
		{"BTC-USD", 8},
		{"ETH-USD", 18},
		{"EUR-USD", 6},
	}
	for _, tc := range cases {
		feed, err := r.Resolve(tc.identifier)
		if err != nil {
			t.Fatalf("resolve %s failed: %v", tc.identifier, err)
		}
		if feed.Decimals() != tc.decimals {
			t.Fatalf("%s: decimals %d, want %d", tc.identifier, feed.Decimals(), tc.decimals)
		}

		price, err := feed.PriceAt(context.Background(), 1000)
		if err != nil {
			t.Fatalf("price lookup failed: %v", err)
		}

		// Round-tripping through the ledger representation must be lossless
		// at the registered scale.
		fixed := ToFixedPoint(price, tc.decimals)
		back := FromFixedPoint(fixed, tc.decimals)
		if !back.Equal(price) {
			t.Fatalf("%s: fixed-point round trip changed the price: %s -> %s", tc.identifier, price, back)
		}
	}
}

func TestFixedPointConversion(t *testing.T) {
	price := decimal.RequireFromString("1234.5678")

	fixed := ToFixedPoint(price, 8)
	if fixed.Cmp(big.NewInt(123456780000)) != 0 {
		t.Fatalf("unexpected fixed-point value: %s", fixed)
	}

	back := FromFixedPoint(fixed, 8)
	if !back.Equal(price) {
		t.Fatalf("round trip mismatch: %s", back)
	}
}

func TestMarketFeedFetch(t *testing.T) {
	var gotPath, gotAt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAt = r.URL.Query().Get("at")
		_ = json.NewEncoder(w).Encode(map[string]string{"price": "42123.123456789"})
	}))
	defer srv.Close()

	feed := NewMarketFeed("BTC-USD", 8, Config{BaseURL: srv.URL, UserAgent: "price-keeper/test"}, noopLogger())

	price, err := feed.PriceAt(context.Background(), 900)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if gotPath != "/prices/BTC-USD" {
		t.Fatalf("unexpected request path %s", gotPath)
	}
	if gotAt != "900" {
		t.Fatalf("timestamp not forwarded: %q", gotAt)
	}
	if want := decimal.RequireFromString("42123.12345679"); !price.Equal(want) {
		t.Fatalf("price not rounded to feed scale: got %s want %s", price, want)
	}
}

func TestMarketFeedErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "identifier unknown", http.StatusNotFound)
	}))
	defer srv.Close()

	feed := NewMarketFeed("BTC-USD", 8, Config{BaseURL: srv.URL}, noopLogger())
	if _, err := feed.CurrentPrice(context.Background()); err == nil {
		t.Fatal("expected error on non-2xx response")
	}
}
