package gas

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeSuggester struct {
	price *big.Int
	err   error
	calls int
}

func (f *fakeSuggester) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return new(big.Int).Set(f.price), nil
}

func newEstimator(client SuggestClient, opts Options) *CachingEstimator {
	return NewCachingEstimator(client, opts, zerolog.Nop())
}

func TestCurrentPriceCachesWhileFresh(t *testing.T) {
	suggester := &fakeSuggester{price: big.NewInt(20_000_000_000)}
	e := newEstimator(suggester, Options{MaxStale: time.Minute})

	base := time.Unix(1000, 0)
	e.now = func() time.Time { return base }

	first, err := e.CurrentPrice(context.Background())
	if err != nil {
		t.Fatalf("estimate failed: %v", err)
	}
	if first.Cmp(big.NewInt(20_000_000_000)) != 0 {
		t.Fatalf("unexpected price %s", first)
	}

	// Inside the staleness bound no refresh happens.
	e.now = func() time.Time { return base.Add(30 * time.Second) }
	if _, err := e.CurrentPrice(context.Background()); err != nil {
		t.Fatalf("estimate failed: %v", err)
	}
	if suggester.calls != 1 {
		t.Fatalf("expected a single refresh, got %d", suggester.calls)
	}

	// Past the bound the estimator refreshes.
	e.now = func() time.Time { return base.Add(2 * time.Minute) }
	suggester.price = big.NewInt(25_000_000_000)
	refreshed, err := e.CurrentPrice(context.Background())
	if err != nil {
		t.Fatalf("estimate failed: %v", err)
	}
	if refreshed.Cmp(big.NewInt(25_000_000_000)) != 0 {
		t.Fatalf("stale cache served after bound: %s", refreshed)
	}
	if suggester.calls != 2 {
		t.Fatalf("expected two refreshes, got %d", suggester.calls)
	}
}

func TestCurrentPriceReusesLastOnRefreshFailure(t *testing.T) {
	suggester := &fakeSuggester{price: big.NewInt(10)}
	e := newEstimator(suggester, Options{MaxStale: time.Second})

	base := time.Unix(1000, 0)
	e.now = func() time.Time { return base }
	if _, err := e.CurrentPrice(context.Background()); err != nil {
		t.Fatalf("estimate failed: %v", err)
	}

	e.now = func() time.Time { return base.Add(time.Hour) }
	suggester.err = errors.New("node down")
	price, err := e.CurrentPrice(context.Background())
	if err != nil {
		t.Fatalf("expected previous value, got error %v", err)
	}
	if price.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("unexpected price %s", price)
	}
}

func TestCurrentPriceFallback(t *testing.T) {
	suggester := &fakeSuggester{err: errors.New("node down")}

	e := newEstimator(suggester, Options{Fallback: big.NewInt(30_000_000_000)})
	price, err := e.CurrentPrice(context.Background())
	if err != nil {
		t.Fatalf("expected fallback, got error %v", err)
	}
	if price.Cmp(big.NewInt(30_000_000_000)) != 0 {
		t.Fatalf("unexpected fallback price %s", price)
	}

	// Without a fallback the failure surfaces.
	e = newEstimator(suggester, Options{})
	if _, err := e.CurrentPrice(context.Background()); err == nil {
		t.Fatal("expected error when no price was ever available")
	}
}

func TestStaticEstimator(t *testing.T) {
	price, err := Static{Price: big.NewInt(7)}.CurrentPrice(context.Background())
	if err != nil {
		t.Fatalf("static estimate failed: %v", err)
	}
	if price.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("unexpected price %s", price)
	}

	if _, err := (Static{}).CurrentPrice(context.Background()); err == nil {
		t.Fatal("expected error for unset static price")
	}
}
