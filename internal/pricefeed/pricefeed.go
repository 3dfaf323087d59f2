package pricefeed

import (
	"context"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Feed produces prices for a single identifier, already rounded to the
// identifier's registered decimal precision.
type Feed interface {
	// PriceAt evaluates the feed at a historical ledger timestamp.
	PriceAt(ctx context.Context, timestamp uint64) (decimal.Decimal, error)
	// CurrentPrice returns the latest available price.
	CurrentPrice(ctx context.Context) (decimal.Decimal, error)
	// Decimals is the fixed-point scale of every price this feed returns.
	Decimals() int32
}

// Config carries the defaults applied to every resolved feed. The overrides
// pin feeds to fixed values for testing and manual operation.
type Config struct {
	BaseURL            string
	Lookback           time.Duration
	Timeout            time.Duration
	UserAgent          string
	CurrentOverride    *decimal.Decimal
	HistoricalOverride *decimal.Decimal
}

// ToFixedPoint converts a feed price into the ledger's integer fixed-point
// representation at the given scale.
func ToFixedPoint(price decimal.Decimal, decimals int32) *big.Int {
	return price.Shift(decimals).Round(0).BigInt()
}

// FromFixedPoint converts a ledger fixed-point value back into a decimal at
// the given scale.
func FromFixedPoint(value *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(value, -decimals)
}
