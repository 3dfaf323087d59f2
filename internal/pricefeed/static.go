package pricefeed

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// StaticFeed returns fixed prices. It backs the configuration overrides used
// for testing and manual keeper operation.
type StaticFeed struct {
	current    *decimal.Decimal
	historical *decimal.Decimal
	decimals   int32
}

// NewStaticFeed builds a feed pinned to the given values. Either value may be
// nil, in which case the corresponding lookup fails.
func NewStaticFeed(current, historical *decimal.Decimal, decimals int32) *StaticFeed {
	return &StaticFeed{current: current, historical: historical, decimals: decimals}
}

func (f *StaticFeed) PriceAt(ctx context.Context, timestamp uint64) (decimal.Decimal, error) {
	if f.historical == nil {
		return decimal.Decimal{}, errors.New("pricefeed: no historical price override set")
	}
	return f.historical.Round(f.decimals), nil
}

func (f *StaticFeed) CurrentPrice(ctx context.Context) (decimal.Decimal, error) {
	if f.current == nil {
		return decimal.Decimal{}, errors.New("pricefeed: no current price override set")
	}
	return f.current.Round(f.decimals), nil
}

func (f *StaticFeed) Decimals() int32 { return f.decimals }

var _ Feed = (*StaticFeed)(nil)
