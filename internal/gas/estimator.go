package gas

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Estimator supplies the gas price attached to keeper transactions.
type Estimator interface {
	CurrentPrice(ctx context.Context) (*big.Int, error)
}

// SuggestClient is the node call the caching estimator refreshes from.
// *ethclient.Client satisfies it.
type SuggestClient interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Options tune the caching estimator.
type Options struct {
	// MaxStale bounds how old a cached price may be before a refresh is
	// attempted.
	MaxStale time.Duration
	// Timeout bounds each refresh round-trip.
	Timeout time.Duration
	// Fallback is returned when no price was ever fetched and the node is
	// unreachable. Nil means such a failure surfaces as an error.
	Fallback *big.Int
}

// CachingEstimator wraps the node's suggested gas price with a
// staleness-bounded cache so the action pipeline never blocks on a slow node.
type CachingEstimator struct {
	client SuggestClient
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	last    *big.Int
	fetched time.Time
	now     func() time.Time
}

// NewCachingEstimator constructs an estimator refreshing from client.
func NewCachingEstimator(client SuggestClient, opts Options, logger zerolog.Logger) *CachingEstimator {
	if opts.MaxStale <= 0 {
		opts.MaxStale = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &CachingEstimator{
		client: client,
		opts:   opts,
		logger: logger.With().Str("component", "gas_estimator").Logger(),
		now:    time.Now,
	}
}

// CurrentPrice returns the cached price while fresh, refreshing it once the
// staleness bound lapses. A failed refresh falls back to the previous price,
// then to the configured fallback.
func (e *CachingEstimator) CurrentPrice(ctx context.Context) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.last != nil && e.now().Sub(e.fetched) < e.opts.MaxStale {
		return new(big.Int).Set(e.last), nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	price, err := e.client.SuggestGasPrice(fetchCtx)
	cancel()
	if err == nil {
		e.last = new(big.Int).Set(price)
		e.fetched = e.now()
		return new(big.Int).Set(price), nil
	}

	if e.last != nil {
		e.logger.Warn().Err(err).Msg("gas price refresh failed, reusing previous value")
		return new(big.Int).Set(e.last), nil
	}
	if e.opts.Fallback != nil {
		e.logger.Warn().Err(err).Str("fallback", e.opts.Fallback.String()).Msg("gas price unavailable, using fallback")
		return new(big.Int).Set(e.opts.Fallback), nil
	}
	return nil, err
}

// Static always returns a fixed price. Used for configuration overrides and
// tests.
type Static struct {
	Price *big.Int
}

func (s Static) CurrentPrice(ctx context.Context) (*big.Int, error) {
	if s.Price == nil {
		return nil, errors.New("gas: static price not set")
	}
	return new(big.Int).Set(s.Price), nil
}

var (
	_ Estimator = (*CachingEstimator)(nil)
	_ Estimator = Static{}
)
