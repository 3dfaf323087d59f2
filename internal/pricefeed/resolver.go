package pricefeed

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrUnresolvableIdentifier indicates an identifier with no registered
// precision mapping. Callers skip the item rather than abort.
var ErrUnresolvableIdentifier = errors.New("pricefeed: identifier has no registered precision")

// Resolver hands out one feed per identifier for the process lifetime.
// Concurrent resolutions of the same unseen identifier share a single build.
type Resolver struct {
	registry *Registry
	defaults Config
	logger   zerolog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	feeds map[string]Feed
}

// NewResolver constructs a resolver applying defaults to every feed it builds.
func NewResolver(registry *Registry, defaults Config, logger zerolog.Logger) *Resolver {
	return &Resolver{
		registry: registry,
		defaults: defaults,
		logger:   logger.With().Str("component", "pricefeed_resolver").Logger(),
		feeds:    make(map[string]Feed),
	}
}

// Resolve returns the feed for an identifier, building and caching it on
// first use. The returned feed is scaled to the identifier's registered
// precision.
func (r *Resolver) Resolve(identifier string) (Feed, error) {
	r.mu.RLock()
	feed, ok := r.feeds[identifier]
	r.mu.RUnlock()
	if ok {
		return feed, nil
	}

	decimals, ok := r.registry.Decimals(identifier)
	if !ok {
		return nil, fmt.Errorf("resolve %q: %w", identifier, ErrUnresolvableIdentifier)
	}

	built, err, _ := r.group.Do(identifier, func() (any, error) {
		r.mu.RLock()
		cached, ok := r.feeds[identifier]
		r.mu.RUnlock()
		if ok {
			return cached, nil
		}

		feed := r.build(identifier, decimals)
		r.mu.Lock()
		r.feeds[identifier] = feed
		r.mu.Unlock()
		r.logger.Debug().Str("identifier", identifier).Int32("decimals", decimals).Msg("feed resolved")
		return feed, nil
	})
	if err != nil {
		return nil, err
	}
	return built.(Feed), nil
}

func (r *Resolver) build(identifier string, decimals int32) Feed {
	if r.defaults.CurrentOverride != nil || r.defaults.HistoricalOverride != nil {
		return NewStaticFeed(r.defaults.CurrentOverride, r.defaults.HistoricalOverride, decimals)
	}
	return NewMarketFeed(identifier, decimals, r.defaults, r.logger)
}
