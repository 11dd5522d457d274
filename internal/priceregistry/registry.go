// Package priceregistry implements C5: the price source registry. It holds
// an ordered list of quotes.Provider instances and falls through to the
// next provider on any KindDataFetch/KindRateLimit error, caching the last
// good quote per ticker so a full outage still serves a stale-but-labelled
// value rather than failing the caller outright (spec.md §4.5).
package priceregistry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel/tradingcore/internal/domain"
	"github.com/sentinel/tradingcore/internal/quotes"
)

// staleAfter is how old a cached quote may be before it is no longer served
// as a fallback.
const staleAfter = 15 * time.Minute

// Registry fans a quote request out across providers in priority order.
type Registry struct {
	mu        sync.RWMutex
	providers []quotes.Provider
	cache     map[string]domain.Quote
	log       zerolog.Logger
}

// New constructs a Registry. providers is tried in order; the first
// provider that does not error wins.
func New(providers []quotes.Provider, log zerolog.Logger) *Registry {
	return &Registry{
		providers: providers,
		cache:     make(map[string]domain.Quote),
		log:       log.With().Str("component", "priceregistry").Logger(),
	}
}

// Quote returns the best available quote for ticker, falling back across
// providers, and as a last resort to the cached last-known quote if it is
// not older than staleAfter.
func (r *Registry) Quote(ctx context.Context, ticker domain.Ticker) (domain.Quote, error) {
	var lastErr error
	for _, p := range r.providers {
		q, err := p.Quote(ctx, ticker)
		if err == nil {
			r.store(ticker, q)
			return q, nil
		}

		lastErr = err
		kind, _ := domain.KindOf(err)
		r.log.Warn().Err(err).Str("ticker", ticker.String()).Str("provider", p.Name()).Msg("Quote: provider failed, trying next")
		if kind != domain.KindDataFetch && kind != domain.KindRateLimit && kind != domain.KindTimeout {
			break // not a fallback-eligible failure (e.g. validation)
		}
	}

	if cached, ok := r.staleFallback(ticker); ok {
		r.log.Warn().Str("ticker", ticker.String()).Msg("Quote: all providers failed, serving stale cached quote")
		return cached, nil
	}

	if lastErr == nil {
		lastErr = domain.NewError(domain.KindDataFetch, "priceregistry.Quote", fmt.Errorf("no providers configured"))
	}
	return domain.Quote{}, fmt.Errorf("all price sources exhausted for %s: %w", ticker, lastErr)
}

func (r *Registry) store(ticker domain.Ticker, q domain.Quote) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[ticker.String()] = q
}

func (r *Registry) staleFallback(ticker domain.Ticker) (domain.Quote, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.cache[ticker.String()]
	if !ok || time.Since(q.Timestamp) > staleAfter {
		return domain.Quote{}, false
	}
	return q, true
}

// Historical tries each provider in priority order and returns the first
// successful result; historical
// bars have no meaningful stale-cache fallback (spec.md §4.5 scopes the
// cache fallback to live quotes only).
func (r *Registry) Historical(ctx context.Context, ticker domain.Ticker, from, to time.Time) ([]domain.HistoricalBar, error) {
	var lastErr error
	for _, p := range r.providers {
		bars, err := p.Historical(ctx, ticker, from, to)
		if err == nil {
			return bars, nil
		}
		lastErr = err
		r.log.Warn().Err(err).Str("ticker", ticker.String()).Str("provider", p.Name()).Msg("Historical: provider failed, trying next")
	}
	return nil, fmt.Errorf("all price sources exhausted for %s historical bars: %w", ticker, lastErr)
}

// Metadata tries each provider in priority order and returns the first
// successful result.
func (r *Registry) Metadata(ctx context.Context, ticker domain.Ticker) (domain.StockMetadata, error) {
	var lastErr error
	for _, p := range r.providers {
		meta, err := p.Metadata(ctx, ticker)
		if err == nil {
			return meta, nil
		}
		lastErr = err
		r.log.Warn().Err(err).Str("ticker", ticker.String()).Str("provider", p.Name()).Msg("Metadata: provider failed, trying next")
	}
	return domain.StockMetadata{}, fmt.Errorf("all price sources exhausted for %s metadata: %w", ticker, lastErr)
}

// Search tries each provider in priority order and returns the first
// successful result.
func (r *Registry) Search(ctx context.Context, query string, limit int) ([]domain.StockMetadata, error) {
	var lastErr error
	for _, p := range r.providers {
		results, err := p.Search(ctx, query, limit)
		if err == nil {
			return results, nil
		}
		lastErr = err
		r.log.Warn().Err(err).Str("query", query).Str("provider", p.Name()).Msg("Search: provider failed, trying next")
	}
	return nil, fmt.Errorf("all price sources exhausted for search %q: %w", query, lastErr)
}

// Volatility computes trailing annualised volatility via the first
// provider that returns sufficient historical data (spec.md §4.4).
func (r *Registry) Volatility(ctx context.Context, ticker domain.Ticker, days int) (*domain.Percentage, error) {
	var lastErr error
	for _, p := range r.providers {
		vol, err := quotes.Volatility(ctx, p, ticker, days)
		if err == nil {
			return vol, nil
		}
		lastErr = err
		r.log.Warn().Err(err).Str("ticker", ticker.String()).Str("provider", p.Name()).Msg("Volatility: provider failed, trying next")
	}
	return nil, fmt.Errorf("all price sources exhausted for %s volatility: %w", ticker, lastErr)
}

// IsValid reports whether ticker resolves via the first provider that
// answers (spec.md §4.4 "is_valid(ticker) -> bool").
func (r *Registry) IsValid(ctx context.Context, ticker domain.Ticker) bool {
	for _, p := range r.providers {
		if quotes.IsValid(ctx, p, ticker) {
			return true
		}
	}
	return false
}
