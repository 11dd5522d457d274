package enrichment

import (
	"context"
	"fmt"
	"time"

	"github.com/sentinel/tradingcore/internal/domain"
	"github.com/sentinel/tradingcore/internal/indicators"
)

// historyLookback is how far back indicator inputs are pulled; SMA200 wants
// a comfortable multiple of its own window plus the MACD/RSI warm-up.
const historyLookback = 400 * 24 * time.Hour

// HistoricalSource supplies the bar series an IndicatorSource computes from.
type HistoricalSource interface {
	Historical(ctx context.Context, ticker domain.Ticker, from, to time.Time) ([]domain.HistoricalBar, error)
}

// TechnicalSignals adapts the price registry's historical bars into the
// full TechnicalIndicators snapshot the enrichment pipeline attaches to
// each position, reusing the indicator engine (C8) rather than
// recomputing anything bespoke here.
type TechnicalSignals struct {
	history HistoricalSource
}

// NewTechnicalSignals constructs an IndicatorSource backed by history.
func NewTechnicalSignals(history HistoricalSource) *TechnicalSignals {
	return &TechnicalSignals{history: history}
}

// Signals computes the full technical indicator snapshot for ticker from
// its recent daily bars (spec.md §4.6/§4.7).
func (t *TechnicalSignals) Signals(ctx context.Context, ticker domain.Ticker) (indicators.TechnicalIndicators, error) {
	to := time.Now()
	bars, err := t.history.Historical(ctx, ticker, to.Add(-historyLookback), to)
	if err != nil {
		return indicators.TechnicalIndicators{}, fmt.Errorf("failed to fetch history for %s signals: %w", ticker, err)
	}
	return indicators.Compute(bars)
}
