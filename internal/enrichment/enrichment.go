// Package enrichment implements C7: the portfolio enrichment pipeline. It
// fans out per-position quote/indicator lookups concurrently with
// golang.org/x/sync/errgroup, the same bounded-concurrency idiom the
// teacher's internal/work/processor.go uses for batch work, then merges the
// results back onto each domain.PortfolioPosition deterministically by
// index so output order matches input order regardless of completion order.
package enrichment

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sentinel/tradingcore/internal/domain"
	"github.com/sentinel/tradingcore/internal/indicators"
)

// maxConcurrency bounds simultaneous per-position fan-outs, avoiding a
// thundering herd against the price registry (spec.md §5).
const maxConcurrency = 8

// QuoteSource supplies the current price for a position.
type QuoteSource interface {
	Quote(ctx context.Context, ticker domain.Ticker) (domain.Quote, error)
}

// IndicatorSource computes the technical snapshot for a historical series;
// wired optionally since not every caller needs indicators alongside quotes.
type IndicatorSource interface {
	Signals(ctx context.Context, ticker domain.Ticker) (indicators.TechnicalIndicators, error)
}

// SentimentSource summarises recent news/chatter for a ticker into a
// directional score in [-1, 1] (spec.md §4.6 "sentiment (news summariser
// collaborator)"). Optional: nil skips sentiment enrichment entirely.
type SentimentSource interface {
	Sentiment(ctx context.Context, ticker domain.Ticker) (Sentiment, error)
}

// Sentiment is the news-summariser collaborator's verdict for one ticker.
type Sentiment struct {
	Score float64 // -1 (bearish) .. +1 (bullish)
	Label string
}

// ConcentrationRisk buckets position weight within the portfolio.
type ConcentrationRisk string

const (
	ConcentrationHigh   ConcentrationRisk = "high"
	ConcentrationMedium ConcentrationRisk = "medium"
	ConcentrationLow    ConcentrationRisk = "low"
)

// Risk is the pure per-position risk computation (spec.md §4.6 "risk
// metrics per position").
type Risk struct {
	Weight          float64
	Concentration   ConcentrationRisk
	SuggestedStop   float64
	SuggestedTarget float64
	MaxLoss         float64
}

// stopLossFraction / targetGainFraction / pnlTakeProfitThreshold /
// pnlStopCheckThreshold are the constants behind spec.md §4.6's default
// 3:1 risk/reward stop-loss policy and recommendation P&L adjustments.
const (
	stopLossFraction    = 0.92 // suggested stop = entry * 0.92
	targetGainFraction  = 1.24 // suggested target = entry * 1.24 (3:1 R/R)
	highConcentration   = 0.25
	mediumConcentration = 0.15
)

func computeRisk(pos domain.PortfolioPosition, totalValue float64) Risk {
	r := Risk{
		SuggestedStop:   pos.AvgCost * stopLossFraction,
		SuggestedTarget: pos.AvgCost * targetGainFraction,
	}
	r.MaxLoss = abs(pos.Shares * (pos.AvgCost - r.SuggestedStop))

	if totalValue > 0 {
		r.Weight = pos.Value() / totalValue
	}
	switch {
	case r.Weight > highConcentration:
		r.Concentration = ConcentrationHigh
	case r.Weight > mediumConcentration:
		r.Concentration = ConcentrationMedium
	default:
		r.Concentration = ConcentrationLow
	}
	return r
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// RecommendationAction is the final actionable call for a position.
type RecommendationAction string

const (
	ActionBuy    RecommendationAction = "BUY"
	ActionAdd    RecommendationAction = "ADD"
	ActionHold   RecommendationAction = "HOLD"
	ActionReduce RecommendationAction = "REDUCE"
	ActionSell   RecommendationAction = "SELL"
)

// Recommendation is the scored buy/hold/sell call (spec.md §4.6
// "recommendation policy").
type Recommendation struct {
	Action     RecommendationAction
	Score      float64 // -100..+100
	Confidence float64 // 0..100
}

// scoreRecommendation applies spec.md §4.6's additive contribution table
// to the technical snapshot and position P&L, then maps the total to an
// action at the stated thresholds.
func scoreRecommendation(ind indicators.TechnicalIndicators, pnlPercent float64) Recommendation {
	var score float64

	switch {
	case ind.RSI >= 80:
		score -= 30
	case ind.RSI >= 70:
		score -= 15
	case ind.RSI <= 20:
		score += 30
	case ind.RSI <= 30:
		score += 15
	}

	switch ind.MACDTrend {
	case indicators.MACDBullish:
		score += 20
	case indicators.MACDBearish:
		score -= 20
	}

	switch ind.Trend {
	case indicators.TrendUp, indicators.TrendStrongUp:
		score += 25
	case indicators.TrendDown, indicators.TrendStrongDown:
		score -= 25
	}

	switch ind.BollingerPosition {
	case indicators.BollingerBelowLower:
		score += 15
	case indicators.BollingerAboveUpper:
		score -= 15
	}

	if pnlPercent > 0.30 {
		score -= 10
	}
	if pnlPercent < -0.15 {
		score -= 5
	}

	var action RecommendationAction
	switch {
	case score > 40:
		action = ActionBuy
	case score > 20:
		action = ActionAdd
	case score >= -20:
		action = ActionHold
	case score >= -40:
		action = ActionReduce
	default:
		action = ActionSell
	}

	confidence := abs(score)
	if confidence > 100 {
		confidence = 100
	}
	return Recommendation{Action: action, Score: score, Confidence: confidence}
}

// Enriched is a position annotated with its latest quote and the four
// concurrently-computed analyses spec.md §4.6 names. A per-analysis
// failure degrades that field to its zero value rather than failing the
// whole position (TechnicalErr/SentimentErr record which, if any, failed).
type Enriched struct {
	Position domain.PortfolioPosition
	Quote    domain.Quote

	Technical    indicators.TechnicalIndicators
	TechnicalErr error

	Sentiment    Sentiment
	SentimentErr error

	Risk           Risk
	Recommendation Recommendation

	Err error // set only when the position's own quote fetch failed
}

// Pipeline enriches raw positions with live quotes and, per position, four
// concurrent analyses: technical, sentiment, risk, recommendation.
type Pipeline struct {
	quotes     QuoteSource
	indicators IndicatorSource
	sentiment  SentimentSource
	log        zerolog.Logger
}

// New constructs a Pipeline. indicators/sentiment may be nil to skip that
// analysis entirely; risk and recommendation are pure computations and
// always run once a quote is available.
func New(quotes QuoteSource, indicators IndicatorSource, log zerolog.Logger) *Pipeline {
	return &Pipeline{quotes: quotes, indicators: indicators, log: log.With().Str("component", "enrichment").Logger()}
}

// WithSentiment attaches a sentiment collaborator, returning the same
// Pipeline for chaining at construction time.
func (p *Pipeline) WithSentiment(s SentimentSource) *Pipeline {
	p.sentiment = s
	return p
}

// Enrich fetches a fresh quote and runs the four per-position analyses for
// every position concurrently, returning results in input order. A single
// position's quote failure does not abort the others; its Err field is set
// instead (spec.md §4.6 partial-failure tolerance). totalValue is the
// portfolio's aggregate market value, used for risk weight/concentration.
func (p *Pipeline) Enrich(ctx context.Context, positions []domain.PortfolioPosition, totalValue float64) ([]Enriched, error) {
	results := make([]Enriched, len(positions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)

	for i, pos := range positions {
		i, pos := i, pos
		g.Go(func() error {
			results[i] = p.enrichOne(gctx, pos, totalValue)
			return nil // individual failures are recorded, not propagated
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("enrichment pipeline failed: %w", err)
	}
	return results, nil
}

func (p *Pipeline) enrichOne(ctx context.Context, pos domain.PortfolioPosition, totalValue float64) Enriched {
	q, err := p.quotes.Quote(ctx, pos.Ticker)
	if err != nil {
		p.log.Warn().Err(err).Str("ticker", pos.Ticker.String()).Msg("enrichOne: quote fetch failed")
		return Enriched{Position: pos, Err: err}
	}
	pos.CurrentPrice = q.Price
	result := Enriched{Position: pos, Quote: q}

	var wg errgroup.Group
	wg.Go(func() error {
		if p.indicators == nil {
			return nil
		}
		signals, err := p.indicators.Signals(ctx, pos.Ticker)
		if err != nil {
			result.TechnicalErr = err
			p.log.Warn().Err(err).Str("ticker", pos.Ticker.String()).Msg("enrichOne: technical analysis failed")
			return nil
		}
		result.Technical = signals
		return nil
	})
	wg.Go(func() error {
		if p.sentiment == nil {
			return nil
		}
		s, err := p.sentiment.Sentiment(ctx, pos.Ticker)
		if err != nil {
			result.SentimentErr = err
			p.log.Warn().Err(err).Str("ticker", pos.Ticker.String()).Msg("enrichOne: sentiment analysis failed")
			return nil
		}
		result.Sentiment = s
		return nil
	})
	_ = wg.Wait() // both branches already swallow their own errors

	result.Risk = computeRisk(pos, totalValue)
	result.Recommendation = scoreRecommendation(result.Technical, pos.PnLPercent())
	return result
}
