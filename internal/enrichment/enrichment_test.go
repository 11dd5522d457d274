package enrichment

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel/tradingcore/internal/domain"
	"github.com/sentinel/tradingcore/internal/indicators"
)

type fakeQuoteSource struct {
	fail map[string]bool
}

func (f *fakeQuoteSource) Quote(ctx context.Context, ticker domain.Ticker) (domain.Quote, error) {
	if f.fail[ticker.String()] {
		return domain.Quote{}, domain.NewError(domain.KindDataFetch, "fakeQuoteSource.Quote", fmt.Errorf("boom"))
	}
	return domain.Quote{Ticker: ticker, Price: 150}, nil
}

type fakeIndicatorSource struct {
	fail bool
	ind  indicators.TechnicalIndicators
}

func (f fakeIndicatorSource) Signals(ctx context.Context, ticker domain.Ticker) (indicators.TechnicalIndicators, error) {
	if f.fail {
		return indicators.TechnicalIndicators{}, fmt.Errorf("indicator source down")
	}
	return f.ind, nil
}

type fakeSentimentSource struct {
	fail bool
	s    Sentiment
}

func (f fakeSentimentSource) Sentiment(ctx context.Context, ticker domain.Ticker) (Sentiment, error) {
	if f.fail {
		return Sentiment{}, fmt.Errorf("sentiment source down")
	}
	return f.s, nil
}

func TestEnrich_PreservesInputOrder(t *testing.T) {
	quotes := &fakeQuoteSource{}
	p := New(quotes, fakeIndicatorSource{ind: indicators.TechnicalIndicators{RSI: 55}}, zerolog.Nop())

	positions := []domain.PortfolioPosition{
		{Ticker: domain.MustTicker("AAPL")},
		{Ticker: domain.MustTicker("MSFT")},
		{Ticker: domain.MustTicker("GOOG")},
	}

	results, err := p.Enrich(context.Background(), positions, 1000)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "AAPL", results[0].Position.Ticker.String())
	assert.Equal(t, "MSFT", results[1].Position.Ticker.String())
	assert.Equal(t, "GOOG", results[2].Position.Ticker.String())
	assert.Equal(t, 55.0, results[0].Technical.RSI)
}

func TestEnrich_SinglePositionFailureDoesNotAbortBatch(t *testing.T) {
	quotes := &fakeQuoteSource{fail: map[string]bool{"MSFT": true}}
	p := New(quotes, fakeIndicatorSource{}, zerolog.Nop())

	positions := []domain.PortfolioPosition{
		{Ticker: domain.MustTicker("AAPL")},
		{Ticker: domain.MustTicker("MSFT")},
	}

	results, err := p.Enrich(context.Background(), positions, 1000)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
}

func TestEnrich_TechnicalFailureDegradesGracefullyWithoutFailingPosition(t *testing.T) {
	quotes := &fakeQuoteSource{}
	p := New(quotes, fakeIndicatorSource{fail: true}, zerolog.Nop())

	positions := []domain.PortfolioPosition{{Ticker: domain.MustTicker("AAPL")}}
	results, err := p.Enrich(context.Background(), positions, 1000)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.NoError(t, results[0].Err)
	assert.Error(t, results[0].TechnicalErr)
	assert.Equal(t, indicators.TechnicalIndicators{}, results[0].Technical)
}

func TestEnrich_SentimentFailureDegradesGracefully(t *testing.T) {
	quotes := &fakeQuoteSource{}
	p := New(quotes, nil, zerolog.Nop()).WithSentiment(fakeSentimentSource{fail: true})

	positions := []domain.PortfolioPosition{{Ticker: domain.MustTicker("AAPL")}}
	results, err := p.Enrich(context.Background(), positions, 1000)
	require.NoError(t, err)

	assert.NoError(t, results[0].Err)
	assert.Error(t, results[0].SentimentErr)
	assert.Equal(t, Sentiment{}, results[0].Sentiment)
}

func TestEnrich_ComputesRiskWeightAndConcentration(t *testing.T) {
	quotes := &fakeQuoteSource{}
	p := New(quotes, nil, zerolog.Nop())

	positions := []domain.PortfolioPosition{
		{Ticker: domain.MustTicker("AAPL"), Shares: 10, AvgCost: 100, CurrentPrice: 150},
	}
	// quote fetch overwrites CurrentPrice to 150 regardless.
	results, err := p.Enrich(context.Background(), positions, 1500)
	require.NoError(t, err)

	risk := results[0].Risk
	assert.InDelta(t, 1.0, risk.Weight, 1e-9) // 10*150 / 1500 == 1.0
	assert.Equal(t, ConcentrationHigh, risk.Concentration)
	assert.InDelta(t, 92.0, risk.SuggestedStop, 1e-9)
	assert.InDelta(t, 124.0, risk.SuggestedTarget, 1e-9)
}

func TestEnrich_LowConcentrationWhenWeightSmall(t *testing.T) {
	quotes := &fakeQuoteSource{}
	p := New(quotes, nil, zerolog.Nop())

	positions := []domain.PortfolioPosition{
		{Ticker: domain.MustTicker("AAPL"), Shares: 1, AvgCost: 100, CurrentPrice: 150},
	}
	results, err := p.Enrich(context.Background(), positions, 100_000)
	require.NoError(t, err)

	assert.Equal(t, ConcentrationLow, results[0].Risk.Concentration)
}

func TestScoreRecommendation_StrongOversoldBullishTrendScoresBuy(t *testing.T) {
	ind := indicators.TechnicalIndicators{
		RSI:               15,
		MACDTrend:         indicators.MACDBullish,
		Trend:             indicators.TrendUp,
		BollingerPosition: indicators.BollingerBelowLower,
	}
	rec := scoreRecommendation(ind, 0)
	assert.Equal(t, ActionBuy, rec.Action)
	assert.InDelta(t, 90.0, rec.Score, 1e-9) // 30+20+25+15
	assert.InDelta(t, 90.0, rec.Confidence, 1e-9)
}

func TestScoreRecommendation_OverboughtBearishTrendScoresSell(t *testing.T) {
	ind := indicators.TechnicalIndicators{
		RSI:               85,
		MACDTrend:         indicators.MACDBearish,
		Trend:             indicators.TrendDown,
		BollingerPosition: indicators.BollingerAboveUpper,
	}
	rec := scoreRecommendation(ind, 0)
	assert.Equal(t, ActionSell, rec.Action)
	assert.InDelta(t, -90.0, rec.Score, 1e-9)
}

func TestScoreRecommendation_NeutralIndicatorsHold(t *testing.T) {
	rec := scoreRecommendation(indicators.TechnicalIndicators{RSI: 50}, 0)
	assert.Equal(t, ActionHold, rec.Action)
	assert.InDelta(t, 0.0, rec.Score, 1e-9)
}

func TestScoreRecommendation_LargeGainPullsScoreDown(t *testing.T) {
	base := scoreRecommendation(indicators.TechnicalIndicators{RSI: 50}, 0)
	withGain := scoreRecommendation(indicators.TechnicalIndicators{RSI: 50}, 0.35)
	assert.InDelta(t, base.Score-10, withGain.Score, 1e-9)
}

func TestScoreRecommendation_ConfidenceCapsAt100(t *testing.T) {
	ind := indicators.TechnicalIndicators{
		RSI:               15,
		MACDTrend:         indicators.MACDBullish,
		Trend:             indicators.TrendUp,
		BollingerPosition: indicators.BollingerBelowLower,
	}
	rec := scoreRecommendation(ind, -0.20) // +90 -5 == 85, still under 100
	assert.LessOrEqual(t, rec.Confidence, 100.0)
}
