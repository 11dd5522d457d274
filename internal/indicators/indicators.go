// Package indicators implements C8: the technical indicator engine. Each
// function wraps github.com/markcheno/go-talib, matching the one-indicator-
// per-function shape of the teacher's sibling pkg/formulas package (rsi.go,
// ema.go, bollinger.go) but delegating the actual math to the talib C-port
// rather than hand-rolled loops, per SPEC_FULL.md's domain-stack wiring.
package indicators

import (
	"fmt"

	"github.com/markcheno/go-talib"

	"github.com/sentinel/tradingcore/internal/domain"
)

// Bands holds a Bollinger Band triple for the most recent bar.
type Bands struct {
	Upper, Middle, Lower float64
}

// PercentB computes Bollinger %B: (price - lower) / (upper - lower).
// Returns 0.5 if upper == lower (zero-width band).
func (b Bands) PercentB(price float64) float64 {
	width := b.Upper - b.Lower
	if width == 0 {
		return 0.5
	}
	return (price - b.Lower) / width
}

func closes(bars []domain.HistoricalBar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// RSI computes the Relative Strength Index over period bars, bounded to
// [0, 100] by construction (spec.md §8 invariant).
func RSI(bars []domain.HistoricalBar, period int) ([]float64, error) {
	if len(bars) <= period {
		return nil, domain.NewError(domain.KindValidation, "indicators.RSI", fmt.Errorf("need more than %d bars, got %d", period, len(bars)))
	}
	return talib.Rsi(closes(bars), period), nil
}

// EMA computes the exponential moving average over period bars.
func EMA(bars []domain.HistoricalBar, period int) ([]float64, error) {
	if len(bars) < period {
		return nil, domain.NewError(domain.KindValidation, "indicators.EMA", fmt.Errorf("need at least %d bars, got %d", period, len(bars)))
	}
	return talib.Ema(closes(bars), period), nil
}

// SMA computes the simple moving average over period bars.
func SMA(bars []domain.HistoricalBar, period int) ([]float64, error) {
	if len(bars) < period {
		return nil, domain.NewError(domain.KindValidation, "indicators.SMA", fmt.Errorf("need at least %d bars, got %d", period, len(bars)))
	}
	return talib.Sma(closes(bars), period), nil
}

// BollingerBands computes upper/middle/lower bands over period bars at
// numStdDev standard deviations.
func BollingerBands(bars []domain.HistoricalBar, period int, numStdDev float64) ([]Bands, error) {
	if len(bars) < period {
		return nil, domain.NewError(domain.KindValidation, "indicators.BollingerBands", fmt.Errorf("need at least %d bars, got %d", period, len(bars)))
	}
	upper, middle, lower := talib.BBands(closes(bars), period, numStdDev, numStdDev, talib.SMA)

	out := make([]Bands, len(upper))
	for i := range upper {
		out[i] = Bands{Upper: upper[i], Middle: middle[i], Lower: lower[i]}
	}
	return out, nil
}

// MACD computes the MACD line, signal line, and histogram.
func MACD(bars []domain.HistoricalBar, fast, slow, signal int) (macd, signalLine, hist []float64, err error) {
	if len(bars) < slow {
		return nil, nil, nil, domain.NewError(domain.KindValidation, "indicators.MACD", fmt.Errorf("need at least %d bars, got %d", slow, len(bars)))
	}
	macd, signalLine, hist = talib.Macd(closes(bars), fast, slow, signal)
	return macd, signalLine, hist, nil
}

// ATR computes the Average True Range; Compute reports its latest value as
// ATR and ATRPercent.
func ATR(bars []domain.HistoricalBar, period int) ([]float64, error) {
	if len(bars) <= period {
		return nil, domain.NewError(domain.KindValidation, "indicators.ATR", fmt.Errorf("need more than %d bars, got %d", period, len(bars)))
	}
	high := make([]float64, len(bars))
	low := make([]float64, len(bars))
	close := make([]float64, len(bars))
	for i, b := range bars {
		high[i], low[i], close[i] = b.High, b.Low, b.Close
	}
	return talib.Atr(high, low, close, period), nil
}

// RSISignal labels the RSI reading per spec.md §4.6's overbought/oversold
// thresholds (70/30, strong variants at 80/20).
type RSISignal string

const (
	RSIStrongOverbought RSISignal = "strong_overbought"
	RSIOverbought       RSISignal = "overbought"
	RSIStrongOversold   RSISignal = "strong_oversold"
	RSIOversold         RSISignal = "oversold"
	RSINeutral          RSISignal = "neutral"
)

func rsiSignal(rsi float64) RSISignal {
	switch {
	case rsi >= 80:
		return RSIStrongOverbought
	case rsi >= 70:
		return RSIOverbought
	case rsi <= 20:
		return RSIStrongOversold
	case rsi <= 30:
		return RSIOversold
	default:
		return RSINeutral
	}
}

// MACDTrend labels the MACD line/signal/histogram relationship.
type MACDTrend string

const (
	MACDBullish MACDTrend = "bullish"
	MACDBearish MACDTrend = "bearish"
	MACDNeutral MACDTrend = "neutral"
)

func macdTrend(macd, signal, hist float64) MACDTrend {
	switch {
	case hist > 0 && macd > signal:
		return MACDBullish
	case hist < 0 && macd < signal:
		return MACDBearish
	default:
		return MACDNeutral
	}
}

// Trend labels the moving-average stack relationship (spec.md §4.6/§4.7).
type Trend string

const (
	TrendStrongUp   Trend = "strong_uptrend"
	TrendUp         Trend = "uptrend"
	TrendSideways   Trend = "sideways"
	TrendDown       Trend = "downtrend"
	TrendStrongDown Trend = "strong_downtrend"
)

// maStackTrend labels price vs SMA20/50/200: uptrend if price > SMA20 >
// SMA50, downtrend if reversed, else sideways; strong variants additionally
// require price above/below SMA200 and a golden/death cross (SMA50 vs
// SMA200).
func maStackTrend(price, sma20, sma50, sma200 float64) Trend {
	switch {
	case price > sma20 && sma20 > sma50:
		if price > sma200 && sma50 > sma200 {
			return TrendStrongUp
		}
		return TrendUp
	case price < sma20 && sma20 < sma50:
		if price < sma200 && sma50 < sma200 {
			return TrendStrongDown
		}
		return TrendDown
	default:
		return TrendSideways
	}
}

// BollingerPosition labels where price sits relative to the bands via %B.
type BollingerPosition string

const (
	BollingerAboveUpper BollingerPosition = "above_upper"
	BollingerBelowLower BollingerPosition = "below_lower"
	BollingerWithin     BollingerPosition = "within"
)

func bollingerPosition(percentB float64) BollingerPosition {
	switch {
	case percentB >= 1:
		return BollingerAboveUpper
	case percentB <= 0:
		return BollingerBelowLower
	default:
		return BollingerWithin
	}
}

// VolumeAnalysis captures current volume against its rolling baselines
// (spec.md §4.7 "volume analysis").
type VolumeAnalysis struct {
	Current       int64
	SMA20         float64
	SMA50         float64
	PercentChange float64 // vs previous bar's volume
	OBVRising     bool
	Confirmed     bool // volume direction agrees with price direction
}

// AggregatedSignal is the weighted-vote technical call (spec.md §4.7).
type AggregatedSignal string

const (
	StrongBuy  AggregatedSignal = "STRONG_BUY"
	Buy        AggregatedSignal = "BUY"
	Neutral    AggregatedSignal = "NEUTRAL"
	Sell       AggregatedSignal = "SELL"
	StrongSell AggregatedSignal = "STRONG_SELL"
)

// aggregate combines the four directional component votes (-1/0/+1 each,
// per spec.md §4.6's table) into a single call at thresholds +-1.2 and
// +-0.5: a sum of +-1 lands inside (0.5, 1.2], a sum of +-2 or more clears
// 1.2, so the four-vote, integer-valued sum interacts cleanly with the
// spec's non-integer thresholds.
func aggregate(rsi RSISignal, macd MACDTrend, trend Trend, boll BollingerPosition) AggregatedSignal {
	var score float64
	switch rsi {
	case RSIOversold, RSIStrongOversold:
		score++
	case RSIOverbought, RSIStrongOverbought:
		score--
	}
	switch macd {
	case MACDBullish:
		score++
	case MACDBearish:
		score--
	}
	switch trend {
	case TrendUp, TrendStrongUp:
		score++
	case TrendDown, TrendStrongDown:
		score--
	}
	switch boll {
	case BollingerBelowLower:
		score++
	case BollingerAboveUpper:
		score--
	}

	switch {
	case score > 1.2:
		return StrongBuy
	case score > 0.5:
		return Buy
	case score < -1.2:
		return StrongSell
	case score < -0.5:
		return Sell
	default:
		return Neutral
	}
}

// TechnicalIndicators is the full per-ticker indicator snapshot spec.md
// §4.7 names, computed from the most recent bar in the supplied series.
type TechnicalIndicators struct {
	RSI       float64
	RSISignal RSISignal

	MACD          float64
	MACDSignal    float64
	MACDHistogram float64
	MACDTrend     MACDTrend

	BollingerUpper     float64
	BollingerMiddle    float64
	BollingerLower     float64
	BollingerBandwidth float64
	PercentB           float64
	BollingerPosition  BollingerPosition

	SMA20, SMA50, SMA200 float64
	EMA12, EMA26         float64
	Trend                Trend

	ATR        float64
	ATRPercent float64

	Volume VolumeAnalysis

	Aggregated AggregatedSignal
}

// Compute derives the full TechnicalIndicators snapshot for the most recent
// bar in bars (spec.md §4.7). bars must be ordered ascending by date and
// carry at least 200 points to populate SMA200; shorter series still
// compute every indicator that fits and leave the rest at their zero value.
func Compute(bars []domain.HistoricalBar) (TechnicalIndicators, error) {
	if len(bars) < 26 {
		return TechnicalIndicators{}, domain.NewError(domain.KindValidation, "indicators.Compute", fmt.Errorf("need at least 26 bars, got %d", len(bars)))
	}

	var out TechnicalIndicators
	last := bars[len(bars)-1]

	if rsi, err := RSI(bars, 14); err == nil && len(rsi) > 0 {
		out.RSI = rsi[len(rsi)-1]
		out.RSISignal = rsiSignal(out.RSI)
	}

	if macd, signal, hist, err := MACD(bars, 12, 26, 9); err == nil && len(macd) > 0 {
		out.MACD, out.MACDSignal, out.MACDHistogram = macd[len(macd)-1], signal[len(signal)-1], hist[len(hist)-1]
		out.MACDTrend = macdTrend(out.MACD, out.MACDSignal, out.MACDHistogram)
	}

	if bands, err := BollingerBands(bars, 20, 2); err == nil && len(bands) > 0 {
		b := bands[len(bands)-1]
		out.BollingerUpper, out.BollingerMiddle, out.BollingerLower = b.Upper, b.Middle, b.Lower
		if b.Middle != 0 {
			out.BollingerBandwidth = (b.Upper - b.Lower) / b.Middle
		}
		out.PercentB = b.PercentB(last.Close)
		out.BollingerPosition = bollingerPosition(out.PercentB)
	}

	if sma20, err := SMA(bars, 20); err == nil && len(sma20) > 0 {
		out.SMA20 = sma20[len(sma20)-1]
	}
	if sma50, err := SMA(bars, 50); err == nil && len(sma50) > 0 {
		out.SMA50 = sma50[len(sma50)-1]
	}
	if sma200, err := SMA(bars, 200); err == nil && len(sma200) > 0 {
		out.SMA200 = sma200[len(sma200)-1]
	}
	if ema12, err := EMA(bars, 12); err == nil && len(ema12) > 0 {
		out.EMA12 = ema12[len(ema12)-1]
	}
	if ema26, err := EMA(bars, 26); err == nil && len(ema26) > 0 {
		out.EMA26 = ema26[len(ema26)-1]
	}
	out.Trend = maStackTrend(last.Close, out.SMA20, out.SMA50, out.SMA200)

	if atr, err := ATR(bars, 14); err == nil && len(atr) > 0 {
		out.ATR = atr[len(atr)-1]
		if last.Close != 0 {
			out.ATRPercent = out.ATR / last.Close * 100
		}
	}

	out.Volume = volumeAnalysis(bars)
	out.Aggregated = aggregate(out.RSISignal, out.MACDTrend, out.Trend, out.BollingerPosition)

	return out, nil
}

func volumeAnalysis(bars []domain.HistoricalBar) VolumeAnalysis {
	last := bars[len(bars)-1]
	va := VolumeAnalysis{Current: last.Volume}

	if len(bars) >= 2 && bars[len(bars)-2].Volume != 0 {
		va.PercentChange = float64(last.Volume-bars[len(bars)-2].Volume) / float64(bars[len(bars)-2].Volume) * 100
	}

	window := func(n int) float64 {
		if len(bars) < n {
			n = len(bars)
		}
		var sum int64
		for _, b := range bars[len(bars)-n:] {
			sum += b.Volume
		}
		if n == 0 {
			return 0
		}
		return float64(sum) / float64(n)
	}
	va.SMA20 = window(20)
	va.SMA50 = window(50)

	closeArr := closes(bars)
	volArr := make([]float64, len(bars))
	for i, b := range bars {
		volArr[i] = float64(b.Volume)
	}
	obv := talib.Obv(closeArr, volArr)
	if len(obv) >= 2 {
		va.OBVRising = obv[len(obv)-1] > obv[len(obv)-2]
	}

	priceUp := len(bars) >= 2 && last.Close > bars[len(bars)-2].Close
	va.Confirmed = float64(last.Volume) > va.SMA20 && priceUp == va.OBVRising
	return va
}
