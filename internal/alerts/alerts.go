// Package alerts implements C12: the alert watcher. A cron.v3 scheduler
// (the same background-job mechanism cmd/server/main.go uses for WAL
// checkpoints and proactive token refresh) periodically pulls each
// monitored ticker's recent daily bars, runs them through the indicator
// engine (C8), and fires a deduplicated, cooldown-gated notification when
// an RSI/MACD/Bollinger condition newly appears (spec.md §4.12).
package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/sentinel/tradingcore/internal/domain"
	"github.com/sentinel/tradingcore/internal/indicators"
)

// SignalType names a technical condition an alert can fire for.
type SignalType string

const (
	SignalRSIOverbought  SignalType = "rsi_overbought"
	SignalRSIOversold    SignalType = "rsi_oversold"
	SignalMACDBullish    SignalType = "macd_bullish_cross"
	SignalMACDBearish    SignalType = "macd_bearish_cross"
	SignalBollingerUpper SignalType = "bollinger_upper_breach"
	SignalBollingerLower SignalType = "bollinger_lower_breach"
)

// category groups related SignalTypes so "the signal type has changed"
// (spec.md §4.12 (a)) is judged within one detector at a time -- an RSI
// flip shouldn't be masked by an unrelated, still-active Bollinger breach.
type category string

const (
	categoryRSI       category = "rsi"
	categoryMACD      category = "macd"
	categoryBollinger category = "bollinger"
)

const (
	minInterval = 10 * time.Second
	maxInterval = 24 * time.Hour
	maxHistory  = 500 // spec.md §4.12 "persist up to 500 recent signals"
	maxBars     = 30  // spec.md §4.12 "the latest <=30 daily bars"
	barLookback = 60 * 24 * time.Hour
)

// HistoricalSource supplies the recent daily bars a scan computes from.
type HistoricalSource interface {
	Historical(ctx context.Context, ticker domain.Ticker, from, to time.Time) ([]domain.HistoricalBar, error)
}

// Notification is a fired alert, handed to the notify collaborator.
type Notification struct {
	Ticker     domain.Ticker
	Type       SignalType
	Message    string
	DetectedAt time.Time
}

// Notifier is the outbound collaborator for fired alerts.
type Notifier interface {
	Notify(n Notification) error
}

// Signal is one persisted, fired alert.
type Signal struct {
	Ticker     domain.Ticker
	Type       SignalType
	DetectedAt time.Time
}

// Config controls the watcher's scan cadence, enable flag, and optional
// trading-hours gate (spec.md §4.12).
type Config struct {
	Interval          time.Duration // clamped to [10s, 24h]
	Enabled           bool
	CooldownMinutes   int
	TradingHoursStart *time.Duration // offset since UTC midnight; nil = always on
	TradingHoursEnd   *time.Duration
}

func (c Config) interval() time.Duration {
	switch {
	case c.Interval < minInterval:
		return minInterval
	case c.Interval > maxInterval:
		return maxInterval
	default:
		return c.Interval
	}
}

// Watcher periodically scans a fixed ticker set for RSI/MACD/Bollinger
// conditions and emits deduplicated, cooldown-gated notifications.
type Watcher struct {
	cfg     Config
	tickers []domain.Ticker
	history HistoricalSource
	notify  Notifier
	log     zerolog.Logger
	clock   func() time.Time

	mu        sync.Mutex
	lastType  map[domain.Ticker]map[category]SignalType
	lastFired map[domain.Ticker]map[SignalType]time.Time
	signals   []Signal // ring buffer, newest last, capped at maxHistory
}

// New constructs a Watcher over the given tickers.
func New(cfg Config, tickers []domain.Ticker, history HistoricalSource, notify Notifier, log zerolog.Logger) *Watcher {
	return &Watcher{
		cfg:       cfg,
		tickers:   tickers,
		history:   history,
		notify:    notify,
		log:       log.With().Str("component", "alerts").Logger(),
		clock:     time.Now,
		lastType:  make(map[domain.Ticker]map[category]SignalType),
		lastFired: make(map[domain.Ticker]map[SignalType]time.Time),
	}
}

// Run starts the periodic scan loop and blocks until ctx is cancelled. A
// disabled watcher just waits out the context, per spec.md §4.12's enable
// flag.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.cfg.Enabled {
		<-ctx.Done()
		return nil
	}

	c := cron.New()
	spec := fmt.Sprintf("@every %s", w.cfg.interval())
	if _, err := c.AddFunc(spec, func() { w.scanAll(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule alert scan: %w", err)
	}
	c.Start()
	defer c.Stop()

	<-ctx.Done()
	return nil
}

func (w *Watcher) inTradingHours(now time.Time) bool {
	if w.cfg.TradingHoursStart == nil || w.cfg.TradingHoursEnd == nil {
		return true
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	offset := now.Sub(midnight)
	return offset >= *w.cfg.TradingHoursStart && offset <= *w.cfg.TradingHoursEnd
}

// scanAll runs one scan pass across every monitored ticker, skipped
// entirely outside the configured trading-hours window.
func (w *Watcher) scanAll(ctx context.Context) {
	now := w.clock()
	if !w.inTradingHours(now) {
		return
	}
	for _, ticker := range w.tickers {
		w.scanOne(ctx, ticker, now)
	}
}

func (w *Watcher) scanOne(ctx context.Context, ticker domain.Ticker, now time.Time) {
	bars, err := w.history.Historical(ctx, ticker, now.Add(-barLookback), now)
	if err != nil {
		w.log.Warn().Err(err).Str("ticker", ticker.String()).Msg("scanOne: history fetch failed")
		return
	}
	if len(bars) > maxBars {
		bars = bars[len(bars)-maxBars:]
	}

	ind, err := indicators.Compute(bars)
	if err != nil {
		w.log.Warn().Err(err).Str("ticker", ticker.String()).Msg("scanOne: indicator compute failed")
		return
	}

	for cat, sigType := range detect(ind) {
		if sigType == "" {
			continue
		}
		w.maybeFire(ticker, cat, sigType, now)
	}
}

// detect maps the latest indicator snapshot to at most one SignalType per
// category; an empty SignalType means that category has no active
// condition this scan.
func detect(ind indicators.TechnicalIndicators) map[category]SignalType {
	out := map[category]SignalType{categoryRSI: "", categoryMACD: "", categoryBollinger: ""}

	switch ind.RSISignal {
	case indicators.RSIOverbought, indicators.RSIStrongOverbought:
		out[categoryRSI] = SignalRSIOverbought
	case indicators.RSIOversold, indicators.RSIStrongOversold:
		out[categoryRSI] = SignalRSIOversold
	}

	switch ind.MACDTrend {
	case indicators.MACDBullish:
		out[categoryMACD] = SignalMACDBullish
	case indicators.MACDBearish:
		out[categoryMACD] = SignalMACDBearish
	}

	switch ind.BollingerPosition {
	case indicators.BollingerAboveUpper:
		out[categoryBollinger] = SignalBollingerUpper
	case indicators.BollingerBelowLower:
		out[categoryBollinger] = SignalBollingerLower
	}

	return out
}

// maybeFire emits and persists a notification iff the signal type changed
// since the last one recorded for this ticker/category and the ticker is
// outside cooldown for that exact signal type (spec.md §4.12 (a)/(b)).
func (w *Watcher) maybeFire(ticker domain.Ticker, cat category, sigType SignalType, now time.Time) {
	w.mu.Lock()
	byCat, ok := w.lastType[ticker]
	if !ok {
		byCat = make(map[category]SignalType)
		w.lastType[ticker] = byCat
	}
	changed := byCat[cat] != sigType
	byCat[cat] = sigType
	if !changed {
		w.mu.Unlock()
		return
	}

	byType, ok := w.lastFired[ticker]
	if !ok {
		byType = make(map[SignalType]time.Time)
		w.lastFired[ticker] = byType
	}
	cooldown := time.Duration(w.cfg.CooldownMinutes) * time.Minute
	if last, fired := byType[sigType]; fired && now.Sub(last) < cooldown {
		w.mu.Unlock()
		return
	}
	byType[sigType] = now

	w.signals = append(w.signals, Signal{Ticker: ticker, Type: sigType, DetectedAt: now})
	if len(w.signals) > maxHistory {
		w.signals = w.signals[len(w.signals)-maxHistory:]
	}
	w.mu.Unlock()

	n := Notification{
		Ticker:     ticker,
		Type:       sigType,
		Message:    fmt.Sprintf("%s: %s", ticker, sigType),
		DetectedAt: now,
	}
	if err := w.notify.Notify(n); err != nil {
		w.log.Error().Err(err).Str("ticker", ticker.String()).Str("type", string(sigType)).Msg("maybeFire: notify failed")
	}
}

// Stats summarises persisted signal history (spec.md §4.12: "derive stats
// (24h/7d counts, by type, by ticker)").
type Stats struct {
	Count24h int
	Count7d  int
	ByType   map[SignalType]int
	ByTicker map[string]int
}

// Stats computes Stats over the in-memory signal history as of now.
func (w *Watcher) Stats(now time.Time) Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := Stats{ByType: map[SignalType]int{}, ByTicker: map[string]int{}}
	for _, s := range w.signals {
		age := now.Sub(s.DetectedAt)
		if age <= 24*time.Hour {
			st.Count24h++
		}
		if age <= 7*24*time.Hour {
			st.Count7d++
		}
		st.ByType[s.Type]++
		st.ByTicker[s.Ticker.String()]++
	}
	return st
}

// Signals returns a copy of the persisted signal history, newest last.
func (w *Watcher) Signals() []Signal {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Signal, len(w.signals))
	copy(out, w.signals)
	return out
}
