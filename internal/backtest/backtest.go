// Package backtest implements C10: the multi-asset portfolio backtest
// engine with risk-off regime switching and anti-whipsaw filtering. It
// replays a day-by-day allocation strategy over historical bars and daily
// macro signal snapshots, grounded on the accounting discipline of
// internal/modules/trading/trade_repository.go (explicit validate-before-
// mutate, typed status on every fill) and internal/market_regime's signal
// snapshot shape -- applied here to a simulated multi-ticker ledger rather
// than a single live position.
package backtest

import (
	"fmt"
	"math"
	"time"

	"github.com/sentinel/tradingcore/internal/domain"
)

// RiskOffTrigger is one of the combinable signal conditions spec.md §4.9
// names for flipping the backtest into the risk-off allocation.
type RiskOffTrigger string

const (
	TriggerHYGLQDBelowSMA50 RiskOffTrigger = "hyg_lqd_below_sma50"
	TriggerVIXAbove25       RiskOffTrigger = "vix_above_25"
	TriggerSPYBelowSMA200   RiskOffTrigger = "spy_below_sma200"
	TriggerCombined         RiskOffTrigger = "combined"
)

// RebalanceCadence is the periodic rebalance boundary, independent of any
// risk-off transition.
type RebalanceCadence string

const (
	RebalanceMonthly   RebalanceCadence = "monthly"
	RebalanceQuarterly RebalanceCadence = "quarterly"
	RebalanceAnnual    RebalanceCadence = "annual"
)

// dustThreshold is the minimum trade notional below which a rebalance leg
// is skipped rather than executed, avoiding fee-eating dust trades.
const dustThreshold = 1.0

// SignalSnapshot is one day's macro signal reading (spec.md §3 SignalData),
// the same shared shape internal/regime (C13) consumes as domain.SignalData.
type SignalSnapshot domain.SignalData

func (s SignalSnapshot) hygLqdBelowSMA50() bool { return s.HYGLQDRatio < s.HYGLQDSMA50 }
func (s SignalSnapshot) vixAbove25() bool       { return s.VIX > 25 || s.VIX > s.VIXSMA20 }
func (s SignalSnapshot) spyBelowSMA200() bool   { return s.SPYClose < s.SPYSMA200 }
func (s SignalSnapshot) drawdownAlert() bool    { return s.SPYDrawdown < -0.10 }

// active reports whether trig fires for this snapshot. combined requires at
// least 2 of the 4 underlying signals (credit stress, VIX, SPY trend, SPY
// drawdown) to fire, matching portfolio_backtest_engine.py's
// _check_risk_off_trigger.
func (s SignalSnapshot) active(trig RiskOffTrigger) bool {
	switch trig {
	case TriggerHYGLQDBelowSMA50:
		return s.hygLqdBelowSMA50()
	case TriggerVIXAbove25:
		return s.vixAbove25()
	case TriggerSPYBelowSMA200:
		return s.spyBelowSMA200()
	case TriggerCombined:
		count := 0
		for _, t := range []bool{s.hygLqdBelowSMA50(), s.vixAbove25(), s.spyBelowSMA200(), s.drawdownAlert()} {
			if t {
				count++
			}
		}
		return count >= 2
	default:
		return false
	}
}

// Allocation is a target weighting across tickers; weights need not sum to
// exactly 1.0 (a shortfall is left in cash).
type Allocation map[string]float64

// Day is one trading day's replay input: closing prices, optional
// dividends-per-share, and an optional macro signal snapshot (absent on
// days with no signal update, per spec.md §4.9 step 4 "if ... present").
type Day struct {
	Date     time.Time
	Prices   map[string]float64
	Dividend map[string]float64
	Signal   *SignalSnapshot
}

// Config parameterises one backtest run (spec.md §4.9).
type Config struct {
	InitialCapital      float64
	Allocation          Allocation
	RiskOffAllocation   Allocation
	Triggers            []RiskOffTrigger
	EntryDays           int // consecutive risk-off-signal days to confirm risk-on -> risk-off
	ExitDays            int // consecutive risk-on-signal days to confirm risk-off -> risk-on
	RebalanceCadence    RebalanceCadence
	EnableDividends     bool
	MonthlyContribution float64
	SlippageRate        float64
	FXFeeRate           float64
	FixedCommission     float64
}

// defaultRiskOffAllocation is the fallback risk-off target when a Config
// omits one, matching portfolio_backtest_engine.py's
// DEFAULT_RISK_OFF_ALLOCATION (short Treasuries/cash-like ETFs plus a slice
// of aggregate bonds).
var defaultRiskOffAllocation = Allocation{
	"SGOV": 0.40,
	"BIL":  0.30,
	"AGG":  0.20,
	"BND":  0.10,
}

func (c Config) riskOffTarget() Allocation {
	if len(c.RiskOffAllocation) > 0 {
		return c.RiskOffAllocation
	}
	return defaultRiskOffAllocation
}

func (c Config) fees(notional float64) float64 {
	if notional <= 0 {
		return 0
	}
	return notional*c.SlippageRate + notional*c.FXFeeRate + c.FixedCommission
}

// Fill records one simulated rebalance leg.
type Fill struct {
	Date   time.Time
	Ticker string
	Shares float64 // positive buy, negative sell
	Price  float64
	Fees   float64
}

// RiskOffPeriod records one confirmed risk-off window.
type RiskOffPeriod struct {
	Start time.Time
	End   time.Time // zero while still open at the end of the replay
}

// Result is the accounting and derived-metrics output of one backtest run.
type Result struct {
	Dates          []time.Time
	EquityCurve    []float64
	Fills          []Fill
	RiskOffPeriods []RiskOffPeriod
	MonthlyValues  []float64

	FinalEquity   float64
	TotalReturn   float64
	CAGR          float64
	Volatility    float64 // annualised, from monthly returns
	Sharpe        float64
	Sortino       float64
	MaxDrawdown   float64
	DrawdownDays  int
	TimeInRiskOff float64 // fraction of total days spent risk-off
}

// state is the mutable per-run ledger (spec.md §3 BacktestState).
type state struct {
	cash      float64
	positions map[string]float64 // ticker -> shares
	riskOff   bool

	// anti-whipsaw counters
	riskOffStreak int
	riskOnStreak  int

	riskOffStart time.Time
	periods      []RiskOffPeriod

	lastRebalance time.Time
	rebalanced    bool // whether any rebalance has happened yet (day 0 forces one)

	peak float64
}

// Run replays days against cfg, producing the full accounting trail and
// derived risk/return metrics (spec.md §4.9, §8 invariants 9 and 10).
func Run(days []Day, cfg Config) (Result, error) {
	if len(days) == 0 {
		return Result{}, domain.NewError(domain.KindValidation, "backtest.Run", fmt.Errorf("no days to replay"))
	}
	if cfg.InitialCapital <= 0 {
		return Result{}, domain.NewError(domain.KindValidation, "backtest.Run", fmt.Errorf("initial capital must be positive"))
	}
	if cfg.EntryDays <= 0 {
		cfg.EntryDays = 1
	}
	if cfg.ExitDays <= 0 {
		cfg.ExitDays = 1
	}

	st := &state{cash: cfg.InitialCapital, positions: make(map[string]float64), peak: cfg.InitialCapital}

	result := Result{
		Dates:       make([]time.Time, len(days)),
		EquityCurve: make([]float64, len(days)),
	}

	var monthlyValues []float64
	var belowPeakRun, maxBelowPeakRun int
	lastMonth := -1

	for i, day := range days {
		// 1. mark positions to current close is folded into step 6's
		// on-demand portfolioValue() call -- there is no separate
		// mark-to-market mutation, only valuation.

		// 2. dividends.
		if cfg.EnableDividends {
			for ticker, shares := range st.positions {
				if div, ok := day.Dividend[ticker]; ok && div > 0 {
					st.cash += div * shares
				}
			}
		}

		// 3. first calendar day of month: contribution.
		if i == 0 || day.Date.Month() != days[i-1].Date.Month() || day.Date.Year() != days[i-1].Date.Year() {
			if cfg.MonthlyContribution > 0 {
				st.cash += cfg.MonthlyContribution
			}
		}

		// 4. risk-off trigger + anti-whipsaw.
		if day.Signal != nil && len(cfg.Triggers) > 0 {
			fired := evaluateTriggers(*day.Signal, cfg.Triggers)
			transitioned := applyAntiWhipsaw(st, cfg, fired, day.Date)
			if transitioned {
				target := cfg.Allocation
				if st.riskOff {
					target = cfg.riskOffTarget()
				}
				fills := rebalance(st, day.Prices, target, cfg, day.Date)
				result.Fills = append(result.Fills, fills...)
			}
		}

		// 5. periodic rebalance cadence (day 0 always rebalances).
		if !st.rebalanced || crossedCadenceBoundary(cfg.RebalanceCadence, st.lastRebalance, day.Date) {
			target := cfg.Allocation
			if st.riskOff {
				target = cfg.riskOffTarget()
			}
			fills := rebalance(st, day.Prices, target, cfg, day.Date)
			result.Fills = append(result.Fills, fills...)
			st.lastRebalance = day.Date
			st.rebalanced = true
		}

		// 6. recompute value, track drawdown, append curve.
		value := portfolioValue(st, day.Prices)
		result.Dates[i] = day.Date
		result.EquityCurve[i] = value

		if value > st.peak {
			st.peak = value
		}
		if st.peak > 0 && value < st.peak {
			belowPeakRun++
			if belowPeakRun > maxBelowPeakRun {
				maxBelowPeakRun = belowPeakRun
			}
		} else {
			belowPeakRun = 0
		}

		if int(day.Date.Month()) != lastMonth {
			monthlyValues = append(monthlyValues, value)
			lastMonth = int(day.Date.Month())
		} else if len(monthlyValues) > 0 {
			monthlyValues[len(monthlyValues)-1] = value
		}
	}

	if st.riskOff {
		st.periods = append(st.periods, RiskOffPeriod{Start: st.riskOffStart})
	}
	result.RiskOffPeriods = st.periods
	result.MonthlyValues = monthlyValues
	result.FinalEquity = result.EquityCurve[len(result.EquityCurve)-1]
	result.TotalReturn = (result.FinalEquity - cfg.InitialCapital) / cfg.InitialCapital

	years := float64(len(days)) / 365.25
	result.CAGR = cagr(result.TotalReturn, years)
	result.Volatility = annualisedVolatility(monthlyValues)
	result.Sharpe = sharpe(monthlyValues, result.Volatility)
	result.Sortino = sortino(monthlyValues)
	result.MaxDrawdown = maxDrawdown(result.EquityCurve)
	result.DrawdownDays = maxBelowPeakRun
	result.TimeInRiskOff = timeInRiskOff(st.periods, days[0].Date, days[len(days)-1].Date)

	return result, nil
}

// portfolioValue marks every open position to prices and adds cash
// (spec.md §4.9 "portfolio value = cash + sum(position.shares * price)").
// Shares are carried as-is between calls; there is no separate
// mark-to-market mutation, only this on-demand valuation.
func portfolioValue(st *state, prices map[string]float64) float64 {
	value := st.cash
	for ticker, shares := range st.positions {
		if price, ok := prices[ticker]; ok {
			value += shares * price
		}
	}
	return value
}

func evaluateTriggers(sig SignalSnapshot, triggers []RiskOffTrigger) bool {
	for _, t := range triggers {
		if sig.active(t) {
			return true
		}
	}
	return false
}

// applyAntiWhipsaw advances the consecutive-day counters and flips st.riskOff
// only after the configured number of confirming days, recording period
// boundaries on each confirmed transition (spec.md §4.9 anti-whipsaw table,
// §8 invariant 10).
func applyAntiWhipsaw(st *state, cfg Config, riskOffSignal bool, date time.Time) bool {
	if riskOffSignal {
		st.riskOffStreak++
		st.riskOnStreak = 0
	} else {
		st.riskOnStreak++
		st.riskOffStreak = 0
	}

	switch {
	case !st.riskOff && st.riskOffStreak >= cfg.EntryDays:
		st.riskOff = true
		st.riskOffStart = date
		st.riskOffStreak = 0
		return true
	case st.riskOff && st.riskOnStreak >= cfg.ExitDays:
		st.riskOff = false
		st.periods = append(st.periods, RiskOffPeriod{Start: st.riskOffStart, End: date})
		st.riskOnStreak = 0
		return true
	default:
		return false
	}
}

func crossedCadenceBoundary(cadence RebalanceCadence, last, now time.Time) bool {
	switch cadence {
	case RebalanceMonthly:
		return now.Year() != last.Year() || now.Month() != last.Month()
	case RebalanceQuarterly:
		return now.Year() != last.Year() || quarterOf(now) != quarterOf(last)
	case RebalanceAnnual:
		return now.Year() != last.Year()
	default:
		return false
	}
}

func quarterOf(t time.Time) int { return (int(t.Month()) - 1) / 3 }

// rebalance sells tickers no longer in target, then for each target ticker
// trades toward target_value - current_value, skipping dust-sized legs
// (spec.md §4.9 rebalance semantics).
func rebalance(st *state, prices map[string]float64, target Allocation, cfg Config, date time.Time) []Fill {
	var fills []Fill

	for ticker, shares := range st.positions {
		if _, wanted := target[ticker]; !wanted && shares > 0 {
			price, ok := prices[ticker]
			if !ok || price <= 0 {
				continue
			}
			proceeds := shares * price
			fee := cfg.fees(proceeds)
			st.cash += proceeds - fee
			delete(st.positions, ticker)
			fills = append(fills, Fill{Date: date, Ticker: ticker, Shares: -shares, Price: price, Fees: fee})
		}
	}

	totalValue := portfolioValue(st, prices)

	for ticker, weight := range target {
		price, ok := prices[ticker]
		if !ok || price <= 0 {
			continue
		}
		targetValue := totalValue * weight
		currentValue := st.positions[ticker] * price
		diff := targetValue - currentValue

		switch {
		case diff > dustThreshold:
			// cash must cover the notional plus its proportional fees plus
			// the fixed commission: affordable*(1+rate)+fixed <= cash.
			rate := cfg.SlippageRate + cfg.FXFeeRate
			affordable := diff
			if maxAffordable := (st.cash - cfg.FixedCommission) / (1 + rate); affordable > maxAffordable {
				affordable = maxAffordable
			}
			if affordable <= 0 {
				continue
			}
			buyShares := affordable / price
			fee := cfg.fees(affordable)
			st.cash -= affordable + fee
			st.positions[ticker] += buyShares
			fills = append(fills, Fill{Date: date, Ticker: ticker, Shares: buyShares, Price: price, Fees: fee})
		case diff < -dustThreshold:
			sellShares := -diff / price
			if sellShares > st.positions[ticker] {
				sellShares = st.positions[ticker]
			}
			proceeds := sellShares * price
			fee := cfg.fees(proceeds)
			st.cash += proceeds - fee
			st.positions[ticker] -= sellShares
			if st.positions[ticker] < 1e-4 {
				delete(st.positions, ticker)
			}
			fills = append(fills, Fill{Date: date, Ticker: ticker, Shares: -sellShares, Price: price, Fees: fee})
		}
	}

	return fills
}

// cagr computes the compound annual growth rate from a cumulative total
// return and an elapsed-years figure.
func cagr(totalReturn, years float64) float64 {
	if years <= 0 {
		return 0
	}
	base := 1 + totalReturn
	if base <= 0 {
		return -1
	}
	return math.Pow(base, 1/years) - 1
}

func monthlyReturns(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] == 0 {
			continue
		}
		returns = append(returns, (values[i]-values[i-1])/values[i-1])
	}
	return returns
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sumSq float64
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)-1))
}

// annualisedVolatility scales monthly-return stddev by sqrt(12) (spec.md §4.9).
func annualisedVolatility(monthlyValues []float64) float64 {
	return stddev(monthlyReturns(monthlyValues)) * math.Sqrt(12)
}

// sharpe uses a risk-free rate of zero (spec.md §4.9).
func sharpe(monthlyValues []float64, annualVol float64) float64 {
	returns := monthlyReturns(monthlyValues)
	if len(returns) == 0 || annualVol == 0 {
		return 0
	}
	annualReturn := mean(returns) * 12
	return annualReturn / annualVol
}

// sortino uses only negative monthly returns for the downside deviation
// (spec.md §4.9).
func sortino(monthlyValues []float64) float64 {
	returns := monthlyReturns(monthlyValues)
	if len(returns) == 0 {
		return 0
	}
	var negatives []float64
	for _, r := range returns {
		if r < 0 {
			negatives = append(negatives, r)
		}
	}
	downside := stddev(negatives) * math.Sqrt(12)
	if downside == 0 {
		return 0
	}
	annualReturn := mean(returns) * 12
	return annualReturn / downside
}

// maxDrawdown returns the largest peak-to-trough decline in the equity
// curve as a non-negative fraction of the running peak (spec.md §8
// "max drawdown as the most negative equity-curve point").
func maxDrawdown(equity []float64) float64 {
	if len(equity) == 0 {
		return 0
	}
	peak := equity[0]
	var maxDD float64
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			dd := (peak - v) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// timeInRiskOff sums recorded risk-off period durations as a fraction of
// the total replay span (spec.md §4.9 derived metrics). An unclosed final
// period (still risk-off at the end of the replay) is credited through the
// last day of the replay.
func timeInRiskOff(periods []RiskOffPeriod, start, end time.Time) float64 {
	totalDays := end.Sub(start).Hours() / 24
	if totalDays <= 0 {
		return 0
	}
	var riskOffDays float64
	for _, p := range periods {
		periodEnd := p.End
		if periodEnd.IsZero() {
			periodEnd = end
		}
		riskOffDays += periodEnd.Sub(p.Start).Hours() / 24
	}
	return riskOffDays / totalDays
}
