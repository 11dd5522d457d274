// Package regime implements C13: the market regime provider. It consumes
// the same daily SignalData snapshot the backtest engine (C10) replays
// over (domain.SignalData, spec.md §3), derives the six named boolean
// stress signals, counts them into a discrete Label, and persists every
// evaluation to SQLite over the shared internal/database wrapper --
// following the teacher's internal/modules/trading/trade_repository.go
// persistence discipline (explicit schema, zerolog field logging around
// every write) rather than the continuous-smoothing model an earlier
// revision of this package used, since spec.md §4.12's regime table is a
// stateless classification of the day's signals, not a trend follower.
package regime

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel/tradingcore/internal/database"
	"github.com/sentinel/tradingcore/internal/domain"
)

// Label is the discrete regime classification exposed to callers.
type Label string

const (
	RiskOn          Label = "risk_on"
	Neutral         Label = "neutral"
	RiskOff         Label = "risk_off"
	HighUncertainty Label = "high_uncertainty"
)

// vixSpikeThreshold is the absolute VIX level spec.md §4.12 names for the
// vix_spike override, independent of the stress_count tally.
const vixSpikeThreshold = 30

// spyDrawdownAlertThreshold is spec.md §4.12's spy_drawdown_alert bound.
const spyDrawdownAlertThreshold = -0.10

// Schema persists every regime evaluation for audit and journal/backtest
// cross-reference.
const Schema = `
CREATE TABLE IF NOT EXISTS regime_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	evaluated_at INTEGER NOT NULL,
	stress_count INTEGER NOT NULL,
	label TEXT NOT NULL,
	credit_stress INTEGER NOT NULL,
	vix_elevated INTEGER NOT NULL,
	vix_spike INTEGER NOT NULL,
	spy_below_sma200 INTEGER NOT NULL,
	spy_drawdown_alert INTEGER NOT NULL,
	yield_curve_inverted INTEGER NOT NULL
);
`

// Signals is the six named boolean stress indicators spec.md §4.12 derives
// from one day's domain.SignalData.
type Signals struct {
	CreditStress       bool
	VIXElevated        bool
	VIXSpike           bool
	SPYBelowSMA200     bool
	SPYDrawdownAlert   bool
	YieldCurveInverted bool
}

// deriveSignals computes the six boolean stress signals from one day's
// macro snapshot (spec.md §4.12).
func deriveSignals(d domain.SignalData) Signals {
	return Signals{
		CreditStress:       d.HYGLQDRatio < d.HYGLQDSMA50,
		VIXElevated:        d.VIX > d.VIXSMA20,
		VIXSpike:           d.VIX > vixSpikeThreshold,
		SPYBelowSMA200:     d.SPYClose < d.SPYSMA200,
		SPYDrawdownAlert:   d.SPYDrawdown < spyDrawdownAlertThreshold,
		YieldCurveInverted: d.YieldSpread < 0,
	}
}

// stressCount tallies every boolean signal except VIXSpike, which overrides
// the table directly rather than contributing to the count (spec.md
// §4.12's table lists five rows of signals plus a standalone "or VIX
// spike" clause for high_uncertainty).
func (s Signals) stressCount() int {
	count := 0
	for _, active := range []bool{s.CreditStress, s.VIXElevated, s.SPYBelowSMA200, s.SPYDrawdownAlert, s.YieldCurveInverted} {
		if active {
			count++
		}
	}
	return count
}

// labelFor maps a stress_count/vix_spike pair to the regime table spec.md
// §4.12 gives: 0 -> risk_on, 1-2 -> neutral, 3 -> risk_off, >=4 or a VIX
// spike -> high_uncertainty.
func labelFor(s Signals) Label {
	count := s.stressCount()
	switch {
	case s.VIXSpike || count >= 4:
		return HighUncertainty
	case count == 3:
		return RiskOff
	case count >= 1:
		return Neutral
	default:
		return RiskOn
	}
}

// Allocation is a fixed recommended weighting across the four named asset
// buckets spec.md §4.12 uses.
type Allocation struct {
	Growth    float64
	Income    float64
	Defensive float64
	Cash      float64
}

// allocations maps each regime to its fixed recommended allocation.
// spec.md §4.12 requires the mapping but does not fix the percentages;
// these follow a standard risk-ladder glide (heaviest growth weight at
// risk_on, heaviest cash weight at high_uncertainty) recorded as an Open
// Question decision.
var allocations = map[Label]Allocation{
	RiskOn:          {Growth: 0.70, Income: 0.20, Defensive: 0.05, Cash: 0.05},
	Neutral:         {Growth: 0.50, Income: 0.30, Defensive: 0.15, Cash: 0.05},
	RiskOff:         {Growth: 0.20, Income: 0.30, Defensive: 0.35, Cash: 0.15},
	HighUncertainty: {Growth: 0.10, Income: 0.20, Defensive: 0.30, Cash: 0.40},
}

// AllocationFor returns the fixed recommended allocation for label.
func AllocationFor(label Label) Allocation { return allocations[label] }

// Evaluation is one computed, persisted regime reading.
type Evaluation struct {
	Label      Label
	Signals    Signals
	Allocation Allocation
	Evaluated  time.Time
}

// Provider computes and persists the market regime.
type Provider struct {
	db  *database.DB
	log zerolog.Logger
}

// New constructs a Provider and applies its schema.
func New(db *database.DB, log zerolog.Logger) (*Provider, error) {
	if err := db.Migrate(Schema); err != nil {
		return nil, fmt.Errorf("failed to migrate regime schema: %w", err)
	}
	return &Provider{db: db, log: log.With().Str("component", "regime").Logger()}, nil
}

// Evaluate derives the day's boolean signals from data, classifies the
// regime label, persists the evaluation, and returns it with its fixed
// recommended allocation.
func (p *Provider) Evaluate(data domain.SignalData) (Evaluation, error) {
	signals := deriveSignals(data)
	label := labelFor(signals)
	now := time.Now()

	_, err := p.db.Conn().Exec(
		`INSERT INTO regime_history
		 (evaluated_at, stress_count, label, credit_stress, vix_elevated, vix_spike, spy_below_sma200, spy_drawdown_alert, yield_curve_inverted)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		now.Unix(), signals.stressCount(), string(label),
		signals.CreditStress, signals.VIXElevated, signals.VIXSpike, signals.SPYBelowSMA200, signals.SPYDrawdownAlert, signals.YieldCurveInverted,
	)
	if err != nil {
		return Evaluation{}, fmt.Errorf("failed to persist regime evaluation: %w", err)
	}

	p.log.Info().Int("stress_count", signals.stressCount()).Str("label", string(label)).Msg("regime evaluated")
	return Evaluation{Label: label, Signals: signals, Allocation: AllocationFor(label), Evaluated: now}, nil
}

// Current returns the most recently persisted label without recomputing.
func (p *Provider) Current() (Label, error) {
	var label string
	err := p.db.Conn().QueryRow(`SELECT label FROM regime_history ORDER BY evaluated_at DESC, id DESC LIMIT 1`).Scan(&label)
	if err == sql.ErrNoRows {
		return "", domain.NewError(domain.KindNotFound, "regime.Current", fmt.Errorf("no regime history yet"))
	}
	if err != nil {
		return "", fmt.Errorf("failed to read current regime: %w", err)
	}
	return Label(label), nil
}
