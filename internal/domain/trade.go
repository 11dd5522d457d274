package domain

import (
	"fmt"
	"time"
)

// TradeDirection is the intended direction of a trade.
type TradeDirection string

const (
	DirectionLong  TradeDirection = "long"
	DirectionShort TradeDirection = "short"
)

// TradeStatus is the lifecycle state of a Trade.
// Lifecycle: planned -> active -> closed, or any state -> cancelled
// (spec.md §3).
type TradeStatus string

const (
	StatusPlanned   TradeStatus = "planned"
	StatusActive    TradeStatus = "active"
	StatusClosed    TradeStatus = "closed"
	StatusCancelled TradeStatus = "cancelled"
)

// Trade is a single position lifecycle record owned by the trading
// journal store (C11).
type Trade struct {
	ID           int64
	Ticker       Ticker
	Direction    TradeDirection
	Status       TradeStatus
	EntryPrice   *float64
	ExitPrice    *float64
	StopLoss     *float64
	TakeProfit   *float64
	PositionSize *float64
	EntryTime    *time.Time
	ExitTime     *time.Time
	GrossPnL     *float64
	NetPnL       *float64
	Fees         float64
	RMultiple    *float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CanActivate reports whether the trade may transition planned -> active.
func (t Trade) CanActivate() bool { return t.Status == StatusPlanned }

// CanClose reports whether the trade may transition active -> closed.
func (t Trade) CanClose() bool { return t.Status == StatusActive }

// CanCancel reports whether the trade may be cancelled (any non-terminal
// state).
func (t Trade) CanCancel() bool {
	return t.Status == StatusPlanned || t.Status == StatusActive
}

// SignedGrossPnL returns (exit-entry) for long, (entry-exit) for short, scaled
// by position size, before fees.
func SignedGrossPnL(direction TradeDirection, entry, exit, size float64) float64 {
	switch direction {
	case DirectionShort:
		return (entry - exit) * size
	default:
		return (exit - entry) * size
	}
}

// RMultiple computes signed net P&L divided by initial risk
// (|entry-stop|*size). Returns nil if the risk denominator is zero.
func RMultiple(netPnL, entry, stop, size float64) *float64 {
	denom := abs(entry-stop) * size
	if denom == 0 {
		return nil
	}
	r := netPnL / denom
	return &r
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// JournalEntry is one-to-one with a Trade, holding pre- and post-trade
// analysis.
type JournalEntry struct {
	TradeID           int64
	Thesis            string
	ExecutionQuality  *string
	EmotionalState    *string
	ProcessCompliance *bool
	QualityScore      *int // 1-10
	Mistakes          *string
	Lessons           *string
	Setup             *string
}

// Validate enforces the 1-10 bound on QualityScore, matching the journal
// store's constraint at insert/update time.
func (j JournalEntry) Validate() error {
	if j.QualityScore != nil && (*j.QualityScore < 1 || *j.QualityScore > 10) {
		return NewError(KindValidation, "JournalEntry.Validate", fmt.Errorf("quality_score %d out of range [1,10]", *j.QualityScore))
	}
	return nil
}
