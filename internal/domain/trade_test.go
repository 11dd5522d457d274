package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrade_LifecycleTransitions(t *testing.T) {
	planned := Trade{Status: StatusPlanned}
	assert.True(t, planned.CanActivate())
	assert.False(t, planned.CanClose())
	assert.True(t, planned.CanCancel())

	active := Trade{Status: StatusActive}
	assert.False(t, active.CanActivate())
	assert.True(t, active.CanClose())
	assert.True(t, active.CanCancel())

	closed := Trade{Status: StatusClosed}
	assert.False(t, closed.CanActivate())
	assert.False(t, closed.CanClose())
	assert.False(t, closed.CanCancel())
}

func TestSignedGrossPnL_Long(t *testing.T) {
	pnl := SignedGrossPnL(DirectionLong, 100, 110, 10)
	assert.InDelta(t, 100, pnl, 0.001) // (110-100)*10
}

func TestSignedGrossPnL_Short(t *testing.T) {
	pnl := SignedGrossPnL(DirectionShort, 100, 90, 10)
	assert.InDelta(t, 100, pnl, 0.001) // (100-90)*10
}

func TestRMultiple_ZeroRiskReturnsNil(t *testing.T) {
	r := RMultiple(50, 100, 100, 10)
	assert.Nil(t, r)
}

func TestRMultiple_ComputesRatio(t *testing.T) {
	// entry 100, stop 95, size 10 -> risk = 50; net pnl 100 -> R = 2
	r := RMultiple(100, 100, 95, 10)
	if assert.NotNil(t, r) {
		assert.InDelta(t, 2.0, *r, 0.001)
	}
}

func TestJournalEntry_ValidateQualityScoreBounds(t *testing.T) {
	tooHigh := 11
	e := JournalEntry{TradeID: 1, QualityScore: &tooHigh}
	err := e.Validate()
	assert.Error(t, err)

	ok := 7
	e2 := JournalEntry{TradeID: 1, QualityScore: &ok}
	assert.NoError(t, e2.Validate())
}
