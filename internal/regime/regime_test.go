package regime

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel/tradingcore/internal/database"
	"github.com/sentinel/tradingcore/internal/domain"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "regime.db"),
		Profile: database.ProfileStandard,
		Name:    "regime-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	p, err := New(db, zerolog.Nop())
	require.NoError(t, err)
	return p
}

func calmSignalData() domain.SignalData {
	return domain.SignalData{
		HYGLQDRatio: 1.1, HYGLQDSMA50: 1.0,
		VIX: 15, VIXSMA20: 18,
		SPYClose: 420, SPYSMA200: 400,
		SPYDrawdown: -0.02,
		YieldSpread: 0.8,
	}
}

func TestDeriveSignals_AllCalmWhenWithinNormalRanges(t *testing.T) {
	s := deriveSignals(calmSignalData())
	assert.False(t, s.CreditStress)
	assert.False(t, s.VIXElevated)
	assert.False(t, s.VIXSpike)
	assert.False(t, s.SPYBelowSMA200)
	assert.False(t, s.SPYDrawdownAlert)
	assert.False(t, s.YieldCurveInverted)
	assert.Equal(t, 0, s.stressCount())
}

func TestDeriveSignals_FlagsEachStressCondition(t *testing.T) {
	d := domain.SignalData{
		HYGLQDRatio: 0.9, HYGLQDSMA50: 1.0, // credit_stress
		VIX: 22, VIXSMA20: 18, // vix_elevated
		SPYClose: 380, SPYSMA200: 400, // spy_below_sma200
		SPYDrawdown: -0.15, // spy_drawdown_alert
		YieldSpread: -0.2,  // yield_curve_inverted
	}
	s := deriveSignals(d)
	assert.True(t, s.CreditStress)
	assert.True(t, s.VIXElevated)
	assert.False(t, s.VIXSpike)
	assert.True(t, s.SPYBelowSMA200)
	assert.True(t, s.SPYDrawdownAlert)
	assert.True(t, s.YieldCurveInverted)
	assert.Equal(t, 5, s.stressCount())
}

func TestDeriveSignals_VIXSpikeIsAbsoluteThreshold(t *testing.T) {
	d := calmSignalData()
	d.VIX = 35
	d.VIXSMA20 = 18
	s := deriveSignals(d)
	assert.True(t, s.VIXSpike)
	assert.True(t, s.VIXElevated)
}

func TestLabelFor_StressCountTable(t *testing.T) {
	base := calmSignalData() // 0 stress signals

	assert.Equal(t, RiskOn, labelFor(deriveSignals(base)))

	oneStress := base
	oneStress.HYGLQDRatio = 0.9
	assert.Equal(t, Neutral, labelFor(deriveSignals(oneStress)))

	twoStress := oneStress
	twoStress.VIX, twoStress.VIXSMA20 = 22, 18
	assert.Equal(t, Neutral, labelFor(deriveSignals(twoStress)))

	threeStress := twoStress
	threeStress.SPYClose, threeStress.SPYSMA200 = 380, 400
	assert.Equal(t, RiskOff, labelFor(deriveSignals(threeStress)))

	fourStress := threeStress
	fourStress.SPYDrawdown = -0.15
	assert.Equal(t, HighUncertainty, labelFor(deriveSignals(fourStress)))
}

func TestLabelFor_VIXSpikeOverridesRegardlessOfCount(t *testing.T) {
	calm := calmSignalData()
	calm.VIX = 35 // vix_spike, but otherwise zero other stress signals
	assert.Equal(t, HighUncertainty, labelFor(deriveSignals(calm)))
}

func TestAllocationFor_SumsToOneForEveryLabel(t *testing.T) {
	for _, label := range []Label{RiskOn, Neutral, RiskOff, HighUncertainty} {
		a := AllocationFor(label)
		assert.InDelta(t, 1.0, a.Growth+a.Income+a.Defensive+a.Cash, 1e-9)
	}
}

func TestEvaluate_PersistsAndReturnsCurrent(t *testing.T) {
	p := newTestProvider(t)

	eval, err := p.Evaluate(calmSignalData())
	require.NoError(t, err)
	assert.Equal(t, RiskOn, eval.Label)
	assert.Equal(t, AllocationFor(RiskOn), eval.Allocation)

	current, err := p.Current()
	require.NoError(t, err)
	assert.Equal(t, RiskOn, current)
}

func TestCurrent_NotFoundBeforeAnyEvaluation(t *testing.T) {
	p := newTestProvider(t)
	_, err := p.Current()
	require.Error(t, err)
	kind, _ := domain.KindOf(err)
	assert.Equal(t, domain.KindNotFound, kind)
}

func TestEvaluate_ReflectsMostRecentEvaluation(t *testing.T) {
	p := newTestProvider(t)

	_, err := p.Evaluate(calmSignalData())
	require.NoError(t, err)

	stressed := calmSignalData()
	stressed.VIX = 35
	_, err = p.Evaluate(stressed)
	require.NoError(t, err)

	current, err := p.Current()
	require.NoError(t, err)
	assert.Equal(t, HighUncertainty, current)
}
