package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel/tradingcore/internal/database"
	"github.com/sentinel/tradingcore/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "journal-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := New(db, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestTrade_FullLifecycleRoundTrip(t *testing.T) {
	s := newTestStore(t)

	id, err := s.PlanTrade(domain.Trade{
		Ticker:       domain.MustTicker("AAPL"),
		Direction:    domain.DirectionLong,
		StopLoss:     ptr(95),
		PositionSize: ptr(10),
	})
	require.NoError(t, err)

	planned, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPlanned, planned.Status)

	require.NoError(t, s.Activate(id, 100, time.Now()))
	active, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, active.Status)
	require.NotNil(t, active.EntryPrice)
	assert.Equal(t, 100.0, *active.EntryPrice)

	require.NoError(t, s.Close(id, 110, time.Now(), 2))
	closed, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, closed.Status)
	require.NotNil(t, closed.NetPnL)
	assert.InDelta(t, 98.0, *closed.NetPnL, 0.001) // (110-100)*10 - 2 fees
	require.NotNil(t, closed.RMultiple)
}

func TestTrade_CancelFromPlanned(t *testing.T) {
	s := newTestStore(t)

	id, err := s.PlanTrade(domain.Trade{Ticker: domain.MustTicker("MSFT"), Direction: domain.DirectionLong})
	require.NoError(t, err)

	require.NoError(t, s.Cancel(id))
	trade, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, trade.Status)
}

func TestTrade_CannotCloseUnactivatedTrade(t *testing.T) {
	s := newTestStore(t)

	id, err := s.PlanTrade(domain.Trade{Ticker: domain.MustTicker("MSFT"), Direction: domain.DirectionLong})
	require.NoError(t, err)

	err = s.Close(id, 100, time.Now(), 0)
	require.Error(t, err)
	kind, _ := domain.KindOf(err)
	assert.Equal(t, domain.KindValidation, kind)
}

func TestGet_UnknownTradeReturnsNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(999)
	require.Error(t, err)
	kind, _ := domain.KindOf(err)
	assert.Equal(t, domain.KindNotFound, kind)
}

func TestUpsertJournalEntry_RejectsOutOfRangeQualityScore(t *testing.T) {
	s := newTestStore(t)

	id, err := s.PlanTrade(domain.Trade{Ticker: domain.MustTicker("MSFT"), Direction: domain.DirectionLong})
	require.NoError(t, err)

	err = s.UpsertJournalEntry(domain.JournalEntry{TradeID: id, QualityScore: ptrInt(11)})
	require.Error(t, err)
}

func TestUpsertJournalEntry_UpsertsOnConflict(t *testing.T) {
	s := newTestStore(t)

	id, err := s.PlanTrade(domain.Trade{Ticker: domain.MustTicker("MSFT"), Direction: domain.DirectionLong})
	require.NoError(t, err)

	require.NoError(t, s.UpsertJournalEntry(domain.JournalEntry{TradeID: id, Thesis: "first", QualityScore: ptrInt(5)}))
	require.NoError(t, s.UpsertJournalEntry(domain.JournalEntry{TradeID: id, Thesis: "revised", QualityScore: ptrInt(8)}))
}

func TestDelete_RemovesTradeAndJournalEntry(t *testing.T) {
	s := newTestStore(t)

	id, err := s.PlanTrade(domain.Trade{Ticker: domain.MustTicker("MSFT"), Direction: domain.DirectionLong})
	require.NoError(t, err)
	require.NoError(t, s.UpsertJournalEntry(domain.JournalEntry{TradeID: id, Thesis: "breakout"}))

	require.NoError(t, s.Delete(id))

	_, err = s.Get(id)
	require.Error(t, err)
	kind, _ := domain.KindOf(err)
	assert.Equal(t, domain.KindNotFound, kind)

	var count int
	require.NoError(t, s.db.Conn().QueryRow(`SELECT COUNT(*) FROM journal_entries WHERE trade_id = ?`, id).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestDelete_UnknownTradeReturnsNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.Delete(999)
	require.Error(t, err)
	kind, _ := domain.KindOf(err)
	assert.Equal(t, domain.KindNotFound, kind)
}

func closeTrade(t *testing.T, s *Store, ticker string, entry, exit, stop, size, fees float64) int64 {
	t.Helper()
	id, err := s.PlanTrade(domain.Trade{
		Ticker:       domain.MustTicker(ticker),
		Direction:    domain.DirectionLong,
		StopLoss:     ptr(stop),
		PositionSize: ptr(size),
	})
	require.NoError(t, err)
	require.NoError(t, s.Activate(id, entry, time.Now()))
	require.NoError(t, s.Close(id, exit, time.Now(), fees))
	return id
}

func TestStats_ComputesWinRateAndExpectancy(t *testing.T) {
	s := newTestStore(t)

	closeTrade(t, s, "AAPL", 100, 110, 95, 10, 0) // +100 win
	closeTrade(t, s, "MSFT", 100, 90, 95, 10, 0)  // -100 loss

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TradeCount)
	assert.InDelta(t, 0.5, stats.WinRate, 1e-9)
	assert.InDelta(t, 100.0, stats.AvgWin, 1e-9)
	assert.InDelta(t, 100.0, stats.AvgLoss, 1e-9)
	assert.InDelta(t, 1.0, stats.ProfitFactor, 1e-9)
	assert.InDelta(t, 0.0, stats.Expectancy, 1e-9) // 0.5*100 - 0.5*100
}

func TestStats_EmptyWhenNoClosedTrades(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TradeCount)
	assert.Equal(t, 0.0, stats.WinRate)
}

func TestStatsBySetup_GroupsByJoinedSetupLabel(t *testing.T) {
	s := newTestStore(t)

	id1 := closeTrade(t, s, "AAPL", 100, 110, 95, 10, 0)
	require.NoError(t, s.UpsertJournalEntry(domain.JournalEntry{TradeID: id1, Setup: strPtr("breakout")}))

	id2 := closeTrade(t, s, "MSFT", 100, 90, 95, 10, 0)
	require.NoError(t, s.UpsertJournalEntry(domain.JournalEntry{TradeID: id2, Setup: strPtr("reversal")}))

	breakdowns, err := s.StatsBySetup()
	require.NoError(t, err)
	require.Len(t, breakdowns, 2)

	byLabel := map[string]Breakdown{}
	for _, b := range breakdowns {
		byLabel[b.Label] = b
	}
	assert.Equal(t, 1, byLabel["breakout"].TradeCount)
	assert.InDelta(t, 1.0, byLabel["breakout"].WinRate, 1e-9)
	assert.Equal(t, 1, byLabel["reversal"].TradeCount)
	assert.InDelta(t, 0.0, byLabel["reversal"].WinRate, 1e-9)
}

func TestStatsByEmotion_SkipsTradesWithoutJournalEntry(t *testing.T) {
	s := newTestStore(t)

	closeTrade(t, s, "AAPL", 100, 110, 95, 10, 0) // no journal entry at all

	breakdowns, err := s.StatsByEmotion()
	require.NoError(t, err)
	assert.Empty(t, breakdowns)
}

func strPtr(v string) *string { return &v }

func ptr(v float64) *float64 { return &v }
func ptrInt(v int) *int      { return &v }
