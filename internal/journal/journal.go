// Package journal implements C11: the trading journal store. It follows
// the teacher's internal/modules/trading/trade_repository.go shape --
// an explicit column list to avoid SELECT *, Validate before a journal
// entry is written, zerolog field logging on trade lifecycle writes -- over
// the shared internal/database SQLite wrapper instead of a raw *sql.DB.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel/tradingcore/internal/database"
	"github.com/sentinel/tradingcore/internal/domain"
)

// Schema creates the trades and journal_entries tables. Applied once at
// startup via (*database.DB).Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS trades (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ticker TEXT NOT NULL,
	direction TEXT NOT NULL,
	status TEXT NOT NULL,
	entry_price REAL,
	exit_price REAL,
	stop_loss REAL,
	take_profit REAL,
	position_size REAL,
	entry_time INTEGER,
	exit_time INTEGER,
	gross_pnl REAL,
	net_pnl REAL,
	fees REAL NOT NULL DEFAULT 0,
	r_multiple REAL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS journal_entries (
	trade_id INTEGER PRIMARY KEY REFERENCES trades(id),
	thesis TEXT,
	execution_quality TEXT,
	emotional_state TEXT,
	process_compliance INTEGER,
	quality_score INTEGER,
	mistakes TEXT,
	lessons TEXT,
	setup TEXT
);
`

const tradeColumns = `id, ticker, direction, status, entry_price, exit_price, stop_loss, take_profit, position_size, entry_time, exit_time, gross_pnl, net_pnl, fees, r_multiple, created_at, updated_at`

// Store is the trading journal's persistence layer (C11).
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// New constructs a Store and applies the schema.
func New(db *database.DB, log zerolog.Logger) (*Store, error) {
	if err := db.Migrate(Schema); err != nil {
		return nil, fmt.Errorf("failed to migrate journal schema: %w", err)
	}
	return &Store{db: db, log: log.With().Str("component", "journal").Logger()}, nil
}

// PlanTrade inserts a new trade in StatusPlanned, following the
// planned->active->closed lifecycle (spec.md §3).
func (s *Store) PlanTrade(t domain.Trade) (int64, error) {
	t.Status = domain.StatusPlanned
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now

	res, err := s.db.Conn().Exec(
		`INSERT INTO trades (ticker, direction, status, stop_loss, take_profit, position_size, fees, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Ticker.String(), string(t.Direction), string(t.Status), t.StopLoss, t.TakeProfit, t.PositionSize, t.Fees, now.Unix(), now.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to plan trade: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read new trade id: %w", err)
	}

	s.log.Info().Int64("trade_id", id).Str("ticker", t.Ticker.String()).Msg("trade planned")
	return id, nil
}

// Activate transitions a planned trade to active, recording the fill
// price and entry time. Fails with KindValidation if the trade cannot
// currently activate (spec.md §3 lifecycle invariant).
func (s *Store) Activate(id int64, entryPrice float64, entryTime time.Time) error {
	t, err := s.Get(id)
	if err != nil {
		return err
	}
	if !t.CanActivate() {
		return domain.NewError(domain.KindValidation, "journal.Activate", fmt.Errorf("trade %d in status %s cannot activate", id, t.Status))
	}

	now := time.Now()
	_, err = s.db.Conn().Exec(
		`UPDATE trades SET status = ?, entry_price = ?, entry_time = ?, updated_at = ? WHERE id = ?`,
		string(domain.StatusActive), entryPrice, entryTime.Unix(), now.Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to activate trade %d: %w", id, err)
	}
	s.log.Info().Int64("trade_id", id).Float64("entry_price", entryPrice).Msg("trade activated")
	return nil
}

// Close transitions an active trade to closed, computing gross/net P&L and
// R-multiple from entry/exit/stop (spec.md §3/§8).
func (s *Store) Close(id int64, exitPrice float64, exitTime time.Time, exitFees float64) error {
	t, err := s.Get(id)
	if err != nil {
		return err
	}
	if !t.CanClose() {
		return domain.NewError(domain.KindValidation, "journal.Close", fmt.Errorf("trade %d in status %s cannot close", id, t.Status))
	}
	if t.EntryPrice == nil || t.PositionSize == nil {
		return domain.NewError(domain.KindValidation, "journal.Close", fmt.Errorf("trade %d missing entry price or position size", id))
	}

	totalFees := t.Fees + exitFees
	gross := domain.SignedGrossPnL(t.Direction, *t.EntryPrice, exitPrice, *t.PositionSize)
	net := gross - totalFees

	var rMultiple *float64
	if t.StopLoss != nil {
		rMultiple = domain.RMultiple(net, *t.EntryPrice, *t.StopLoss, *t.PositionSize)
	}

	now := time.Now()
	_, err = s.db.Conn().Exec(
		`UPDATE trades SET status = ?, exit_price = ?, exit_time = ?, gross_pnl = ?, net_pnl = ?, fees = ?, r_multiple = ?, updated_at = ? WHERE id = ?`,
		string(domain.StatusClosed), exitPrice, exitTime.Unix(), gross, net, totalFees, rMultiple, now.Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to close trade %d: %w", id, err)
	}
	s.log.Info().Int64("trade_id", id).Float64("net_pnl", net).Msg("trade closed")
	return nil
}

// Cancel transitions a planned or active trade to cancelled.
func (s *Store) Cancel(id int64) error {
	t, err := s.Get(id)
	if err != nil {
		return err
	}
	if !t.CanCancel() {
		return domain.NewError(domain.KindValidation, "journal.Cancel", fmt.Errorf("trade %d in status %s cannot cancel", id, t.Status))
	}

	_, err = s.db.Conn().Exec(`UPDATE trades SET status = ?, updated_at = ? WHERE id = ?`, string(domain.StatusCancelled), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to cancel trade %d: %w", id, err)
	}
	return nil
}

// Get retrieves a trade by ID.
func (s *Store) Get(id int64) (domain.Trade, error) {
	row := s.db.Conn().QueryRow("SELECT "+tradeColumns+" FROM trades WHERE id = ?", id)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Trade{}, domain.NewError(domain.KindNotFound, "journal.Get", fmt.Errorf("trade %d not found", id))
	}
	if err != nil {
		return domain.Trade{}, fmt.Errorf("failed to get trade %d: %w", id, err)
	}
	return t, nil
}

// ListByStatus returns all trades in the given status, most recent first.
func (s *Store) ListByStatus(status domain.TradeStatus) ([]domain.Trade, error) {
	rows, err := s.db.Conn().Query("SELECT "+tradeColumns+" FROM trades WHERE status = ? ORDER BY created_at DESC", string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list trades by status %s: %w", status, err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		t, err := scanTradeRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertJournalEntry attaches or updates the pre/post-trade analysis for a
// trade.
func (s *Store) UpsertJournalEntry(e domain.JournalEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}

	_, err := s.db.Conn().Exec(
		`INSERT INTO journal_entries (trade_id, thesis, execution_quality, emotional_state, process_compliance, quality_score, mistakes, lessons, setup)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(trade_id) DO UPDATE SET
		   thesis = excluded.thesis,
		   execution_quality = excluded.execution_quality,
		   emotional_state = excluded.emotional_state,
		   process_compliance = excluded.process_compliance,
		   quality_score = excluded.quality_score,
		   mistakes = excluded.mistakes,
		   lessons = excluded.lessons,
		   setup = excluded.setup`,
		e.TradeID, e.Thesis, e.ExecutionQuality, e.EmotionalState, e.ProcessCompliance, e.QualityScore, e.Mistakes, e.Lessons, e.Setup,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert journal entry for trade %d: %w", e.TradeID, err)
	}
	return nil
}

// Delete removes a trade and its paired journal entry, if any (spec.md
// §4.10: "delete(trade_id) -- also deletes paired JournalEntry").
func (s *Store) Delete(id int64) error {
	tx, err := s.db.Conn().Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction for trade %d: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM journal_entries WHERE trade_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete journal entry for trade %d: %w", id, err)
	}
	res, err := tx.Exec(`DELETE FROM trades WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete trade %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to confirm delete of trade %d: %w", id, err)
	}
	if n == 0 {
		return domain.NewError(domain.KindNotFound, "journal.Delete", fmt.Errorf("trade %d not found", id))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete of trade %d: %w", id, err)
	}
	s.log.Info().Int64("trade_id", id).Msg("trade deleted")
	return nil
}

// Stats is the aggregate performance summary spec.md §4.10 derives on
// demand from closed trades.
type Stats struct {
	TradeCount   int
	WinRate      float64
	AvgWin       float64
	AvgLoss      float64
	ProfitFactor float64
	Expectancy   float64
	AvgRMultiple float64
}

// Breakdown is Stats scoped to one setup or emotional-state label.
type Breakdown struct {
	Label string
	Stats
}

// Stats computes win rate, avg win/loss, profit factor, expectancy, and
// average R-multiple across all closed trades.
func (s *Store) Stats() (Stats, error) {
	rows, err := s.db.Conn().Query(`SELECT net_pnl, r_multiple FROM trades WHERE status = ?`, string(domain.StatusClosed))
	if err != nil {
		return Stats{}, fmt.Errorf("failed to query closed trades for stats: %w", err)
	}
	defer rows.Close()

	var pnls, rMultiples []float64
	for rows.Next() {
		var pnl, r sql.NullFloat64
		if err := rows.Scan(&pnl, &r); err != nil {
			return Stats{}, fmt.Errorf("failed to scan closed trade for stats: %w", err)
		}
		if pnl.Valid {
			pnls = append(pnls, pnl.Float64)
		}
		if r.Valid {
			rMultiples = append(rMultiples, r.Float64)
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}
	return computeStats(pnls, rMultiples), nil
}

// StatsBySetup computes Stats for each distinct setup label, joining
// JournalEntry to closed Trades (spec.md §4.10).
func (s *Store) StatsBySetup() ([]Breakdown, error) {
	return s.statsByLabel("setup")
}

// StatsByEmotion computes Stats for each distinct emotional_state label.
func (s *Store) StatsByEmotion() ([]Breakdown, error) {
	return s.statsByLabel("emotional_state")
}

type labelAccumulator struct {
	pnls       []float64
	rMultiples []float64
}

// statsByLabel groups closed trades by a journal_entries column fixed to
// one of "setup"/"emotional_state" by its two callers above, never by
// caller-supplied input, so the interpolated column name carries no
// injection risk.
func (s *Store) statsByLabel(column string) ([]Breakdown, error) {
	query := fmt.Sprintf(
		`SELECT je.%s, t.net_pnl, t.r_multiple
		 FROM trades t JOIN journal_entries je ON je.trade_id = t.id
		 WHERE t.status = ? AND je.%s IS NOT NULL`,
		column, column,
	)
	rows, err := s.db.Conn().Query(query, string(domain.StatusClosed))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s breakdown: %w", column, err)
	}
	defer rows.Close()

	byLabel := map[string]*labelAccumulator{}
	var order []string
	for rows.Next() {
		var label string
		var pnl, r sql.NullFloat64
		if err := rows.Scan(&label, &pnl, &r); err != nil {
			return nil, fmt.Errorf("failed to scan %s breakdown row: %w", column, err)
		}
		g, ok := byLabel[label]
		if !ok {
			g = &labelAccumulator{}
			byLabel[label] = g
			order = append(order, label)
		}
		if pnl.Valid {
			g.pnls = append(g.pnls, pnl.Float64)
		}
		if r.Valid {
			g.rMultiples = append(g.rMultiples, r.Float64)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Breakdown, 0, len(order))
	for _, label := range order {
		g := byLabel[label]
		out = append(out, Breakdown{Label: label, Stats: computeStats(g.pnls, g.rMultiples)})
	}
	return out, nil
}

// computeStats derives Stats from raw net-P&L and R-multiple samples
// (spec.md §4.10: "expectancy = win_rate*avg_win - loss_rate*avg_loss").
func computeStats(pnls, rMultiples []float64) Stats {
	var st Stats
	st.TradeCount = len(pnls)
	if st.TradeCount == 0 {
		return st
	}

	var wins, losses []float64
	for _, p := range pnls {
		switch {
		case p > 0:
			wins = append(wins, p)
		case p < 0:
			losses = append(losses, -p)
		}
	}

	winRate := float64(len(wins)) / float64(st.TradeCount)
	lossRate := float64(len(losses)) / float64(st.TradeCount)
	st.WinRate = winRate

	if len(wins) > 0 {
		st.AvgWin = sumFloats(wins) / float64(len(wins))
	}
	if len(losses) > 0 {
		st.AvgLoss = sumFloats(losses) / float64(len(losses))
	}
	if totalLoss := sumFloats(losses); totalLoss > 0 {
		st.ProfitFactor = sumFloats(wins) / totalLoss
	}
	st.Expectancy = winRate*st.AvgWin - lossRate*st.AvgLoss

	if len(rMultiples) > 0 {
		st.AvgRMultiple = sumFloats(rMultiples) / float64(len(rMultiples))
	}
	return st
}

func sumFloats(vals []float64) float64 {
	var total float64
	for _, v := range vals {
		total += v
	}
	return total
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(row *sql.Row) (domain.Trade, error)       { return scanAny(row) }
func scanTradeRows(rows *sql.Rows) (domain.Trade, error) { return scanAny(rows) }

func scanAny(s scanner) (domain.Trade, error) {
	var (
		id                                                   int64
		tickerStr, direction, status                         string
		entryPrice, exitPrice, stopLoss, takeProfit, posSize sql.NullFloat64
		entryTime, exitTime                                  sql.NullInt64
		grossPnL, netPnL, fees, rMultiple                    sql.NullFloat64
		createdAt, updatedAt                                 int64
	)
	if err := s.Scan(&id, &tickerStr, &direction, &status, &entryPrice, &exitPrice, &stopLoss, &takeProfit, &posSize, &entryTime, &exitTime, &grossPnL, &netPnL, &fees, &rMultiple, &createdAt, &updatedAt); err != nil {
		return domain.Trade{}, err
	}

	ticker, err := domain.NewTicker(tickerStr)
	if err != nil {
		return domain.Trade{}, err
	}

	t := domain.Trade{
		ID:        id,
		Ticker:    ticker,
		Direction: domain.TradeDirection(direction),
		Status:    domain.TradeStatus(status),
		Fees:      fees.Float64,
		CreatedAt: time.Unix(createdAt, 0),
		UpdatedAt: time.Unix(updatedAt, 0),
	}
	if entryPrice.Valid {
		t.EntryPrice = &entryPrice.Float64
	}
	if exitPrice.Valid {
		t.ExitPrice = &exitPrice.Float64
	}
	if stopLoss.Valid {
		t.StopLoss = &stopLoss.Float64
	}
	if takeProfit.Valid {
		t.TakeProfit = &takeProfit.Float64
	}
	if posSize.Valid {
		t.PositionSize = &posSize.Float64
	}
	if entryTime.Valid {
		et := time.Unix(entryTime.Int64, 0)
		t.EntryTime = &et
	}
	if exitTime.Valid {
		et := time.Unix(exitTime.Int64, 0)
		t.ExitTime = &et
	}
	if grossPnL.Valid {
		t.GrossPnL = &grossPnL.Float64
	}
	if netPnL.Valid {
		t.NetPnL = &netPnL.Float64
	}
	if rMultiple.Valid {
		t.RMultiple = &rMultiple.Float64
	}
	return t, nil
}
