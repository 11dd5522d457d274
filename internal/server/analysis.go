package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel/tradingcore/internal/backtest"
	"github.com/sentinel/tradingcore/internal/domain"
	"github.com/sentinel/tradingcore/internal/montecarlo"
)

// defaultLookbackDays bounds how far back /api/risk/* handlers pull daily
// bars to derive a return series when the caller doesn't specify one.
const defaultLookbackDays = 400

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, log zerolog.Logger, handler string, status int, err error) {
	log.Warn().Err(err).Str("handler", handler).Msg("request failed")
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// enrichRequest is the wire shape of /api/portfolio/enrich: a raw position
// list plus the portfolio's total market value (used for weight/
// concentration in the risk analysis).
type enrichRequest struct {
	Positions []struct {
		Ticker       string  `json:"ticker"`
		Shares       float64 `json:"shares"`
		AvgCost      float64 `json:"avg_cost"`
		CurrentPrice float64 `json:"current_price"`
	} `json:"positions"`
	TotalValue float64 `json:"total_value"`
}

// enrichHandler runs the enrichment pipeline (C7) over a posted position
// list, returning per-position quotes, technical/sentiment analysis, risk,
// and recommendation (spec.md §4.6).
func enrichHandler(enricher Enricher, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req enrichRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, log, "enrichHandler", http.StatusBadRequest, err)
			return
		}

		positions := make([]domain.PortfolioPosition, 0, len(req.Positions))
		for _, p := range req.Positions {
			ticker, err := domain.NewTicker(p.Ticker)
			if err != nil {
				writeError(w, log, "enrichHandler", http.StatusBadRequest, err)
				return
			}
			positions = append(positions, domain.PortfolioPosition{
				Ticker:       ticker,
				Shares:       p.Shares,
				AvgCost:      p.AvgCost,
				CurrentPrice: p.CurrentPrice,
			})
		}

		result, err := enricher.Enrich(r.Context(), positions, req.TotalValue)
		if err != nil {
			writeError(w, log, "enrichHandler", http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// monteCarloRequest is the wire shape of /api/risk/montecarlo: a single
// ticker's GBM simulation, optionally under named scenarios (monte_carlo.py
// scenario_analysis).
type monteCarloRequest struct {
	Ticker            string                           `json:"ticker"`
	CurrentPrice      float64                          `json:"current_price"`
	HorizonDays       int                              `json:"horizon_days"`
	NumPaths          int                              `json:"num_paths"`
	Seed              int64                            `json:"seed"`
	LookbackDays      int                              `json:"lookback_days"`
	HistoricalReturns []float64                        `json:"historical_returns,omitempty"` // overrides the fetched history when present
	Scenarios         map[string]scenarioRequestParams `json:"scenarios,omitempty"`
}

type scenarioRequestParams struct {
	VolMult       *float64 `json:"vol_mult,omitempty"`
	DriftMult     *float64 `json:"drift_mult,omitempty"`
	DriftOverride *float64 `json:"drift_override,omitempty"`
}

// monteCarloSingleAssetHandler runs SimulateSingleAsset (and, if scenarios
// are supplied, ScenarioAnalysis) for one ticker, pulling its historical
// return series from the quote registry unless the caller supplied one
// directly (spec.md §4.8 C9).
func monteCarloSingleAssetHandler(history HistoryProvider, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req monteCarloRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, log, "monteCarloSingleAssetHandler", http.StatusBadRequest, err)
			return
		}

		ticker, err := domain.NewTicker(req.Ticker)
		if err != nil {
			writeError(w, log, "monteCarloSingleAssetHandler", http.StatusBadRequest, err)
			return
		}

		returns := req.HistoricalReturns
		if len(returns) == 0 {
			returns, err = dailyReturnsFromHistory(r.Context(), history, ticker, req.LookbackDays)
			if err != nil {
				writeError(w, log, "monteCarloSingleAssetHandler", http.StatusBadGateway, err)
				return
			}
		}

		if len(req.Scenarios) > 0 {
			scenarios := make(map[string]montecarlo.ScenarioParams, len(req.Scenarios))
			for name, p := range req.Scenarios {
				scenarios[name] = montecarlo.ScenarioParams{VolMult: p.VolMult, DriftMult: p.DriftMult, DriftOverride: p.DriftOverride}
			}
			results, err := montecarlo.ScenarioAnalysis(req.Ticker, req.CurrentPrice, returns, scenarios, req.HorizonDays, req.NumPaths, req.Seed)
			if err != nil {
				writeError(w, log, "monteCarloSingleAssetHandler", http.StatusUnprocessableEntity, err)
				return
			}
			writeJSON(w, http.StatusOK, results)
			return
		}

		result, err := montecarlo.SimulateSingleAsset(req.Ticker, req.CurrentPrice, returns, req.HorizonDays, req.NumPaths, req.Seed)
		if err != nil {
			writeError(w, log, "monteCarloSingleAssetHandler", http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// portfolioVaRRequest is the wire shape of /api/risk/portfolio-var.
type portfolioVaRRequest struct {
	Positions []struct {
		Symbol      string  `json:"symbol"`
		MarketValue float64 `json:"market_value"`
	} `json:"positions"`
	HorizonDays       int                  `json:"horizon_days"`
	NumPaths          int                  `json:"num_paths"`
	Seed              int64                `json:"seed"`
	LookbackDays      int                  `json:"lookback_days"`
	HistoricalReturns map[string][]float64 `json:"historical_returns,omitempty"` // overrides fetched history per symbol
}

// monteCarloPortfolioVaRHandler computes VaR99/95/90, CVaR99/95,
// diversification ratio, and marginal risk attribution for a posted
// position list (spec.md §4.8 C9, monte_carlo.py calculate_portfolio_var).
func monteCarloPortfolioVaRHandler(history HistoryProvider, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req portfolioVaRRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, log, "monteCarloPortfolioVaRHandler", http.StatusBadRequest, err)
			return
		}

		positions := make([]montecarlo.PositionInput, 0, len(req.Positions))
		returns := make(map[string][]float64, len(req.Positions))
		for _, p := range req.Positions {
			positions = append(positions, montecarlo.PositionInput{Symbol: p.Symbol, MarketValue: p.MarketValue})

			if series, ok := req.HistoricalReturns[p.Symbol]; ok {
				returns[p.Symbol] = series
				continue
			}
			ticker, err := domain.NewTicker(p.Symbol)
			if err != nil {
				writeError(w, log, "monteCarloPortfolioVaRHandler", http.StatusBadRequest, err)
				return
			}
			series, err := dailyReturnsFromHistory(r.Context(), history, ticker, req.LookbackDays)
			if err != nil {
				writeError(w, log, "monteCarloPortfolioVaRHandler", http.StatusBadGateway, err)
				return
			}
			returns[p.Symbol] = series
		}

		result, err := montecarlo.CalculatePortfolioVaR(positions, returns, req.HorizonDays, req.NumPaths, req.Seed)
		if err != nil {
			writeError(w, log, "monteCarloPortfolioVaRHandler", http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// backtestHandler replays a posted day-by-day backtest configuration (C10,
// spec.md §4.9). Both days and config are decoded directly into the
// backtest package's own types.
func backtestHandler(log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Days   []backtest.Day  `json:"days"`
			Config backtest.Config `json:"config"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, log, "backtestHandler", http.StatusBadRequest, err)
			return
		}

		result, err := backtest.Run(req.Days, req.Config)
		if err != nil {
			writeError(w, log, "backtestHandler", http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// dailyReturnsFromHistory fetches lookbackDays (default defaultLookbackDays)
// of daily bars for ticker and converts adjacent closes into simple daily
// returns, the input shape montecarlo.SimulateSingleAsset /
// CalculatePortfolioVaR expect.
func dailyReturnsFromHistory(ctx context.Context, history HistoryProvider, ticker domain.Ticker, lookbackDays int) ([]float64, error) {
	if lookbackDays <= 0 {
		lookbackDays = defaultLookbackDays
	}
	to := time.Now()
	from := to.AddDate(0, 0, -lookbackDays)

	bars, err := history.Historical(ctx, ticker, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch historical bars for %s: %w", ticker, err)
	}
	if len(bars) < 2 {
		return nil, fmt.Errorf("insufficient historical bars for %s: got %d", ticker, len(bars))
	}

	returns := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev := bars[i-1].Close
		if prev == 0 {
			continue
		}
		returns = append(returns, (bars[i].Close-prev)/prev)
	}
	return returns, nil
}
