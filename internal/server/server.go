// Package server provides the thin HTTP surface spec.md §6 keeps in scope:
// a liveness probe and the WebSocket endpoint that fans out the hybrid
// streamer (C6) to external subscribers, plus four POST analysis routes
// (analysis.go) for enrichment, Monte Carlo risk and backtests. Routing follows the teacher's
// go-chi/chi + go-chi/cors setup; the broad REST/MCP API surface the
// teacher's internal/server package exposed is explicitly out of scope
// here (spec.md §1 Non-goals).
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/sentinel/tradingcore/internal/domain"
	"github.com/sentinel/tradingcore/internal/enrichment"
	"github.com/sentinel/tradingcore/internal/streamer"
)

// QuoteStream is narrowed from streamer.Streamer to what the /ws handler
// needs: the shared fan-out plus the per-ticker registration spec.md §6
// gives each client ("each client subscribes to [ticker]").
type QuoteStream interface {
	Subscribe() (<-chan domain.Quote, func())
	Watch(ctx context.Context, ticker domain.Ticker, priority streamer.Priority, sourceHint string)
}

// wsSubscribeRequest is the client's initial message naming the tickers it
// wants broadcast to it. An empty or absent Tickers list receives every
// ticker the streamer carries.
type wsSubscribeRequest struct {
	Tickers []string `json:"tickers"`
}

// HealthChecker reports whether the process is ready to serve traffic.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Enricher runs the portfolio enrichment pipeline (C7) for the
// /api/portfolio/enrich handler.
type Enricher interface {
	Enrich(ctx context.Context, positions []domain.PortfolioPosition, totalValue float64) ([]enrichment.Enriched, error)
}

// HistoryProvider supplies the daily bar history the risk endpoints (C9)
// derive return series from.
type HistoryProvider interface {
	Historical(ctx context.Context, ticker domain.Ticker, from, to time.Time) ([]domain.HistoricalBar, error)
}

// Config configures the HTTP surface.
type Config struct {
	Port int
}

// Server is the thin HTTP server.
type Server struct {
	httpServer *http.Server
	log        zerolog.Logger
}

// New builds the chi router and wraps it in an *http.Server, not yet
// listening. enricher and history back the analysis endpoints (portfolio
// enrichment C7, Monte Carlo risk C9, backtest C10) spec.md §1 names as core
// engines alongside the streamer; they are otherwise unreachable outside
// their own package tests.
func New(cfg Config, stream QuoteStream, health HealthChecker, enricher Enricher, history HistoryProvider, log zerolog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", healthzHandler(health, log))
	r.Get("/ws", wsHandler(stream, log))
	r.Post("/api/portfolio/enrich", enrichHandler(enricher, log))
	r.Post("/api/risk/montecarlo", monteCarloSingleAssetHandler(history, log))
	r.Post("/api/risk/portfolio-var", monteCarloPortfolioVaRHandler(history, log))
	r.Post("/api/backtest", backtestHandler(log))

	return &Server{
		httpServer: &http.Server{
			Addr:              portAddr(cfg.Port),
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log.With().Str("component", "server").Logger(),
	}
}

func portAddr(port int) string {
	if port <= 0 {
		port = 8001
	}
	return ":" + strconv.Itoa(port)
}

// Start begins serving and blocks until ctx is cancelled or ListenAndServe
// returns an error other than http.ErrServerClosed.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.httpServer.Addr).Msg("starting HTTP server")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func healthzHandler(health HealthChecker, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		if err := health.HealthCheck(ctx); err != nil {
			log.Warn().Err(err).Msg("healthz: check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("unhealthy"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// wsHandler upgrades the connection, reads the client's one-time ticker
// subscription list, registers each ticker with the streamer (spec.md §4.5
// Watch), and forwards every matching published quote to the client as
// JSON until it disconnects. A client that names no tickers receives
// every quote the streamer carries (spec.md §6 gives no cross-ticker
// ordering or filtering guarantee beyond per-ticker arrival order).
func wsHandler(stream QuoteStream, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true, // same-host reverse proxy terminates TLS
		})
		if err != nil {
			log.Warn().Err(err).Msg("wsHandler: accept failed")
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "closing")

		ctx := r.Context()

		wanted := readWantedTickers(ctx, conn, stream, log)

		ch, unsubscribe := stream.Subscribe()
		defer unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return
			case q, ok := <-ch:
				if !ok {
					return
				}
				if len(wanted) > 0 && !wanted[q.Ticker.String()] {
					continue
				}
				writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err := wsjson.Write(writeCtx, conn, q)
				cancel()
				if err != nil {
					log.Debug().Err(err).Msg("wsHandler: write failed, closing")
					return
				}
			}
		}
	}
}

// readWantedTickers reads the client's initial subscribe message (if any
// arrives within a short window) and registers each named ticker with the
// streamer at normal priority, returning the set to filter broadcasts by.
func readWantedTickers(ctx context.Context, conn *websocket.Conn, stream QuoteStream, log zerolog.Logger) map[string]bool {
	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var req wsSubscribeRequest
	if err := wsjson.Read(readCtx, conn, &req); err != nil {
		return nil
	}

	wanted := make(map[string]bool, len(req.Tickers))
	for _, sym := range req.Tickers {
		ticker, err := domain.NewTicker(sym)
		if err != nil {
			log.Warn().Err(err).Str("ticker", sym).Msg("readWantedTickers: invalid ticker, ignoring")
			continue
		}
		stream.Watch(ctx, ticker, streamer.PriorityNormal, "ws")
		wanted[ticker.String()] = true
	}
	return wanted
}
