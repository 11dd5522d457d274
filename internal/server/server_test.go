package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/sentinel/tradingcore/internal/domain"
	"github.com/sentinel/tradingcore/internal/enrichment"
	"github.com/sentinel/tradingcore/internal/streamer"
)

type fakeHealthChecker struct {
	err error
}

func (f fakeHealthChecker) HealthCheck(ctx context.Context) error { return f.err }

type fakeQuoteStream struct{}

func (fakeQuoteStream) Subscribe() (<-chan domain.Quote, func()) {
	ch := make(chan domain.Quote)
	return ch, func() {}
}

func (fakeQuoteStream) Watch(ctx context.Context, ticker domain.Ticker, priority streamer.Priority, sourceHint string) {
}

// recordingQuoteStream lets a test publish quotes on demand and observe
// which tickers the /ws handler registered via Watch.
type recordingQuoteStream struct {
	ch chan domain.Quote

	mu      sync.Mutex
	watched []string
}

func newRecordingQuoteStream() *recordingQuoteStream {
	return &recordingQuoteStream{ch: make(chan domain.Quote, 8)}
}

func (r *recordingQuoteStream) Subscribe() (<-chan domain.Quote, func()) {
	return r.ch, func() {}
}

func (r *recordingQuoteStream) Watch(ctx context.Context, ticker domain.Ticker, priority streamer.Priority, sourceHint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watched = append(r.watched, ticker.String())
}

func (r *recordingQuoteStream) watchedTickers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.watched...)
}

type fakeEnricher struct{}

func (fakeEnricher) Enrich(ctx context.Context, positions []domain.PortfolioPosition, totalValue float64) ([]enrichment.Enriched, error) {
	return nil, nil
}

type fakeHistoryProvider struct{}

func (fakeHistoryProvider) Historical(ctx context.Context, ticker domain.Ticker, from, to time.Time) ([]domain.HistoricalBar, error) {
	return nil, nil
}

func TestHealthzHandler_ReturnsOKWhenHealthy(t *testing.T) {
	srv := New(Config{Port: 0}, fakeQuoteStream{}, fakeHealthChecker{}, fakeEnricher{}, fakeHistoryProvider{}, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthzHandler_ReturnsServiceUnavailableWhenUnhealthy(t *testing.T) {
	srv := New(Config{Port: 0}, fakeQuoteStream{}, fakeHealthChecker{err: fmt.Errorf("db unreachable")}, fakeEnricher{}, fakeHistoryProvider{}, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPortAddr_DefaultsWhenNonPositive(t *testing.T) {
	assert.Equal(t, ":8001", portAddr(0))
	assert.Equal(t, ":9090", portAddr(9090))
}

func TestWsHandler_FiltersBroadcastToSubscribedTickers(t *testing.T) {
	stream := newRecordingQuoteStream()
	srv := New(Config{Port: 0}, stream, fakeHealthChecker{}, fakeEnricher{}, fakeHistoryProvider{}, zerolog.Nop())
	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	require.NoError(t, wsjson.Write(ctx, conn, map[string][]string{"tickers": {"AAPL"}}))

	require.Eventually(t, func() bool {
		return len(stream.watchedTickers()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"AAPL"}, stream.watchedTickers())

	stream.ch <- domain.Quote{Ticker: domain.MustTicker("MSFT"), Price: 1, Timestamp: time.Now()}
	stream.ch <- domain.Quote{Ticker: domain.MustTicker("AAPL"), Price: 2, Timestamp: time.Now()}

	var got domain.Quote
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, "AAPL", got.Ticker.String())
}

func TestWsHandler_BroadcastsEverythingWhenNoTickersNamed(t *testing.T) {
	stream := newRecordingQuoteStream()
	srv := New(Config{Port: 0}, stream, fakeHealthChecker{}, fakeEnricher{}, fakeHistoryProvider{}, zerolog.Nop())
	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	time.Sleep(50 * time.Millisecond) // let the handler's read deadline for an (absent) subscribe message pass

	stream.ch <- domain.Quote{Ticker: domain.MustTicker("MSFT"), Price: 1, Timestamp: time.Now()}

	var got domain.Quote
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, "MSFT", got.Ticker.String())
}
