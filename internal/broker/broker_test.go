package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel/tradingcore/internal/domain"
)

type fakeTokenSource struct {
	token string
	err   error
}

func (f *fakeTokenSource) Valid(ctx context.Context) (string, error) { return f.token, f.err }

func TestAccountSummary_ParsesBalances(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"balances":[{"amount":1000.5,"currency":"USD"}]}`))
	}))
	defer server.Close()

	c := New(&fakeTokenSource{token: "tok"}, Config{BaseURL: server.URL}, zerolog.Nop())
	summary, err := c.AccountSummary(context.Background(), "acct1")
	require.NoError(t, err)
	require.Len(t, summary.Balances, 1)
	assert.Equal(t, domain.USD, summary.Balances[0].Currency())
}

func TestDo_MapsUnauthorizedToBrokerAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c := New(&fakeTokenSource{token: "tok"}, Config{BaseURL: server.URL}, zerolog.Nop())
	_, err := c.AccountSummary(context.Background(), "acct1")
	require.Error(t, err)
	kind, _ := domain.KindOf(err)
	assert.Equal(t, domain.KindBrokerAuth, kind)
}

func TestDo_MapsTooManyRequestsToRateLimitWithRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := New(&fakeTokenSource{token: "tok"}, Config{BaseURL: server.URL}, zerolog.Nop())
	_, err := c.AccountSummary(context.Background(), "acct1")
	require.Error(t, err)

	var domainErr *domain.Error
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, domain.KindRateLimit, domainErr.Kind)
	assert.Equal(t, 30, domainErr.RetryAfter)
}

func TestFindInstrument_ReturnsNotFoundWhenEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	c := New(&fakeTokenSource{token: "tok"}, Config{BaseURL: server.URL}, zerolog.Nop())
	_, err := c.FindInstrument(context.Background(), domain.MustTicker("AAPL"))
	require.Error(t, err)
	kind, _ := domain.KindOf(err)
	assert.Equal(t, domain.KindNotFound, kind)
}

func TestPlaceOrder_ReturnsOrderResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"order_id":"ord-1","status":"filled"}`))
	}))
	defer server.Close()

	c := New(&fakeTokenSource{token: "tok"}, Config{BaseURL: server.URL}, zerolog.Nop())
	resp, err := c.PlaceOrder(context.Background(), domain.OrderRequest{AccountKey: "acct1", UIC: 42, BuySell: domain.Buy, Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", resp.OrderID)
	assert.Equal(t, "filled", resp.Status)
}

func TestAccounts_ParsesList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"account_key":"acct1","currency":"USD","active":true}]`))
	}))
	defer server.Close()

	c := New(&fakeTokenSource{token: "tok"}, Config{BaseURL: server.URL}, zerolog.Nop())
	accounts, err := c.Accounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "acct1", accounts[0].AccountKey)
	assert.True(t, accounts[0].Active)
}

func TestOrders_AppliesStatusFilter(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"order_id":"ord-1","uic":42,"buy_sell":"buy","amount":10,"status":"open"}]`))
	}))
	defer server.Close()

	c := New(&fakeTokenSource{token: "tok"}, Config{BaseURL: server.URL}, zerolog.Nop())
	status := domain.OrderStatusOpen
	orders, err := c.Orders(context.Background(), "acct1", &status)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, domain.OrderStatusOpen, orders[0].Status)
	assert.Equal(t, "status=open", gotQuery)
}

func TestCancelOrder_SendsDelete(t *testing.T) {
	var gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := New(&fakeTokenSource{token: "tok"}, Config{BaseURL: server.URL}, zerolog.Nop())
	err := c.CancelOrder(context.Background(), "acct1", "ord-1")
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, gotMethod)
}

func TestTradeHistory_ParsesFills(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"trade_id":"t1","uic":42,"buy_sell":"sell","amount":5,"price":101.5}]`))
	}))
	defer server.Close()

	c := New(&fakeTokenSource{token: "tok"}, Config{BaseURL: server.URL}, zerolog.Nop())
	trades, err := c.TradeHistory(context.Background(), "acct1")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "t1", trades[0].TradeID)
	assert.Equal(t, 101.5, trades[0].Price)
}

func TestClientKey_CachesPerToken(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"client_key":"ck-1"}`))
	}))
	defer server.Close()

	c := New(&fakeTokenSource{token: "tok"}, Config{BaseURL: server.URL}, zerolog.Nop())
	k1, err := c.ClientKey(context.Background())
	require.NoError(t, err)
	k2, err := c.ClientKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ck-1", k1)
	assert.Equal(t, k1, k2)
	assert.Equal(t, 1, calls)
}
