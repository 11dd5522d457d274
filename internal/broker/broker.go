// Package broker implements C3: the broker session facade. It mirrors the
// teacher's internal/clients/tradernet/client.go shape -- a thin Client over
// an HTTP transport, one method per broker operation, zerolog debug/error
// logging around every call, and fmt.Errorf("...: %w") wrapping -- adapted
// from Tradernet's bespoke-signed REST API to the OAuth2 bearer-token broker
// contract spec.md §4.3/§6 describes (instrument lookup by UIC, order
// placement, account summary, position snapshot, order/position streaming
// handled separately by C6).
package broker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel/tradingcore/internal/domain"
)

// TokenSource supplies a valid bearer token for each call (C2).
type TokenSource interface {
	Valid(ctx context.Context) (string, error)
}

// Client is the broker session facade.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	log        zerolog.Logger

	clientKeyMu sync.Mutex
	clientKeys  map[string]string // token-hash -> ClientKey
}

// Config configures the broker's REST base URL.
type Config struct {
	BaseURL string
}

// New constructs a Client.
func New(tokens TokenSource, cfg Config, log zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    cfg.BaseURL,
		tokens:     tokens,
		log:        log.With().Str("client", "broker").Logger(),
		clientKeys: make(map[string]string),
	}
}

// ClientKey resolves the identity key associated with the caller's current
// access token, fetched once per token and cached keyed by a hash of the
// token rather than the token itself (spec.md §4.3 "fetched once per
// access-token... to avoid redundant identity lookups").
func (c *Client) ClientKey(ctx context.Context) (string, error) {
	token, err := c.tokens.Valid(ctx)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(token))
	hash := hex.EncodeToString(sum[:])

	c.clientKeyMu.Lock()
	if key, ok := c.clientKeys[hash]; ok {
		c.clientKeyMu.Unlock()
		return key, nil
	}
	c.clientKeyMu.Unlock()

	var raw struct {
		ClientKey string `json:"client_key"`
	}
	if err := c.get(ctx, "/identity", &raw); err != nil {
		return "", fmt.Errorf("failed to resolve client key: %w", err)
	}

	c.clientKeyMu.Lock()
	c.clientKeys[hash] = raw.ClientKey
	c.clientKeyMu.Unlock()
	return raw.ClientKey, nil
}

// AccountSummary fetches cash balances across currencies.
func (c *Client) AccountSummary(ctx context.Context, accountKey string) (domain.AccountSummary, error) {
	c.log.Debug().Str("account_key", accountKey).Msg("AccountSummary: calling broker")

	var raw struct {
		Balances []struct {
			Amount   float64 `json:"amount"`
			Currency string  `json:"currency"`
		} `json:"balances"`
	}
	if err := c.get(ctx, fmt.Sprintf("/accounts/%s/summary", accountKey), &raw); err != nil {
		return domain.AccountSummary{}, fmt.Errorf("failed to get account summary: %w", err)
	}

	summary := domain.AccountSummary{AccountKey: accountKey}
	for _, b := range raw.Balances {
		m, err := domain.NewMoney(b.Amount, domain.Currency(b.Currency))
		if err != nil {
			c.log.Warn().Str("currency", b.Currency).Msg("AccountSummary: skipping unsupported currency balance")
			continue
		}
		summary.Balances = append(summary.Balances, m)
	}
	return summary, nil
}

// Positions returns the current portfolio positions.
func (c *Client) Positions(ctx context.Context, accountKey string) ([]domain.PortfolioPosition, error) {
	c.log.Debug().Str("account_key", accountKey).Msg("Positions: calling broker")

	var raw []struct {
		Symbol       string  `json:"symbol"`
		Quantity     float64 `json:"quantity"`
		AvgPrice     float64 `json:"avg_price"`
		CurrentPrice float64 `json:"current_price"`
	}
	if err := c.get(ctx, fmt.Sprintf("/accounts/%s/positions", accountKey), &raw); err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}

	positions := make([]domain.PortfolioPosition, 0, len(raw))
	for _, p := range raw {
		t, err := domain.NewTicker(p.Symbol)
		if err != nil {
			c.log.Warn().Str("symbol", p.Symbol).Msg("Positions: skipping invalid ticker")
			continue
		}
		positions = append(positions, domain.PortfolioPosition{
			Ticker:       t,
			Shares:       p.Quantity,
			AvgCost:      p.AvgPrice,
			CurrentPrice: p.CurrentPrice,
		})
	}
	return positions, nil
}

// Accounts lists the brokerage accounts reachable under the authenticated
// identity (spec.md §4.3 "list accounts").
func (c *Client) Accounts(ctx context.Context) ([]domain.Account, error) {
	c.log.Debug().Msg("Accounts: calling broker")

	var raw []struct {
		AccountKey string `json:"account_key"`
		Currency   string `json:"currency"`
		Active     bool   `json:"active"`
	}
	if err := c.get(ctx, "/accounts", &raw); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	accounts := make([]domain.Account, 0, len(raw))
	for _, a := range raw {
		accounts = append(accounts, domain.Account{
			AccountKey: a.AccountKey,
			Currency:   domain.Currency(a.Currency),
			Active:     a.Active,
		})
	}
	return accounts, nil
}

// SearchInstruments looks up instruments by free-text query, capped at
// limit results (spec.md §4.3 "search instruments").
func (c *Client) SearchInstruments(ctx context.Context, query string, limit int) ([]domain.Instrument, error) {
	c.log.Debug().Str("query", query).Int("limit", limit).Msg("SearchInstruments: calling broker")

	var raw []struct {
		UIC         int    `json:"uic"`
		Symbol      string `json:"symbol"`
		Description string `json:"description"`
		Currency    string `json:"currency"`
		AssetType   string `json:"asset_type"`
		Exchange    string `json:"exchange"`
	}
	path := fmt.Sprintf("/instruments?query=%s&limit=%d", url.QueryEscape(query), limit)
	if err := c.get(ctx, path, &raw); err != nil {
		return nil, fmt.Errorf("failed to search instruments: %w", err)
	}

	instruments := make([]domain.Instrument, 0, len(raw))
	for _, r := range raw {
		t, err := domain.NewTicker(r.Symbol)
		if err != nil {
			c.log.Warn().Str("symbol", r.Symbol).Msg("SearchInstruments: skipping invalid ticker")
			continue
		}
		instruments = append(instruments, domain.Instrument{
			UIC:         r.UIC,
			Ticker:      t,
			Description: r.Description,
			Currency:    domain.Currency(r.Currency),
			AssetType:   domain.AssetType(r.AssetType),
			Exchange:    r.Exchange,
		})
	}
	return instruments, nil
}

// FindInstrument resolves a ticker to the broker's UIC (spec.md §6).
func (c *Client) FindInstrument(ctx context.Context, ticker domain.Ticker) (domain.Instrument, error) {
	c.log.Debug().Str("ticker", ticker.String()).Msg("FindInstrument: calling broker")

	var raw []struct {
		UIC         int    `json:"uic"`
		Symbol      string `json:"symbol"`
		Description string `json:"description"`
		Currency    string `json:"currency"`
		AssetType   string `json:"asset_type"`
		Exchange    string `json:"exchange"`
	}
	if err := c.get(ctx, "/instruments?symbol="+ticker.String(), &raw); err != nil {
		return domain.Instrument{}, fmt.Errorf("failed to find instrument: %w", err)
	}
	if len(raw) == 0 {
		return domain.Instrument{}, domain.NewError(domain.KindNotFound, "broker.FindInstrument", fmt.Errorf("no instrument found for %s", ticker))
	}

	r := raw[0]
	return domain.Instrument{
		UIC:         r.UIC,
		Ticker:      ticker,
		Description: r.Description,
		Currency:    domain.Currency(r.Currency),
		AssetType:   domain.AssetType(r.AssetType),
		Exchange:    r.Exchange,
	}, nil
}

// PlaceOrder submits an order request, translating broker non-2xx
// responses into the KindBrokerAuth/KindRateLimit/KindBrokerAPI taxonomy.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResponse, error) {
	c.log.Debug().
		Str("account_key", req.AccountKey).
		Int("uic", req.UIC).
		Str("side", string(req.BuySell)).
		Float64("amount", req.Amount).
		Msg("PlaceOrder: calling broker")

	body, err := json.Marshal(req)
	if err != nil {
		return domain.OrderResponse{}, domain.NewError(domain.KindValidation, "broker.PlaceOrder", fmt.Errorf("failed to encode order: %w", err))
	}

	var raw struct {
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
	}
	if err := c.post(ctx, "/orders", body, &raw); err != nil {
		c.log.Error().Err(err).Msg("PlaceOrder: broker rejected order")
		return domain.OrderResponse{}, fmt.Errorf("failed to place order: %w", err)
	}
	return domain.OrderResponse{OrderID: raw.OrderID, Status: raw.Status}, nil
}

// Orders lists the account's orders, optionally filtered by status
// (spec.md §4.3 "list orders (filterable by status)").
func (c *Client) Orders(ctx context.Context, accountKey string, status *domain.OrderStatus) ([]domain.Order, error) {
	c.log.Debug().Str("account_key", accountKey).Msg("Orders: calling broker")

	path := fmt.Sprintf("/accounts/%s/orders", accountKey)
	if status != nil {
		path += "?status=" + string(*status)
	}

	var raw []struct {
		OrderID  string     `json:"order_id"`
		UIC      int        `json:"uic"`
		BuySell  string     `json:"buy_sell"`
		Amount   float64    `json:"amount"`
		Status   string     `json:"status"`
		PlacedAt time.Time  `json:"placed_at"`
		FilledAt *time.Time `json:"filled_at"`
	}
	if err := c.get(ctx, path, &raw); err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}

	orders := make([]domain.Order, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, domain.Order{
			OrderID:  o.OrderID,
			UIC:      o.UIC,
			BuySell:  domain.OrderDirection(o.BuySell),
			Amount:   o.Amount,
			Status:   domain.OrderStatus(o.Status),
			PlacedAt: o.PlacedAt,
			FilledAt: o.FilledAt,
		})
	}
	return orders, nil
}

// CancelOrder cancels a resting order. Only meaningful for orders still in
// OrderStatusOpen; the broker itself enforces that invariant.
func (c *Client) CancelOrder(ctx context.Context, accountKey, orderID string) error {
	c.log.Debug().Str("account_key", accountKey).Str("order_id", orderID).Msg("CancelOrder: calling broker")

	path := fmt.Sprintf("/accounts/%s/orders/%s", accountKey, orderID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", orderID, err)
	}
	return nil
}

// TradeHistory fetches executed fills for an account (spec.md §4.3 "fetch
// trade history").
func (c *Client) TradeHistory(ctx context.Context, accountKey string) ([]domain.ExecutedTrade, error) {
	c.log.Debug().Str("account_key", accountKey).Msg("TradeHistory: calling broker")

	var raw []struct {
		TradeID    string    `json:"trade_id"`
		UIC        int       `json:"uic"`
		BuySell    string    `json:"buy_sell"`
		Amount     float64   `json:"amount"`
		Price      float64   `json:"price"`
		ExecutedAt time.Time `json:"executed_at"`
	}
	if err := c.get(ctx, fmt.Sprintf("/accounts/%s/trades", accountKey), &raw); err != nil {
		return nil, fmt.Errorf("failed to fetch trade history: %w", err)
	}

	trades := make([]domain.ExecutedTrade, 0, len(raw))
	for _, r := range raw {
		trades = append(trades, domain.ExecutedTrade{
			TradeID:    r.TradeID,
			UIC:        r.UIC,
			BuySell:    domain.OrderDirection(r.BuySell),
			Amount:     r.Amount,
			Price:      r.Price,
			ExecutedAt: r.ExecutedAt,
		})
	}
	return trades, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body []byte, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	token, err := c.tokens.Valid(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return domain.NewError(domain.KindBrokerAPI, "broker.do", fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.NewError(domain.KindBrokerAPI, "broker.do", fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return domain.NewError(domain.KindBrokerAuth, "broker.do", fmt.Errorf("broker returned 401"))
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return &domain.Error{Kind: domain.KindRateLimit, Op: "broker.do", Err: fmt.Errorf("broker rate limited"), RetryAfter: retryAfter}
	case resp.StatusCode >= 400:
		return domain.NewError(domain.KindBrokerAPI, "broker.do", fmt.Errorf("broker returned status %d", resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.NewError(domain.KindBrokerAPI, "broker.do", fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}
