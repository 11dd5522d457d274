// Package quotes implements C4: the quote provider abstraction. Provider
// implementations are adapted from the shape the teacher's alphavantage
// client used (a single Provider interface, one concrete HTTP-backed
// implementation per upstream, rate-limit-aware error wrapping) -- grounded
// on internal/clients/tradernet/client.go's per-call Debug/Error logging
// idiom, generalised to a pluggable set of vendors (spec.md §4.4).
package quotes

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinel/tradingcore/internal/domain"
)

// Provider is implemented by every upstream quote vendor (spec.md §4.4
// capability set: historical, current_quote, metadata, is_valid, search;
// volatility is derived generically from Historical by the Volatility
// helper below rather than duplicated per vendor).
type Provider interface {
	Name() string
	Quote(ctx context.Context, ticker domain.Ticker) (domain.Quote, error)
	Historical(ctx context.Context, ticker domain.Ticker, from, to time.Time) ([]domain.HistoricalBar, error)
	Metadata(ctx context.Context, ticker domain.Ticker) (domain.StockMetadata, error)
	Search(ctx context.Context, query string, limit int) ([]domain.StockMetadata, error)
}

// IsValid reports whether ticker resolves to real upstream data, per
// spec.md §4.4 "is_valid(ticker) -> bool".
func IsValid(ctx context.Context, p Provider, ticker domain.Ticker) bool {
	_, err := p.Quote(ctx, ticker)
	return err == nil
}

// Volatility computes annualised daily-log-return volatility over the
// trailing `days` calendar days (default 252), per spec.md §4.4: "daily
// log-returns of closes; annualised standard deviation multiplied by
// sqrt(252); returns null if fewer than 20 points."
func Volatility(ctx context.Context, p Provider, ticker domain.Ticker, days int) (*domain.Percentage, error) {
	if days <= 0 {
		days = 252
	}
	to := time.Now()
	from := to.AddDate(0, 0, -days-10) // pad for weekends/holidays

	bars, err := p.Historical(ctx, ticker, from, to)
	if err != nil {
		return nil, err
	}
	if len(bars) < 21 {
		return nil, nil
	}

	returns := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		if bars[i-1].Close <= 0 {
			continue
		}
		returns = append(returns, math.Log(bars[i].Close/bars[i-1].Close))
	}
	if len(returns) < 20 {
		return nil, nil
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var sumSq float64
	for _, r := range returns {
		d := r - mean
		sumSq += d * d
	}
	stddev := math.Sqrt(sumSq / float64(len(returns)-1))
	annualised := stddev * math.Sqrt(252)
	pct := domain.NewPercentageFromDecimal(annualised)
	return &pct, nil
}

// alphaVantageBaseURL is the production endpoint; overridden in tests via
// AlphaVantageProvider.baseURL.
const alphaVantageBaseURL = "https://www.alphavantage.co"

// AlphaVantageProvider adapts Alpha Vantage's REST API to Provider, in the
// teacher's client shape: one struct, an http.Client with a fixed timeout,
// a base URL, and an API key threaded into every request.
type AlphaVantageProvider struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	log        zerolog.Logger
}

// NewAlphaVantageProvider constructs an AlphaVantageProvider.
func NewAlphaVantageProvider(apiKey string, log zerolog.Logger) *AlphaVantageProvider {
	return &AlphaVantageProvider{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    alphaVantageBaseURL,
		apiKey:     apiKey,
		log:        log.With().Str("provider", "alphavantage").Logger(),
	}
}

func (p *AlphaVantageProvider) Name() string { return "alphavantage" }

// Quote fetches the latest trade price (GLOBAL_QUOTE).
func (p *AlphaVantageProvider) Quote(ctx context.Context, ticker domain.Ticker) (domain.Quote, error) {
	p.log.Debug().Str("ticker", ticker.String()).Msg("Quote: calling Alpha Vantage")

	url := fmt.Sprintf("%s/query?function=GLOBAL_QUOTE&symbol=%s&apikey=%s", p.baseURL, ticker, p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.Quote{}, domain.NewError(domain.KindDataFetch, "quotes.Quote", fmt.Errorf("failed to build request: %w", err))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return domain.Quote{}, domain.NewError(domain.KindDataFetch, "quotes.Quote", fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return domain.Quote{}, domain.NewError(domain.KindRateLimit, "quotes.Quote", fmt.Errorf("alphavantage rate limited"))
	}
	if resp.StatusCode != http.StatusOK {
		return domain.Quote{}, domain.NewError(domain.KindDataFetch, "quotes.Quote", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var raw struct {
		GlobalQuote struct {
			Price         string `json:"05. price"`
			Change        string `json:"09. change"`
			ChangePercent string `json:"10. change percent"`
			Volume        string `json:"06. volume"`
		} `json:"Global Quote"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return domain.Quote{}, domain.NewError(domain.KindDataFetch, "quotes.Quote", fmt.Errorf("failed to decode response: %w", err))
	}

	price, err := parseFloat(raw.GlobalQuote.Price)
	if err != nil {
		return domain.Quote{}, domain.NewError(domain.KindNotFound, "quotes.Quote", fmt.Errorf("ticker not found: %s", ticker))
	}

	q := domain.Quote{
		Ticker:    ticker,
		Price:     price,
		Timestamp: time.Now(),
		Source:    p.Name(),
	}
	if change, err := parseFloat(raw.GlobalQuote.Change); err == nil {
		q.Change = &change
	}
	return q, nil
}

// Historical fetches daily OHLCV bars (TIME_SERIES_DAILY).
func (p *AlphaVantageProvider) Historical(ctx context.Context, ticker domain.Ticker, from, to time.Time) ([]domain.HistoricalBar, error) {
	p.log.Debug().Str("ticker", ticker.String()).Msg("Historical: calling Alpha Vantage")

	url := fmt.Sprintf("%s/query?function=TIME_SERIES_DAILY&symbol=%s&outputsize=full&apikey=%s", p.baseURL, ticker, p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, domain.NewError(domain.KindDataFetch, "quotes.Historical", fmt.Errorf("failed to build request: %w", err))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewError(domain.KindDataFetch, "quotes.Historical", fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, domain.NewError(domain.KindRateLimit, "quotes.Historical", fmt.Errorf("alphavantage rate limited"))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewError(domain.KindDataFetch, "quotes.Historical", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var raw struct {
		Series map[string]struct {
			Open   string `json:"1. open"`
			High   string `json:"2. high"`
			Low    string `json:"3. low"`
			Close  string `json:"4. close"`
			Volume string `json:"5. volume"`
		} `json:"Time Series (Daily)"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, domain.NewError(domain.KindDataFetch, "quotes.Historical", fmt.Errorf("failed to decode response: %w", err))
	}

	bars := make([]domain.HistoricalBar, 0, len(raw.Series))
	for dateStr, bar := range raw.Series {
		date, err := time.Parse("2006-01-02", dateStr)
		if err != nil || date.Before(from) || date.After(to) {
			continue
		}
		o, _ := parseFloat(bar.Open)
		h, _ := parseFloat(bar.High)
		l, _ := parseFloat(bar.Low)
		c, _ := parseFloat(bar.Close)
		v, _ := parseFloat(bar.Volume)
		bars = append(bars, domain.HistoricalBar{
			Ticker: ticker, Date: date, Open: o, High: h, Low: l, Close: c, Volume: int64(v),
		})
	}
	if len(bars) == 0 {
		return nil, domain.NewError(domain.KindNotFound, "quotes.Historical", fmt.Errorf("ticker not found: %s", ticker))
	}
	return bars, nil
}

// Metadata fetches company overview fields (OVERVIEW).
func (p *AlphaVantageProvider) Metadata(ctx context.Context, ticker domain.Ticker) (domain.StockMetadata, error) {
	p.log.Debug().Str("ticker", ticker.String()).Msg("Metadata: calling Alpha Vantage")

	url := fmt.Sprintf("%s/query?function=OVERVIEW&symbol=%s&apikey=%s", p.baseURL, ticker, p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.StockMetadata{}, domain.NewError(domain.KindDataFetch, "quotes.Metadata", fmt.Errorf("failed to build request: %w", err))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return domain.StockMetadata{}, domain.NewError(domain.KindDataFetch, "quotes.Metadata", fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return domain.StockMetadata{}, domain.NewError(domain.KindRateLimit, "quotes.Metadata", fmt.Errorf("alphavantage rate limited"))
	}
	if resp.StatusCode != http.StatusOK {
		return domain.StockMetadata{}, domain.NewError(domain.KindDataFetch, "quotes.Metadata", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var raw struct {
		Symbol        string `json:"Symbol"`
		Name          string `json:"Name"`
		Currency      string `json:"Currency"`
		Exchange      string `json:"Exchange"`
		Sector        string `json:"Sector"`
		Industry      string `json:"Industry"`
		AssetType     string `json:"AssetType"`
		MarketCapStr  string `json:"MarketCapitalization"`
		DividendYield string `json:"DividendYield"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return domain.StockMetadata{}, domain.NewError(domain.KindDataFetch, "quotes.Metadata", fmt.Errorf("failed to decode response: %w", err))
	}
	if raw.Symbol == "" {
		return domain.StockMetadata{}, domain.NewError(domain.KindNotFound, "quotes.Metadata", fmt.Errorf("ticker not found: %s", ticker))
	}

	meta := domain.StockMetadata{
		Ticker:    ticker,
		Name:      raw.Name,
		Currency:  domain.Currency(raw.Currency),
		Exchange:  &raw.Exchange,
		Sector:    &raw.Sector,
		Industry:  &raw.Industry,
		AssetType: domain.AssetStock,
	}
	if raw.AssetType != "" {
		meta.AssetType = domain.AssetType(raw.AssetType)
	}
	if marketCap, err := parseFloat(raw.MarketCapStr); err == nil {
		meta.MarketCap = &marketCap
	}
	if dy, err := parseFloat(raw.DividendYield); err == nil {
		meta.DividendYield = &dy
	}
	return meta, nil
}

// Search resolves free-text queries to candidate tickers (SYMBOL_SEARCH),
// capped at limit results.
func (p *AlphaVantageProvider) Search(ctx context.Context, query string, limit int) ([]domain.StockMetadata, error) {
	p.log.Debug().Str("query", query).Int("limit", limit).Msg("Search: calling Alpha Vantage")

	url := fmt.Sprintf("%s/query?function=SYMBOL_SEARCH&keywords=%s&apikey=%s", p.baseURL, query, p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, domain.NewError(domain.KindDataFetch, "quotes.Search", fmt.Errorf("failed to build request: %w", err))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewError(domain.KindDataFetch, "quotes.Search", fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewError(domain.KindDataFetch, "quotes.Search", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var raw struct {
		Matches []struct {
			Symbol   string `json:"1. symbol"`
			Name     string `json:"2. name"`
			Currency string `json:"8. currency"`
		} `json:"bestMatches"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, domain.NewError(domain.KindDataFetch, "quotes.Search", fmt.Errorf("failed to decode response: %w", err))
	}

	results := make([]domain.StockMetadata, 0, len(raw.Matches))
	for _, m := range raw.Matches {
		if limit > 0 && len(results) >= limit {
			break
		}
		t, err := domain.NewTicker(m.Symbol)
		if err != nil {
			continue
		}
		results = append(results, domain.StockMetadata{Ticker: t, Name: m.Name, Currency: domain.Currency(m.Currency), AssetType: domain.AssetStock})
	}
	return results, nil
}

func parseFloat(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%f", &f)
	if err != nil || s == "" {
		return 0, fmt.Errorf("cannot parse %q as float", s)
	}
	return f, nil
}
