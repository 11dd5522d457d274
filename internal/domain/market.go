// Package domain holds the core value types shared by every component:
// Ticker, Money, Percentage, market-data shapes, broker-native instrument
// shapes, and the trading-journal entities. It is intentionally free of
// infrastructure dependencies, following the teacher's
// internal/domain package layering (internal/domain/models.go, security.go).
package domain

import "time"

// AssetType classifies a StockMetadata entry.
type AssetType string

const (
	AssetStock  AssetType = "stock"
	AssetETF    AssetType = "etf"
	AssetCrypto AssetType = "crypto"
	AssetBond   AssetType = "bond"
)

// HistoricalBar is one OHLCV bar, keyed by (ticker, date), ordered
// ascending by date.
type HistoricalBar struct {
	Ticker   Ticker
	Date     time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   int64
	AdjClose *float64
	Dividend float64
}

// Quote is a transient last-trade snapshot; any newer quote for the same
// ticker supersedes it.
type Quote struct {
	Ticker        Ticker
	Price         float64
	Bid           *float64
	Ask           *float64
	Change        *float64
	ChangePercent *float64
	Volume        *int64
	Timestamp     time.Time
	Source        string
}

// StockMetadata describes a tradeable instrument.
type StockMetadata struct {
	Ticker        Ticker
	Name          string
	Currency      Currency
	Exchange      *string
	Sector        *string
	Industry      *string
	AssetType     AssetType
	MarketCap     *float64
	DividendYield *float64
}

// PortfolioPosition is a held position with derived value/pnl accessors.
type PortfolioPosition struct {
	Ticker       Ticker
	Shares       float64
	AvgCost      float64
	CurrentPrice float64
}

// Value returns shares * current price.
func (p PortfolioPosition) Value() float64 { return p.Shares * p.CurrentPrice }

// PnL returns the unrealised profit/loss in price terms.
func (p PortfolioPosition) PnL() float64 {
	return p.Shares * (p.CurrentPrice - p.AvgCost)
}

// PnLPercent returns the unrealised P&L as a fraction of cost basis, or 0
// if the cost basis is zero.
func (p PortfolioPosition) PnLPercent() float64 {
	costBasis := p.Shares * p.AvgCost
	if costBasis == 0 {
		return 0
	}
	return p.PnL() / costBasis
}

// Instrument is a broker-native instrument reference, carrying the UIC
// (Universal Instrument Code) the brokerage REST contract keys orders and
// quotes by (spec.md §6).
type Instrument struct {
	UIC         int
	Ticker      Ticker
	Description string
	Currency    Currency
	AssetType   AssetType
	Exchange    string
}

// AccountSummary aggregates the broker's account/balance views.
type AccountSummary struct {
	AccountKey string
	Balances   []Money
}

// OrderDirection is the side of an order.
type OrderDirection string

const (
	Buy  OrderDirection = "buy"
	Sell OrderDirection = "sell"
)

// OrderRequest is the pass-through order façade shape from spec.md §6; no
// routing logic lives here, only the wire shape the broker session sends.
type OrderRequest struct {
	AccountKey    string
	AssetType     AssetType
	BuySell       OrderDirection
	Amount        float64
	OrderType     string
	UIC           int
	OrderDuration string
	ManualOrder   bool
}

// OrderResponse is the broker's acknowledgement of an OrderRequest.
type OrderResponse struct {
	OrderID string
	Status  string
}

// Account is one brokerage account reachable under the authenticated
// identity (spec.md §4.3 "list accounts").
type Account struct {
	AccountKey string
	Currency   Currency
	Active     bool
}

// OrderStatus is the lifecycle state of a broker-native order, distinct
// from the trading-journal's TradeStatus.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Order is one broker-native order record (spec.md §4.3 "list orders").
type Order struct {
	OrderID  string
	UIC      int
	BuySell  OrderDirection
	Amount   float64
	Status   OrderStatus
	PlacedAt time.Time
	FilledAt *time.Time
}

// ExecutedTrade is one historical fill returned by the broker's trade
// history endpoint (spec.md §4.3 "fetch trade history").
type ExecutedTrade struct {
	TradeID    string
	UIC        int
	BuySell    OrderDirection
	Amount     float64
	Price      float64
	ExecutedAt time.Time
}
