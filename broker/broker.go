// Package broker defines what strategylab needs from a brokerage: account
// snapshots, quotes, market orders and historical candles.
package broker

import (
	"context"
	"time"

	"github.com/rustyeddy/strategylab/market"
)

type Broker interface {
	ListAccounts(ctx context.Context) ([]Account, error)
	GetAccount(ctx context.Context, accountID string) (Account, error)
	GetTick(ctx context.Context, instrument string) (market.Tick, error)
	CreateMarketOrder(ctx context.Context, accountID string, req MarketOrderRequest) (OrderFill, error)
}

// CandleSource serves completed historical candles.
type CandleSource interface {
	GetCandles(ctx context.Context, req CandlesRequest) ([]market.Candle, error)
}

// Account is a point-in-time view of a brokerage account.
type Account struct {
	ID                string  `json:"id"`
	Alias             string  `json:"alias"`
	Currency          string  `json:"currency"`
	Balance           float64 `json:"balance"`
	UnrealizedPL      float64 `json:"unrealized_pl"`
	NAV               float64 `json:"nav"`
	MarginUsed        float64 `json:"margin_used"`
	MarginAvailable   float64 `json:"margin_available"`
	PositionValue     float64 `json:"position_value"`
	OpenTradeCount    int     `json:"open_trade_count"`
	OpenPositionCount int     `json:"open_position_count"`
}

// MarketOrderRequest fills immediately at the current price. Positive units
// buy, negative units sell.
type MarketOrderRequest struct {
	Instrument string
	Units      float64
}

type OrderFill struct {
	TradeID    string
	Instrument string
	Units      float64
	Price      float64
	Time       time.Time
}

// CandlesRequest asks for either the most recent Count candles or the
// candles between From and To.
type CandlesRequest struct {
	Instrument  string
	Granularity market.Granularity
	Count       int
	From        *time.Time
	To          *time.Time
}
