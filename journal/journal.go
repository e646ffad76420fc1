// Package journal persists sessions, their trades and equity curves, and
// backtest runs.
package journal

import (
	"time"

	"github.com/rustyeddy/strategylab/metrics"
	"github.com/rustyeddy/strategylab/session"
)

var _ session.Store = (*SQLite)(nil)

// TradeRecord is one closed trade as written to a CSV export.
type TradeRecord struct {
	TradeID    string
	Instrument string
	Units      float64
	EntryPrice float64
	ExitPrice  float64
	OpenTime   time.Time
	CloseTime  time.Time
	RealizedPL float64
	Reason     string
}

// BacktestRun is the stored summary of one backtest.
type BacktestRun struct {
	RunID       string         `json:"run_id"`
	Created     time.Time      `json:"created_at"`
	Strategy    string         `json:"strategy"`
	Instrument  string         `json:"instrument"`
	Granularity string         `json:"granularity"`
	Params      map[string]any `json:"params"`
	Candles     int            `json:"candles"`
	Report      metrics.Report `json:"metrics"`
}
