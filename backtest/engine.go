// Package backtest replays historical candles through a strategy and
// scores the result with the metrics engine.
package backtest

import (
	"math"
	"time"

	"github.com/rustyeddy/strategylab/market"
	"github.com/rustyeddy/strategylab/metrics"
	"github.com/rustyeddy/strategylab/strategies"
)

const (
	DefaultInitialEquity = 10000.0
	DefaultCount         = 500
	MinCount             = 10
	MaxCount             = 5000
)

// Options are the execution assumptions of a run.
type Options struct {
	// NotionalPerUnit scales one unit of exposure into P&L.
	NotionalPerUnit float64 `json:"notional_per_unit"`
	// Slippage is a fraction of price paid against every fill.
	Slippage      float64 `json:"slippage"`
	FeeBps        float64 `json:"fee_bps"`
	InitialEquity float64 `json:"initial_equity"`
}

func (o Options) withDefaults() Options {
	if o.NotionalPerUnit == 0 {
		o.NotionalPerUnit = 1
	}
	if o.InitialEquity == 0 {
		o.InitialEquity = DefaultInitialEquity
	}
	return o
}

// Trade is one holding of a constant exposure.
type Trade struct {
	EntryTime  time.Time `json:"entry_ts"`
	ExitTime   time.Time `json:"exit_ts"`
	EntryPrice float64   `json:"entry_px"`
	ExitPrice  float64   `json:"exit_px"`
	Position   float64   `json:"position"`
	PnL        float64   `json:"pnl"`
}

type Result struct {
	Equity  []metrics.EquityPoint `json:"equity"`
	Trades  []Trade               `json:"trades"`
	Metrics metrics.Report        `json:"metrics"`
}

// Run drives strat over candles. The strategy's exposure is its position;
// whenever it changes the current position is closed at the bar close
// (plus slippage, less fees) and the new one is opened at the same price.
// The equity curve marks any open position to each close. A position
// still open after the last bar is left open and only marked.
func Run(candles []market.Candle, strat strategies.Strategy, opts Options) Result {
	opts = opts.withDefaults()

	equity := opts.InitialEquity
	curve := make([]metrics.EquityPoint, 0, len(candles))
	var (
		trades    []Trade
		pos       float64
		entryPx   float64
		entryTime time.Time
	)

	for _, c := range candles {
		if n := len(curve); n > 0 && !c.Time.After(curve[n-1].Time) {
			continue
		}

		target := strat.OnBar(c)
		if target != pos {
			dir := -1.0
			if target > pos {
				dir = 1
			}
			px := c.Close * (1 + opts.Slippage*dir)

			if pos != 0 {
				pnl := (px - entryPx) * pos * opts.NotionalPerUnit
				fee := math.Abs(pos) * opts.NotionalPerUnit * opts.FeeBps * 1e-4 * px
				equity += pnl - fee
				trades = append(trades, Trade{
					EntryTime:  entryTime,
					ExitTime:   c.Time,
					EntryPrice: entryPx,
					ExitPrice:  px,
					Position:   pos,
					PnL:        pnl - fee,
				})
			}
			if target != 0 {
				entryPx, entryTime = px, c.Time
			}
			pos = target
		}

		mtm := 0.0
		if pos != 0 {
			mtm = (c.Close - entryPx) * pos * opts.NotionalPerUnit
		}
		curve = append(curve, metrics.EquityPoint{Time: c.Time, Equity: equity + mtm})
	}

	stats := make([]metrics.TradeStat, len(trades))
	for i, t := range trades {
		stats[i] = metrics.TradeStat{PnL: t.PnL, OpenTime: t.EntryTime, CloseTime: t.ExitTime}
	}
	if trades == nil {
		trades = []Trade{}
	}
	return Result{
		Equity:  curve,
		Trades:  trades,
		Metrics: metrics.Compute(curve, stats, opts.InitialEquity),
	}
}
