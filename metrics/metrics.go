// Package metrics computes performance statistics over an equity curve and
// a list of closed trades. Live sessions and backtests both report through
// Compute, so the labels below are the one vocabulary every report uses.
package metrics

import (
	"math"
	"time"
)

// Stable report labels.
const (
	StartEquity    = "start_equity"
	EndEquity      = "end_equity"
	NetPnL         = "net_pnl"
	TotalReturn    = "total_return"
	CAGR           = "cagr"
	MaxDrawdown    = "max_drawdown"
	MaxDrawdownPct = "max_drawdown_pct"
	Sharpe         = "sharpe"
	Days           = "days"
	TotalTrades    = "total_trades"
	Wins           = "wins"
	Losses         = "losses"
	WinRate        = "win_rate"
	GrossProfit    = "gross_profit"
	GrossLoss      = "gross_loss"
	ProfitFactor   = "profit_factor"
	AvgTradePnL    = "avg_trade_pnl"
	AvgWin         = "avg_win"
	AvgLoss        = "avg_loss"
	AvgHoldMinutes = "avg_hold_minutes"
)

// Labels is the display order of a report.
var Labels = []string{
	StartEquity, EndEquity, NetPnL, TotalReturn, CAGR,
	MaxDrawdown, MaxDrawdownPct, Sharpe, Days,
	TotalTrades, Wins, Losses, WinRate,
	GrossProfit, GrossLoss, ProfitFactor,
	AvgTradePnL, AvgWin, AvgLoss, AvgHoldMinutes,
}

const tradingDaysPerYear = 252

// EquityPoint is one sample of total account value.
type EquityPoint struct {
	Time   time.Time `json:"ts"`
	Equity float64   `json:"equity"`
}

// TradeStat is the part of a closed trade the statistics need.
// Zero times mean the hold duration is unknown.
type TradeStat struct {
	PnL       float64
	OpenTime  time.Time
	CloseTime time.Time
}

// Compute derives a Report from an ordered equity curve and closed trades.
// initialEquity, when positive, is the base for percentage metrics;
// otherwise the first positive point of the curve is. Percentage metrics are
// left out of the report when no base exists or the curve has fewer than two
// points. An empty curve yields trade statistics only.
func Compute(curve []EquityPoint, trades []TradeStat, initialEquity float64) Report {
	r := Report{}
	computeCurve(r, curve, initialEquity)
	computeTrades(r, trades)
	return r
}

func computeCurve(r Report, curve []EquityPoint, initialEquity float64) {
	if len(curve) == 0 {
		r[MaxDrawdown] = 0
		r[Sharpe] = 0
		r[Days] = 0
		return
	}

	first, last := curve[0], curve[len(curve)-1]
	r[StartEquity] = first.Equity
	r[EndEquity] = last.Equity
	r[NetPnL] = last.Equity - first.Equity

	elapsed := last.Time.Sub(first.Time).Hours() / 24
	if len(curve) < 2 || elapsed < 0 {
		elapsed = 0
	}
	// Reported days never go below one; cagr still sees the raw span.
	r[Days] = math.Max(1, elapsed)

	peak := first.Equity
	maxDD, maxDDPct := 0.0, 0.0
	pctDefined := false
	for _, p := range curve {
		peak = math.Max(peak, p.Equity)
		maxDD = math.Min(maxDD, p.Equity-peak)
		if peak > 0 {
			pctDefined = true
			maxDDPct = math.Min(maxDDPct, (p.Equity-peak)/peak)
		}
	}
	r[MaxDrawdown] = maxDD
	r[Sharpe] = sharpe(curve)

	base := initialEquity
	if base <= 0 {
		base = firstPositive(curve)
	}
	if base <= 0 || len(curve) < 2 {
		return
	}
	if pctDefined {
		r[MaxDrawdownPct] = maxDDPct
	}

	ret := last.Equity/base - 1
	r[TotalReturn] = ret
	r[CAGR] = cagr(last.Equity/base, ret, elapsed)
}

// cagr annualizes growth. Periods of at least a day compound; shorter
// periods scale the return linearly as if a full day had passed.
func cagr(ratio, ret, days float64) float64 {
	if days < 1 {
		return ret * 365
	}
	if ratio <= 0 {
		return -1
	}
	return math.Pow(ratio, 365/days) - 1
}

func firstPositive(curve []EquityPoint) float64 {
	for _, p := range curve {
		if p.Equity > 0 {
			return p.Equity
		}
	}
	return 0
}

// sharpe annualizes the mean per-sample return over its population stddev.
func sharpe(curve []EquityPoint) float64 {
	rets := make([]float64, 0, len(curve))
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev == 0 {
			continue
		}
		rets = append(rets, (curve[i].Equity-prev)/math.Abs(prev))
	}
	if len(rets) == 0 {
		return 0
	}

	mean := 0.0
	for _, x := range rets {
		mean += x
	}
	mean /= float64(len(rets))

	variance := 0.0
	for _, x := range rets {
		variance += (x - mean) * (x - mean)
	}
	vol := math.Sqrt(variance / float64(len(rets)))
	return mean / (vol + 1e-12) * math.Sqrt(tradingDaysPerYear)
}

func computeTrades(r Report, trades []TradeStat) {
	var wins, losses int
	var grossProfit, grossLoss, holdMinutes float64
	held := 0

	for _, t := range trades {
		if t.PnL > 0 {
			wins++
			grossProfit += t.PnL
		} else {
			losses++
			grossLoss += math.Abs(t.PnL)
		}
		if !t.OpenTime.IsZero() && !t.CloseTime.IsZero() {
			holdMinutes += t.CloseTime.Sub(t.OpenTime).Minutes()
			held++
		}
	}

	n := len(trades)
	r[TotalTrades] = float64(n)
	r[Wins] = float64(wins)
	r[Losses] = float64(losses)
	r[GrossProfit] = grossProfit
	r[GrossLoss] = grossLoss
	r[WinRate] = 0
	r[AvgTradePnL] = 0
	r[AvgWin] = 0
	r[AvgLoss] = 0
	r[AvgHoldMinutes] = 0

	if n > 0 {
		r[WinRate] = float64(wins) / float64(n)
		r[AvgTradePnL] = (grossProfit - grossLoss) / float64(n)
	}
	if wins > 0 {
		r[AvgWin] = grossProfit / float64(wins)
	}
	if losses > 0 {
		r[AvgLoss] = -grossLoss / float64(losses)
	}
	if held > 0 {
		r[AvgHoldMinutes] = holdMinutes / float64(held)
	}

	switch {
	case grossLoss > 0:
		r[ProfitFactor] = grossProfit / grossLoss
	case grossProfit > 0:
		r[ProfitFactor] = math.Inf(1)
	}
}
