package metrics

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestComputeSinglePoint(t *testing.T) {
	r := Compute([]EquityPoint{{Time: t0, Equity: 1000}}, nil, 0)

	assert.Equal(t, 0.0, r[MaxDrawdown])
	assert.Equal(t, 0.0, r[TotalTrades])
	assert.Equal(t, 0.0, r[WinRate])
	assert.Equal(t, 1.0, r[Days], "days is floored at one")

	_, ok := r.Get(TotalReturn)
	assert.False(t, ok, "return needs at least two points")
	_, ok = r.Get(CAGR)
	assert.False(t, ok)
	_, ok = r.Get(ProfitFactor)
	assert.False(t, ok)
}

func TestComputeEmptyCurve(t *testing.T) {
	r := Compute(nil, []TradeStat{{PnL: 5}}, 1000)
	assert.Equal(t, 1.0, r[TotalTrades])
	_, ok := r.Get(StartEquity)
	assert.False(t, ok)
}

func TestComputeCAGRLinearYear(t *testing.T) {
	var curve []EquityPoint
	for d := 0; d <= 365; d++ {
		curve = append(curve, EquityPoint{
			Time:   t0.AddDate(0, 0, d),
			Equity: 1000 + 100*float64(d)/365,
		})
	}
	r := Compute(curve, nil, 0)

	assert.InDelta(t, 0.10, r[CAGR], 1e-3)
	assert.InDelta(t, 0.10, r[TotalReturn], 1e-9)
	assert.InDelta(t, 100, r[NetPnL], 1e-9)
	assert.InDelta(t, 365, r[Days], 1e-9)
	assert.Equal(t, 0.0, r[MaxDrawdown])
}

func TestComputeSubDayCAGR(t *testing.T) {
	curve := []EquityPoint{
		{Time: t0, Equity: 1000},
		{Time: t0.Add(6 * time.Hour), Equity: 1001},
	}
	r := Compute(curve, nil, 0)
	assert.InDelta(t, 0.001*365, r[CAGR], 1e-9)
	assert.Equal(t, 1.0, r[Days])
}

func TestComputeTradeStats(t *testing.T) {
	trades := []TradeStat{
		{PnL: 10, OpenTime: t0, CloseTime: t0.Add(30 * time.Minute)},
		{PnL: -5, OpenTime: t0, CloseTime: t0.Add(90 * time.Minute)},
		{PnL: -5},
	}
	r := Compute(nil, trades, 0)

	assert.Equal(t, 10.0, r[GrossProfit])
	assert.Equal(t, 10.0, r[GrossLoss])
	assert.Equal(t, 1.0, r[ProfitFactor])
	assert.InDelta(t, 1.0/3, r[WinRate], 1e-12)
	assert.Equal(t, 0.0, r[AvgTradePnL])
	assert.Equal(t, 10.0, r[AvgWin])
	assert.Equal(t, -5.0, r[AvgLoss])
	assert.Equal(t, 60.0, r[AvgHoldMinutes])
	assert.Equal(t, 1.0, r[Wins])
	assert.Equal(t, 2.0, r[Losses])
}

func TestProfitFactorUnbounded(t *testing.T) {
	r := Compute(nil, []TradeStat{{PnL: 3}, {PnL: 4}}, 0)
	assert.True(t, math.IsInf(r[ProfitFactor], 1))

	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"profit_factor":"inf"`)

	var back Report
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, math.IsInf(back[ProfitFactor], 1))
	assert.Equal(t, "∞", FormatValue(ProfitFactor, back[ProfitFactor]))
}

func TestProfitFactorBreakEvenIsZeroLoss(t *testing.T) {
	// a single zero-pnl trade counts as a loss of zero
	r := Compute(nil, []TradeStat{{PnL: 0}}, 0)
	_, ok := r.Get(ProfitFactor)
	assert.False(t, ok)
	assert.Equal(t, 1.0, r[Losses])
}

func TestComputeDrawdown(t *testing.T) {
	curve := []EquityPoint{
		{Time: t0, Equity: 1000},
		{Time: t0.Add(time.Hour), Equity: 1200},
		{Time: t0.Add(2 * time.Hour), Equity: 900},
		{Time: t0.Add(3 * time.Hour), Equity: 1300},
		{Time: t0.Add(4 * time.Hour), Equity: 1250},
	}
	r := Compute(curve, nil, 0)
	assert.Equal(t, -300.0, r[MaxDrawdown])
	assert.InDelta(t, -0.25, r[MaxDrawdownPct], 1e-12)
}

func TestComputeNeverPositive(t *testing.T) {
	curve := []EquityPoint{
		{Time: t0, Equity: -10},
		{Time: t0.Add(48 * time.Hour), Equity: -5},
	}
	r := Compute(curve, nil, 0)
	_, ok := r.Get(TotalReturn)
	assert.False(t, ok)
	_, ok = r.Get(MaxDrawdownPct)
	assert.False(t, ok)
	assert.Equal(t, 5.0, r[NetPnL])
}

func TestComputeInitialEquityBase(t *testing.T) {
	curve := []EquityPoint{
		{Time: t0, Equity: 1100},
		{Time: t0.Add(24 * time.Hour), Equity: 1200},
	}
	r := Compute(curve, nil, 1000)
	assert.InDelta(t, 0.2, r[TotalReturn], 1e-12)
}

func TestWriteTable(t *testing.T) {
	r := Compute([]EquityPoint{{Time: t0, Equity: 1000}}, []TradeStat{{PnL: 2}}, 0)
	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, r))

	out := buf.String()
	assert.Contains(t, out, "profit_factor")
	assert.Contains(t, out, "∞")
	assert.Contains(t, out, "100.00%")
	assert.NotContains(t, out, "cagr")
}
