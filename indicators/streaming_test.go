package indicators

import (
	"testing"
	"time"

	"github.com/rustyeddy/strategylab/market"
	"github.com/stretchr/testify/assert"
)

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testCandles() []market.Candle {
	return []market.Candle{
		{Open: 100, High: 105, Low: 99, Close: 102, Time: baseTime, Volume: 1000},
		{Open: 102, High: 107, Low: 101, Close: 105, Time: baseTime.Add(time.Hour), Volume: 1100},
		{Open: 105, High: 108, Low: 104, Close: 106, Time: baseTime.Add(2 * time.Hour), Volume: 1200},
		{Open: 106, High: 110, Low: 105, Close: 108, Time: baseTime.Add(3 * time.Hour), Volume: 1300},
		{Open: 108, High: 112, Low: 107, Close: 110, Time: baseTime.Add(4 * time.Hour), Volume: 1400},
	}
}

func TestSimpleMAStreaming(t *testing.T) {
	candles := testCandles()

	t.Run("basic functionality", func(t *testing.T) {
		ma := NewMA(3)
		assert.Equal(t, "MA(3)", ma.Name())
		assert.Equal(t, 3, ma.Warmup())
		assert.False(t, ma.Ready())
		assert.Equal(t, 0.0, ma.Value())

		ma.Update(candles[0])
		ma.Update(candles[1])
		assert.False(t, ma.Ready())

		ma.Update(candles[2])
		assert.True(t, ma.Ready())
		assert.InDelta(t, (102.0+105.0+106.0)/3.0, ma.Value(), 0.001)

		ma.Update(candles[3])
		assert.InDelta(t, (105.0+106.0+108.0)/3.0, ma.Value(), 0.001)
	})

	t.Run("reset functionality", func(t *testing.T) {
		ma := NewMA(2)
		ma.Update(candles[0])
		ma.Update(candles[1])
		assert.True(t, ma.Ready())

		ma.Reset()
		assert.False(t, ma.Ready())
		assert.Equal(t, 0.0, ma.Value())
	})
}

func TestExponentialMAStreaming(t *testing.T) {
	candles := testCandles()
	ema := NewEMA(3)
	assert.Equal(t, "EMA(3)", ema.Name())

	for _, c := range candles[:3] {
		ema.Update(c)
	}
	assert.True(t, ema.Ready())
	seed := (102.0 + 105.0 + 106.0) / 3.0
	assert.InDelta(t, seed, ema.Value(), 0.001)

	ema.Update(candles[3])
	assert.InDelta(t, (108.0-seed)*0.5+seed, ema.Value(), 0.001)
}

func TestDonchian(t *testing.T) {
	candles := testCandles()
	dc := NewDonchian(2)
	dc.Update(candles[0])
	assert.False(t, dc.Ready())

	dc.Update(candles[1])
	assert.True(t, dc.Ready())
	assert.Equal(t, 107.0, dc.Upper())
	assert.Equal(t, 99.0, dc.Lower())
	assert.Equal(t, 103.0, dc.Value())

	dc.Update(candles[2])
	assert.Equal(t, 108.0, dc.Upper())
	assert.Equal(t, 101.0, dc.Lower())
}

func TestIndicatorsImplementInterface(t *testing.T) {
	var _ Indicator = NewMA(1)
	var _ Indicator = NewEMA(1)
	var _ Indicator = NewDonchian(1)
}
