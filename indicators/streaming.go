package indicators

import (
	"fmt"
	"math"

	"github.com/rustyeddy/strategylab/market"
)

// SimpleMA is a streaming Simple Moving Average over closes.
type SimpleMA struct {
	period int
	window []float64
	next   int
	filled int
	sum    float64
}

func NewMA(period int) *SimpleMA {
	if period < 1 {
		period = 1
	}
	return &SimpleMA{period: period, window: make([]float64, period)}
}

func (m *SimpleMA) Name() string { return fmt.Sprintf("MA(%d)", m.period) }
func (m *SimpleMA) Warmup() int  { return m.period }

func (m *SimpleMA) Reset() {
	for i := range m.window {
		m.window[i] = 0
	}
	m.next, m.filled, m.sum = 0, 0, 0
}

func (m *SimpleMA) Update(c market.Candle) {
	m.sum -= m.window[m.next]
	m.window[m.next] = c.Close
	m.sum += c.Close
	m.next = (m.next + 1) % m.period
	if m.filled < m.period {
		m.filled++
	}
}

func (m *SimpleMA) Ready() bool { return m.filled >= m.period }

func (m *SimpleMA) Value() float64 {
	if !m.Ready() {
		return 0
	}
	return m.sum / float64(m.period)
}

// ExponentialMA seeds with the SMA of the first period closes.
type ExponentialMA struct {
	period     int
	multiplier float64
	ema        float64
	count      int
	warmupSum  float64
}

func NewEMA(period int) *ExponentialMA {
	if period < 1 {
		period = 1
	}
	return &ExponentialMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

func (e *ExponentialMA) Name() string { return fmt.Sprintf("EMA(%d)", e.period) }
func (e *ExponentialMA) Warmup() int  { return e.period }

func (e *ExponentialMA) Reset() {
	e.ema, e.count, e.warmupSum = 0, 0, 0
}

func (e *ExponentialMA) Update(c market.Candle) {
	if e.count < e.period {
		e.warmupSum += c.Close
		e.count++
		if e.count == e.period {
			e.ema = e.warmupSum / float64(e.period)
		}
		return
	}
	e.ema = (c.Close-e.ema)*e.multiplier + e.ema
}

func (e *ExponentialMA) Ready() bool { return e.count >= e.period }

func (e *ExponentialMA) Value() float64 {
	if !e.Ready() {
		return 0
	}
	return e.ema
}

// Donchian tracks the highest high and lowest low of the last period bars.
// Value is the channel midpoint.
type Donchian struct {
	period int
	highs  []float64
	lows   []float64
}

func NewDonchian(period int) *Donchian {
	if period < 1 {
		period = 1
	}
	return &Donchian{period: period}
}

func (d *Donchian) Name() string { return fmt.Sprintf("DC(%d)", d.period) }
func (d *Donchian) Warmup() int  { return d.period }

func (d *Donchian) Reset() {
	d.highs = d.highs[:0]
	d.lows = d.lows[:0]
}

func (d *Donchian) Update(c market.Candle) {
	d.highs = append(d.highs, c.High)
	d.lows = append(d.lows, c.Low)
	if len(d.highs) > d.period {
		d.highs = d.highs[1:]
		d.lows = d.lows[1:]
	}
}

func (d *Donchian) Ready() bool { return len(d.highs) >= d.period }

func (d *Donchian) Upper() float64 {
	hi := math.Inf(-1)
	for _, h := range d.highs {
		hi = math.Max(hi, h)
	}
	return hi
}

func (d *Donchian) Lower() float64 {
	lo := math.Inf(1)
	for _, l := range d.lows {
		lo = math.Min(lo, l)
	}
	return lo
}

func (d *Donchian) Value() float64 {
	if !d.Ready() {
		return 0
	}
	return (d.Upper() + d.Lower()) / 2
}
