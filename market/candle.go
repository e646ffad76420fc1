package market

import "time"

// Candle represents OHLC (Open, High, Low, Close) candlestick data
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"o"`
	High   float64   `json:"h"`
	Low    float64   `json:"l"`
	Close  float64   `json:"c"`
	Volume float64   `json:"v"`
}

// Tick is a top-of-book quote.
type Tick struct {
	Instrument string    `json:"instrument"`
	Time       time.Time `json:"time"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
}

func (t Tick) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}

func (t Tick) Spread() float64 {
	return t.Ask - t.Bid
}

// CandleAt builds a flat candle from a single quote. Live sessions poll a
// price per interval, so each bar they see is a degenerate OHLC at the mid.
func CandleAt(t Tick) Candle {
	m := t.Mid()
	return Candle{Time: t.Time, Open: m, High: m, Low: m, Close: m}
}
