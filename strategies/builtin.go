package strategies

import (
	"github.com/rustyeddy/strategylab/errs"
	"github.com/rustyeddy/strategylab/indicators"
	"github.com/rustyeddy/strategylab/market"
)

// MeanReversion is long when the fast SMA sits below the slow SMA and flat
// otherwise. It holds its last exposure until the slow window fills.
type MeanReversion struct {
	fast, slow *indicators.SimpleMA
	exposure   float64
}

var meanReversion = Definition{
	Key: "mean_reversion",
	Doc: "Long when fast SMA < slow SMA.",
	Params: []ParamSpec{
		{Name: "w_fast", Kind: IntParam, Default: 20, Min: bound(1), Doc: "fast SMA window"},
		{Name: "w_slow", Kind: IntParam, Default: 50, Min: bound(2), Doc: "slow SMA window"},
	},
	Presets: map[string]map[string]any{
		"default":      {"w_fast": 20, "w_slow": 50},
		"EUR_USD":      {"w_fast": 10, "w_slow": 40},
		"conservative": {"w_fast": 20, "w_slow": 100},
	},
	New: func(p Params) Strategy {
		return &MeanReversion{
			fast: indicators.NewMA(p.Int("w_fast")),
			slow: indicators.NewMA(p.Int("w_slow")),
		}
	},
}

func (s *MeanReversion) Name() string { return meanReversion.Key }

func (s *MeanReversion) OnBar(c market.Candle) float64 {
	s.fast.Update(c)
	s.slow.Update(c)
	if !s.slow.Ready() {
		return s.exposure
	}
	s.exposure = 0
	if s.fast.Value() < s.slow.Value() {
		s.exposure = 1
	}
	return s.exposure
}

// DonchianBreakout is long while the close is at or above the channel
// midpoint.
type DonchianBreakout struct {
	channel  *indicators.Donchian
	exposure float64
}

var donchianBreakout = Definition{
	Key: "donchian_breakout",
	Doc: "Long when close above channel midpoint.",
	Params: []ParamSpec{
		{Name: "window", Kind: IntParam, Default: 20, Min: bound(2), Doc: "channel lookback in bars"},
	},
	Presets: map[string]map[string]any{
		"default": {"window": 20},
		"turtle":  {"window": 55},
	},
	New: func(p Params) Strategy {
		return &DonchianBreakout{channel: indicators.NewDonchian(p.Int("window"))}
	},
}

func (s *DonchianBreakout) Name() string { return donchianBreakout.Key }

func (s *DonchianBreakout) OnBar(c market.Candle) float64 {
	s.channel.Update(c)
	if !s.channel.Ready() {
		return s.exposure
	}
	s.exposure = 0
	if c.Close >= s.channel.Value() {
		s.exposure = 1
	}
	return s.exposure
}

// EMACross follows the sign of fast EMA minus slow EMA, scaled by size.
// With allow_short off it goes flat instead of short.
type EMACross struct {
	fast, slow *indicators.ExponentialMA
	size       float64
	allowShort bool
	exposure   float64
}

var emaCross = Definition{
	Key: "ema_cross",
	Doc: "Long above, short below: fast/slow EMA crossover.",
	Params: []ParamSpec{
		{Name: "fast", Kind: IntParam, Default: 10, Min: bound(1), Doc: "fast EMA period"},
		{Name: "slow", Kind: IntParam, Default: 30, Min: bound(2), Doc: "slow EMA period"},
		{Name: "size", Kind: FloatParam, Default: 1.0, Min: bound(0.1), Max: bound(1), Doc: "fraction of the position cap to use"},
		{Name: "allow_short", Kind: BoolParam, Default: true, Doc: "take short exposure on a bearish cross"},
	},
	Presets: map[string]map[string]any{
		"default": {"fast": 10, "slow": 30},
		"EUR_USD": {"fast": 12, "slow": 26, "size": 0.5},
		"H1":      {"fast": 20, "slow": 50, "allow_short": false},
	},
	Check: func(p Params) error {
		if p.Int("fast") >= p.Int("slow") {
			return errs.Validationf("parameter fast (%d) must be below slow (%d)", p.Int("fast"), p.Int("slow"))
		}
		return nil
	},
	New: func(p Params) Strategy {
		return &EMACross{
			fast:       indicators.NewEMA(p.Int("fast")),
			slow:       indicators.NewEMA(p.Int("slow")),
			size:       p.Float("size"),
			allowShort: p.Bool("allow_short"),
		}
	},
}

func (s *EMACross) Name() string { return emaCross.Key }

func (s *EMACross) OnBar(c market.Candle) float64 {
	s.fast.Update(c)
	s.slow.Update(c)
	if !s.slow.Ready() {
		return s.exposure
	}

	diff := s.fast.Value() - s.slow.Value()
	switch {
	case diff > 0:
		s.exposure = s.size
	case diff < 0 && s.allowShort:
		s.exposure = -s.size
	case diff < 0:
		s.exposure = 0
	}
	return s.exposure
}
