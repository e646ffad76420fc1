package strategies

import (
	"testing"
	"time"

	"github.com/rustyeddy/strategylab/errs"
	"github.com/rustyeddy/strategylab/market"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bars(closes ...float64) []market.Candle {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		out[i] = market.Candle{Time: t0.Add(time.Duration(i) * time.Minute), Open: c, High: c + 0.5, Low: c - 0.5, Close: c}
	}
	return out
}

func TestBuiltinList(t *testing.T) {
	list := Builtin().List()
	require.Len(t, list, 3)
	assert.Equal(t, "donchian_breakout", list[0].Key)
	assert.Equal(t, "ema_cross", list[1].Key)
	assert.Equal(t, "mean_reversion", list[2].Key)

	mr := list[2]
	assert.Equal(t, "Long when fast SMA < slow SMA.", mr.Doc)
	require.Len(t, mr.ParamsSchema, 2)
	assert.Equal(t, IntParam, mr.ParamsSchema[0].Kind)
	assert.Equal(t, Params{"w_fast": 10, "w_slow": 40}, mr.Presets["EUR_USD"])
}

func TestResolve(t *testing.T) {
	r := Builtin()

	t.Run("defaults", func(t *testing.T) {
		p, err := r.Resolve("mean_reversion", "", nil)
		require.NoError(t, err)
		assert.Equal(t, Params{"w_fast": 20, "w_slow": 50}, p)
	})

	t.Run("json numbers", func(t *testing.T) {
		p, err := r.Resolve("mean_reversion", "", map[string]any{"w_fast": 5.0})
		require.NoError(t, err)
		assert.Equal(t, 5, p.Int("w_fast"))
	})

	t.Run("preset with override", func(t *testing.T) {
		p, err := r.Resolve("ema_cross", "EUR_USD", map[string]any{"allow_short": false})
		require.NoError(t, err)
		assert.Equal(t, 12, p.Int("fast"))
		assert.Equal(t, 0.5, p.Float("size"))
		assert.False(t, p.Bool("allow_short"))
	})

	bad := []struct {
		name     string
		strategy string
		preset   string
		raw      map[string]any
	}{
		{"unknown strategy", "nope", "", nil},
		{"unknown preset", "mean_reversion", "nope", nil},
		{"unknown param", "mean_reversion", "", map[string]any{"w_mid": 3}},
		{"below min", "mean_reversion", "", map[string]any{"w_slow": 1}},
		{"above max", "ema_cross", "", map[string]any{"size": 2.0}},
		{"not integer", "donchian_breakout", "", map[string]any{"window": 2.5}},
		{"wrong type", "donchian_breakout", "", map[string]any{"window": "20"}},
		{"bool type", "ema_cross", "", map[string]any{"allow_short": 1}},
		{"cross field", "ema_cross", "", map[string]any{"fast": 30, "slow": 10}},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(tt.strategy, tt.preset, tt.raw)
			require.Error(t, err)
			assert.Equal(t, errs.Validation, errs.KindOf(err))
		})
	}
}

func TestAddPreset(t *testing.T) {
	r := Builtin()
	require.NoError(t, r.AddPreset("donchian_breakout", "GBP_USD", map[string]any{"window": 30}))
	p, err := r.Resolve("donchian_breakout", "GBP_USD", nil)
	require.NoError(t, err)
	assert.Equal(t, 30, p.Int("window"))

	assert.Error(t, r.AddPreset("donchian_breakout", "bad", map[string]any{"window": 1}))
	assert.Error(t, r.AddPreset("missing", "x", nil))
}

func TestRegisterDuplicate(t *testing.T) {
	r := Builtin()
	err := r.Register(meanReversion)
	assert.Equal(t, errs.Conflict, errs.KindOf(err))
}

func TestMeanReversionSignal(t *testing.T) {
	r := Builtin()
	p, err := r.Resolve("mean_reversion", "", map[string]any{"w_fast": 1, "w_slow": 3})
	require.NoError(t, err)
	s, err := r.New("mean_reversion", p)
	require.NoError(t, err)

	var got []float64
	for _, b := range bars(10, 10, 9, 12, 13) {
		got = append(got, s.OnBar(b))
	}
	// fast is the last close: long when it dips under the 3-bar average
	assert.Equal(t, []float64{0, 0, 1, 0, 0}, got)
}

func TestDonchianSignal(t *testing.T) {
	s := donchianBreakout.New(Params{"window": 2})
	got := []float64{}
	for _, b := range bars(10, 12, 11, 8) {
		got = append(got, s.OnBar(b))
	}
	assert.Equal(t, []float64{0, 1, 0, 0}, got)
}

func TestEMACrossShortsWhenAllowed(t *testing.T) {
	long := emaCross.New(Params{"fast": 1, "slow": 2, "size": 0.5, "allow_short": true})
	flat := emaCross.New(Params{"fast": 1, "slow": 2, "size": 0.5, "allow_short": false})

	var a, b []float64
	for _, c := range bars(10, 12, 8) {
		a = append(a, long.OnBar(c))
		b = append(b, flat.OnBar(c))
	}
	assert.Equal(t, []float64{0, 0.5, -0.5}, a)
	assert.Equal(t, []float64{0, 0.5, 0}, b)
}
