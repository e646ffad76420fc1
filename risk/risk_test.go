package risk

import (
	"math"
	"testing"

	"github.com/rustyeddy/strategylab/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	limits := Limits{MaxUnits: 100}

	tests := []struct {
		name      string
		limits    Limits
		in        OrderIntent
		allowed   bool
		code      string
		resulting float64
	}{
		{"open within cap", limits, OrderIntent{"EUR_USD", 0, 100}, true, "", 100},
		{"reduce", limits, OrderIntent{"EUR_USD", 100, -40}, true, "", 60},
		{"flip to cap", limits, OrderIntent{"EUR_USD", 100, -200}, true, "", -100},
		{"over cap", limits, OrderIntent{"EUR_USD", 60, 41}, false, CodePositionCap, 101},
		{"short over cap", limits, OrderIntent{"EUR_USD", -100, -1}, false, CodePositionCap, -101},
		{"zero order", limits, OrderIntent{"EUR_USD", 10, 0}, false, CodeNoUnits, 10},
		{"no cap", Limits{}, OrderIntent{"EUR_USD", 0, 1}, false, CodeBadLimits, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(tt.limits, tt.in)
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.resulting, d.Resulting)
			if tt.allowed {
				assert.NoError(t, d.Err())
				assert.Empty(t, d.Reason())
				return
			}
			require.Len(t, d.Violations, 1)
			assert.Equal(t, tt.code, d.Violations[0].Code)
			assert.Equal(t, errs.Conflict, errs.KindOf(d.Err()))
		})
	}
}

func TestCapMessage(t *testing.T) {
	d := Evaluate(Limits{MaxUnits: 1000}, OrderIntent{"GBP_USD", 900, 200})
	assert.EqualError(t, d.Err(), "fill of 200 GBP_USD would hold 1100 units, cap is 1000")
	assert.Equal(t, "position_cap", d.Reason())
}

func TestDailyLossBreached(t *testing.T) {
	assert.False(t, DailyLossBreached(Limits{MaxDailyLoss: 0}, 1e9))
	assert.False(t, DailyLossBreached(Limits{MaxDailyLoss: 100}, 99.99))
	assert.True(t, DailyLossBreached(Limits{MaxDailyLoss: 100}, 100))
}

func TestDefaultMaxUnits(t *testing.T) {
	assert.Equal(t, 1000.0, DefaultMaxUnits(10000, 1))
	assert.Equal(t, 5000.0, DefaultMaxUnits(100000, 0.5))
	assert.Zero(t, DefaultMaxUnits(0, 1))
	assert.Zero(t, DefaultMaxUnits(1000, -1))
}

func TestTargetUnits(t *testing.T) {
	assert.Equal(t, 333.0, TargetUnits(1.0/3, 1000))
	assert.Equal(t, -333.0, TargetUnits(-1.0/3, 1000))
	assert.Equal(t, 1000.0, TargetUnits(1, 1000))
	assert.Equal(t, 2000.0, TargetUnits(2, 1000))
	assert.Equal(t, -5000.0, TargetUnits(-5, 1000))
	assert.Zero(t, TargetUnits(math.NaN(), 1000))
}

func TestOverExposureIsRejected(t *testing.T) {
	l := Limits{MaxUnits: 100}
	target := TargetUnits(2, l.MaxUnits)

	d := Evaluate(l, OrderIntent{Instrument: "EUR_USD", Units: 40, Delta: target - 40})
	assert.False(t, d.Allowed)
	assert.Equal(t, 200.0, d.Resulting)
	require.Error(t, d.Err())
	assert.Equal(t, errs.Conflict, errs.KindOf(d.Err()))
}
