package risk

import "math"

// DefaultMaxUnits sizes the position cap from the account balance when a
// session does not set one: balance * percent / 10.
func DefaultMaxUnits(balance, percent float64) float64 {
	if balance <= 0 || percent <= 0 {
		return 0
	}
	return balance * percent / 10
}

// TargetUnits converts a strategy exposure into whole units of the cap,
// rounding toward zero. Exposure outside [-1, 1] is not clamped: the
// resulting target exceeds the cap and Evaluate rejects it.
func TargetUnits(exposure, maxUnits float64) float64 {
	if math.IsNaN(exposure) {
		return 0
	}
	return math.Trunc(exposure * maxUnits)
}
