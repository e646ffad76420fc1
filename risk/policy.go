// Package risk holds the pre-trade limits a session enforces before any
// order reaches the broker.
package risk

// Limits are the per-session risk settings.
type Limits struct {
	// MaxUnits caps |units| held in any one instrument.
	MaxUnits float64
	// MaxDailyLoss is the realized loss over the UTC day that stops the
	// session. Zero disables it.
	MaxDailyLoss float64
}

// OrderIntent is an order the session wants to place.
type OrderIntent struct {
	Instrument string
	Units      float64 // currently held
	Delta      float64 // signed order size
}

type Violation struct {
	Code string
	Msg  string
}

const (
	CodePositionCap = "POSITION_CAP"
	CodeNoUnits     = "NO_UNITS"
	CodeBadLimits   = "BAD_LIMITS"
)
