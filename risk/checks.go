package risk

import (
	"fmt"
	"math"
	"strings"

	"github.com/rustyeddy/strategylab/errs"
)

// unitTolerance absorbs float noise in unit arithmetic.
const unitTolerance = 1e-9

type Decision struct {
	Allowed    bool
	Violations []Violation

	// Resulting is the position the order would leave.
	Resulting float64
}

func (d *Decision) add(code, msg string) {
	d.Violations = append(d.Violations, Violation{Code: code, Msg: msg})
	d.Allowed = false
}

// Err returns a Conflict describing every violation, or nil.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	msgs := make([]string, len(d.Violations))
	for i, v := range d.Violations {
		msgs[i] = v.Msg
	}
	return errs.Conflictf("%s", strings.Join(msgs, "; "))
}

// Reason is a short label for the first violation, for metrics.
func (d Decision) Reason() string {
	if d.Allowed || len(d.Violations) == 0 {
		return ""
	}
	return strings.ToLower(d.Violations[0].Code)
}

// Evaluate checks an order against the limits. It never calls out, so it
// can run under the session lock.
func Evaluate(l Limits, in OrderIntent) Decision {
	d := Decision{Allowed: true, Resulting: in.Units + in.Delta}

	if math.Abs(in.Delta) < unitTolerance {
		d.add(CodeNoUnits, "order units must be non-zero")
		return d
	}
	if l.MaxUnits <= 0 {
		d.add(CodeBadLimits, fmt.Sprintf("position cap %g is not positive", l.MaxUnits))
		return d
	}
	if math.Abs(d.Resulting) > l.MaxUnits+unitTolerance {
		d.add(CodePositionCap,
			fmt.Sprintf("fill of %g %s would hold %g units, cap is %g", in.Delta, in.Instrument, d.Resulting, l.MaxUnits))
	}
	return d
}

// DailyLossBreached reports whether dayLoss has reached the daily limit.
func DailyLossBreached(l Limits, dayLoss float64) bool {
	return l.MaxDailyLoss > 0 && dayLoss >= l.MaxDailyLoss
}
