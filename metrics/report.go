package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/olekukonko/tablewriter"
)

// Infinity is how an unbounded ratio is written in JSON.
const Infinity = "inf"

// Report is a flat label to value map. A label that is absent means the
// value is undefined for the input, which is distinct from zero.
type Report map[string]float64

func (r Report) Get(label string) (float64, bool) {
	v, ok := r[label]
	return v, ok
}

func (r Report) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r))
	for k, v := range r {
		switch {
		case math.IsInf(v, 1):
			out[k] = Infinity
		case math.IsInf(v, -1):
			out[k] = "-" + Infinity
		case math.IsNaN(v):
			continue
		default:
			out[k] = v
		}
	}
	return json.Marshal(out)
}

func (r *Report) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = make(Report, len(raw))
	for k, v := range raw {
		switch x := v.(type) {
		case float64:
			(*r)[k] = x
		case string:
			switch x {
			case Infinity:
				(*r)[k] = math.Inf(1)
			case "-" + Infinity:
				(*r)[k] = math.Inf(-1)
			default:
				return fmt.Errorf("metric %s: unexpected value %q", k, x)
			}
		default:
			return fmt.Errorf("metric %s: unexpected type %T", k, v)
		}
	}
	return nil
}

var percentLabels = map[string]bool{
	TotalReturn:    true,
	CAGR:           true,
	MaxDrawdownPct: true,
	WinRate:        true,
}

var countLabels = map[string]bool{
	TotalTrades: true,
	Wins:        true,
	Losses:      true,
}

// FormatValue renders one metric for humans.
func FormatValue(label string, v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "∞"
	case math.IsInf(v, -1):
		return "-∞"
	case percentLabels[label]:
		return fmt.Sprintf("%.2f%%", v*100)
	case countLabels[label]:
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}

// WriteTable renders the report in label order, skipping undefined values.
func WriteTable(w io.Writer, r Report) error {
	table := tablewriter.NewWriter(w)
	table.Header("Metric", "Value")
	for _, label := range Labels {
		v, ok := r[label]
		if !ok {
			continue
		}
		if err := table.Append(label, FormatValue(label, v)); err != nil {
			return err
		}
	}
	return table.Render()
}
