package strategies

import (
	"fmt"
	"math"
	"sort"

	"github.com/rustyeddy/strategylab/errs"
)

// ParamKind is the type of one strategy parameter.
type ParamKind string

const (
	IntParam   ParamKind = "int"
	FloatParam ParamKind = "float"
	BoolParam  ParamKind = "bool"
)

// ParamSpec describes one parameter a strategy accepts.
type ParamSpec struct {
	Name    string    `json:"name"`
	Kind    ParamKind `json:"type"`
	Default any       `json:"default"`
	Min     *float64  `json:"min,omitempty"`
	Max     *float64  `json:"max,omitempty"`
	Doc     string    `json:"description,omitempty"`
}

func bound(v float64) *float64 { return &v }

// Params is a validated parameter set. Values are int, float64 or bool
// according to the matching ParamSpec.
type Params map[string]any

func (p Params) Int(name string) int {
	v, _ := p[name].(int)
	return v
}

func (p Params) Float(name string) float64 {
	switch v := p[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func (p Params) Bool(name string) bool {
	v, _ := p[name].(bool)
	return v
}

func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Validate checks raw against the specs and returns a complete parameter
// set with defaults filled in. Unknown names are rejected.
func Validate(specs []ParamSpec, raw map[string]any) (Params, error) {
	known := make(map[string]ParamSpec, len(specs))
	for _, s := range specs {
		known[s.Name] = s
	}

	var unknown []string
	for k := range raw {
		if _, ok := known[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, errs.Validationf("unknown parameter(s): %v", unknown)
	}

	out := make(Params, len(specs))
	for _, s := range specs {
		v, ok := raw[s.Name]
		if !ok || v == nil {
			v = s.Default
		}
		typed, err := coerce(s, v)
		if err != nil {
			return nil, err
		}
		out[s.Name] = typed
	}
	return out, nil
}

func coerce(s ParamSpec, v any) (any, error) {
	if s.Kind == BoolParam {
		b, ok := v.(bool)
		if !ok {
			return nil, errs.Validationf("parameter %s: expected bool, got %T", s.Name, v)
		}
		return b, nil
	}

	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, errs.Validationf("parameter %s: expected %s, got %v", s.Name, s.Kind, v)
	}
	if s.Min != nil && f < *s.Min {
		return nil, errs.Validationf("parameter %s: %v is below minimum %v", s.Name, f, *s.Min)
	}
	if s.Max != nil && f > *s.Max {
		return nil, errs.Validationf("parameter %s: %v is above maximum %v", s.Name, f, *s.Max)
	}

	switch s.Kind {
	case IntParam:
		if f != math.Trunc(f) {
			return nil, errs.Validationf("parameter %s: expected integer, got %v", s.Name, f)
		}
		return int(f), nil
	case FloatParam:
		return f, nil
	}
	return nil, fmt.Errorf("parameter %s: unsupported kind %q", s.Name, s.Kind)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}
