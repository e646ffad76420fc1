// Package strategies holds the signal generators sessions and backtests run,
// along with the typed parameter schema and presets for each.
package strategies

import (
	"sort"
	"sync"

	"github.com/rustyeddy/strategylab/errs"
	"github.com/rustyeddy/strategylab/market"
)

// Strategy turns closed bars into a target exposure in [-1, 1]: the signed
// fraction of the session's position cap it wants to hold.
type Strategy interface {
	Name() string
	OnBar(c market.Candle) float64
}

// Definition registers a strategy with the schema used to validate its
// parameters once, when a session or backtest is created.
type Definition struct {
	Key     string
	Doc     string
	Params  []ParamSpec
	Presets map[string]map[string]any

	// Check runs after per-field validation for rules spanning fields.
	Check func(Params) error
	New   func(Params) Strategy
}

// Info is the public description of a registered strategy.
type Info struct {
	Key          string            `json:"key"`
	Doc          string            `json:"doc"`
	ParamsSchema []ParamSpec       `json:"params_schema"`
	Presets      map[string]Params `json:"presets"`
}

type entry struct {
	def     Definition
	presets map[string]Params
}

// Registry is the server-owned catalogue of strategies and presets.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Builtin returns a registry holding every strategy shipped with strategylab.
func Builtin() *Registry {
	r := NewRegistry()
	for _, def := range []Definition{meanReversion, donchianBreakout, emaCross} {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *Registry) Register(def Definition) error {
	if def.Key == "" || def.New == nil {
		return errs.Validationf("strategy definition needs a key and a constructor")
	}

	e := &entry{def: def, presets: make(map[string]Params)}
	for name, raw := range def.Presets {
		p, err := e.validate(raw)
		if err != nil {
			return errs.Validationf("strategy %s preset %s: %v", def.Key, name, err)
		}
		e.presets[name] = p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[def.Key]; ok {
		return errs.Conflictf("strategy %q already registered", def.Key)
	}
	r.entries[def.Key] = e
	return nil
}

// AddPreset stores a named parameter set for a strategy, replacing any
// preset of the same name.
func (r *Registry) AddPreset(strategy, name string, raw map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[strategy]
	if !ok {
		return errs.Validationf("unknown strategy %q", strategy)
	}
	p, err := e.validate(raw)
	if err != nil {
		return err
	}
	e.presets[name] = p
	return nil
}

func (e *entry) validate(raw map[string]any) (Params, error) {
	p, err := Validate(e.def.Params, raw)
	if err != nil {
		return nil, err
	}
	if e.def.Check != nil {
		if err := e.def.Check(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// List describes every strategy, sorted by key.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		presets := make(map[string]Params, len(e.presets))
		for k, p := range e.presets {
			presets[k] = p.Clone()
		}
		out = append(out, Info{
			Key:          e.def.Key,
			Doc:          e.def.Doc,
			ParamsSchema: append([]ParamSpec(nil), e.def.Params...),
			Presets:      presets,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Resolve validates a parameter request. When preset is set its values are
// the starting point and raw overrides individual fields.
func (r *Registry) Resolve(strategy, preset string, raw map[string]any) (Params, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[strategy]
	if !ok {
		return nil, errs.Validationf("unknown strategy %q", strategy)
	}

	merged := make(map[string]any)
	if preset != "" {
		p, ok := e.presets[preset]
		if !ok {
			return nil, errs.Validationf("strategy %s has no preset %q", strategy, preset)
		}
		for k, v := range p {
			merged[k] = v
		}
	}
	for k, v := range raw {
		merged[k] = v
	}
	return e.validate(merged)
}

// New builds a fresh strategy instance from already resolved parameters.
func (r *Registry) New(strategy string, p Params) (Strategy, error) {
	r.mu.RLock()
	e, ok := r.entries[strategy]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.Validationf("unknown strategy %q", strategy)
	}
	return e.def.New(p), nil
}

func (r *Registry) Has(strategy string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[strategy]
	return ok
}
