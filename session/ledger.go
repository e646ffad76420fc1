package session

import (
	"math"
	"sort"
	"time"

	"github.com/rustyeddy/strategylab/errs"
	"github.com/rustyeddy/strategylab/market"
	"github.com/rustyeddy/strategylab/metrics"
	"github.com/rustyeddy/strategylab/pkg/id"
	"github.com/rustyeddy/strategylab/risk"
)

const unitEpsilon = 1e-9

// Position is the net holding in one instrument. Units are signed: positive
// is long, negative is short.
type Position struct {
	Instrument   string  `json:"instrument"`
	Units        float64 `json:"units"`
	AvgPrice     float64 `json:"avg_price"`
	UnrealizedPL float64 `json:"unrealized_pl"`
}

// Trade is one position episode: it opens when units leave zero and closes
// when they return to zero or flip sign. Units is the largest signed size
// the episode reached.
type Trade struct {
	ID         string     `json:"id"`
	Instrument string     `json:"instrument"`
	OpenTime   time.Time  `json:"open_time"`
	CloseTime  *time.Time `json:"close_time"`
	OpenPrice  float64    `json:"open_price"`
	ClosePrice *float64   `json:"close_price"`
	Units      float64    `json:"units"`
	RealizedPL float64    `json:"realized_pl"`

	// accrued is P&L realized by partial reductions while still open.
	accrued float64
}

func (t Trade) Open() bool { return t.CloseTime == nil }

// Stat converts a closed trade for the metrics engine.
func (t Trade) Stat() metrics.TradeStat {
	s := metrics.TradeStat{PnL: t.RealizedPL, OpenTime: t.OpenTime}
	if t.CloseTime != nil {
		s.CloseTime = *t.CloseTime
	}
	return s
}

// Trades groups a session's trades by state.
type Trades struct {
	Open   []Trade `json:"open"`
	Closed []Trade `json:"closed"`
}

// Ledger records the positions and trades of one session. It is not safe
// for concurrent use; the owning session entry serializes access.
type Ledger struct {
	maxUnits float64

	positions map[string]*Position
	open      map[string]*Trade
	closed    []Trade
	marks     map[string]float64

	realized float64
	wins     int
	losses   int

	day         time.Time
	dayRealized float64

	// closed trades and equity samples not yet handed to the store
	pendingTrades []Trade
	pendingEquity []metrics.EquityPoint
	curve         []metrics.EquityPoint
}

// maxCurvePoints bounds the in-memory equity curve of a long-lived session.
const maxCurvePoints = 20000

func NewLedger(maxUnits float64) *Ledger {
	return &Ledger{
		maxUnits:  maxUnits,
		positions: make(map[string]*Position),
		open:      make(map[string]*Trade),
		marks:     make(map[string]float64),
	}
}

// CheckFill rejects a fill that would leave |units| above the cap.
func (l *Ledger) CheckFill(instrument string, delta float64) error {
	return risk.Evaluate(risk.Limits{MaxUnits: l.maxUnits}, risk.OrderIntent{
		Instrument: instrument,
		Units:      l.Units(instrument),
		Delta:      delta,
	}).Err()
}

// ApplyFill books a fill of delta units at price. Crossing zero closes the
// current trade; a flip opens a new one with the remaining units.
func (l *Ledger) ApplyFill(instrument string, delta, price float64, at time.Time) error {
	if math.Abs(delta) < unitEpsilon {
		return nil
	}
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return errs.Validationf("fill price %v is not positive", price)
	}
	if err := l.CheckFill(instrument, delta); err != nil {
		return err
	}
	l.rollDay(at)

	pos, ok := l.positions[instrument]
	if !ok {
		l.openEpisode(instrument, delta, price, at)
		l.MarkToMarket(instrument, price)
		return nil
	}

	old := pos.Units
	next := old + delta

	if sameSign(old, delta) {
		pos.AvgPrice = (math.Abs(old)*pos.AvgPrice + math.Abs(delta)*price) / math.Abs(next)
		pos.Units = next
		if tr := l.open[instrument]; tr != nil && math.Abs(next) > math.Abs(tr.Units) {
			tr.Units = next
		}
		l.MarkToMarket(instrument, price)
		return nil
	}

	closing := math.Min(math.Abs(delta), math.Abs(old))
	pnl := closing * (price - pos.AvgPrice) * sign(old)
	l.realized += pnl
	l.dayRealized += pnl
	if tr := l.open[instrument]; tr != nil {
		tr.accrued += pnl
	}

	switch {
	case math.Abs(next) < unitEpsilon:
		l.closeEpisode(instrument, price, at)
		delete(l.positions, instrument)
		delete(l.marks, instrument)
	case !sameSign(old, next):
		l.closeEpisode(instrument, price, at)
		delete(l.positions, instrument)
		l.openEpisode(instrument, next, price, at)
		l.MarkToMarket(instrument, price)
	default:
		pos.Units = next
		l.MarkToMarket(instrument, price)
	}
	return nil
}

func (l *Ledger) openEpisode(instrument string, units, price float64, at time.Time) {
	l.positions[instrument] = &Position{Instrument: instrument, Units: units, AvgPrice: price}
	l.open[instrument] = &Trade{
		ID:         id.At(at),
		Instrument: instrument,
		OpenTime:   at,
		OpenPrice:  price,
		Units:      units,
	}
}

func (l *Ledger) closeEpisode(instrument string, price float64, at time.Time) {
	tr, ok := l.open[instrument]
	if !ok {
		return
	}
	delete(l.open, instrument)

	// Fill timestamps can collide on coarse clocks.
	if !at.After(tr.OpenTime) {
		at = tr.OpenTime.Add(time.Nanosecond)
	}
	cp := price
	tr.CloseTime = &at
	tr.ClosePrice = &cp
	tr.RealizedPL = tr.accrued
	if tr.RealizedPL > 0 {
		l.wins++
	} else {
		l.losses++
	}
	l.closed = append(l.closed, *tr)
	l.pendingTrades = append(l.pendingTrades, *tr)
}

// MarkToMarket revalues the position in instrument at price.
func (l *Ledger) MarkToMarket(instrument string, price float64) {
	if price <= 0 {
		return
	}
	l.marks[instrument] = price
	if p, ok := l.positions[instrument]; ok {
		p.UnrealizedPL = p.Units * (price - p.AvgPrice)
	}
}

// rollDay starts a new daily-loss window when at falls on a later UTC day.
func (l *Ledger) rollDay(at time.Time) {
	d := at.UTC().Truncate(24 * time.Hour)
	if d.After(l.day) {
		l.day = d
		l.dayRealized = 0
	}
}

// DailyLoss is the realized loss since the start of the current UTC day.
func (l *Ledger) DailyLoss() float64 {
	return math.Max(0, -l.dayRealized)
}

func (l *Ledger) Realized() float64 { return l.realized }

func (l *Ledger) Unrealized() float64 {
	total := 0.0
	for _, p := range l.positions {
		total += p.UnrealizedPL
	}
	return total
}

// MarginUsed estimates margin from each instrument's margin rate.
func (l *Ledger) MarginUsed() float64 {
	total := 0.0
	for inst, p := range l.positions {
		rate := 0.05
		if meta, ok := market.Instruments[inst]; ok {
			rate = meta.MarginRate
		}
		price := l.marks[inst]
		if price == 0 {
			price = p.AvgPrice
		}
		total += math.Abs(p.Units) * price * rate
	}
	return total
}

func (l *Ledger) Units(instrument string) float64 {
	if p, ok := l.positions[instrument]; ok {
		return p.Units
	}
	return 0
}

// Positions returns copies sorted by instrument.
func (l *Ledger) Positions() []Position {
	out := make([]Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sortPositions(out)
	return out
}

func sortPositions(ps []Position) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Instrument < ps[j].Instrument })
}

func (l *Ledger) Trades() Trades {
	t := Trades{Open: make([]Trade, 0, len(l.open)), Closed: make([]Trade, len(l.closed))}
	for _, tr := range l.open {
		t.Open = append(t.Open, *tr)
	}
	sort.Slice(t.Open, func(i, j int) bool { return t.Open[i].ID < t.Open[j].ID })
	copy(t.Closed, l.closed)
	return t
}

// RecordEquity appends a sample to the equity curve.
func (l *Ledger) RecordEquity(at time.Time, equity float64) {
	p := metrics.EquityPoint{Time: at, Equity: equity}
	if n := len(l.curve); n > 0 && !at.After(l.curve[n-1].Time) {
		return
	}
	l.curve = append(l.curve, p)
	if len(l.curve) > maxCurvePoints {
		l.curve = append(l.curve[:0], l.curve[len(l.curve)-maxCurvePoints:]...)
	}
	l.pendingEquity = append(l.pendingEquity, p)
}

func (l *Ledger) Curve() []metrics.EquityPoint {
	return append([]metrics.EquityPoint(nil), l.curve...)
}

// drain hands over the trades and equity samples recorded since the last
// call.
func (l *Ledger) drain() ([]Trade, []metrics.EquityPoint) {
	t, e := l.pendingTrades, l.pendingEquity
	l.pendingTrades, l.pendingEquity = nil, nil
	return t, e
}

func sign(x float64) float64 {
	if x < 0 {
		return -1
	}
	return 1
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

// OpenTrade is an open trade together with the P&L its partial reductions
// have realized so far.
type OpenTrade struct {
	Trade
	Accrued float64 `json:"accrued"`
}

// LedgerState is the persistent form of a ledger, minus closed trades and
// the equity curve which are journaled row by row.
type LedgerState struct {
	Positions   []Position         `json:"positions"`
	OpenTrades  []OpenTrade        `json:"open_trades"`
	Marks       map[string]float64 `json:"marks"`
	Realized    float64            `json:"realized"`
	Wins        int                `json:"wins"`
	Losses      int                `json:"losses"`
	Day         time.Time          `json:"day"`
	DayRealized float64            `json:"day_realized"`
}

func (l *Ledger) State() LedgerState {
	s := LedgerState{
		Positions:   l.Positions(),
		Marks:       make(map[string]float64, len(l.marks)),
		Realized:    l.realized,
		Wins:        l.wins,
		Losses:      l.losses,
		Day:         l.day,
		DayRealized: l.dayRealized,
	}
	for k, v := range l.marks {
		s.Marks[k] = v
	}
	for _, tr := range l.Trades().Open {
		s.OpenTrades = append(s.OpenTrades, OpenTrade{Trade: tr, Accrued: l.open[tr.Instrument].accrued})
	}
	return s
}

// RestoreLedger rebuilds a ledger from its persisted parts.
func RestoreLedger(maxUnits float64, s LedgerState, closed []Trade, curve []metrics.EquityPoint) *Ledger {
	l := NewLedger(maxUnits)
	for _, p := range s.Positions {
		p := p
		l.positions[p.Instrument] = &p
	}
	for _, ot := range s.OpenTrades {
		tr := ot.Trade
		tr.accrued = ot.Accrued
		l.open[tr.Instrument] = &tr
	}
	for k, v := range s.Marks {
		l.marks[k] = v
	}
	l.closed = append(l.closed, closed...)
	l.curve = append(l.curve, curve...)
	l.realized = s.Realized
	l.wins = s.Wins
	l.losses = s.Losses
	l.day = s.Day
	l.dayRealized = s.DayRealized
	return l
}

// SetCap changes the position cap. A cap below a currently held position
// is a Conflict.
func (l *Ledger) SetCap(maxUnits float64) error {
	for _, p := range l.positions {
		if math.Abs(p.Units) > maxUnits+unitEpsilon {
			return errs.Conflictf("%s holds %g units, above the requested cap %g", p.Instrument, p.Units, maxUnits)
		}
	}
	l.maxUnits = maxUnits
	return nil
}

func (l *Ledger) Cap() float64 { return l.maxUnits }

func (l *Ledger) OpenCount() int { return len(l.open) }

func (l *Ledger) ClosedCount() int { return len(l.closed) }
