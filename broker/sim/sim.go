// Package sim is an in-process paper broker. Prices follow a seeded random
// walk, orders fill immediately at the touch and positions are netted per
// account and instrument.
package sim

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/rustyeddy/strategylab/broker"
	"github.com/rustyeddy/strategylab/errs"
	"github.com/rustyeddy/strategylab/market"
	"github.com/rustyeddy/strategylab/pkg/id"
)

var (
	_ broker.Broker       = (*Engine)(nil)
	_ broker.CandleSource = (*Engine)(nil)
)

const maxCandles = 5000

type Options struct {
	Seed     int64
	Balance  float64
	Currency string
	Accounts []string

	BasePrice float64
	Spread    float64
	// Step bounds the uniform move applied on every quote.
	Step  float64
	Clock func() time.Time
}

func DefaultOptions() Options {
	return Options{
		Seed:      1,
		Balance:   100000,
		Currency:  "USD",
		Accounts:  []string{"sim-001"},
		BasePrice: 100,
		Spread:    0.0002,
		Step:      0.15,
	}
}

type position struct {
	units float64
	avg   float64
}

type account struct {
	broker.Account
	positions map[string]*position
}

type Engine struct {
	mu       sync.Mutex
	opts     Options
	rng      *rand.Rand
	mids     map[string]float64
	accounts map[string]*account
}

func NewEngine(opts Options) *Engine {
	d := DefaultOptions()
	if opts.Balance <= 0 {
		opts.Balance = d.Balance
	}
	if opts.Currency == "" {
		opts.Currency = d.Currency
	}
	if len(opts.Accounts) == 0 {
		opts.Accounts = d.Accounts
	}
	if opts.BasePrice <= 0 {
		opts.BasePrice = d.BasePrice
	}
	if opts.Spread <= 0 {
		opts.Spread = d.Spread
	}
	if opts.Step <= 0 {
		opts.Step = d.Step
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	e := &Engine{
		opts:     opts,
		rng:      rand.New(rand.NewPCG(uint64(opts.Seed), 0x5eed)),
		mids:     make(map[string]float64),
		accounts: make(map[string]*account),
	}
	for _, aid := range opts.Accounts {
		e.accounts[aid] = &account{
			Account: broker.Account{
				ID:       aid,
				Alias:    "paper",
				Currency: opts.Currency,
				Balance:  opts.Balance,
			},
			positions: make(map[string]*position),
		}
	}
	return e
}

func (e *Engine) ListAccounts(ctx context.Context) ([]broker.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.accounts))
	for aid := range e.accounts {
		ids = append(ids, aid)
	}
	sort.Strings(ids)

	out := make([]broker.Account, 0, len(ids))
	for _, aid := range ids {
		out = append(out, e.revalueLocked(e.accounts[aid]))
	}
	return out, nil
}

func (e *Engine) GetAccount(ctx context.Context, accountID string) (broker.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.accounts[accountID]
	if !ok {
		return broker.Account{}, errs.NotFoundf("account %q not found", accountID)
	}
	return e.revalueLocked(a), nil
}

// GetTick advances the instrument's walk by one step and quotes it.
func (e *Engine) GetTick(ctx context.Context, instrument string) (market.Tick, error) {
	if err := market.ValidateInstrument(instrument); err != nil {
		return market.Tick{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	mid := e.midLocked(instrument) + e.opts.Step*(2*e.rng.Float64()-1)
	mid = math.Max(mid, e.opts.Spread)
	e.mids[instrument] = mid
	return e.quoteLocked(instrument), nil
}

// CreateMarketOrder fills buys at the ask and sells at the bid.
func (e *Engine) CreateMarketOrder(ctx context.Context, accountID string, req broker.MarketOrderRequest) (broker.OrderFill, error) {
	if req.Units == 0 {
		return broker.OrderFill{}, errs.Validationf("order units must be non-zero")
	}
	if err := market.ValidateInstrument(req.Instrument); err != nil {
		return broker.OrderFill{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.accounts[accountID]
	if !ok {
		return broker.OrderFill{}, errs.NotFoundf("account %q not found", accountID)
	}

	q := e.quoteLocked(req.Instrument)
	price := q.Ask
	if req.Units < 0 {
		price = q.Bid
	}

	p := a.positions[req.Instrument]
	if p == nil {
		p = &position{}
		a.positions[req.Instrument] = p
	}
	a.Balance += applyFill(p, req.Units, price)
	if p.units == 0 {
		delete(a.positions, req.Instrument)
	}

	return broker.OrderFill{
		TradeID:    id.At(q.Time),
		Instrument: req.Instrument,
		Units:      req.Units,
		Price:      price,
		Time:       q.Time,
	}, nil
}

// applyFill nets units into p and returns the P&L the fill realized.
func applyFill(p *position, units, price float64) float64 {
	switch {
	case p.units == 0 || (p.units > 0) == (units > 0):
		total := p.units + units
		p.avg = (p.avg*math.Abs(p.units) + price*math.Abs(units)) / math.Abs(total)
		p.units = total
		return 0
	case math.Abs(units) <= math.Abs(p.units):
		realized := -units * (price - p.avg)
		p.units += units
		if p.units == 0 {
			p.avg = 0
		}
		return realized
	default:
		realized := p.units * (price - p.avg)
		p.units += units
		p.avg = price
		return realized
	}
}

// GetCandles synthesizes a reproducible history for an instrument.
func (e *Engine) GetCandles(ctx context.Context, req broker.CandlesRequest) ([]market.Candle, error) {
	if err := market.ValidateInstrument(req.Instrument); err != nil {
		return nil, err
	}
	if req.Granularity == "" {
		req.Granularity = market.M5
	}
	step := req.Granularity.Duration()
	if step <= 0 {
		return nil, errs.Validationf("unknown granularity %q", req.Granularity)
	}

	var start time.Time
	n := req.Count
	switch {
	case n > 0:
		if n > maxCandles {
			return nil, errs.Validationf("count cannot exceed %d", maxCandles)
		}
		end := e.opts.Clock().UTC().Truncate(step)
		start = end.Add(-time.Duration(n) * step)
	case req.From != nil && req.To != nil:
		if !req.From.Before(*req.To) {
			return nil, errs.Validationf("from must be before to")
		}
		start = req.From.UTC().Truncate(step)
		n = int(req.To.Sub(start) / step)
		if n > maxCandles {
			return nil, errs.Validationf("range spans %d candles, more than %d", n, maxCandles)
		}
	default:
		return nil, errs.Validationf("either count or from and to are required")
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(req.Instrument))
	rng := rand.New(rand.NewPCG(uint64(e.opts.Seed), h.Sum64()))

	e.mu.Lock()
	scale := e.opts.Step
	last := e.opts.BasePrice
	e.mu.Unlock()

	out := make([]market.Candle, 0, n)
	for i := 0; i < n; i++ {
		c := market.Candle{
			Time:   start.Add(time.Duration(i) * step),
			Open:   last,
			High:   last,
			Low:    last,
			Volume: float64(50 + rng.IntN(200)),
		}
		px := last
		for j := 0; j < 4; j++ {
			px = math.Max(px+scale*(2*rng.Float64()-1), e.opts.Spread)
			c.High = math.Max(c.High, px)
			c.Low = math.Min(c.Low, px)
		}
		c.Close = px
		last = px
		out = append(out, c)
	}
	return out, nil
}

func (e *Engine) midLocked(instrument string) float64 {
	mid, ok := e.mids[instrument]
	if !ok {
		mid = e.opts.BasePrice
		e.mids[instrument] = mid
	}
	return mid
}

func (e *Engine) quoteLocked(instrument string) market.Tick {
	mid := e.midLocked(instrument)
	return market.Tick{
		Instrument: instrument,
		Time:       e.opts.Clock().UTC(),
		Bid:        mid - e.opts.Spread/2,
		Ask:        mid + e.opts.Spread/2,
	}
}

// revalueLocked marks longs at the bid and shorts at the ask, and charges
// margin on the mid.
func (e *Engine) revalueLocked(a *account) broker.Account {
	out := a.Account
	out.UnrealizedPL, out.MarginUsed, out.PositionValue = 0, 0, 0
	for inst, p := range a.positions {
		q := e.quoteLocked(inst)
		mark := q.Bid
		if p.units < 0 {
			mark = q.Ask
		}
		out.UnrealizedPL += p.units * (mark - p.avg)
		value := math.Abs(p.units) * q.Mid()
		out.PositionValue += value
		out.MarginUsed += value * market.Instruments[inst].MarginRate
	}
	out.NAV = out.Balance + out.UnrealizedPL
	out.MarginAvailable = out.NAV - out.MarginUsed
	out.OpenPositionCount = len(a.positions)
	out.OpenTradeCount = len(a.positions)
	return out
}
