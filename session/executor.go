package session

import (
	"context"
	"math"
	"time"

	"github.com/rustyeddy/strategylab/broker"
	"github.com/rustyeddy/strategylab/errs"
	"github.com/rustyeddy/strategylab/market"
	"github.com/rustyeddy/strategylab/risk"
	"github.com/rustyeddy/strategylab/strategies"
	"github.com/rustyeddy/strategylab/telemetry"
)

// minTradeUnits is the smallest order a loop places.
const minTradeUnits = 1

// DailyLossMessage is recorded on a session that stopped itself after
// reaching its daily loss limit.
const DailyLossMessage = "daily loss limit reached"

func (r *Registry) interval(g market.Granularity) time.Duration {
	if r.opts.PollInterval > 0 {
		return r.opts.PollInterval
	}
	if d := g.Duration(); d > 0 {
		return d
	}
	return time.Minute
}

// warmup feeds recent history to a fresh strategy without acting on it.
func (r *Registry) warmup(ctx context.Context, strat strategies.Strategy, instrument string, g market.Granularity) {
	src, ok := r.opts.Broker.(broker.CandleSource)
	if !ok || r.opts.WarmupBars <= 0 {
		return
	}
	candles, err := src.GetCandles(ctx, broker.CandlesRequest{
		Instrument:  instrument,
		Granularity: g,
		Count:       r.opts.WarmupBars,
	})
	if err != nil {
		r.log.Warn("strategy warmup skipped", "instrument", instrument, "err", err)
		return
	}
	for _, c := range candles {
		strat.OnBar(c)
	}
}

// run is the control loop of one session. It exits when its context is
// cancelled, the session leaves running/paused, or an iteration fails.
func (r *Registry) run(ctx context.Context, e *entry, strat strategies.Strategy, every time.Duration, done chan struct{}) {
	defer r.loops.Done()
	defer close(done)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		stop, err := r.step(ctx, e, strat)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.fail(e, err)
			return
		}
		if stop {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// step runs one iteration: price, mark, risk check, strategy, order.
// The iteration lock is held throughout so pause waits for it.
func (r *Registry) step(ctx context.Context, e *entry, strat strategies.Strategy) (bool, error) {
	e.iter.Lock()
	defer e.iter.Unlock()

	if ctx.Err() != nil {
		return true, nil
	}

	e.mu.Lock()
	status, instrument := e.st.status, e.st.instrument
	e.mu.Unlock()
	if status != Running && status != Paused {
		return true, nil
	}

	tick, err := r.opts.Broker.GetTick(ctx, instrument)
	if err != nil {
		return false, upstream(err, "get price "+instrument)
	}
	now := r.now()

	e.mu.Lock()
	l := e.st.ledger
	l.rollDay(now)
	l.MarkToMarket(instrument, tick.Mid())
	l.RecordEquity(now, e.st.initial+l.Realized()+l.Unrealized())
	status = e.st.status
	breach := risk.DailyLossBreached(risk.Limits{MaxDailyLoss: e.st.maxDailyLoss}, l.DailyLoss())
	maxUnits, units := l.Cap(), l.Units(instrument)
	c := r.commit(e)
	e.mu.Unlock()
	r.publish(e, c)

	switch status {
	case Paused:
		return false, nil
	case Running:
	default:
		return true, nil
	}

	if breach {
		r.drain(ctx, e)
		return true, nil
	}

	exposure := strat.OnBar(market.CandleAt(tick))
	desired := risk.TargetUnits(exposure, maxUnits)
	delta := desired - units
	if math.Abs(delta) < minTradeUnits {
		return false, nil
	}
	return false, r.fill(ctx, e, instrument, delta)
}

// fill checks the cap, places the order and books the result. Callers hold
// e.iter, so nothing else moves the position in between. The order itself
// is not cancelled with the loop: a stop waits for it rather than abandon
// a fill the broker may already have executed.
func (r *Registry) fill(ctx context.Context, e *entry, instrument string, delta float64) error {
	e.mu.Lock()
	err := e.st.ledger.CheckFill(instrument, delta)
	accountID := e.st.accountID
	e.mu.Unlock()
	if err != nil {
		telemetry.ObserveRejectedFill("position_cap")
		return err
	}

	f, err := r.opts.Broker.CreateMarketOrder(context.WithoutCancel(ctx), accountID, broker.MarketOrderRequest{
		Instrument: instrument,
		Units:      delta,
	})
	if err != nil {
		return upstream(err, "market order "+instrument)
	}
	at := f.Time
	if at.IsZero() {
		at = r.now()
	}

	e.mu.Lock()
	l := e.st.ledger
	err = l.ApplyFill(instrument, f.Units, f.Price, at)
	if err == nil {
		l.RecordEquity(at, e.st.initial+l.Realized()+l.Unrealized())
	}
	c := r.commit(e)
	e.mu.Unlock()
	r.publish(e, c)

	if err != nil {
		telemetry.ObserveRejectedFill("ledger")
		return err
	}
	telemetry.ObserveFill(instrument)
	r.log.Debug("fill", "session_id", c.snap.ID, "instrument", instrument, "units", f.Units, "price", f.Price)
	return nil
}

// fail records a loop error on the session and moves it to error.
func (r *Registry) fail(e *entry, err error) {
	e.mu.Lock()
	if e.st.status != Running && e.st.status != Paused {
		e.mu.Unlock()
		return
	}
	r.setStatus(e, Error)
	e.st.errMsg = err.Error()
	c := r.commit(e)
	e.mu.Unlock()
	r.publish(e, c)

	telemetry.ObserveLoopFailure(string(errs.KindOf(err)))
	r.log.Error("session loop halted", "session_id", c.snap.ID, "kind", errs.KindOf(err), "err", err)
}

// drain is the loop stopping its own session after a daily loss breach.
// It runs inside an iteration, so e.iter is already held.
func (r *Registry) drain(ctx context.Context, e *entry) {
	e.mu.Lock()
	if e.st.status != Running {
		e.mu.Unlock()
		return
	}
	r.setStatus(e, Stopping)
	cancel := e.cancel
	e.cancel, e.done = nil, nil
	c := r.commit(e)
	e.mu.Unlock()
	r.publish(e, c)

	r.log.Warn("daily loss limit reached", "session_id", c.snap.ID, "daily_loss", c.snap.DailyLoss)
	flatErr := r.flatten(ctx, e)
	r.finishStop(e, flatErr, DailyLossMessage)
	if cancel != nil {
		cancel()
	}
}
