package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/rustyeddy/strategylab/errs"
	"github.com/rustyeddy/strategylab/telemetry"
)

// Start moves a stopped session through starting to running and launches
// its loop. The starting state is the gate: a second Start issued while
// the first is fetching the account sees starting and gets a Conflict.
func (r *Registry) Start(ctx context.Context, id string) (Snapshot, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}

	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return Snapshot{}, errs.NotFoundf("session %q not found", id)
	}
	next, err := e.st.status.next(EventStart)
	if err != nil {
		e.mu.Unlock()
		return Snapshot{}, err
	}
	r.setStatus(e, next)
	now := r.now()
	e.st.startTime = &now
	e.st.errMsg = ""
	accountID, name, params := e.st.accountID, e.st.strategy, e.st.params
	instrument, gran := e.st.instrument, e.st.granularity
	c := r.commit(e)
	e.mu.Unlock()
	r.publish(e, c)

	acct, err := r.account(ctx, accountID)
	if err != nil {
		return r.abortStart(e, err)
	}
	strat, err := r.opts.Strategies.New(name, params)
	if err != nil {
		return r.abortStart(e, err)
	}
	r.warmup(ctx, strat, instrument, gran)

	e.mu.Lock()
	if e.st.initial == 0 {
		e.st.initial = acct.Balance
	}
	r.setStatus(e, Running)
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.cancel, e.done = cancel, done
	c = r.commit(e)
	e.mu.Unlock()
	r.publish(e, c)

	r.loops.Add(1)
	go r.run(loopCtx, e, strat, r.interval(gran), done)
	return *c.snap, nil
}

func (r *Registry) abortStart(e *entry, cause error) (Snapshot, error) {
	e.mu.Lock()
	r.setStatus(e, Error)
	e.st.errMsg = cause.Error()
	c := r.commit(e)
	e.mu.Unlock()
	r.publish(e, c)

	telemetry.ObserveLoopFailure(string(errs.KindOf(cause)))
	r.log.Error("session start failed", "session_id", c.snap.ID, "err", cause)
	return *c.snap, cause
}

// Pause stops a running session from trading. It waits for an in-flight
// iteration to finish first.
func (r *Registry) Pause(ctx context.Context, id string) (Snapshot, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	e.iter.Lock()
	defer e.iter.Unlock()
	return r.transition(e, EventPause)
}

func (r *Registry) Resume(ctx context.Context, id string) (Snapshot, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return r.transition(e, EventResume)
}

func (r *Registry) transition(e *entry, ev Event) (Snapshot, error) {
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return Snapshot{}, errs.NotFoundf("session %q not found", e.st.id)
	}
	next, err := e.st.status.next(ev)
	if err != nil {
		e.mu.Unlock()
		return Snapshot{}, err
	}
	r.setStatus(e, next)
	c := r.commit(e)
	e.mu.Unlock()
	r.publish(e, c)
	return *c.snap, nil
}

// Stop halts the loop, waits for it to drain and closes every open
// position. The session reaches stopped only once the ledger is flat; if
// closing fails it lands in error instead.
func (r *Registry) Stop(ctx context.Context, id string) (Snapshot, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}

	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return Snapshot{}, errs.NotFoundf("session %q not found", id)
	}
	next, err := e.st.status.next(EventStop)
	if err != nil {
		e.mu.Unlock()
		return Snapshot{}, err
	}
	r.setStatus(e, next)
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	c := r.commit(e)
	e.mu.Unlock()
	r.publish(e, c)

	if cancel != nil {
		cancel()
		<-done
	}

	e.iter.Lock()
	flatErr := r.flatten(ctx, e)
	e.iter.Unlock()

	return r.finishStop(e, flatErr, "")
}

// finishStop settles a stopping session. note is kept as the session's
// message when the stop succeeds.
func (r *Registry) finishStop(e *entry, flatErr error, note string) (Snapshot, error) {
	e.mu.Lock()
	if flatErr != nil {
		r.setStatus(e, Error)
		e.st.errMsg = "close positions: " + flatErr.Error()
	} else {
		r.setStatus(e, Stopped)
		e.st.errMsg = note
	}
	c := r.commit(e)
	e.mu.Unlock()
	r.publish(e, c)

	if flatErr != nil {
		telemetry.ObserveLoopFailure(string(errs.KindOf(flatErr)))
		r.log.Error("session stop failed", "session_id", c.snap.ID, "err", flatErr)
		return *c.snap, flatErr
	}
	return *c.snap, nil
}

// flatten closes every position the ledger holds. Callers hold e.iter.
func (r *Registry) flatten(ctx context.Context, e *entry) error {
	e.mu.Lock()
	positions := e.st.ledger.Positions()
	e.mu.Unlock()

	var errList []error
	for _, p := range positions {
		if err := r.fill(ctx, e, p.Instrument, -p.Units); err != nil {
			errList = append(errList, fmt.Errorf("%s: %w", p.Instrument, err))
		}
	}
	return errors.Join(errList...)
}

// ClosePosition flattens one instrument of a running or paused session.
func (r *Registry) ClosePosition(ctx context.Context, id, instrument string) (Snapshot, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	e.iter.Lock()
	defer e.iter.Unlock()

	e.mu.Lock()
	status := e.st.status
	units := e.st.ledger.Units(instrument)
	deleted := e.deleted
	e.mu.Unlock()

	switch {
	case deleted:
		return Snapshot{}, errs.NotFoundf("session %q not found", id)
	case status != Running && status != Paused:
		return Snapshot{}, errs.Conflictf("cannot close a position of a session that is %s", status)
	case units == 0:
		return Snapshot{}, errs.NotFoundf("session %s has no %s position", id, instrument)
	}

	if err := r.fill(ctx, e, instrument, -units); err != nil {
		return Snapshot{}, err
	}
	return *e.snap.Load(), nil
}
