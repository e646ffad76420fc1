package session

import "github.com/rustyeddy/strategylab/errs"

// Status is the lifecycle state of a session.
type Status string

const (
	Stopped  Status = "stopped"
	Starting Status = "starting"
	Running  Status = "running"
	Paused   Status = "paused"
	Stopping Status = "stopping"
	Error    Status = "error"
)

// Event is a lifecycle request.
type Event string

const (
	EventStart  Event = "start"
	EventPause  Event = "pause"
	EventResume Event = "resume"
	EventStop   Event = "stop"
)

// transitions lists, per event, the states it may be applied from and the
// state the session enters immediately.
var transitions = map[Event]struct {
	from []Status
	to   Status
}{
	EventStart:  {from: []Status{Stopped}, to: Starting},
	EventPause:  {from: []Status{Running}, to: Paused},
	EventResume: {from: []Status{Paused}, to: Running},
	EventStop:   {from: []Status{Running, Paused, Error}, to: Stopping},
}

// next returns the state ev moves s into, or a Conflict error.
func (s Status) next(ev Event) (Status, error) {
	t, ok := transitions[ev]
	if !ok {
		return s, errs.Validationf("unknown event %q", ev)
	}
	for _, from := range t.from {
		if s == from {
			return t.to, nil
		}
	}
	return s, errs.Conflictf("cannot %s a session that is %s", ev, s)
}

// Deletable reports whether a session in state s may be removed.
func (s Status) Deletable() bool {
	return s == Stopped || s == Error
}

// live reports whether a loop may own the session in state s.
func (s Status) live() bool {
	switch s {
	case Starting, Running, Paused, Stopping:
		return true
	}
	return false
}
