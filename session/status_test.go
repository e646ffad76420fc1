package session

import (
	"testing"

	"github.com/rustyeddy/strategylab/errs"
	"github.com/stretchr/testify/assert"
)

func TestTransitions(t *testing.T) {
	all := []Status{Stopped, Starting, Running, Paused, Stopping, Error}
	allowed := map[Event]map[Status]Status{
		EventStart:  {Stopped: Starting},
		EventPause:  {Running: Paused},
		EventResume: {Paused: Running},
		EventStop:   {Running: Stopping, Paused: Stopping, Error: Stopping},
	}

	for ev, table := range allowed {
		for _, from := range all {
			got, err := from.next(ev)
			if to, ok := table[from]; ok {
				assert.NoError(t, err, "%s from %s", ev, from)
				assert.Equal(t, to, got)
				continue
			}
			assert.Equal(t, errs.Conflict, errs.KindOf(err), "%s from %s", ev, from)
			assert.Equal(t, from, got)
		}
	}

	_, err := Stopped.next(Event("explode"))
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestDeletable(t *testing.T) {
	assert.True(t, Stopped.Deletable())
	assert.True(t, Error.Deletable())
	for _, s := range []Status{Starting, Running, Paused, Stopping} {
		assert.False(t, s.Deletable(), s)
	}
}
