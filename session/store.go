package session

import (
	"context"

	"github.com/rustyeddy/strategylab/metrics"
)

// Record is everything needed to bring a session back after a restart.
type Record struct {
	Snapshot Snapshot
	Ledger   LedgerState
	Closed   []Trade
	Equity   []metrics.EquityPoint
}

// Store persists sessions. SaveSession must ignore a snapshot whose
// revision is not newer than the one already stored, since saves for one
// session may race between the loop and a lifecycle call.
type Store interface {
	SaveSession(ctx context.Context, snap Snapshot, ledger LedgerState) error
	RecordTrade(ctx context.Context, sessionID string, t Trade) error
	RecordEquity(ctx context.Context, sessionID string, p metrics.EquityPoint) error
	DeleteSession(ctx context.Context, sessionID string) error
	LoadSessions(ctx context.Context) ([]Record, error)
}

// Notifier is told that session state changed. Notify must not block.
type Notifier interface {
	Notify()
}

// NotifyFunc adapts a function to a Notifier.
type NotifyFunc func()

func (f NotifyFunc) Notify() { f() }
