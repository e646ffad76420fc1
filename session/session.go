// Package session runs trading strategy sessions: the lifecycle state
// machine, the per-session position and trade ledger, the registry that
// owns every session, and the control loop that drives a running one.
package session

import (
	"time"

	"github.com/rustyeddy/strategylab/market"
	"github.com/rustyeddy/strategylab/strategies"
)

// Config is a request to create a session.
type Config struct {
	ID             string         `json:"session_id,omitempty"`
	AccountID      string         `json:"account_id"`
	StrategyName   string         `json:"strategy_name"`
	StrategyParams map[string]any `json:"strategy_params,omitempty"`
	Preset         string         `json:"preset,omitempty"`
	Instrument     string         `json:"instrument,omitempty"`
	Granularity    string         `json:"granularity,omitempty"`

	// Zero MaxPositionSize derives the cap from the account balance and
	// PositionSizePercent.
	MaxPositionSize     float64 `json:"max_position_size,omitempty"`
	PositionSizePercent float64 `json:"position_size_percent,omitempty"`
	MaxDailyLoss        float64 `json:"max_daily_loss,omitempty"`
}

// Update changes the risk limits of an existing session.
type Update struct {
	MaxPositionSize *float64 `json:"max_position_size,omitempty"`
	MaxDailyLoss    *float64 `json:"max_daily_loss,omitempty"`
}

// Snapshot is an immutable point-in-time copy of a session. Both the push
// broadcast and the pull endpoints serve it.
type Snapshot struct {
	ID              string              `json:"session_id"`
	AccountID       string              `json:"account_id"`
	StrategyName    string              `json:"strategy_name"`
	StrategyParams  strategies.Params   `json:"strategy_params"`
	Instrument      string              `json:"instrument"`
	Granularity     market.Granularity  `json:"granularity"`
	Status          Status              `json:"status"`
	InitialBalance  float64             `json:"initial_balance"`
	CurrentBalance  float64             `json:"current_balance"`
	Equity          float64             `json:"equity"`
	UnrealizedPL    float64             `json:"unrealized_pl"`
	RealizedPL      float64             `json:"realized_pl"`
	MarginUsed      float64             `json:"margin_used"`
	MarginAvailable float64             `json:"margin_available"`
	TotalTrades     int                 `json:"total_trades"`
	WinningTrades   int                 `json:"winning_trades"`
	LosingTrades    int                 `json:"losing_trades"`
	Positions       map[string]Position `json:"positions"`
	OpenTrades      int                 `json:"open_trades_count"`
	ClosedTrades    int                 `json:"closed_trades_count"`
	StartTime       *time.Time          `json:"start_time"`
	LastUpdate      time.Time           `json:"last_update"`
	ErrorMessage    *string             `json:"error_message"`
	MaxPositionSize float64             `json:"max_position_size"`
	MaxDailyLoss    float64             `json:"max_daily_loss"`
	DailyLoss       float64             `json:"daily_loss"`
	CreatedAt       time.Time           `json:"created_at"`
	Revision        uint64              `json:"revision"`
}

// PositionList returns the open positions sorted by instrument.
func (s Snapshot) PositionList() []Position {
	out := make([]Position, 0, len(s.Positions))
	for _, p := range s.Positions {
		out = append(out, p)
	}
	sortPositions(out)
	return out
}

// state is the mutable record behind a session. Only the owning entry's
// mutex holder touches it.
type state struct {
	id           string
	accountID    string
	strategy     string
	params       strategies.Params
	instrument   string
	granularity  market.Granularity
	status       Status
	initial      float64
	maxDailyLoss float64
	startTime    *time.Time
	lastUpdate   time.Time
	errMsg       string
	createdAt    time.Time
	revision     uint64
	ledger       *Ledger
}

func (s *state) snapshot() *Snapshot {
	realized := s.ledger.Realized()
	unrealized := s.ledger.Unrealized()
	balance := s.initial + realized
	equity := balance + unrealized
	margin := s.ledger.MarginUsed()

	snap := &Snapshot{
		ID:              s.id,
		AccountID:       s.accountID,
		StrategyName:    s.strategy,
		StrategyParams:  s.params.Clone(),
		Instrument:      s.instrument,
		Granularity:     s.granularity,
		Status:          s.status,
		InitialBalance:  s.initial,
		CurrentBalance:  balance,
		Equity:          equity,
		UnrealizedPL:    unrealized,
		RealizedPL:      realized,
		MarginUsed:      margin,
		MarginAvailable: equity - margin,
		WinningTrades:   s.ledger.wins,
		LosingTrades:    s.ledger.losses,
		Positions:       make(map[string]Position, len(s.ledger.positions)),
		OpenTrades:      s.ledger.OpenCount(),
		ClosedTrades:    s.ledger.ClosedCount(),
		LastUpdate:      s.lastUpdate,
		MaxPositionSize: s.ledger.Cap(),
		MaxDailyLoss:    s.maxDailyLoss,
		DailyLoss:       s.ledger.DailyLoss(),
		CreatedAt:       s.createdAt,
		Revision:        s.revision,
	}
	snap.TotalTrades = snap.WinningTrades + snap.LosingTrades + snap.OpenTrades
	for _, p := range s.ledger.Positions() {
		snap.Positions[p.Instrument] = p
	}
	if s.startTime != nil {
		t := *s.startTime
		snap.StartTime = &t
	}
	if s.errMsg != "" {
		m := s.errMsg
		snap.ErrorMessage = &m
	}
	return snap
}
