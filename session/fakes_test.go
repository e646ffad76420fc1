package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rustyeddy/strategylab/broker"
	"github.com/rustyeddy/strategylab/errs"
	"github.com/rustyeddy/strategylab/market"
	"github.com/rustyeddy/strategylab/metrics"
	"github.com/rustyeddy/strategylab/strategies"
	"github.com/stretchr/testify/require"
)

// fakeBroker quotes a settable mid price and fills every order at it.
type fakeBroker struct {
	mu       sync.Mutex
	price    float64
	balance  float64
	tickErr  error
	orderErr error
	orders   []broker.MarketOrderRequest
	gate     chan struct{}
	candles  []market.Candle
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{price: 1.10, balance: 10000}
}

func (b *fakeBroker) set(fn func(b *fakeBroker)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func (b *fakeBroker) ListAccounts(ctx context.Context) ([]broker.Account, error) {
	a, err := b.GetAccount(ctx, "acct-1")
	return []broker.Account{a}, err
}

func (b *fakeBroker) GetAccount(ctx context.Context, id string) (broker.Account, error) {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return broker.Account{}, ctx.Err()
		}
	}
	if id == "missing" {
		return broker.Account{}, errs.NotFoundf("account %s not found", id)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return broker.Account{ID: id, Currency: "USD", Balance: b.balance, NAV: b.balance}, nil
}

func (b *fakeBroker) GetTick(ctx context.Context, instrument string) (market.Tick, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tickErr != nil {
		return market.Tick{}, b.tickErr
	}
	return market.Tick{Instrument: instrument, Time: time.Now(), Bid: b.price, Ask: b.price}, nil
}

func (b *fakeBroker) CreateMarketOrder(ctx context.Context, accountID string, req broker.MarketOrderRequest) (broker.OrderFill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.orderErr != nil {
		return broker.OrderFill{}, b.orderErr
	}
	b.orders = append(b.orders, req)
	return broker.OrderFill{Instrument: req.Instrument, Units: req.Units, Price: b.price, Time: time.Now()}, nil
}

func (b *fakeBroker) GetCandles(ctx context.Context, req broker.CandlesRequest) ([]market.Candle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.candles, nil
}

func (b *fakeBroker) orderCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

// targetStrategy returns whatever exposure the test last set.
type targetStrategy struct {
	mu     sync.Mutex
	target float64
	bars   int
}

func (s *targetStrategy) Name() string { return "target" }

func (s *targetStrategy) OnBar(market.Candle) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars++
	return s.target
}

func (s *targetStrategy) set(v float64) {
	s.mu.Lock()
	s.target = v
	s.mu.Unlock()
}

func (s *targetStrategy) seen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bars
}

// memStore keeps the latest record per session.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]Record
	order    []string
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]Record)}
}

func (m *memStore) SaveSession(ctx context.Context, snap Snapshot, ledger LedgerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[snap.ID]
	if ok && rec.Snapshot.Revision >= snap.Revision {
		return nil
	}
	if !ok {
		m.order = append(m.order, snap.ID)
	}
	rec.Snapshot, rec.Ledger = snap, ledger
	m.sessions[snap.ID] = rec
	return nil
}

func (m *memStore) RecordTrade(ctx context.Context, id string, t Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.sessions[id]
	rec.Closed = append(rec.Closed, t)
	m.sessions[id] = rec
	return nil
}

func (m *memStore) RecordEquity(ctx context.Context, id string, p metrics.EquityPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.sessions[id]
	rec.Equity = append(rec.Equity, p)
	m.sessions[id] = rec
	return nil
}

func (m *memStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *memStore) LoadSessions(ctx context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.sessions[id])
	}
	return out, nil
}

type countingNotifier struct {
	mu sync.Mutex
	n  int
}

func (c *countingNotifier) Notify() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

var errBrokerDown = errors.New("broker unavailable")

type harness struct {
	reg   *Registry
	b     *fakeBroker
	strat *targetStrategy
	store *memStore
	note  *countingNotifier
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		b:     newFakeBroker(),
		strat: &targetStrategy{},
		store: newMemStore(),
		note:  &countingNotifier{},
	}
	strats := strategies.Builtin()
	require.NoError(t, strats.Register(strategies.Definition{
		Key: "target",
		Doc: "test strategy",
		New: func(strategies.Params) strategies.Strategy { return h.strat },
	}))
	opts := Options{
		Broker:       h.b,
		Strategies:   strats,
		Store:        h.store,
		Notifier:     h.note,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		PollInterval: 2 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&opts)
	}
	h.reg = NewRegistry(opts)
	t.Cleanup(h.reg.Close)
	return h
}

func (h *harness) create(t *testing.T, id string, maxUnits float64) Snapshot {
	t.Helper()
	snap, err := h.reg.Create(context.Background(), Config{
		ID:              id,
		AccountID:       "acct-1",
		StrategyName:    "target",
		Instrument:      "EUR_USD",
		Granularity:     "M1",
		MaxPositionSize: maxUnits,
	})
	require.NoError(t, err)
	return snap
}

func (h *harness) status(t *testing.T, id string) Status {
	t.Helper()
	s, err := h.reg.Get(id)
	require.NoError(t, err)
	return s.Status
}

func (h *harness) units(t *testing.T, id string) float64 {
	t.Helper()
	s, err := h.reg.Get(id)
	require.NoError(t, err)
	return s.Positions["EUR_USD"].Units
}
