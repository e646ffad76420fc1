package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rustyeddy/strategylab/broker"
	"github.com/rustyeddy/strategylab/errs"
	"github.com/rustyeddy/strategylab/market"
	"github.com/rustyeddy/strategylab/metrics"
	"github.com/rustyeddy/strategylab/risk"
	"github.com/rustyeddy/strategylab/strategies"
	"github.com/rustyeddy/strategylab/telemetry"
)

// Defaults fill in what a create request leaves out.
type Defaults struct {
	Instrument          string
	Granularity         market.Granularity
	PositionSizePercent float64
	MaxDailyLoss        float64
}

func StandardDefaults() Defaults {
	return Defaults{
		Instrument:          "EUR_USD",
		Granularity:         market.M15,
		PositionSizePercent: 1.0,
		MaxDailyLoss:        1000,
	}
}

type Options struct {
	Broker     broker.Broker
	Strategies *strategies.Registry
	Store      Store
	Notifier   Notifier
	Logger     *slog.Logger

	// PollInterval, when set, replaces the granularity as the loop period.
	PollInterval time.Duration
	WarmupBars   int
	Defaults     Defaults
	Clock        func() time.Time
}

const storeTimeout = 5 * time.Second

// RestartMessage is recorded on sessions that were live when the process
// stopped.
const RestartMessage = "interrupted by restart"

type entry struct {
	mu   sync.Mutex // guards st, cancel, done, deleted
	iter sync.Mutex // held for a whole loop iteration or fill
	// persist orders store writes against deletion
	persist sync.Mutex

	st      *state
	snap    atomic.Pointer[Snapshot]
	cancel  context.CancelFunc
	done    chan struct{}
	deleted bool
}

// change carries what a commit produced to the store and subscribers.
type change struct {
	snap   *Snapshot
	ledger LedgerState
	trades []Trade
	equity []metrics.EquityPoint
}

// Registry owns every session. Registry-level changes take mu for writing;
// per-session changes take the entry's own mutex. Lock order is mu, then
// entry.iter, then entry.mu.
type Registry struct {
	opts Options
	log  *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string

	loops sync.WaitGroup
}

func NewRegistry(opts Options) *Registry {
	if opts.Strategies == nil {
		opts.Strategies = strategies.Builtin()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	d := StandardDefaults()
	if opts.Defaults.Instrument == "" {
		opts.Defaults.Instrument = d.Instrument
	}
	if opts.Defaults.Granularity == "" {
		opts.Defaults.Granularity = d.Granularity
	}
	if opts.Defaults.PositionSizePercent <= 0 {
		opts.Defaults.PositionSizePercent = d.PositionSizePercent
	}
	if opts.Defaults.MaxDailyLoss <= 0 {
		opts.Defaults.MaxDailyLoss = d.MaxDailyLoss
	}
	return &Registry{
		opts:    opts,
		log:     opts.Logger,
		entries: make(map[string]*entry),
	}
}

func (r *Registry) now() time.Time { return r.opts.Clock().UTC() }

// Strategies exposes the strategy catalogue sessions are validated against.
func (r *Registry) Strategies() *strategies.Registry { return r.opts.Strategies }

// Create validates cfg and registers a new stopped session.
func (r *Registry) Create(ctx context.Context, cfg Config) (Snapshot, error) {
	if cfg.AccountID == "" {
		return Snapshot{}, errs.Validationf("account_id is required")
	}
	if cfg.StrategyName == "" {
		return Snapshot{}, errs.Validationf("strategy_name is required")
	}
	params, err := r.opts.Strategies.Resolve(cfg.StrategyName, cfg.Preset, cfg.StrategyParams)
	if err != nil {
		return Snapshot{}, err
	}

	if cfg.Instrument == "" {
		cfg.Instrument = r.opts.Defaults.Instrument
	}
	if err := market.ValidateInstrument(cfg.Instrument); err != nil {
		return Snapshot{}, err
	}
	if cfg.Granularity == "" {
		cfg.Granularity = string(r.opts.Defaults.Granularity)
	}
	gran, err := market.ParseGranularity(cfg.Granularity)
	if err != nil {
		return Snapshot{}, err
	}

	if cfg.MaxPositionSize < 0 || cfg.MaxDailyLoss < 0 || cfg.PositionSizePercent < 0 {
		return Snapshot{}, errs.Validationf("risk limits must not be negative")
	}
	if cfg.MaxDailyLoss == 0 {
		cfg.MaxDailyLoss = r.opts.Defaults.MaxDailyLoss
	}

	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if r.exists(cfg.ID) {
		return Snapshot{}, errs.Conflictf("session %q already exists", cfg.ID)
	}

	maxUnits := cfg.MaxPositionSize
	if maxUnits == 0 {
		acct, err := r.account(ctx, cfg.AccountID)
		if err != nil {
			return Snapshot{}, err
		}
		pct := cfg.PositionSizePercent
		if pct == 0 {
			pct = r.opts.Defaults.PositionSizePercent
		}
		maxUnits = risk.DefaultMaxUnits(acct.Balance, pct)
		if maxUnits < minTradeUnits {
			return Snapshot{}, errs.Validationf("account %s balance %.2f is too small to size positions", acct.ID, acct.Balance)
		}
	}

	now := r.now()
	e := &entry{st: &state{
		id:           cfg.ID,
		accountID:    cfg.AccountID,
		strategy:     cfg.StrategyName,
		params:       params,
		instrument:   cfg.Instrument,
		granularity:  gran,
		status:       Stopped,
		maxDailyLoss: cfg.MaxDailyLoss,
		createdAt:    now,
		lastUpdate:   now,
		ledger:       NewLedger(maxUnits),
	}}

	r.mu.Lock()
	if _, ok := r.entries[cfg.ID]; ok {
		r.mu.Unlock()
		return Snapshot{}, errs.Conflictf("session %q already exists", cfg.ID)
	}
	e.mu.Lock()
	c := r.commit(e)
	e.mu.Unlock()
	r.entries[cfg.ID] = e
	r.order = append(r.order, cfg.ID)
	r.mu.Unlock()

	r.publish(e, c)
	r.log.Info("session created", "session_id", cfg.ID, "strategy", cfg.StrategyName,
		"instrument", cfg.Instrument, "granularity", gran, "max_position_size", maxUnits)
	return *c.snap, nil
}

func (r *Registry) exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, errs.NotFoundf("session %q not found", id)
	}
	return e, nil
}

// Get returns the latest snapshot of a session.
func (r *Registry) Get(id string) (Snapshot, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return *e.snap.Load(), nil
}

// List returns snapshots of every session in creation order.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.entries[id].snap.Load())
	}
	return out
}

// Delete removes a stopped or errored session.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return errs.NotFoundf("session %q not found", id)
	}
	e.mu.Lock()
	if !e.st.status.Deletable() {
		status := e.st.status
		e.mu.Unlock()
		r.mu.Unlock()
		return errs.Conflictf("cannot delete a session that is %s; stop it first", status)
	}
	e.deleted = true
	e.mu.Unlock()

	delete(r.entries, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if r.opts.Store != nil {
		e.persist.Lock()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
		if err := r.opts.Store.DeleteSession(sctx, id); err != nil {
			r.log.Error("delete session from store", "session_id", id, "err", err)
		}
		cancel()
		e.persist.Unlock()
	}
	r.countStatuses()
	r.notify()
	r.log.Info("session deleted", "session_id", id)
	return nil
}

// Positions returns the open positions of a session.
func (r *Registry) Positions(id string) ([]Position, error) {
	snap, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return snap.PositionList(), nil
}

// Trades returns the open and closed trades of a session.
func (r *Registry) Trades(id string) (Trades, error) {
	e, err := r.lookup(id)
	if err != nil {
		return Trades{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.ledger.Trades(), nil
}

// Metrics runs the metrics engine over a session's equity curve and closed
// trades.
func (r *Registry) Metrics(id string) (metrics.Report, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	curve := e.st.ledger.Curve()
	closed := e.st.ledger.Trades().Closed
	initial := e.st.initial
	e.mu.Unlock()

	stats := make([]metrics.TradeStat, len(closed))
	for i, t := range closed {
		stats[i] = t.Stat()
	}
	return metrics.Compute(curve, stats, initial), nil
}

// Update changes a session's risk limits.
func (r *Registry) Update(ctx context.Context, id string, u Update) (Snapshot, error) {
	if u.MaxPositionSize != nil && *u.MaxPositionSize <= 0 {
		return Snapshot{}, errs.Validationf("max_position_size must be positive")
	}
	if u.MaxDailyLoss != nil && *u.MaxDailyLoss <= 0 {
		return Snapshot{}, errs.Validationf("max_daily_loss must be positive")
	}
	e, err := r.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}

	e.iter.Lock()
	defer e.iter.Unlock()
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return Snapshot{}, errs.NotFoundf("session %q not found", id)
	}
	if u.MaxPositionSize != nil {
		if err := e.st.ledger.SetCap(*u.MaxPositionSize); err != nil {
			e.mu.Unlock()
			return Snapshot{}, err
		}
	}
	if u.MaxDailyLoss != nil {
		e.st.maxDailyLoss = *u.MaxDailyLoss
	}
	c := r.commit(e)
	e.mu.Unlock()
	r.publish(e, c)
	return *c.snap, nil
}

// commit records a mutation: it bumps the revision and swaps in a fresh
// snapshot. Callers hold e.mu and pass the result to publish once they
// have released it.
func (r *Registry) commit(e *entry) change {
	e.st.revision++
	e.st.lastUpdate = r.now()
	snap := e.st.snapshot()
	e.snap.Store(snap)

	c := change{snap: snap}
	c.trades, c.equity = e.st.ledger.drain()
	if r.opts.Store != nil {
		c.ledger = e.st.ledger.State()
	}
	return c
}

// setStatus moves the session to a new state. Callers hold e.mu.
func (r *Registry) setStatus(e *entry, to Status) {
	from := e.st.status
	if from == to {
		return
	}
	e.st.status = to
	telemetry.ObserveTransition(string(from), string(to))
	r.log.Info("session status", "session_id", e.st.id, "from", from, "to", to)
}

func (r *Registry) publish(e *entry, c change) {
	if r.opts.Store != nil {
		r.persist(e, c)
	}
	r.countStatuses()
	r.notify()
}

func (r *Registry) persist(e *entry, c change) {
	e.persist.Lock()
	defer e.persist.Unlock()

	e.mu.Lock()
	deleted := e.deleted
	e.mu.Unlock()
	if deleted {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	id := c.snap.ID
	for _, t := range c.trades {
		if err := r.opts.Store.RecordTrade(ctx, id, t); err != nil {
			r.log.Error("journal trade", "session_id", id, "trade_id", t.ID, "err", err)
		}
	}
	for _, p := range c.equity {
		if err := r.opts.Store.RecordEquity(ctx, id, p); err != nil {
			r.log.Error("journal equity", "session_id", id, "err", err)
		}
	}
	if err := r.opts.Store.SaveSession(ctx, *c.snap, c.ledger); err != nil {
		r.log.Error("save session", "session_id", id, "err", err)
	}
}

func (r *Registry) notify() {
	if r.opts.Notifier != nil {
		r.opts.Notifier.Notify()
	}
}

func (r *Registry) countStatuses() {
	counts := make(map[string]int)
	for _, s := range r.List() {
		counts[string(s.Status)]++
	}
	telemetry.SetSessionCounts(counts)
}

// account fetches an account, keeping NotFound and wrapping anything else
// unclassified as an upstream failure.
func (r *Registry) account(ctx context.Context, accountID string) (broker.Account, error) {
	if r.opts.Broker == nil {
		return broker.Account{}, errs.UpstreamErr(errors.New("no broker configured"), "get account")
	}
	acct, err := r.opts.Broker.GetAccount(ctx, accountID)
	if err != nil {
		return broker.Account{}, upstream(err, "get account "+accountID)
	}
	return acct, nil
}

func upstream(err error, msg string) error {
	if errs.KindOf(err) == errs.Internal {
		return errs.UpstreamErr(err, msg)
	}
	return err
}

// Restore loads persisted sessions. Sessions that were live when the
// process stopped come back in the error state so that a stop flattens
// whatever they still hold.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.opts.Store == nil {
		return 0, nil
	}
	recs, err := r.opts.Store.LoadSessions(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, rec := range recs {
		s := rec.Snapshot
		st := &state{
			id:           s.ID,
			accountID:    s.AccountID,
			strategy:     s.StrategyName,
			instrument:   s.Instrument,
			granularity:  s.Granularity,
			status:       s.Status,
			initial:      s.InitialBalance,
			maxDailyLoss: s.MaxDailyLoss,
			startTime:    s.StartTime,
			createdAt:    s.CreatedAt,
			revision:     s.Revision,
			ledger:       RestoreLedger(s.MaxPositionSize, rec.Ledger, rec.Closed, rec.Equity),
		}
		if s.ErrorMessage != nil {
			st.errMsg = *s.ErrorMessage
		}
		params, err := r.opts.Strategies.Resolve(s.StrategyName, "", s.StrategyParams)
		if err != nil {
			st.params = s.StrategyParams
			st.status = Error
			st.errMsg = "restore: " + err.Error()
		} else {
			st.params = params
		}
		if st.status.live() {
			st.status = Error
			st.errMsg = RestartMessage
		}

		e := &entry{st: st}
		r.mu.Lock()
		if _, ok := r.entries[s.ID]; ok {
			r.mu.Unlock()
			continue
		}
		e.mu.Lock()
		c := r.commit(e)
		e.mu.Unlock()
		r.entries[s.ID] = e
		r.order = append(r.order, s.ID)
		r.mu.Unlock()

		r.publish(e, c)
		n++
	}
	r.log.Info("sessions restored", "count", n)
	return n, nil
}

// Close halts every loop without changing session state, so that the
// persisted sessions restore as interrupted.
func (r *Registry) Close() {
	r.mu.RLock()
	var cancels []context.CancelFunc
	for _, e := range r.entries {
		e.mu.Lock()
		if e.cancel != nil {
			cancels = append(cancels, e.cancel)
		}
		e.mu.Unlock()
	}
	r.mu.RUnlock()

	for _, cancel := range cancels {
		cancel()
	}
	r.loops.Wait()
}
