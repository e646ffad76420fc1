package backtest

import (
	"context"
	"log/slog"
	"time"

	"github.com/rustyeddy/strategylab/broker"
	"github.com/rustyeddy/strategylab/errs"
	"github.com/rustyeddy/strategylab/market"
	"github.com/rustyeddy/strategylab/strategies"
	"github.com/rustyeddy/strategylab/telemetry"
)

// Request is a backtest as callers describe it. Either Count or both From
// and To select the candles.
type Request struct {
	Instrument  string         `json:"instrument"`
	Granularity string         `json:"granularity"`
	Count       int            `json:"count"`
	From        *time.Time     `json:"from,omitempty"`
	To          *time.Time     `json:"to,omitempty"`
	Strategy    string         `json:"strategy"`
	Preset      string         `json:"preset,omitempty"`
	Params      map[string]any `json:"params"`
	Options
}

// Report is a Result together with what produced it.
type Report struct {
	Instrument  string             `json:"instrument"`
	Granularity market.Granularity `json:"granularity"`
	Strategy    string             `json:"strategy"`
	Params      strategies.Params  `json:"params"`
	Candles     int                `json:"candles"`
	Result
}

// Service fetches candles and runs backtests. Runs share nothing, so a
// Service is safe for concurrent use.
type Service struct {
	src        broker.CandleSource
	strategies *strategies.Registry
	log        *slog.Logger
}

func NewService(src broker.CandleSource, reg *strategies.Registry, log *slog.Logger) *Service {
	if reg == nil {
		reg = strategies.Builtin()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{src: src, strategies: reg, log: log}
}

// Run validates req, loads its candles and runs it.
func (s *Service) Run(ctx context.Context, req Request) (Report, error) {
	creq, err := s.normalize(&req)
	if err != nil {
		return Report{}, err
	}
	params, err := s.strategies.Resolve(req.Strategy, req.Preset, req.Params)
	if err != nil {
		return Report{}, err
	}
	strat, err := s.strategies.New(req.Strategy, params)
	if err != nil {
		return Report{}, err
	}
	if s.src == nil {
		return Report{}, errs.Validationf("no candle source configured")
	}

	candles, err := s.src.GetCandles(ctx, creq)
	if err != nil {
		if errs.KindOf(err) == errs.Internal {
			err = errs.UpstreamErr(err, "fetch candles")
		}
		return Report{}, err
	}

	start := time.Now()
	res := Run(candles, strat, req.Options)
	telemetry.ObserveBacktest(req.Strategy, time.Since(start))
	s.log.Info("backtest complete",
		"strategy", req.Strategy,
		"instrument", req.Instrument,
		"granularity", creq.Granularity,
		"candles", len(candles),
		"trades", len(res.Trades),
	)

	return Report{
		Instrument:  req.Instrument,
		Granularity: creq.Granularity,
		Strategy:    req.Strategy,
		Params:      params,
		Candles:     len(candles),
		Result:      res,
	}, nil
}

func (s *Service) normalize(req *Request) (broker.CandlesRequest, error) {
	if req.Instrument == "" {
		req.Instrument = "EUR_USD"
	}
	if err := market.ValidateInstrument(req.Instrument); err != nil {
		return broker.CandlesRequest{}, err
	}
	if req.Granularity == "" {
		req.Granularity = string(market.M5)
	}
	g, err := market.ParseGranularity(req.Granularity)
	if err != nil {
		return broker.CandlesRequest{}, err
	}
	if req.Strategy == "" {
		req.Strategy = "mean_reversion"
	}

	o := req.Options
	switch {
	case o.NotionalPerUnit < 0:
		return broker.CandlesRequest{}, errs.Validationf("notional_per_unit must not be negative")
	case o.Slippage < 0:
		return broker.CandlesRequest{}, errs.Validationf("slippage must not be negative")
	case o.FeeBps < 0:
		return broker.CandlesRequest{}, errs.Validationf("fee_bps must not be negative")
	case o.InitialEquity < 0:
		return broker.CandlesRequest{}, errs.Validationf("initial_equity must not be negative")
	}

	creq := broker.CandlesRequest{Instrument: req.Instrument, Granularity: g}
	if req.From != nil || req.To != nil {
		if req.From == nil || req.To == nil {
			return broker.CandlesRequest{}, errs.Validationf("from and to must be given together")
		}
		if req.Count != 0 {
			return broker.CandlesRequest{}, errs.Validationf("count cannot be combined with from/to")
		}
		if !req.From.Before(*req.To) {
			return broker.CandlesRequest{}, errs.Validationf("from must be before to")
		}
		creq.From, creq.To = req.From, req.To
		return creq, nil
	}

	if req.Count == 0 {
		req.Count = DefaultCount
	}
	if req.Count < MinCount || req.Count > MaxCount {
		return broker.CandlesRequest{}, errs.Validationf("count must be between %d and %d", MinCount, MaxCount)
	}
	creq.Count = req.Count
	return creq, nil
}
