package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rustyeddy/strategylab/backtest"
	"github.com/rustyeddy/strategylab/journal"
	"github.com/rustyeddy/strategylab/metrics"
	"github.com/rustyeddy/strategylab/pkg/id"
	"github.com/rustyeddy/strategylab/strategies"
	"github.com/spf13/cobra"
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Backtest a strategy over historical candles",
	Long: `Run a strategy bar by bar over historical candles and print its
performance metrics. Candles come from the configured broker: OANDA, or
the offline simulator with --broker sim.

Select candles with --count (10-5000) or with --from and --to (RFC3339).
Strategy parameters come from --preset and individual --param overrides.

Examples:
  strategylab backtest -s ema_cross -i EUR_USD -g H1 --count 2000
  strategylab backtest -s mean_reversion --preset conservative --param w_fast=15
  strategylab backtest -s donchian_breakout --from 2024-01-01T00:00:00Z --to 2024-03-01T00:00:00Z \
      --trades-csv trades.csv --equity-csv equity.csv --save`,
	RunE: runBacktest,
}

var backtestRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List saved backtest runs",
	RunE:  runBacktestRuns,
}

var backtestShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print the metrics of a saved backtest run",
	Args:  cobra.ExactArgs(1),
	RunE:  runBacktestShow,
}

var (
	btInstrument  string
	btGranularity string
	btStrategy    string
	btPreset      string
	btParams      map[string]string
	btCount       int
	btFrom        string
	btTo          string
	btOpts        backtest.Options
	btTradesCSV   string
	btEquityCSV   string
	btSave        bool
	btJSON        bool
	btRunsLimit   int
)

func init() {
	rootCmd.AddCommand(backtestCmd)
	backtestCmd.AddCommand(backtestRunsCmd)
	backtestCmd.AddCommand(backtestShowCmd)

	f := backtestCmd.Flags()
	f.StringVarP(&btInstrument, "instrument", "i", "EUR_USD", "instrument")
	f.StringVarP(&btGranularity, "granularity", "g", "M5", "candle granularity")
	f.StringVarP(&btStrategy, "strategy", "s", "mean_reversion", "strategy key (see 'strategylab strategies')")
	f.StringVar(&btPreset, "preset", "", "named parameter preset")
	f.StringToStringVarP(&btParams, "param", "p", nil, "parameter override, name=value (repeatable)")
	f.IntVarP(&btCount, "count", "n", 0, "number of most recent candles (default 500)")
	f.StringVar(&btFrom, "from", "", "range start, RFC3339")
	f.StringVar(&btTo, "to", "", "range end, RFC3339")
	f.Float64Var(&btOpts.NotionalPerUnit, "notional", 1, "notional per unit of exposure")
	f.Float64Var(&btOpts.Slippage, "slippage", 0, "fractional slippage per fill (0.0001 = 1bp)")
	f.Float64Var(&btOpts.FeeBps, "fee-bps", 0, "fee in basis points of traded notional")
	f.Float64Var(&btOpts.InitialEquity, "initial-equity", backtest.DefaultInitialEquity, "starting equity")
	f.StringVar(&btTradesCSV, "trades-csv", "", "write closed trades to this CSV file")
	f.StringVar(&btEquityCSV, "equity-csv", "", "write the equity curve to this CSV file")
	f.BoolVar(&btSave, "save", false, "record the run in the store (store.path)")
	f.BoolVar(&btJSON, "json", false, "print the full report as JSON")

	backtestRunsCmd.Flags().IntVar(&btRunsLimit, "limit", 20, "maximum runs to list")
}

func runBacktest(cmd *cobra.Command, args []string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	b, err := newBroker(c.Broker)
	if err != nil {
		return err
	}
	catalogue := strategies.Builtin()
	if err := c.Presets.Apply(catalogue); err != nil {
		return fmt.Errorf("presets: %w", err)
	}

	req := backtest.Request{
		Instrument:  btInstrument,
		Granularity: btGranularity,
		Count:       btCount,
		Strategy:    btStrategy,
		Preset:      btPreset,
		Params:      parseParams(btParams),
		Options:     btOpts,
	}
	if req.From, err = parseTimeFlag("from", btFrom); err != nil {
		return err
	}
	if req.To, err = parseTimeFlag("to", btTo); err != nil {
		return err
	}

	ctx := cmd.Context()
	svc := backtest.NewService(b, catalogue, nil)
	rep, err := svc.Run(ctx, req)
	if err != nil {
		return fmt.Errorf("backtest: %w", err)
	}

	out := cmd.OutOrStdout()
	if btJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
	} else {
		printBacktestHeader(out, rep)
		if err := metrics.WriteTable(out, rep.Metrics); err != nil {
			return err
		}
	}

	if btTradesCSV != "" || btEquityCSV != "" {
		if btTradesCSV == "" || btEquityCSV == "" {
			return fmt.Errorf("--trades-csv and --equity-csv must be given together")
		}
		if err := exportCSV(rep, btTradesCSV, btEquityCSV); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "✓ Wrote %s and %s\n", btTradesCSV, btEquityCSV)
	}

	if btSave {
		runID, err := saveRun(ctx, c.Store.Path, rep)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "✓ Saved run %s\n", runID)
	}
	return nil
}

func printBacktestHeader(w io.Writer, rep backtest.Report) {
	fmt.Fprintf(w, "%s on %s %s: %d candles, %d trades\n",
		rep.Strategy, rep.Instrument, rep.Granularity, rep.Candles, len(rep.Trades))
	keys := make([]string, 0, len(rep.Params))
	for k := range rep.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s = %v\n", k, rep.Params[k])
	}
}

// parseParams turns name=value flags into typed values: numbers, then
// booleans, then plain strings.
func parseParams(raw map[string]string) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = f
		} else if b, err := strconv.ParseBool(v); err == nil {
			out[k] = b
		} else {
			out[k] = v
		}
	}
	return out
}

func parseTimeFlag(name, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return &t, nil
}

// exportCSV writes closed trades and the equity curve.
func exportCSV(rep backtest.Report, tradesPath, equityPath string) (err error) {
	j, err := journal.NewCSV(tradesPath, equityPath)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := j.Close(); err == nil {
			err = cerr
		}
	}()

	for i, t := range rep.Trades {
		err := j.RecordTrade(journal.TradeRecord{
			TradeID:    strconv.Itoa(i + 1),
			Instrument: rep.Instrument,
			Units:      t.Position,
			EntryPrice: t.EntryPrice,
			ExitPrice:  t.ExitPrice,
			OpenTime:   t.EntryTime,
			CloseTime:  t.ExitTime,
			RealizedPL: t.PnL,
			Reason:     "signal",
		})
		if err != nil {
			return err
		}
	}
	for _, p := range rep.Equity {
		if err := j.RecordEquity(p); err != nil {
			return err
		}
	}
	return nil
}

func saveRun(ctx context.Context, path string, rep backtest.Report) (string, error) {
	if path == "" {
		return "", fmt.Errorf("--save needs store.path (or STRATEGYLAB_DB)")
	}
	j, err := journal.NewSQLite(path)
	if err != nil {
		return "", fmt.Errorf("open store: %w", err)
	}
	defer j.Close()

	run := journal.BacktestRun{
		RunID:       id.New(),
		Created:     time.Now().UTC(),
		Strategy:    rep.Strategy,
		Instrument:  rep.Instrument,
		Granularity: string(rep.Granularity),
		Params:      rep.Params,
		Candles:     rep.Candles,
		Report:      rep.Metrics,
	}
	if err := j.RecordBacktest(ctx, run); err != nil {
		return "", err
	}
	return run.RunID, nil
}

func openStore() (*journal.SQLite, error) {
	c, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if c.Store.Path == "" {
		return nil, fmt.Errorf("no store configured (store.path or STRATEGYLAB_DB)")
	}
	return journal.NewSQLite(c.Store.Path)
}

func runBacktestRuns(cmd *cobra.Command, args []string) error {
	j, err := openStore()
	if err != nil {
		return err
	}
	defer j.Close()

	runs, err := j.ListBacktests(cmd.Context(), btRunsLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No saved runs.")
		return nil
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("Run", "Created", "Strategy", "Instrument", "Gran", "Candles", "Net P&L", "Sharpe")
	for _, r := range runs {
		if err := table.Append(
			r.RunID,
			r.Created.Format(time.DateTime),
			r.Strategy,
			r.Instrument,
			r.Granularity,
			strconv.Itoa(r.Candles),
			formatMetric(r.Report, metrics.NetPnL),
			formatMetric(r.Report, metrics.Sharpe),
		); err != nil {
			return err
		}
	}
	return table.Render()
}

func runBacktestShow(cmd *cobra.Command, args []string) error {
	j, err := openStore()
	if err != nil {
		return err
	}
	defer j.Close()

	run, err := j.GetBacktest(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s on %s %s: %d candles (%s)\n",
		run.Strategy, run.Instrument, run.Granularity, run.Candles, run.Created.Format(time.RFC3339))
	return metrics.WriteTable(out, run.Report)
}

func formatMetric(r metrics.Report, label string) string {
	v, ok := r.Get(label)
	if !ok {
		return "-"
	}
	return metrics.FormatValue(label, v)
}
