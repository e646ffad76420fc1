package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rustyeddy/strategylab/broker"
	"github.com/rustyeddy/strategylab/journal"
	"github.com/rustyeddy/strategylab/market"
	"github.com/spf13/cobra"
)

// candlePage is the most candles one broker request may return.
const candlePage = 5000

var candlesCmd = &cobra.Command{
	Use:   "candles",
	Short: "Download candles to CSV",
	Long: `Fetch completed candles from the configured broker and write them as
CSV (time,open,high,low,close,volume). Long ranges are fetched in pages.

Examples:
  strategylab candles -i EUR_USD -g H1 --from 2024-01-01T00:00:00Z --to 2025-01-01T00:00:00Z -o eurusd_h1.csv
  strategylab candles -i GBP_USD -g M5 --count 1000`,
	RunE: runCandles,
}

var (
	cdInstrument  string
	cdGranularity string
	cdCount       int
	cdFrom        string
	cdTo          string
	cdOut         string
)

func init() {
	rootCmd.AddCommand(candlesCmd)

	f := candlesCmd.Flags()
	f.StringVarP(&cdInstrument, "instrument", "i", "EUR_USD", "instrument")
	f.StringVarP(&cdGranularity, "granularity", "g", "H1", "candle granularity")
	f.IntVarP(&cdCount, "count", "n", 500, "number of most recent candles (ignored with --from/--to)")
	f.StringVar(&cdFrom, "from", "", "range start, RFC3339")
	f.StringVar(&cdTo, "to", "", "range end, RFC3339")
	f.StringVarP(&cdOut, "output", "o", "-", "output CSV path, - for stdout")
}

func runCandles(cmd *cobra.Command, args []string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	if err := market.ValidateInstrument(cdInstrument); err != nil {
		return err
	}
	g, err := market.ParseGranularity(cdGranularity)
	if err != nil {
		return err
	}
	from, err := parseTimeFlag("from", cdFrom)
	if err != nil {
		return err
	}
	to, err := parseTimeFlag("to", cdTo)
	if err != nil {
		return err
	}

	b, err := newBroker(c.Broker)
	if err != nil {
		return err
	}

	var candles []market.Candle
	switch {
	case from != nil && to != nil:
		candles, err = fetchRange(cmd.Context(), b, cdInstrument, g, *from, *to)
	case from != nil || to != nil:
		return fmt.Errorf("--from and --to must be given together")
	default:
		candles, err = b.GetCandles(cmd.Context(), broker.CandlesRequest{Instrument: cdInstrument, Granularity: g, Count: cdCount})
	}
	if err != nil {
		return fmt.Errorf("fetch candles: %w", err)
	}

	var w io.Writer = cmd.OutOrStdout()
	if cdOut != "-" {
		fh, err := os.Create(cdOut)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer fh.Close()
		w = fh
	}
	if err := journal.WriteCandles(w, candles); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	if cdOut != "-" {
		fmt.Fprintf(cmd.ErrOrStderr(), "✓ Wrote %d candles to %s\n", len(candles), cdOut)
	}
	return nil
}

// fetchRange pages through [from, to) in windows the broker can serve in
// one request, dropping candles that repeat across page edges.
func fetchRange(ctx context.Context, src broker.CandleSource, instrument string, g market.Granularity, from, to time.Time) ([]market.Candle, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("--from must be before --to")
	}
	window := g.Duration() * candlePage

	var out []market.Candle
	for cur := from; cur.Before(to); {
		end := cur.Add(window)
		if end.After(to) {
			end = to
		}
		start := cur
		batch, err := src.GetCandles(ctx, broker.CandlesRequest{
			Instrument:  instrument,
			Granularity: g,
			From:        &start,
			To:          &end,
		})
		if err != nil {
			return nil, err
		}
		for _, c := range batch {
			if len(out) > 0 && !c.Time.After(out[len(out)-1].Time) {
				continue
			}
			out = append(out, c)
		}
		cur = end
	}
	return out, nil
}
