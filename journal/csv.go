package journal

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rustyeddy/strategylab/market"
	"github.com/rustyeddy/strategylab/metrics"
)

// CSVJournal writes trades and the equity curve of a run to two files.
type CSVJournal struct {
	trades *csv.Writer
	equity *csv.Writer
	tf, ef *os.File
}

var (
	tradeHeader  = []string{"trade_id", "instrument", "units", "entry_price", "exit_price", "open_time", "close_time", "realized_pl", "reason"}
	equityHeader = []string{"time", "equity"}
	candleHeader = []string{"time", "open", "high", "low", "close", "volume"}
)

func NewCSV(tradesPath, equityPath string) (*CSVJournal, error) {
	tf, err := os.Create(tradesPath)
	if err != nil {
		return nil, err
	}
	ef, err := os.Create(equityPath)
	if err != nil {
		_ = tf.Close()
		return nil, err
	}

	j := &CSVJournal{csv.NewWriter(tf), csv.NewWriter(ef), tf, ef}
	if err := j.trades.Write(tradeHeader); err != nil {
		_ = j.Close()
		return nil, err
	}
	if err := j.equity.Write(equityHeader); err != nil {
		_ = j.Close()
		return nil, err
	}
	return j, nil
}

func (j *CSVJournal) RecordTrade(t TradeRecord) error {
	err := j.trades.Write([]string{
		t.TradeID,
		t.Instrument,
		f(t.Units),
		f(t.EntryPrice),
		f(t.ExitPrice),
		t.OpenTime.Format(time.RFC3339),
		t.CloseTime.Format(time.RFC3339),
		f(t.RealizedPL),
		t.Reason,
	})
	if err != nil {
		return err
	}
	j.trades.Flush()
	return j.trades.Error()
}

func (j *CSVJournal) RecordEquity(p metrics.EquityPoint) error {
	err := j.equity.Write([]string{
		p.Time.Format(time.RFC3339),
		f(p.Equity),
	})
	if err != nil {
		return err
	}
	j.equity.Flush()
	return j.equity.Error()
}

func (j *CSVJournal) Close() error {
	j.trades.Flush()
	j.equity.Flush()
	errT, errE := j.trades.Error(), j.equity.Error()
	if err := j.tf.Close(); err != nil {
		return err
	}
	if err := j.ef.Close(); err != nil {
		return err
	}
	if errT != nil {
		return errT
	}
	return errE
}

func f(x float64) string {
	return strconv.FormatFloat(x, 'f', 6, 64)
}

// WriteCandles writes candles as CSV with a header row.
func WriteCandles(w io.Writer, candles []market.Candle) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(candleHeader); err != nil {
		return err
	}
	for _, c := range candles {
		err := cw.Write([]string{
			c.Time.UTC().Format(time.RFC3339),
			f(c.Open),
			f(c.High),
			f(c.Low),
			f(c.Close),
			strconv.FormatFloat(c.Volume, 'f', -1, 64),
		})
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
