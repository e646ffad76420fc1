package journal

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rustyeddy/strategylab/market"
	"github.com/rustyeddy/strategylab/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	fh, err := os.Open(path)
	require.NoError(t, err)
	defer fh.Close()
	rows, err := csv.NewReader(fh).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCSVJournalHeaders(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tradesPath := filepath.Join(dir, "trades.csv")
	equityPath := filepath.Join(dir, "equity.csv")

	j, err := NewCSV(tradesPath, equityPath)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	assert.Equal(t, [][]string{tradeHeader}, readCSV(t, tradesPath))
	assert.Equal(t, [][]string{{"time", "equity"}}, readCSV(t, equityPath))
}

func TestCSVJournalRecords(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tradesPath := filepath.Join(dir, "trades.csv")
	equityPath := filepath.Join(dir, "equity.csv")

	j, err := NewCSV(tradesPath, equityPath)
	require.NoError(t, err)

	open := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	closeT := time.Date(2024, 1, 2, 4, 5, 6, 0, time.UTC)

	require.NoError(t, j.RecordTrade(TradeRecord{
		TradeID:    "T1",
		Instrument: "EUR_USD",
		Units:      123.456,
		EntryPrice: 1.2345678,
		ExitPrice:  1.3456789,
		OpenTime:   open,
		CloseTime:  closeT,
		RealizedPL: -12.5,
		Reason:     "signal",
	}))
	require.NoError(t, j.RecordEquity(metrics.EquityPoint{Time: closeT, Equity: 999.9}))
	require.NoError(t, j.Close())

	trades := readCSV(t, tradesPath)
	require.Len(t, trades, 2)
	assert.Equal(t, []string{
		"T1",
		"EUR_USD",
		"123.456000",
		"1.234568",
		"1.345679",
		open.Format(time.RFC3339),
		closeT.Format(time.RFC3339),
		"-12.500000",
		"signal",
	}, trades[1])

	equity := readCSV(t, equityPath)
	require.Len(t, equity, 2)
	assert.Equal(t, []string{closeT.Format(time.RFC3339), "999.900000"}, equity[1])
}

func TestWriteCandles(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	var buf bytes.Buffer
	require.NoError(t, WriteCandles(&buf, []market.Candle{
		{Time: at, Open: 1.1, High: 1.2, Low: 1.0, Close: 1.15, Volume: 42},
	}))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, candleHeader, rows[0])
	assert.Equal(t, []string{"2024-03-01T11:00:00Z", "1.100000", "1.200000", "1.000000", "1.150000", "42"}, rows[1])
}
