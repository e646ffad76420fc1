package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/rustyeddy/strategylab/broker"
	"github.com/rustyeddy/strategylab/broker/oanda"
	"github.com/rustyeddy/strategylab/broker/sim"
	"github.com/rustyeddy/strategylab/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "strategylab",
	Short: "Run, watch and backtest trading strategy sessions",
	Long: `Strategylab runs long-lived strategy sessions against brokerage accounts,
pushes their state to websocket subscribers and computes performance
statistics for both live sessions and historical backtests.

It provides tools for:
  - Serving the session API and realtime stream
  - Backtesting strategies over OANDA or simulated candles
  - Watching sessions from a terminal
  - Inspecting accounts and the strategy catalogue`,
	SilenceUsage: true,
}

var (
	cfgFile    string
	brokerFlag  string
	cfg        *config.Config
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&brokerFlag, "broker", "", "override broker.kind (oanda or sim)")
}

// loadConfig reads the config file and environment and installs the
// default logger. Commands that need it call it first.
func loadConfig() (*config.Config, error) {
	if cfg != nil {
		return cfg, nil
	}
	c, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if brokerFlag != "" {
		c.Broker.Kind = brokerFlag
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}
	setupLogger(c.Log)
	cfg = c
	return cfg, nil
}

func setupLogger(lc config.LogConfig) {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// brokerClient is a Broker that can also serve candles.
type brokerClient interface {
	broker.Broker
	broker.CandleSource
}

func newBroker(bc config.BrokerConfig) (brokerClient, error) {
	switch bc.Kind {
	case config.BrokerOANDA:
		if bc.Token == "" {
			return nil, fmt.Errorf("OANDA token not set (broker.token or OANDA_TOKEN)")
		}
		return oanda.New(oanda.Config{
			Token:             bc.Token,
			Practice:          bc.Env != "live",
			AccountID:         bc.AccountID,
			RequestsPerSecond: bc.RequestsPerSecond,
			Burst:             bc.Burst,
			Timeout:           config.Duration(bc.Timeout),
		}), nil
	case config.BrokerSim:
		accounts := []string{"sim-001"}
		if bc.AccountID != "" {
			accounts = []string{bc.AccountID}
		}
		return sim.NewEngine(sim.Options{
			Seed:      bc.Sim.Seed,
			Balance:   bc.Sim.Balance,
			Currency:  bc.Sim.Currency,
			Accounts:  accounts,
			BasePrice: bc.Sim.BasePrice,
			Step:      bc.Sim.Step,
		}), nil
	}
	return nil, fmt.Errorf("unknown broker kind %q", bc.Kind)
}
