package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rustyeddy/strategylab/api"
	"github.com/rustyeddy/strategylab/backtest"
	"github.com/rustyeddy/strategylab/config"
	"github.com/rustyeddy/strategylab/hub"
	"github.com/rustyeddy/strategylab/journal"
	"github.com/rustyeddy/strategylab/session"
	"github.com/rustyeddy/strategylab/strategies"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the session API and realtime stream",
	Long: `Start the HTTP server: session lifecycle and pull endpoints under /api,
websocket subscriptions under /ws/sessions, Prometheus metrics on /metrics.

Sessions persisted in the store are restored on startup. Sessions that were
live when the previous process stopped come back in the error state; stop
them to flatten what they still hold.

Example:
  strategylab serve --config strategylab.yaml
  strategylab serve --broker sim`,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		c.Server.Addr = serveAddr
	}
	log := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := newBroker(c.Broker)
	if err != nil {
		return err
	}

	catalogue := strategies.Builtin()
	if err := c.Presets.Apply(catalogue); err != nil {
		return fmt.Errorf("presets: %w", err)
	}

	var store session.Store
	if c.Store.Path != "" {
		j, err := journal.NewSQLite(c.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer j.Close()
		store = j
	}

	var h *hub.Hub
	reg := session.NewRegistry(session.Options{
		Broker:       b,
		Strategies:   catalogue,
		Store:        store,
		Notifier:     session.NotifyFunc(func() { h.Notify() }),
		Logger:       log,
		PollInterval: config.Duration(c.SessionDefaults.PollInterval),
		WarmupBars:   c.SessionDefaults.WarmupBars,
		Defaults:     c.SessionDefaults.Session(),
	})
	h = hub.New(reg, hub.Options{
		Interval:     config.Duration(c.Server.BroadcastInterval),
		WriteTimeout: config.Duration(c.Server.WriteTimeout),
		SendQueue:    c.Server.SendQueue,
		Logger:       log,
	})
	defer reg.Close()

	n, err := reg.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}
	if n > 0 {
		log.Info("sessions restored", "count", n)
	}

	srv := &http.Server{
		Addr: c.Server.Addr,
		Handler: api.New(api.Options{
			Sessions:  reg,
			Broker:    b,
			Backtests: backtest.NewService(b, catalogue, log),
			Hub:       h,
			Logger:    log,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go h.Run(ctx)

	errc := make(chan error, 1)
	go func() {
		log.Info("strategylab listening", "addr", c.Server.Addr, "broker", c.Broker.Kind, "store", c.Store.Path)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.Close()
	return srv.Shutdown(shutdownCtx)
}
