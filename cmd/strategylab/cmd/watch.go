package cmd

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rustyeddy/strategylab/config"
	"github.com/rustyeddy/strategylab/hub"
	"github.com/rustyeddy/strategylab/session"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch [session-id]",
	Short: "Follow sessions from a running server",
	Long: `Subscribe to the realtime stream of a strategylab server and print
every update. With a session id only that session is followed.

When no update arrives within the liveness threshold a "disconnected"
line is printed; the client keeps reconnecting until interrupted.

Example:
  strategylab watch --server http://localhost:8080
  strategylab watch s1`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

var (
	watchServer    string
	watchThreshold time.Duration
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchServer, "server", "", "server base URL (default from server.addr)")
	watchCmd.Flags().DurationVar(&watchThreshold, "threshold", 0, "liveness threshold (default server.liveness_threshold)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	var sessionID string
	if len(args) == 1 {
		sessionID = args[0]
	}
	wsURL, err := streamURL(watchServer, c.Server.Addr, sessionID)
	if err != nil {
		return err
	}
	threshold := watchThreshold
	if threshold <= 0 {
		threshold = config.Duration(c.Server.LivenessThreshold)
	}
	if threshold <= 0 {
		threshold = 10 * time.Second
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	live := hub.NewLiveness(threshold)
	go reportLiveness(ctx, out, live, threshold)

	client := &hub.Client{URL: wsURL, Liveness: live}
	fmt.Fprintf(out, "Watching %s\n", wsURL)
	for {
		err := client.Run(ctx, func(m hub.Message) { printMessage(out, m) })
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			fmt.Fprintf(out, "✗ stream ended: %v (retrying)\n", err)
		} else if sessionID != "" {
			// the server closes a single-session stream once the session is gone
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

// streamURL derives the websocket URL from the server base URL, or from
// the listen address when none is given.
func streamURL(server, addr, sessionID string) (string, error) {
	if server == "" {
		host := addr
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		server = "http://" + host
	}
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("--server: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("--server: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/sessions"
	if sessionID != "" {
		u.Path += "/" + url.PathEscape(sessionID)
	}
	return u.String(), nil
}

func reportLiveness(ctx context.Context, w io.Writer, live *hub.Liveness, threshold time.Duration) {
	ticker := time.NewTicker(threshold / 2)
	defer ticker.Stop()

	down := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch {
			case live.Disconnected() && !down:
				down = true
				fmt.Fprintf(w, "⚠ disconnected: no update for %s\n", live.Since().Round(time.Second))
			case !live.Disconnected() && down:
				down = false
				fmt.Fprintln(w, "✓ reconnected")
			}
		}
	}
}

func printMessage(w io.Writer, m hub.Message) {
	switch m.Type {
	case hub.TypeSessions:
		fmt.Fprintf(w, "\n%s  %d session(s)\n", time.Now().Format(time.TimeOnly), len(m.Sessions))
		writeSessions(w, m.Sessions)
	case hub.TypeSession:
		if m.Session != nil {
			fmt.Fprintf(w, "\n%s\n", time.Now().Format(time.TimeOnly))
			writeSessions(w, []session.Snapshot{*m.Session})
		}
	case hub.TypeError:
		fmt.Fprintf(w, "✗ %s\n", m.Message)
	}
}

func writeSessions(w io.Writer, sessions []session.Snapshot) {
	if len(sessions) == 0 {
		return
	}
	table := tablewriter.NewWriter(w)
	table.Header("Session", "Strategy", "Instrument", "Status", "Equity", "Realized", "Unrealized", "Trades", "Error")
	for _, s := range sessions {
		errMsg := ""
		if s.ErrorMessage != nil {
			errMsg = *s.ErrorMessage
		}
		_ = table.Append(
			s.ID,
			s.StrategyName,
			s.Instrument,
			string(s.Status),
			fmt.Sprintf("%.2f", s.Equity),
			fmt.Sprintf("%.2f", s.RealizedPL),
			fmt.Sprintf("%.2f", s.UnrealizedPL),
			fmt.Sprintf("%d", s.TotalTrades),
			errMsg,
		)
	}
	_ = table.Render()
}
