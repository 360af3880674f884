// Package cli implements rentctl, a terminal front end for the rentsync
// client.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"rentsync/pkg/config"
	"rentsync/pkg/logger"
	"rentsync/pkg/model"
	"rentsync/pkg/rentsync"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const ServiceName = "rentctl"

var rootCmd = &cobra.Command{
	Use:   "rentctl",
	Short: "Inspect and hold vehicle availability",
	Long: `rentctl drives the rentsync client from a terminal: it watches
availability, checks date ranges, places and releases short holds and runs
the two-tap range selector against a backend.

Settings come from the environment (and a .env file); flags override them.`,
	SilenceUsage: true,
}

var (
	flagBackendURL string
	flagPushURL    string
	flagSessionID  string
	flagLogLevel   string
)

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(func() { _ = godotenv.Load() })

	rootCmd.PersistentFlags().StringVar(&flagBackendURL, "backend", "", "backend base URL (default $BACKEND_URL)")
	rootCmd.PersistentFlags().StringVar(&flagPushURL, "push", "", "push channel URL (default $PUSH_URL)")
	rootCmd.PersistentFlags().StringVar(&flagSessionID, "session", "", "session id (default $SESSION_ID or a new uuid)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", logger.WARN, "client log level")
}

// loadConfig reads the environment and applies the global flags.
func loadConfig(realtime bool) (*config.Config, error) {
	cfg := config.FromEnv(ServiceName)
	if flagBackendURL != "" {
		cfg.BackendURL = flagBackendURL
		if flagPushURL == "" && os.Getenv(config.EnvPushURL) == "" {
			cfg.PushURL = pushURLFor(flagBackendURL)
		}
	}
	if flagPushURL != "" {
		cfg.PushURL = flagPushURL
	}
	if flagSessionID != "" {
		cfg.SessionID = flagSessionID
	}
	cfg.RealtimeEnabled = cfg.RealtimeEnabled && realtime
	cfg.Log = logger.New(logger.Config{
		Level:   flagLogLevel,
		Format:  logger.TEXT,
		Output:  os.Stderr,
		Service: ServiceName,
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// pushURLFor derives the websocket endpoint served next to the REST API.
func pushURLFor(backendURL string) string {
	u := strings.TrimSuffix(backendURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// startClient builds and starts a client. The returned stop function closes
// it, releasing any hold still in place.
func startClient(ctx context.Context, realtime bool) (*rentsync.Client, func(), error) {
	cfg, err := loadConfig(realtime)
	if err != nil {
		return nil, nil, err
	}
	c, err := rentsync.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, nil, err
	}
	stop := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		defer cancel()
		_ = c.Close(closeCtx)
	}
	return c, stop, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func parseRange(startArg, endArg string) (model.DateRange, error) {
	start, err := model.ParseDate(startArg)
	if err != nil {
		return model.DateRange{}, fmt.Errorf("invalid start date %q: %w", startArg, err)
	}
	end, err := model.ParseDate(endArg)
	if err != nil {
		return model.DateRange{}, fmt.Errorf("invalid end date %q: %w", endArg, err)
	}
	return model.DateRange{Start: start, End: end}, nil
}

func formatDates(dates []model.Date) string {
	if len(dates) == 0 {
		return "-"
	}
	parts := make([]string, len(dates))
	for i, d := range dates {
		parts[i] = d.String()
	}
	return strings.Join(parts, ",")
}

func formatConflicts(conflicts []model.ConflictRange) string {
	parts := make([]string, len(conflicts))
	for i, c := range conflicts {
		parts[i] = fmt.Sprintf("%s..%s (%s)", c.Start, c.End, c.Reason)
	}
	return strings.Join(parts, ", ")
}
