package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mbusbee505/JobFinder/internal/config"
	"github.com/mbusbee505/JobFinder/internal/logging"
	"github.com/mbusbee505/JobFinder/internal/session"
)

var watchURL string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a running server's scan state",
	Long: `Attach to a running JobFinder server and print every scan transition.
The connection is retried until interrupted, and the funnel is printed
after each scan ends.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchURL, "url", "http://localhost:8080", "server base URL, including any base path")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logManager, logger := logging.NewManager(logging.Config{
		Level:  cfg.Logging.Level,
		Format: "text",
	})
	defer logManager.Close() //nolint:errcheck

	out := cmd.OutOrStdout()
	var last string
	var s *session.Session
	s, err = session.New(session.Options{
		BaseURL:   watchURL,
		Reconnect: cfg.Session.Reconnect,
		Logger:    logger,
		Hooks: session.Hooks{
			Changed: func(v session.View) {
				line := v.String()
				if line == last {
					return
				}
				last = line
				fmt.Fprintln(out, line) //nolint:errcheck
			},
			Refresh: func(ctx context.Context) {
				st, err := s.FetchStats(ctx)
				if err != nil {
					logger.Warn("refreshing stats", slog.Any("error", err))
					return
				}
				f := st.Funnel
				fmt.Fprintf(out, "funnel: discovered %d, analyzed %d, approved %d, applied %d\n", //nolint:errcheck
					f.Discovered, f.Analyzed, f.Approved, f.Applied)
			},
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return s.Run(ctx)
}
