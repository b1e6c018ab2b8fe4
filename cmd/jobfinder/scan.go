package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mbusbee505/JobFinder/internal/config"
	"github.com/mbusbee505/JobFinder/internal/event"
	"github.com/mbusbee505/JobFinder/internal/scan"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one scan to completion and print the result",
	Long: `Run a single headless scan with the configured preferences. The first
Ctrl-C requests a stop; the scan finishes its current item and exits.`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	sub := a.bus.Subscribe()
	defer a.bus.Unsubscribe(sub)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	if _, err := a.scans.Start(); err != nil {
		return fmt.Errorf("starting scan: %w", err)
	}

	out := cmd.OutOrStdout()
	var final event.Event
wait:
	for {
		select {
		case <-sig:
			res := a.scans.RequestStop()
			fmt.Fprintln(out, res.Message) //nolint:errcheck
		case e, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("event stream closed before the scan finished")
			}
			if e.Type == event.ScanProgress {
				a.logger.Debug(e.Message)
				continue
			}
			fmt.Fprintf(out, "%s  %s\n", e.Type, e.Message) //nolint:errcheck
			if e.Type.Terminal() {
				final = e
				break wait
			}
		}
	}

	a.shutdown(5 * time.Second)
	printSummary(cmd, a)

	if final.Type == event.ScanError {
		st := a.scans.State()
		return fmt.Errorf("scan failed: %s", st.Error)
	}
	return nil
}

func printSummary(cmd *cobra.Command, a *app) {
	out := cmd.OutOrStdout()
	st := a.scans.State()
	if st.Phase != scan.PhaseStopped || st.Result == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f, err := a.metrics.ComputeFunnel(ctx)
	if err != nil {
		a.logger.Warn("computing funnel", slog.Any("error", err))
		return
	}
	fmt.Fprintf(out, "new jobs: %d, links examined: %d\n", st.Result.NewJobs, st.Result.LinksExamined) //nolint:errcheck
	fmt.Fprintf(out, "funnel: discovered %d, analyzed %d, approved %d, applied %d\n",                   //nolint:errcheck
		f.Discovered, f.Analyzed, f.Approved, f.Applied)
}
