package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/market-sync/pkg/config"
	"github.com/spf13/cobra"
)

var (
	servePort     int
	serveHost     string
	serveSchedule bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve ops endpoints and run the daily sync on schedule",
	Long: `Start the ops HTTP server and, unless --schedule=false, run a full sync
every day at SYNC_SCHEDULE_AT.

Endpoints:
  GET /healthz          store, Redis and NATS health
  GET /metrics          Prometheus metrics
  GET /reports/latest   report of the latest run
  GET /reports/{id}     stored session of one run
  GET /status/{date}    checkpoint counts for a target date

Examples:
  market-sync serve
  market-sync serve --port 9191 --schedule=false`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Server port (default SERVER_PORT)")
	serveCmd.Flags().StringVarP(&serveHost, "host", "H", "", "Server host (default SERVER_HOST)")
	serveCmd.Flags().BoolVar(&serveSchedule, "schedule", true, "Run the daily sync at SYNC_SCHEDULE_AT")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(func(cfg *config.Config) {
		if serveHost != "" {
			cfg.Server.Host = serveHost
		}
		if servePort != 0 {
			cfg.Server.Port = servePort
		}
	})
	if err != nil {
		return err
	}

	if err := a.Start(serveSchedule); err != nil {
		a.Close()
		return err
	}
	log := a.Logger()
	log.WithField("schedule", serveSchedule).Info("market-sync serving")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-interrupt
	log.WithField("signal", sig.String()).Info("Shutdown signal received")

	if err := a.Stop(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
