package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/dbbenchoor/pkg/api"
	"github.com/ethpandaops/dbbenchoor/pkg/runner"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long: `Start the API server. Benchmarks are triggered with POST /api/v1/runs/{target},
stored results are served under /api/v1/results and every new result is
pushed to observers connected on /api/v1/ws.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st, err := startStack(ctx, cfg, true)
	if err != nil {
		return err
	}

	defer st.stop()

	srv := api.NewServer(log, &cfg.API, st.store, st.coordinator, st.hub)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	return shutdown(st.coordinator, srv)
}

// shutdown drains in-flight runs while observers are still connected, so
// their failed records reach websocket subscribers before the server closes.
func shutdown(coordinator runner.Coordinator, srv api.Server) error {
	if err := coordinator.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop coordinator")
	}

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
