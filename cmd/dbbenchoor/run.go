package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/dbbenchoor/pkg/runner"
)

var (
	runClients  int
	runThreads  int
	runScale    int
	runDuration time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run <target>",
	Short: "Run one benchmark and wait for its result",
	Long: `Run one benchmark against a configured target, store the resulting record
and print the notification envelope as JSON. Unset parameters take the
configured defaults.`,
	Args: cobra.ExactArgs(1),
	RunE: runBenchmark,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().IntVar(&runClients, "clients", 0, "concurrent clients")
	runCmd.Flags().IntVar(&runThreads, "threads", 0, "worker threads")
	runCmd.Flags().IntVar(&runScale, "scale", 0, "scaling factor")
	runCmd.Flags().DurationVar(&runDuration, "duration", 0, "run duration")
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Setup context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	st, err := startStack(ctx, cfg, false)
	if err != nil {
		return err
	}

	defer st.stop()

	outcome, err := st.coordinator.Run(ctx, &runner.Request{
		Target:   args[0],
		Clients:  runClients,
		Threads:  runThreads,
		Scale:    runScale,
		Duration: runDuration,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	if err := enc.Encode(outcome.Envelope); err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	if outcome.Record.Failed() {
		return fmt.Errorf("run %s failed (record %d)", outcome.RunID, outcome.Record.ID)
	}

	return nil
}
