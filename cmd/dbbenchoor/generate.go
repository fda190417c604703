package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/dbbenchoor/pkg/config"
	"github.com/ethpandaops/dbbenchoor/pkg/target"
	"github.com/ethpandaops/dbbenchoor/pkg/workload"
)

var (
	genTarget   string
	genURI      string
	genInit     bool
	genSeed     uint64
	genClients  int
	genThreads  int
	genScale    int
	genDuration time.Duration
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Drive a database with the built-in TPC-B workload",
	Long: `Run the built-in workload generator against an already running database
and print its textual report. Nothing is stored.`,
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)
	generateCmd.Flags().StringVar(&genTarget, "target", "mongodb", "generator target from config")
	generateCmd.Flags().StringVar(&genURI, "uri", "", "override the target connection URI")
	generateCmd.Flags().BoolVar(&genInit, "init", false, "drop and seed the schema before running")
	generateCmd.Flags().Uint64Var(&genSeed, "seed", 0, "key selection seed (0 = random)")
	generateCmd.Flags().IntVar(&genClients, "clients", 0, "concurrent clients")
	generateCmd.Flags().IntVar(&genThreads, "threads", 0, "worker threads")
	generateCmd.Flags().IntVar(&genScale, "scale", 0, "scaling factor")
	generateCmd.Flags().DurationVar(&genDuration, "duration", 0, "run duration")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	tc, ok := cfg.Target(genTarget)
	if !ok {
		return fmt.Errorf("unknown target %q", genTarget)
	}

	if tc.Mode != config.ModeGenerator {
		return fmt.Errorf("target %q runs in %s mode, not %s", genTarget, tc.Mode, config.ModeGenerator)
	}

	// Work on a copy so flag overrides never leak into the loaded config.
	tcCopy := *tc
	if genURI != "" {
		tcCopy.URI = genURI
	}

	wcfg := workload.Config{
		Clients:  orDefault(genClients, cfg.Defaults.Clients),
		Threads:  orDefault(genThreads, cfg.Defaults.Threads),
		Scale:    orDefault(genScale, cfg.Defaults.Scale),
		Duration: genDuration,
		Seed:     genSeed,
	}

	if wcfg.Duration == 0 {
		wcfg.Duration = cfg.Defaults.Duration
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	tgt, err := target.New(log, &tcCopy)
	if err != nil {
		return fmt.Errorf("creating target: %w", err)
	}

	if err := tgt.Start(ctx); err != nil {
		return fmt.Errorf("starting target: %w", err)
	}

	defer func() {
		if err := tgt.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop target")
		}
	}()

	if genInit {
		log.WithFields(logrus.Fields{
			"scale":      wcfg.Scale,
			"batch_size": tcCopy.BatchSize,
		}).Info("Seeding target")

		if err := tgt.Seed(ctx, wcfg.Scale, tcCopy.BatchSize); err != nil {
			return fmt.Errorf("seeding: %w", err)
		}
	}

	report, err := workload.NewGenerator(log, wcfg, tgt).Run(ctx)
	if err != nil {
		return err
	}

	fmt.Fprint(cmd.OutOrStdout(), report.String())

	return nil
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}

	return v
}
