package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/dbbenchoor/pkg/archive"
	"github.com/ethpandaops/dbbenchoor/pkg/canonical"
	"github.com/ethpandaops/dbbenchoor/pkg/sink"
)

var (
	resultsDatabase string
	resultsLimit    int
	resultsOutput   string
	resultsRaw      bool
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Query stored benchmark results",
}

var resultsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List results, newest first",
	RunE:  runResultsList,
}

var resultsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one result",
	Args:  cobra.ExactArgs(1),
	RunE:  runResultsShow,
}

func init() {
	rootCmd.AddCommand(resultsCmd)
	resultsCmd.AddCommand(resultsListCmd, resultsShowCmd)

	resultsListCmd.Flags().StringVar(&resultsDatabase, "database", "",
		"only results for this database (postgresql, mysql, mongodb)")
	resultsListCmd.Flags().IntVar(&resultsLimit, "limit", 20, "maximum number of results")

	resultsShowCmd.Flags().StringVarP(&resultsOutput, "output", "o", "json", "output format (json, yaml)")
	resultsShowCmd.Flags().BoolVar(&resultsRaw, "raw", false,
		"print the archived raw report instead of the record")
}

// openStore starts the configured sink. The archiver is nil unless
// archive.s3 is enabled.
func openStore(cmd *cobra.Command) (sink.Store, archive.Archiver, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	store := sink.NewStore(log, &cfg.Database)
	if err := store.Start(cmd.Context()); err != nil {
		return nil, nil, fmt.Errorf("starting store: %w", err)
	}

	var archiver archive.Archiver
	if cfg.Archive.S3.Enabled {
		archiver = archive.NewS3(log, &cfg.Archive.S3)
	}

	return store, archiver, nil
}

func runResultsList(cmd *cobra.Command, args []string) error {
	store, _, err := openStore(cmd)
	if err != nil {
		return err
	}

	defer func() { _ = store.Stop() }()

	records, err := store.ListRecords(cmd.Context(), sink.ListFilter{
		Database: resultsDatabase,
		Limit:    resultsLimit,
	})
	if err != nil {
		return fmt.Errorf("listing results: %w", err)
	}

	return writeRecordTable(cmd.OutOrStdout(), records, time.Now())
}

func writeRecordTable(w io.Writer, records []canonical.Record, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintln(tw, "ID\tDATABASE\tCLIENTS\tTPS\tLAT AVG\tLAT P95\tTX\tSTATUS\tAGE")

	for _, r := range records {
		status := "ok"
		if r.Failed() {
			status = "failed"
		}

		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%dms\t%dms\t%d\t%s\t%s ago\n",
			r.ID, r.Database, r.Clients, r.TPS, r.LatencyAvg, r.LatencyP95,
			r.Transactions, status, units.HumanDuration(now.Sub(r.CreatedAt)))
	}

	return tw.Flush()
}

func runResultsShow(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil || id == 0 {
		return fmt.Errorf("invalid result id %q", args[0])
	}

	store, archiver, err := openStore(cmd)
	if err != nil {
		return err
	}

	defer func() { _ = store.Stop() }()

	rec, err := store.GetRecord(cmd.Context(), uint(id))
	if err != nil {
		if errors.Is(err, sink.ErrNotFound) {
			return fmt.Errorf("result %d not found", id)
		}

		return fmt.Errorf("getting result: %w", err)
	}

	if resultsRaw {
		return printRaw(cmd.Context(), cmd.OutOrStdout(), archiver, rec)
	}

	return writeRecord(cmd.OutOrStdout(), rec, resultsOutput)
}

func writeRecord(w io.Writer, rec *canonical.Record, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(rec)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}

		return enc.Close()
	default:
		return fmt.Errorf("unsupported output format %q (use json or yaml)", format)
	}
}

func printRaw(ctx context.Context, w io.Writer, archiver archive.Archiver, rec *canonical.Record) error {
	if archiver == nil {
		return errors.New("raw reports require archive.s3 to be enabled")
	}

	raw, err := archiver.Fetch(ctx, rec)
	if err != nil {
		return fmt.Errorf("fetching raw report: %w", err)
	}

	_, err = io.WriteString(w, raw)

	return err
}
