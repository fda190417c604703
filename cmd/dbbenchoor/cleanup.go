package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/dbbenchoor/pkg/docker"
)

var (
	forceCleanup   bool
	cleanupNetwork string
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove leftover benchmark containers and network",
	Long: `Remove the database containers and Docker network created by the bundled
benchmark scripts. This is useful after interrupted runs, which can leave
containers holding the ports the next run needs.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVarP(&forceCleanup, "force", "f", false, "Skip confirmation prompt")
	cleanupCmd.Flags().StringVar(&cleanupNetwork, "network", docker.DefaultNetwork, "network to remove")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	mgr, err := docker.NewManager(log)
	if err != nil {
		return err
	}

	if err := mgr.Start(ctx); err != nil {
		return err
	}

	defer func() {
		if err := mgr.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop docker manager")
		}
	}()

	return performCleanup(ctx, mgr, cmd.InOrStdin(), cmd.OutOrStdout(), forceCleanup)
}

// performCleanup lists leftovers, asks for confirmation unless forced, then
// removes them.
func performCleanup(ctx context.Context, mgr docker.Manager, in io.Reader, out io.Writer, force bool) error {
	containers, err := mgr.ListContainers(ctx, docker.DefaultContainers)
	if err != nil {
		return err
	}

	if len(containers) == 0 {
		fmt.Fprintln(out, "No leftover containers found.")
	} else {
		fmt.Fprintln(out, "Containers to remove:")

		for _, c := range containers {
			fmt.Fprintf(out, "  %s (%s)\n", c.Name, c.State)
		}
	}

	if cleanupNetwork != "" {
		fmt.Fprintf(out, "Network to remove: %s\n", cleanupNetwork)
	}

	if !force && !confirm(in, out) {
		fmt.Fprintln(out, "Aborted.")

		return nil
	}

	report, err := mgr.Cleanup(ctx, docker.DefaultContainers, cleanupNetwork)
	if err != nil {
		return fmt.Errorf("cleaning up: %w", err)
	}

	fmt.Fprintf(out, "Removed %d container(s)", len(report.Containers))

	if report.NetworkRemoved {
		fmt.Fprintf(out, " and network %s", cleanupNetwork)
	}

	fmt.Fprintln(out, ".")

	return nil
}

func confirm(in io.Reader, out io.Writer) bool {
	fmt.Fprint(out, "Proceed? [y/N]: ")

	reader := bufio.NewReader(in)

	answer, err := reader.ReadString('\n')
	if err != nil && answer == "" {
		return false
	}

	answer = strings.ToLower(strings.TrimSpace(answer))

	return answer == "y" || answer == "yes"
}
