package workload

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/dbbenchoor/pkg/canonical"
)

// Report is the reduced outcome of one generator run.
type Report struct {
	Config Config `json:"-"`

	Committed int64 `json:"committed"`
	Attempted int64 `json:"attempted"`
	Aborted   int64 `json:"aborted"`
	Queries   int64 `json:"queries"`
	Updates   int64 `json:"updates"`
	Inserts   int64 `json:"inserts"`

	// TPS is committed transactions over the configured duration.
	TPS float64 `json:"tps"`

	Transaction Stats               `json:"transaction"`
	Statements  map[Statement]Stats `json:"statements"`

	Elapsed time.Duration `json:"elapsed"`
}

func newReport(cfg Config, set *sampleSet, elapsed time.Duration) *Report {
	statements := make(map[Statement]Stats, len(set.statements))
	for stmt, samples := range set.statements {
		statements[stmt] = reduce(samples)
	}

	return &Report{
		Config:      cfg,
		Committed:   set.committed,
		Attempted:   set.attempted,
		Aborted:     set.attempted - set.committed,
		Queries:     set.queries,
		Updates:     set.updates,
		Inserts:     set.inserts,
		TPS:         float64(set.committed) / cfg.Duration.Seconds(),
		Transaction: reduce(set.transactions),
		Statements:  statements,
		Elapsed:     elapsed,
	}
}

// String renders the textual report read back by the tpcb canonical format.
func (r *Report) String() string {
	var sb strings.Builder

	line := func(format string, args ...any) {
		fmt.Fprintf(&sb, format+"\n", args...)
	}

	line("TPC-B (sort of) Benchmark Results")
	line("Transaction Type: TPC-B (sort of)")
	line("Scaling Factor: %d", r.Config.Scale)
	line("Query Mode: simple")
	line("Number of Clients: %d", r.Config.Clients)
	line("Number of Threads: %d", r.Config.Threads)
	line("%s %d s", canonical.LabelDuration, int64(r.Config.Duration.Seconds()))
	line("%s %d", canonical.LabelTransactionsProcessed, r.Committed)
	line("Total Transactions Attempted: %d", r.Attempted)
	line("Total Transactions Aborted: %d", r.Aborted)
	line("Total Queries Executed: %d", r.Queries)
	line("Total Updates Executed: %d", r.Updates)
	line("Total Inserts Executed: %d", r.Inserts)
	line("%s %.3f ms", canonical.LabelLatencyAverage, r.Transaction.Mean)
	line("Latency Stddev = %.3f ms", r.Transaction.StdDev)
	line("%s %.6f (Including Connection Time)", canonical.LabelTPS, r.TPS)

	for _, stmt := range Statements() {
		s := r.Statements[stmt]
		line("Statement %s: count=%d avg=%.3f ms stddev=%.3f ms",
			stmt, s.Count, s.Mean, s.StdDev)
	}

	return sb.String()
}
