package canonical

import (
	"fmt"
	"math"
	"strings"
)

// Latency estimates applied when a tool only printed the average.
const (
	minLatencyFactor = 0.5
	maxLatencyFactor = 2.0
	p95LatencyFactor = 1.6
)

// Split decides how write operations divide into updates and inserts.
type Split int

const (
	// SplitAllUpdates counts every write as an update.
	SplitAllUpdates Split = iota
	// SplitInsertPerTx counts one insert per transaction, the rest updates.
	SplitInsertPerTx
	// SplitSixtyForty divides writes 60/40 into updates and inserts.
	SplitSixtyForty
)

// Profile is the per-format estimation table.
type Profile struct {
	Database        string
	TransactionType string
	ReadsPerTx      float64
	WritesPerTx     float64
	OtherPerTx      float64
	Split           Split
}

// Params are the run parameters copied into the record as-is.
type Params struct {
	// Database overrides the profile's database label when set.
	Database string
	Clients  int
	Threads  int
	Scale    int
}

// Input is everything one run produced.
type Input struct {
	Format     Format
	Params     Params
	ExitStatus int
	// Report is the content of the report artifact. Empty means the
	// artifact was missing or empty.
	Report string
	Stdout string
	Stderr string
}

// Result is the canonical record plus the raw text kept for lineage.
type Result struct {
	Record Record
	Raw    string
}

// Canonicalize turns one run's output into a Record. It performs no I/O and
// depends on nothing but its input.
func Canonicalize(in Input) (*Result, error) {
	parser, err := NewParser(in.Format)
	if err != nil {
		return nil, err
	}

	profile := parser.Profile()

	record := Record{
		Database:        profile.Database,
		TransactionType: profile.TransactionType,
		ScalingFactor:   int64(in.Params.Scale),
		Clients:         int64(in.Params.Clients),
		Threads:         int64(in.Params.Threads),
	}

	if in.Params.Database != "" {
		record.Database = in.Params.Database
	}

	if reason := failureReason(in); reason != "" {
		record.Error = 1

		return &Result{
			Record: record,
			Raw: fmt.Sprintf("Error: %s\nSTDERR: %s\nSTDOUT: %s",
				reason, in.Stderr, in.Stdout),
		}, nil
	}

	fields := parser.Extract(in.Report)
	estimate(&record, fields, profile)

	return &Result{Record: record, Raw: in.Report}, nil
}

// failureReason returns why no extraction may be attempted, or "".
func failureReason(in Input) string {
	if in.ExitStatus != 0 {
		return fmt.Sprintf("run exited with status %d", in.ExitStatus)
	}

	if strings.TrimSpace(in.Report) == "" {
		return "report artifact is missing or empty"
	}

	return ""
}

// estimate fills the record from extracted fields. Order matters: time
// taken, then latencies, then operation counts, then the write split.
func estimate(r *Record, f Fields, p Profile) {
	if f.TimeTaken == 0 && f.TPS > 0 {
		f.TimeTaken = float64(f.Transactions) / f.TPS
	}

	if f.LatencyMin == 0 {
		f.LatencyMin = f.LatencyAvg * minLatencyFactor
	}

	if f.LatencyMax == 0 {
		f.LatencyMax = f.LatencyAvg * maxLatencyFactor
	}

	if f.LatencyP95 == 0 {
		f.LatencyP95 = f.LatencyAvg * p95LatencyFactor
	}

	tx := float64(f.Transactions)
	reads := round(tx * p.ReadsPerTx)
	writes := round(tx * p.WritesPerTx)
	other := round(tx * p.OtherPerTx)

	r.Transactions = f.Transactions
	r.TPS = round(f.TPS)
	r.LatencyAvg = round(f.LatencyAvg)
	r.LatencyMin = round(f.LatencyMin)
	r.LatencyMax = round(f.LatencyMax)
	r.LatencyP95 = round(f.LatencyP95)
	r.TimeTaken = round(f.TimeTaken)
	r.ReadOperations = reads
	r.WriteOperations = writes
	r.OtherOperations = other
	r.TotalOperations = reads + writes + other

	switch p.Split {
	case SplitAllUpdates:
		r.EstimatedUpdates = writes
		r.EstimatedInserts = 0
	case SplitInsertPerTx:
		r.EstimatedUpdates = writes - f.Transactions
		r.EstimatedInserts = f.Transactions
	case SplitSixtyForty:
		r.EstimatedUpdates = round(float64(writes) * 0.6)
		r.EstimatedInserts = round(float64(writes) * 0.4)
	}
}

func round(v float64) int64 {
	return int64(math.Round(v))
}
