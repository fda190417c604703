package workload

import (
	"math"
	"time"
)

// sampleSet accumulates one client's measurements. Each client owns its own
// set; sets are merged only after every client has returned.
type sampleSet struct {
	statements   map[Statement][]time.Duration
	transactions []time.Duration

	attempted int64
	committed int64
	queries   int64
	updates   int64
	inserts   int64
}

func newSampleSet() *sampleSet {
	statements := make(map[Statement][]time.Duration, len(Statements()))
	for _, stmt := range Statements() {
		statements[stmt] = nil
	}

	return &sampleSet{statements: statements}
}

func (s *sampleSet) observe(stmt Statement, d time.Duration) {
	s.statements[stmt] = append(s.statements[stmt], d)
}

func (s *sampleSet) merge(other *sampleSet) {
	for stmt, samples := range other.statements {
		s.statements[stmt] = append(s.statements[stmt], samples...)
	}

	s.transactions = append(s.transactions, other.transactions...)
	s.attempted += other.attempted
	s.committed += other.committed
	s.queries += other.queries
	s.updates += other.updates
	s.inserts += other.inserts
}

// Stats is the reduction of one sample sequence, in milliseconds.
type Stats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean_ms"`
	StdDev float64 `json:"stddev_ms"`
}

// reduce computes mean and population standard deviation.
func reduce(samples []time.Duration) Stats {
	if len(samples) == 0 {
		return Stats{}
	}

	var sum float64
	for _, d := range samples {
		sum += millis(d)
	}

	mean := sum / float64(len(samples))

	var variance float64
	for _, d := range samples {
		diff := millis(d) - mean
		variance += diff * diff
	}

	variance /= float64(len(samples))

	return Stats{
		Count:  len(samples),
		Mean:   mean,
		StdDev: math.Sqrt(variance),
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
