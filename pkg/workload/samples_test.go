package workload

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReduce(t *testing.T) {
	tests := []struct {
		name    string
		samples []time.Duration
		want    Stats
	}{
		{name: "empty", samples: nil, want: Stats{}},
		{
			name:    "single",
			samples: []time.Duration{5 * time.Millisecond},
			want:    Stats{Count: 1, Mean: 5},
		},
		{
			name:    "population stddev",
			samples: []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond},
			want:    Stats{Count: 3, Mean: 2, StdDev: math.Sqrt(2.0 / 3.0)},
		},
		{
			name:    "sub-millisecond",
			samples: []time.Duration{500 * time.Microsecond, 1500 * time.Microsecond},
			want:    Stats{Count: 2, Mean: 1, StdDev: 0.5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := reduce(tt.samples)
			assert.Equal(t, tt.want.Count, got.Count)
			assert.InDelta(t, tt.want.Mean, got.Mean, 1e-9)
			assert.InDelta(t, tt.want.StdDev, got.StdDev, 1e-9)
		})
	}
}

func TestSampleSet_Merge(t *testing.T) {
	a := newSampleSet()
	a.observe(StatementBegin, time.Millisecond)
	a.transactions = append(a.transactions, 4*time.Millisecond)
	a.attempted, a.committed, a.updates = 1, 1, 3

	b := newSampleSet()
	b.observe(StatementBegin, 2*time.Millisecond)
	b.observe(StatementUpdateAccount, time.Millisecond)
	b.attempted, b.updates = 1, 1

	merged := newSampleSet()
	merged.merge(a)
	merged.merge(b)

	assert.Len(t, merged.statements[StatementBegin], 2)
	assert.Len(t, merged.statements[StatementUpdateAccount], 1)
	assert.Len(t, merged.transactions, 1)
	assert.Equal(t, int64(2), merged.attempted)
	assert.Equal(t, int64(1), merged.committed)
	assert.Equal(t, int64(4), merged.updates)
	assert.Len(t, merged.statements, len(Statements()))
}
