package canonical

// Labels printed by the built-in workload generator. The generator writes
// them through these constants so the two sides cannot drift apart.
const (
	LabelTransactionsProcessed = "Total Transactions Processed:"
	LabelTPS                   = "TPS ="
	LabelLatencyAverage        = "Latency Average ="
	LabelDuration              = "Duration:"
)

func newTPCBParser() Parser {
	return &labelParser{
		format: FormatTPCB,
		profile: Profile{
			Database:        "mongodb",
			TransactionType: "TPC-B",
			ReadsPerTx:      1,
			WritesPerTx:     4,
			OtherPerTx:      0.5,
			Split:           SplitInsertPerTx,
		},
		rules: []lineRule{
			rule(LabelTransactionsProcessed, `Processed:\s*(\d+)`, setTransactions),
			rule(LabelTPS, `TPS = ([\d.]+)`, setTPS),
			rule(LabelLatencyAverage, `Latency Average = ([\d.]+)`, setLatencyAvg),
			rule(LabelDuration, `Duration: ([\d.]+)`, setTimeTaken),
		},
	}
}
