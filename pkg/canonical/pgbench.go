package canonical

// pgbench prints one summary block at the end of the run:
//
//	number of transactions actually processed: 4821
//	latency average = 124.437 ms
//	tps = 80.350000 (without initial connection time)
//
// Progress lines ("progress: 10.0 s, 79.9 tps, lat ...") never contain
// "tps =" so they are ignored.
func newPgbenchParser() Parser {
	return &labelParser{
		format: FormatPgbench,
		profile: Profile{
			Database:        "postgresql",
			TransactionType: "tpc-b-like",
			ReadsPerTx:      1,
			WritesPerTx:     3,
			OtherPerTx:      0.5,
			Split:           SplitAllUpdates,
		},
		rules: []lineRule{
			rule("number of transactions actually processed:", `processed:\s*(\d+)`, setTransactions),
			rule("tps =", `tps = ([\d.]+)`, setTPS),
			rule("latency average =", `latency average = ([\d.]+)`, setLatencyAvg),
			rule("latency min =", `latency min = ([\d.]+)`, setLatencyMin),
			rule("latency max =", `latency max = ([\d.]+)`, setLatencyMax),
			rule("latency percentile 95 =", `latency percentile 95 = ([\d.]+)`, setLatencyP95),
			rule("total time:", `total time: ([\d.]+)`, setTimeTaken),
		},
	}
}
