package canonical

import "regexp"

// sysbench oltp_read_write summary excerpt:
//
//	    transactions:                        10000  (166.62 per sec.)
//	General statistics:
//	    total time:                          60.0148s
//	Latency (ms):
//	         min:                                    3.03
//	         avg:                                    6.00
//	         max:                                   50.16
//	         95th percentile:                        9.22
func newSysbenchParser() Parser {
	return &labelParser{
		format: FormatSysbench,
		profile: Profile{
			Database:        "mysql",
			TransactionType: "oltp_read_write",
			ReadsPerTx:      10,
			WritesPerTx:     4,
			OtherPerTx:      1,
			Split:           SplitSixtyForty,
		},
		rules: []lineRule{
			{
				label: "transactions:",
				captures: []capture{
					{pattern: regexp.MustCompile(`transactions:\s+(\d+)`), assign: setTransactions},
					{pattern: regexp.MustCompile(`\(([\d.]+)\s+per\s+sec\.\)`), assign: setTPS},
				},
			},
			rule("avg:", `avg:\s+([\d.]+)`, setLatencyAvg),
			rule("min:", `min:\s+([\d.]+)`, setLatencyMin),
			rule("max:", `max:\s+([\d.]+)`, setLatencyMax),
			rule("95th percentile:", `95th percentile:\s+([\d.]+)`, setLatencyP95),
			rule("total time:", `total time:\s+([\d.]+)s`, setTimeTaken),
		},
	}
}
