package canonical

import "time"

// Record is the normalized result of one benchmark run. It is built once by
// Canonicalize, written once to the result store and never mutated after.
type Record struct {
	ID              uint   `gorm:"primaryKey" json:"id" yaml:"id"`
	Database        string `gorm:"index" json:"database" yaml:"database"`
	TransactionType string `json:"transactionType" yaml:"transaction_type"`

	ScalingFactor int64 `json:"scalingFactor" yaml:"scaling_factor"`
	Clients       int64 `json:"clients" yaml:"clients"`
	Threads       int64 `json:"threads" yaml:"threads"`

	TPS        int64 `gorm:"column:tps" json:"tps" yaml:"tps"`
	LatencyAvg int64 `json:"latencyAvg" yaml:"latency_avg"`
	LatencyMin int64 `json:"latencyMin" yaml:"latency_min"`
	LatencyMax int64 `json:"latencyMax" yaml:"latency_max"`
	LatencyP95 int64 `gorm:"column:latency_p95" json:"latencyP95" yaml:"latency_p95"`

	Transactions     int64 `json:"transactions" yaml:"transactions"`
	ReadOperations   int64 `json:"readOperations" yaml:"read_operations"`
	WriteOperations  int64 `json:"writeOperations" yaml:"write_operations"`
	OtherOperations  int64 `json:"otherOperations" yaml:"other_operations"`
	TotalOperations  int64 `json:"totalOperations" yaml:"total_operations"`
	EstimatedUpdates int64 `json:"estimatedUpdates" yaml:"estimated_updates"`
	EstimatedInserts int64 `json:"estimatedInserts" yaml:"estimated_inserts"`

	// TimeTaken is the run duration in seconds.
	TimeTaken int64 `json:"timeTaken" yaml:"time_taken"`

	// Error is 1 when the run failed before or while producing metrics.
	Error int `json:"error" yaml:"error"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt" yaml:"created_at"`
}

// TableName keeps the table name stable across drivers.
func (Record) TableName() string {
	return "load_stats"
}

// Failed reports whether the record describes a failed run.
func (r *Record) Failed() bool {
	return r.Error != 0
}
