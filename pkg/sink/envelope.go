package sink

import (
	"time"

	"github.com/ethpandaops/dbbenchoor/pkg/canonical"
)

// EnvelopeType tags every run notification.
const EnvelopeType = "benchmark_result"

// Status is the terminal state carried by an envelope.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Envelope is the notification broadcast after a record is persisted.
type Envelope struct {
	Type      string    `json:"type"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	RecordID  uint      `json:"recordId"`
	Data      Payload   `json:"data"`
}

// Payload carries the raw report text next to the persisted record.
type Payload struct {
	Raw    string            `json:"raw"`
	Parsed *canonical.Record `json:"parsed"`
}

// NewEnvelope builds the notification for a persisted record. The status
// follows the record's error flag.
func NewEnvelope(rec *canonical.Record, raw string, now time.Time) *Envelope {
	status := StatusCompleted
	if rec.Failed() {
		status = StatusFailed
	}

	return &Envelope{
		Type:      EnvelopeType,
		Status:    status,
		Timestamp: now.UTC(),
		RecordID:  rec.ID,
		Data: Payload{
			Raw:    raw,
			Parsed: rec,
		},
	}
}
