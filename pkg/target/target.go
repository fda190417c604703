package target

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/dbbenchoor/pkg/config"
	"github.com/ethpandaops/dbbenchoor/pkg/workload"
)

// Contention is the failure kind reported for conflicting transactions.
const Contention = "contention"

// Target is a database the built-in generator drives.
type Target interface {
	workload.Target
	workload.Seeder
	workload.ErrorClassifier

	// Start connects to the database.
	Start(ctx context.Context) error
	// Stop releases the connection.
	Stop() error
}

// New creates a target for the configured generator driver. The returned
// target is not connected until Start is called.
func New(log logrus.FieldLogger, cfg *config.TargetConfig) (Target, error) {
	switch cfg.Driver {
	case config.DriverMongo:
		return NewMongo(log, cfg.URI, cfg.Name), nil
	case config.DriverPostgres:
		return NewPostgres(log, cfg.URI), nil
	default:
		return nil, fmt.Errorf("unsupported generator driver: %s", cfg.Driver)
	}
}
