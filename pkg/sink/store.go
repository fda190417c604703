package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ethpandaops/dbbenchoor/pkg/canonical"
	"github.com/ethpandaops/dbbenchoor/pkg/config"
)

// ErrNotFound is returned when no record has the requested id.
var ErrNotFound = errors.New("record not found")

// Store is the durable, append-only home of metric records.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// InsertRecord persists a copy of rec and returns it with the
	// store-assigned ID and CreatedAt. Records are never updated.
	InsertRecord(ctx context.Context, rec *canonical.Record) (*canonical.Record, error)
	GetRecord(ctx context.Context, id uint) (*canonical.Record, error)
	// ListRecords returns records newest first, optionally limited to one
	// database label.
	ListRecords(ctx context.Context, filter ListFilter) ([]canonical.Record, error)
}

// ListFilter narrows ListRecords.
type ListFilter struct {
	Database string
	Limit    int
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and migrates the records table.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dialector = postgres.Open(s.cfg.Postgres.DSN())
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&canonical.Record{}); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.db = db

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func (s *store) InsertRecord(
	ctx context.Context, rec *canonical.Record,
) (*canonical.Record, error) {
	row := *rec
	row.ID = 0

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("inserting record: %w", err)
	}

	return &row, nil
}

func (s *store) GetRecord(
	ctx context.Context, id uint,
) (*canonical.Record, error) {
	var rec canonical.Record
	if err := s.db.WithContext(ctx).First(&rec, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("getting record: %w", err)
	}

	return &rec, nil
}

func (s *store) ListRecords(
	ctx context.Context, filter ListFilter,
) ([]canonical.Record, error) {
	// IDs are assigned in insertion order, so the highest is the newest.
	q := s.db.WithContext(ctx).Order("id DESC")

	if filter.Database != "" {
		q = q.Where(&canonical.Record{Database: filter.Database})
	}

	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	records := make([]canonical.Record, 0, 16)
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}

	return records, nil
}
