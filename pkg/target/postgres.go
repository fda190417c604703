package target

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/dbbenchoor/pkg/workload"
)

// Table names, shared with pgbench so either tool can drive the same data.
const (
	TableAccounts = "pgbench_accounts"
	TableTellers  = "pgbench_tellers"
	TableBranches = "pgbench_branches"
	TableHistory  = "pgbench_history"
)

var pgbenchSchema = []string{
	`CREATE TABLE pgbench_branches (bid int NOT NULL PRIMARY KEY, bbalance int, filler char(88))`,
	`CREATE TABLE pgbench_tellers (tid int NOT NULL PRIMARY KEY, bid int, tbalance int, filler char(84))`,
	`CREATE TABLE pgbench_accounts (aid int NOT NULL PRIMARY KEY, bid int, abalance int, filler char(84))`,
	`CREATE TABLE pgbench_history (tid int, bid int, aid int, delta int, mtime timestamp, filler char(22))`,
}

// Compile-time interface checks.
var (
	_ Target      = (*postgresTarget)(nil)
	_ workload.Tx = (*postgresTx)(nil)
)

type postgresTarget struct {
	log  logrus.FieldLogger
	dsn  string
	pool *pgxpool.Pool
}

// NewPostgres creates a target that runs the workload against pgbench tables.
func NewPostgres(log logrus.FieldLogger, dsn string) Target {
	return &postgresTarget{
		log: log.WithField("component", "postgres-target"),
		dsn: dsn,
	}
}

func (p *postgresTarget) Start(ctx context.Context) error {
	cfg, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		return fmt.Errorf("parsing postgres uri: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("creating postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()

		return fmt.Errorf("pinging postgres: %w", err)
	}

	p.pool = pool

	p.log.WithField("max_conns", cfg.MaxConns).Info("Connected to PostgreSQL")

	return nil
}

func (p *postgresTarget) Stop() error {
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}

	return nil
}

// Check requires a writable primary with the benchmark tables present.
func (p *postgresTarget) Check(ctx context.Context) error {
	var readOnly string
	if err := p.pool.QueryRow(ctx, "SHOW transaction_read_only").Scan(&readOnly); err != nil {
		return fmt.Errorf("querying transaction_read_only: %w", err)
	}

	if readOnly != "off" {
		return errors.New("server is read-only, a writable primary is required")
	}

	for _, table := range []string{TableAccounts, TableTellers, TableBranches, TableHistory} {
		var exists bool

		err := p.pool.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", table).Scan(&exists)
		if err != nil {
			return fmt.Errorf("looking up %s: %w", table, err)
		}

		if !exists {
			return fmt.Errorf("table %s is missing, initialize the target first", table)
		}
	}

	return nil
}

func (p *postgresTarget) Begin(ctx context.Context) (workload.Tx, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}

	return &postgresTx{tx: tx}, nil
}

// Seed recreates the pgbench tables and loads them with COPY.
func (p *postgresTarget) Seed(ctx context.Context, scale, batchSize int) error {
	drop := fmt.Sprintf("DROP TABLE IF EXISTS %s, %s, %s, %s",
		TableAccounts, TableTellers, TableBranches, TableHistory)
	if _, err := p.pool.Exec(ctx, drop); err != nil {
		return fmt.Errorf("dropping tables: %w", err)
	}

	for _, stmt := range pgbenchSchema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("creating tables: %w", err)
		}
	}

	tables := []struct {
		name    string
		columns []string
		count   int
		row     func(id int) []any
	}{
		{
			name:    TableBranches,
			columns: []string{"bid", "bbalance"},
			count:   workload.BranchesPerScale * scale,
			row:     func(id int) []any { return []any{id, 0} },
		},
		{
			name:    TableTellers,
			columns: []string{"tid", "bid", "tbalance"},
			count:   workload.TellersPerScale * scale,
			row: func(id int) []any {
				return []any{id, (id-1)/workload.TellersPerScale + 1, 0}
			},
		},
		{
			name:    TableAccounts,
			columns: []string{"aid", "bid", "abalance"},
			count:   workload.AccountsPerScale * scale,
			row: func(id int) []any {
				return []any{id, (id-1)/workload.AccountsPerScale + 1, 0}
			},
		},
	}

	for _, t := range tables {
		for start := 0; start < t.count; start += batchSize {
			end := min(start+batchSize, t.count)
			rows := make([][]any, 0, end-start)

			for id := start + 1; id <= end; id++ {
				rows = append(rows, t.row(id))
			}

			_, err := p.pool.CopyFrom(ctx, pgx.Identifier{t.name}, t.columns, pgx.CopyFromRows(rows))
			if err != nil {
				return fmt.Errorf("copying %s %d-%d: %w", t.name, start+1, end, err)
			}
		}

		p.log.WithFields(logrus.Fields{
			"table": t.name,
			"rows":  t.count,
		}).Info("Seeded table")
	}

	if _, err := p.pool.Exec(ctx, "VACUUM ANALYZE"); err != nil {
		return fmt.Errorf("vacuuming: %w", err)
	}

	return nil
}

// Classify names serialization failures and deadlocks as contention.
func (p *postgresTarget) Classify(err error) string {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		if pgconn.Timeout(err) {
			return "network"
		}

		return "other"
	}

	switch pgErr.Code {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.LockNotAvailable:
		return Contention
	default:
		return "server"
	}
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) exec(ctx context.Context, sql string, args ...any) error {
	if _, err := t.tx.Exec(ctx, sql, args...); err != nil {
		return err
	}

	return nil
}

func (t *postgresTx) UpdateAccount(ctx context.Context, aid, delta int) error {
	return t.exec(ctx, "UPDATE pgbench_accounts SET abalance = abalance + $1 WHERE aid = $2", delta, aid)
}

func (t *postgresTx) SelectAccount(ctx context.Context, aid int) error {
	var balance int

	err := t.tx.QueryRow(ctx, "SELECT abalance FROM pgbench_accounts WHERE aid = $1", aid).Scan(&balance)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	return nil
}

func (t *postgresTx) UpdateTeller(ctx context.Context, tid, delta int) error {
	return t.exec(ctx, "UPDATE pgbench_tellers SET tbalance = tbalance + $1 WHERE tid = $2", delta, tid)
}

func (t *postgresTx) UpdateBranch(ctx context.Context, bid, delta int) error {
	return t.exec(ctx, "UPDATE pgbench_branches SET bbalance = bbalance + $1 WHERE bid = $2", delta, bid)
}

func (t *postgresTx) InsertHistory(ctx context.Context, h workload.History) error {
	return t.exec(ctx,
		"INSERT INTO pgbench_history (tid, bid, aid, delta, mtime) VALUES ($1, $2, $3, $4, $5)",
		h.TID, h.BID, h.AID, h.Delta, h.MTime)
}

func (t *postgresTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *postgresTx) Abort(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}

	return err
}
