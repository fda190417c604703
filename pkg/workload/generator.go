package workload

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrConfiguration marks a run that could not start because the target is
// not set up for the transaction and durability semantics it needs.
var ErrConfiguration = errors.New("target configuration error")

// Delta bounds applied to balances.
const (
	MinDelta = -5000
	MaxDelta = 5000
)

// Config controls one generator run.
type Config struct {
	Clients int
	// Threads is reported only; every client runs on its own goroutine.
	Threads  int
	Duration time.Duration
	Scale    int
	// Seed makes key selection reproducible. Zero seeds from the clock.
	Seed uint64
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Clients < 1 {
		return fmt.Errorf("clients must be at least 1, got %d", c.Clients)
	}

	if c.Threads < 1 {
		return fmt.Errorf("threads must be at least 1, got %d", c.Threads)
	}

	if c.Duration < time.Second {
		return fmt.Errorf("duration must be at least 1s, got %s", c.Duration)
	}

	if c.Duration%time.Second != 0 {
		return fmt.Errorf("duration must be whole seconds, got %s", c.Duration)
	}

	if c.Scale < 1 {
		return fmt.Errorf("scale must be at least 1, got %d", c.Scale)
	}

	return nil
}

// Generator drives the TPC-B-like transaction against a Target.
type Generator interface {
	// Run blocks until every client has passed the deadline and finished
	// its current transaction, then returns the reduced report. A context
	// cancelled before the deadline yields an error and no report.
	Run(ctx context.Context) (*Report, error)
}

// Compile-time interface check.
var _ Generator = (*generator)(nil)

type generator struct {
	log        logrus.FieldLogger
	cfg        Config
	target     Target
	classifier ErrorClassifier
}

// NewGenerator creates a generator for the given target.
func NewGenerator(log logrus.FieldLogger, cfg Config, target Target) Generator {
	classifier, _ := target.(ErrorClassifier)

	return &generator{
		log:        log.WithField("component", "generator"),
		cfg:        cfg,
		target:     target,
		classifier: classifier,
	}
}

func (g *generator) Run(ctx context.Context) (*Report, error) {
	if err := g.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	g.log.Info("Checking target configuration")

	if err := g.target.Check(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	g.log.WithFields(logrus.Fields{
		"clients":  g.cfg.Clients,
		"threads":  g.cfg.Threads,
		"duration": g.cfg.Duration.String(),
		"scale":    g.cfg.Scale,
	}).Info("Starting workload")

	seed := g.cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	start := time.Now()
	deadline := start.Add(g.cfg.Duration)
	sets := make([]*sampleSet, g.cfg.Clients)

	var eg errgroup.Group

	for i := range sets {
		set := newSampleSet()
		sets[i] = set
		rng := rand.New(rand.NewPCG(seed, uint64(i)))

		eg.Go(func() error {
			g.runClient(ctx, i, deadline, rng, set)

			return nil
		})
	}

	// Clients never return errors; Wait is the join barrier before reduction.
	_ = eg.Wait()

	// A cut-short window would report TPS over time it never ran.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("workload interrupted: %w", err)
	}

	merged := newSampleSet()
	for _, set := range sets {
		merged.merge(set)
	}

	report := newReport(g.cfg, merged, time.Since(start))

	g.log.WithFields(logrus.Fields{
		"committed": report.Committed,
		"attempted": report.Attempted,
		"tps":       fmt.Sprintf("%.2f", report.TPS),
	}).Info("Workload finished")

	return report, nil
}

// runClient issues transactions until the deadline passes. The deadline is
// only checked between transactions.
func (g *generator) runClient(
	ctx context.Context,
	client int,
	deadline time.Time,
	rng *rand.Rand,
	set *sampleSet,
) {
	for time.Now().Before(deadline) && ctx.Err() == nil {
		g.runTransaction(ctx, client, rng, set)
	}
}

func (g *generator) runTransaction(
	ctx context.Context,
	client int,
	rng *rand.Rand,
	set *sampleSet,
) {
	scale := g.cfg.Scale
	aid := rng.IntN(AccountsPerScale*scale) + 1
	bid := rng.IntN(BranchesPerScale*scale) + 1
	tid := rng.IntN(TellersPerScale*scale) + 1
	delta := rng.IntN(MaxDelta-MinDelta+1) + MinDelta

	txnStart := time.Now()
	tx, err := g.target.Begin(ctx)

	set.observe(StatementBegin, time.Since(txnStart))
	set.attempted++

	if err != nil {
		g.logFailure(client, StatementBegin, err)

		return
	}

	steps := []struct {
		stmt    Statement
		counter *int64
		exec    func() error
	}{
		{StatementUpdateAccount, &set.updates, func() error { return tx.UpdateAccount(ctx, aid, delta) }},
		{StatementSelectAccount, &set.queries, func() error { return tx.SelectAccount(ctx, aid) }},
		{StatementUpdateTeller, &set.updates, func() error { return tx.UpdateTeller(ctx, tid, delta) }},
		{StatementUpdateBranch, &set.updates, func() error { return tx.UpdateBranch(ctx, bid, delta) }},
		{StatementInsertHistory, &set.inserts, func() error {
			return tx.InsertHistory(ctx, History{TID: tid, BID: bid, AID: aid, Delta: delta, MTime: time.Now()})
		}},
		{StatementCommit, nil, func() error { return tx.Commit(ctx) }},
	}

	for _, step := range steps {
		stepStart := time.Now()
		err := step.exec()

		set.observe(step.stmt, time.Since(stepStart))

		if err != nil {
			g.logFailure(client, step.stmt, err)

			if abortErr := tx.Abort(ctx); abortErr != nil {
				g.log.WithError(abortErr).
					WithField("client", client).
					Debug("Abort failed")
			}

			return
		}

		if step.counter != nil {
			*step.counter++
		}
	}

	set.transactions = append(set.transactions, time.Since(txnStart))
	set.committed++
}

func (g *generator) logFailure(client int, stmt Statement, err error) {
	entry := g.log.WithError(err).WithFields(logrus.Fields{
		"client":    client,
		"statement": string(stmt),
	})

	if g.classifier != nil {
		entry = entry.WithField("kind", g.classifier.Classify(err))
	}

	entry.Debug("Transaction aborted")
}
