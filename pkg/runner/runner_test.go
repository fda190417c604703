package runner

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/dbbenchoor/pkg/archive"
	"github.com/ethpandaops/dbbenchoor/pkg/canonical"
	"github.com/ethpandaops/dbbenchoor/pkg/config"
	"github.com/ethpandaops/dbbenchoor/pkg/launcher"
	"github.com/ethpandaops/dbbenchoor/pkg/sink"
	"github.com/ethpandaops/dbbenchoor/pkg/target"
	"github.com/ethpandaops/dbbenchoor/pkg/workload"
)

const pgbenchReport = `transaction type: <builtin: TPC-B (sort of)>
scaling factor: 10
number of clients: 10
number of threads: 2
duration: 60 s
number of transactions actually processed: 4821
latency average = 12.443 ms
tps = 80.350000 (without initial connection time)
`

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

type fakeLauncher struct {
	mu    sync.Mutex
	specs []*launcher.Spec
	out   *launcher.Outcome
	err   error
	block chan struct{}
}

func (f *fakeLauncher) Launch(ctx context.Context, spec *launcher.Spec) (*launcher.Outcome, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return &launcher.Outcome{ExitStatus: -1, Stderr: "killed"}, nil
		}
	}

	if f.err != nil {
		return nil, f.err
	}

	out := *f.out

	return &out, nil
}

func (f *fakeLauncher) calls() []*launcher.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*launcher.Spec(nil), f.specs...)
}

type recordingPublisher struct {
	mu        sync.Mutex
	envelopes []*sink.Envelope
	err       error
}

func (p *recordingPublisher) Publish(_ context.Context, env *sink.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.envelopes = append(p.envelopes, env)

	return p.err
}

func (p *recordingPublisher) published() []*sink.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]*sink.Envelope(nil), p.envelopes...)
}

type failingStore struct {
	sink.Store
}

func (failingStore) InsertRecord(context.Context, *canonical.Record) (*canonical.Record, error) {
	return nil, errors.New("disk full")
}

type fakeArchiver struct {
	archive.Archiver
	err  error
	keys []string
}

func (a *fakeArchiver) Store(_ context.Context, rec *canonical.Record, _ string) (string, error) {
	if a.err != nil {
		return "", a.err
	}

	key := rec.Database + "/" + time.Now().Format("150405")
	a.keys = append(a.keys, key)

	return key, nil
}

// stubTarget commits every transaction without touching a database.
type stubTarget struct {
	checkErr error
	startErr error
	seeded   atomic.Int64
	stopped  atomic.Bool
}

func (s *stubTarget) Start(context.Context) error { return s.startErr }
func (s *stubTarget) Stop() error { s.stopped.Store(true); return nil }
func (s *stubTarget) Check(context.Context) error { return s.checkErr }
func (s *stubTarget) Classify(error) string { return "other" }
func (s *stubTarget) Begin(context.Context) (workload.Tx, error) { return stubTx{}, nil }

func (s *stubTarget) Seed(_ context.Context, scale, _ int) error {
	s.seeded.Store(int64(scale))

	return nil
}

type stubTx struct{}

func (stubTx) UpdateAccount(context.Context, int, int) error {
	time.Sleep(100 * time.Microsecond)

	return nil
}
func (stubTx) SelectAccount(context.Context, int) error { return nil }
func (stubTx) UpdateTeller(context.Context, int, int) error { return nil }
func (stubTx) UpdateBranch(context.Context, int, int) error { return nil }
func (stubTx) InsertHistory(context.Context, workload.History) error { return nil }
func (stubTx) Commit(context.Context) error { return nil }
func (stubTx) Abort(context.Context) error { return nil }

func newStore(t *testing.T) sink.Store {
	t.Helper()

	s := sink.NewStore(quietLogger(), &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: filepath.Join(t.TempDir(), "results.db")},
	})
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func testConfig() *Config {
	return &Config{
		WorkDir: ".",
		Defaults: config.RunDefaults{
			Clients: 10, Threads: 2, Scale: 100, Duration: 60 * time.Second,
		},
		Targets: map[string]*config.TargetConfig{
			"postgres": {
				Format: "pgbench", Mode: config.ModeProcess,
				Script: "pgbench.sh", Artifact: "pgbench_results.log",
			},
			"mongodb": {
				Format: "tpcb", Mode: config.ModeGenerator,
				Driver: config.DriverMongo, URI: "mongodb://x", Name: "benchmark",
				Initialize: true, BatchSize: 1000,
			},
		},
	}
}

type fixture struct {
	coordinator Coordinator
	launcher    *fakeLauncher
	publisher   *recordingPublisher
	store       sink.Store
	target      *stubTarget
	targetCalls atomic.Int64
}

func newFixture(t *testing.T, store sink.Store, archiver archive.Archiver) *fixture {
	t.Helper()

	if store == nil {
		store = newStore(t)
	}

	f := &fixture{
		launcher:  &fakeLauncher{out: &launcher.Outcome{Report: pgbenchReport}},
		publisher: &recordingPublisher{},
		store:     store,
		target:    &stubTarget{},
	}

	factory := func(logrus.FieldLogger, *config.TargetConfig) (target.Target, error) {
		f.targetCalls.Add(1)

		return f.target, nil
	}

	f.coordinator = NewCoordinator(quietLogger(), testConfig(), store, f.publisher, f.launcher, factory, archiver)

	return f
}

func TestRun_ProcessCompleted(t *testing.T) {
	f := newFixture(t, nil, nil)

	out, err := f.coordinator.Run(context.Background(), &Request{
		Target: "Postgres", Clients: 10, Threads: 2, Scale: 10,
	})
	require.NoError(t, err)

	require.NotZero(t, out.Record.ID)
	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, "postgresql", out.Record.Database)
	assert.Equal(t, int64(80), out.Record.TPS)
	assert.Equal(t, int64(4821), out.Record.Transactions)
	assert.Equal(t, int64(10), out.Record.ScalingFactor)

	published := f.publisher.published()
	require.Len(t, published, 1)

	env := published[0]
	assert.Equal(t, sink.EnvelopeType, env.Type)
	assert.Equal(t, sink.StatusCompleted, env.Status)
	assert.Equal(t, out.Record.ID, env.RecordID)
	assert.Equal(t, pgbenchReport, env.Data.Raw)
	assert.Equal(t, out.Record, env.Data.Parsed)

	stored, err := f.store.GetRecord(context.Background(), out.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, out.Record.TPS, stored.TPS)

	calls := f.launcher.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "pgbench.sh", calls[0].Script)
	assert.Equal(t, "pgbench_results.log", calls[0].Artifact)
	assert.Equal(t, 60*time.Second, calls[0].Duration)
}

func TestRun_DefaultsApplied(t *testing.T) {
	f := newFixture(t, nil, nil)

	out, err := f.coordinator.Run(context.Background(), &Request{Target: "postgres"})
	require.NoError(t, err)

	assert.Equal(t, int64(10), out.Record.Clients)
	assert.Equal(t, int64(2), out.Record.Threads)
	assert.Equal(t, int64(100), out.Record.ScalingFactor)
}

func TestRun_FailedRuns(t *testing.T) {
	tests := []struct {
		name      string
		out       *launcher.Outcome
		err       error
		wantInRaw string
	}{
		{
			name:      "non-zero exit",
			out:       &launcher.Outcome{ExitStatus: 1, Stdout: "starting", Stderr: "pg_isready: no response", Report: pgbenchReport},
			wantInRaw: "pg_isready: no response",
		},
		{
			name:      "missing artifact",
			out:       &launcher.Outcome{Stdout: "done"},
			wantInRaw: "report artifact is missing or empty",
		},
		{
			name:      "launch error",
			err:       errors.New("starting bash: executable file not found"),
			wantInRaw: "executable file not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, nil)
			f.launcher.out = tt.out
			f.launcher.err = tt.err

			out, err := f.coordinator.Run(context.Background(), &Request{Target: "postgres", Scale: 5})
			require.NoError(t, err)

			assert.Equal(t, 1, out.Record.Error)
			assert.Zero(t, out.Record.TPS)
			assert.Zero(t, out.Record.Transactions)
			assert.Equal(t, int64(5), out.Record.ScalingFactor)

			published := f.publisher.published()
			require.Len(t, published, 1)
			assert.Equal(t, sink.StatusFailed, published[0].Status)
			assert.Equal(t, out.Record.ID, published[0].RecordID)
			assert.Contains(t, published[0].Data.Raw, tt.wantInRaw)
		})
	}
}

func TestRun_PersistenceFailureSendsNothing(t *testing.T) {
	f := newFixture(t, failingStore{}, nil)

	out, err := f.coordinator.Run(context.Background(), &Request{Target: "postgres"})
	require.ErrorIs(t, err, ErrPersistence)
	assert.Nil(t, out)
	assert.Empty(t, f.publisher.published())
}

func TestRun_PublishFailureKeepsRecord(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.publisher.err = errors.New("redis down")

	out, err := f.coordinator.Run(context.Background(), &Request{Target: "postgres"})
	require.NoError(t, err)

	_, err = f.store.GetRecord(context.Background(), out.Record.ID)
	require.NoError(t, err)
}

func TestRun_RejectedRequests(t *testing.T) {
	tests := []struct {
		name    string
		req     *Request
		wantErr error
	}{
		{name: "unknown target", req: &Request{Target: "oracle"}, wantErr: ErrUnknownTarget},
		{name: "negative clients", req: &Request{Target: "postgres", Clients: -1}, wantErr: ErrInvalidRequest},
		{name: "negative duration", req: &Request{Target: "postgres", Duration: -time.Second}, wantErr: ErrInvalidRequest},
		{name: "fractional duration", req: &Request{Target: "mongodb", Duration: 1500 * time.Millisecond}, wantErr: ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, nil)

			_, err := f.coordinator.Run(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, f.launcher.calls())
			assert.Empty(t, f.publisher.published())
		})
	}
}

func TestRun_Generator(t *testing.T) {
	f := newFixture(t, nil, nil)

	out, err := f.coordinator.Run(context.Background(), &Request{
		Target: "mongodb", Clients: 2, Threads: 1, Scale: 3, Duration: time.Second,
	})
	require.NoError(t, err)

	assert.Zero(t, out.Record.Error)
	assert.Equal(t, "mongodb", out.Record.Database)
	assert.Positive(t, out.Record.Transactions)
	assert.Equal(t, out.Record.Transactions, out.Record.EstimatedInserts)
	assert.Contains(t, out.Envelope.Data.Raw, "Total Transactions Processed:")
	assert.Equal(t, int64(3), f.target.seeded.Load())
	assert.True(t, f.target.stopped.Load())
	assert.Empty(t, f.launcher.calls(), "no provisioning configured")
}

func TestRun_GeneratorCheckFailure(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.target.checkErr = errors.New("not running with --replSet")

	out, err := f.coordinator.Run(context.Background(), &Request{
		Target: "mongodb", Duration: time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, out.Record.Error)
	assert.Equal(t, sink.StatusFailed, out.Envelope.Status)
	assert.Contains(t, out.Envelope.Data.Raw, "--replSet")
	assert.Len(t, f.publisher.published(), 1)
}

func TestRun_GeneratorProvisioningFailure(t *testing.T) {
	f := newFixture(t, nil, nil)

	cfg := testConfig()
	cfg.Targets["mongodb"].Script = "mongo.sh"
	f.coordinator = NewCoordinator(quietLogger(), cfg, f.store, f.publisher, f.launcher,
		func(logrus.FieldLogger, *config.TargetConfig) (target.Target, error) {
			f.targetCalls.Add(1)

			return f.target, nil
		}, nil)
	f.launcher.out = &launcher.Outcome{ExitStatus: 1, Stderr: "replica set primary failed to start"}

	out, err := f.coordinator.Run(context.Background(), &Request{Target: "mongodb", Duration: time.Second})
	require.NoError(t, err)

	assert.Equal(t, 1, out.Record.Error)
	assert.Contains(t, out.Envelope.Data.Raw, "primary failed to start")
	assert.Zero(t, f.targetCalls.Load(), "no client starts after failed provisioning")

	calls := f.launcher.calls()
	require.Len(t, calls, 1)
	assert.Empty(t, calls[0].Artifact)
}

func TestRun_Archive(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantKey bool
	}{
		{name: "archived", wantKey: true},
		{name: "archive failure is not fatal", err: errors.New("bucket gone")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archiver := &fakeArchiver{err: tt.err}
			f := newFixture(t, nil, archiver)

			out, err := f.coordinator.Run(context.Background(), &Request{Target: "postgres"})
			require.NoError(t, err)

			if tt.wantKey {
				assert.NotEmpty(t, out.ArchiveKey)
				assert.Len(t, archiver.keys, 1)
			} else {
				assert.Empty(t, out.ArchiveKey)
			}

			assert.Len(t, f.publisher.published(), 1)
		})
	}
}

func TestSubmit_StopWaitsForInflightRuns(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.launcher.block = make(chan struct{})

	require.NoError(t, f.coordinator.Start(context.Background()))

	runID, err := f.coordinator.Submit(&Request{Target: "postgres"})
	require.NoError(t, err)
	assert.NotEmpty(t, runID)

	require.Eventually(t, func() bool { return len(f.launcher.calls()) == 1 }, 2*time.Second, time.Millisecond)

	require.NoError(t, f.coordinator.Stop())

	// The cancelled run still ends in exactly one failed record.
	published := f.publisher.published()
	require.Len(t, published, 1)
	assert.Equal(t, sink.StatusFailed, published[0].Status)

	_, err = f.coordinator.Submit(&Request{Target: "postgres"})
	require.ErrorIs(t, err, ErrStopped)
}

func TestSubmit_RejectsUnknownTarget(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.coordinator.Start(context.Background()))

	defer func() { _ = f.coordinator.Stop() }()

	_, err := f.coordinator.Submit(&Request{Target: "cockroach"})
	require.ErrorIs(t, err, ErrUnknownTarget)
}

func TestSubmit_StopFailsInflightGeneratorRun(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.coordinator.Start(context.Background()))

	_, err := f.coordinator.Submit(&Request{
		Target: "mongodb", Clients: 2, Threads: 1, Scale: 1, Duration: 30 * time.Second,
	})
	require.NoError(t, err)

	// Seeding precedes the workload, so the clients are running after it.
	require.Eventually(t, func() bool { return f.target.seeded.Load() == 1 }, 2*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	started := time.Now()
	require.NoError(t, f.coordinator.Stop())
	assert.Less(t, time.Since(started), 10*time.Second)

	published := f.publisher.published()
	require.Len(t, published, 1)
	assert.Equal(t, sink.StatusFailed, published[0].Status)
	assert.Contains(t, published[0].Data.Raw, "interrupted")

	rec, err := f.store.GetRecord(context.Background(), published[0].RecordID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Error)
	assert.Zero(t, rec.TPS)
	assert.True(t, f.target.stopped.Load())
}

func TestSubmit_SameTargetRunsOverlap(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.launcher.block = make(chan struct{})

	require.NoError(t, f.coordinator.Start(context.Background()))

	for i := 0; i < 3; i++ {
		_, err := f.coordinator.Submit(&Request{Target: "postgres"})
		require.NoError(t, err)
	}

	// All three reach the launcher before any of them finishes.
	require.Eventually(t, func() bool { return len(f.launcher.calls()) == 3 }, 2*time.Second, time.Millisecond)

	close(f.launcher.block)
	require.NoError(t, f.coordinator.Stop())

	published := f.publisher.published()
	require.Len(t, published, 3)

	ids := make(map[uint]struct{}, 3)
	for _, env := range published {
		assert.Equal(t, sink.StatusCompleted, env.Status)
		ids[env.RecordID] = struct{}{}
	}

	assert.Len(t, ids, 3, "one record per run")
}

func TestTargets(t *testing.T) {
	f := newFixture(t, nil, nil)

	assert.Equal(t, []string{"mongodb", "postgres"}, f.coordinator.Targets())
}
