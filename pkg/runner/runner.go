package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/dbbenchoor/pkg/archive"
	"github.com/ethpandaops/dbbenchoor/pkg/canonical"
	"github.com/ethpandaops/dbbenchoor/pkg/config"
	"github.com/ethpandaops/dbbenchoor/pkg/launcher"
	"github.com/ethpandaops/dbbenchoor/pkg/sink"
	"github.com/ethpandaops/dbbenchoor/pkg/target"
)

var (
	// ErrUnknownTarget is returned for a target name with no configuration.
	ErrUnknownTarget = errors.New("unknown target")

	// ErrInvalidRequest is returned for negative run parameters.
	ErrInvalidRequest = errors.New("invalid run request")

	// ErrPersistence is returned when the record could not be stored. No
	// notification is sent in that case.
	ErrPersistence = errors.New("persisting record")

	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("coordinator stopped")
)

// Request asks for one benchmark run. Zero parameters take the configured
// defaults.
type Request struct {
	Target   string
	Clients  int
	Threads  int
	Scale    int
	Duration time.Duration
}

// Outcome is the terminal state of a run.
type Outcome struct {
	RunID    string
	Record   *canonical.Record
	Envelope *sink.Envelope
	// ArchiveKey is set when the raw report was archived.
	ArchiveKey string
}

// Coordinator runs benchmarks and records their results.
type Coordinator interface {
	Start(ctx context.Context) error
	Stop() error

	// Run executes one benchmark synchronously: launch, canonicalize,
	// persist, then broadcast.
	Run(ctx context.Context, req *Request) (*Outcome, error)

	// Submit validates req, starts the run in the background and returns
	// its run ID.
	Submit(req *Request) (string, error)

	// Targets lists the configured target names.
	Targets() []string
}

// TargetFactory builds the database driven by the built-in generator.
type TargetFactory func(log logrus.FieldLogger, cfg *config.TargetConfig) (target.Target, error)

// Config for the coordinator.
type Config struct {
	WorkDir  string
	Defaults config.RunDefaults
	Targets  map[string]*config.TargetConfig
}

// Compile-time interface check.
var _ Coordinator = (*coordinator)(nil)

type coordinator struct {
	log       logrus.FieldLogger
	cfg       *Config
	store     sink.Store
	publisher sink.Publisher
	launcher  launcher.Launcher
	targets   TargetFactory
	archiver  archive.Archiver

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// NewCoordinator creates a coordinator. archiver may be nil.
func NewCoordinator(
	log logrus.FieldLogger,
	cfg *Config,
	store sink.Store,
	publisher sink.Publisher,
	launch launcher.Launcher,
	targets TargetFactory,
	archiver archive.Archiver,
) Coordinator {
	return &coordinator{
		log:       log.WithField("component", "coordinator"),
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		launcher:  launch,
		targets:   targets,
		archiver:  archiver,
	}
}

// Start sets the context background runs derive from.
func (c *coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ctx, c.cancel = context.WithCancel(ctx)

	c.log.WithField("targets", strings.Join(c.Targets(), ",")).Debug("Coordinator started")

	return nil
}

// Stop cancels in-flight runs and waits for each to record its outcome.
func (c *coordinator) Stop() error {
	c.mu.Lock()
	c.stopped = true

	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	c.wg.Wait()

	c.log.Debug("Coordinator stopped")

	return nil
}

func (c *coordinator) Targets() []string {
	names := make([]string, 0, len(c.cfg.Targets))
	for name := range c.cfg.Targets {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func (c *coordinator) Submit(req *Request) (string, error) {
	r, err := c.prepare(req)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || c.ctx == nil {
		return "", ErrStopped
	}

	ctx := c.ctx

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		if _, err := c.execute(ctx, r); err != nil {
			r.log.WithError(err).Error("Run failed without a notification")
		}
	}()

	return r.id, nil
}

func (c *coordinator) Run(ctx context.Context, req *Request) (*Outcome, error) {
	r, err := c.prepare(req)
	if err != nil {
		return nil, err
	}

	return c.execute(ctx, r)
}

// run is a validated request with defaults applied.
type run struct {
	id     string
	name   string
	target *config.TargetConfig
	params canonical.Params
	dur    time.Duration
	log    logrus.FieldLogger
}

func (c *coordinator) prepare(req *Request) (*run, error) {
	name := strings.ToLower(req.Target)

	tcfg, ok := c.cfg.Targets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, req.Target)
	}

	if req.Clients < 0 || req.Threads < 0 || req.Scale < 0 || req.Duration < 0 {
		return nil, fmt.Errorf("%w: parameters must not be negative", ErrInvalidRequest)
	}

	if req.Duration%time.Second != 0 {
		return nil, fmt.Errorf("%w: duration must be whole seconds, got %s", ErrInvalidRequest, req.Duration)
	}

	d := c.cfg.Defaults
	r := &run{
		id:     uuid.NewString(),
		name:   name,
		target: tcfg,
		params: canonical.Params{
			Database: tcfg.Database,
			Clients:  orDefault(req.Clients, d.Clients),
			Threads:  orDefault(req.Threads, d.Threads),
			Scale:    orDefault(req.Scale, d.Scale),
		},
		dur: req.Duration,
	}

	if r.dur == 0 {
		r.dur = d.Duration
	}

	r.log = c.log.WithFields(logrus.Fields{
		"run_id": r.id,
		"target": name,
	})

	return r, nil
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}

	return v
}

func (c *coordinator) execute(ctx context.Context, r *run) (*Outcome, error) {
	r.log.WithFields(logrus.Fields{
		"format":   r.target.Format,
		"mode":     r.target.Mode,
		"clients":  r.params.Clients,
		"threads":  r.params.Threads,
		"scale":    r.params.Scale,
		"duration": r.dur.String(),
	}).Info("Starting run")

	logHost(ctx, r.log)

	start := time.Now()

	var input canonical.Input

	switch r.target.Mode {
	case config.ModeGenerator:
		input = c.runGenerator(ctx, r)
	default:
		input = c.runProcess(ctx, r)
	}

	input.Format = canonical.Format(r.target.Format)
	input.Params = r.params

	result, err := canonical.Canonicalize(input)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing: %w", err)
	}

	// The run has happened; its record and notification must not be lost
	// to a caller that stopped waiting.
	persistCtx := context.WithoutCancel(ctx)

	saved, err := c.store.InsertRecord(persistCtx, &result.Record)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	log := r.log.WithField("record_id", saved.ID)

	env := sink.NewEnvelope(saved, result.Raw, time.Now())
	if err := c.publisher.Publish(persistCtx, env); err != nil {
		log.WithError(err).Warn("Failed to publish notification")
	}

	out := &Outcome{RunID: r.id, Record: saved, Envelope: env}

	if c.archiver != nil {
		key, err := c.archiver.Store(persistCtx, saved, result.Raw)
		if err != nil {
			log.WithError(err).Warn("Failed to archive raw report")
		} else {
			out.ArchiveKey = key
		}
	}

	log.WithFields(logrus.Fields{
		"status":  env.Status,
		"tps":     saved.TPS,
		"elapsed": time.Since(start).Round(time.Millisecond).String(),
	}).Info("Run finished")

	return out, nil
}

func (c *coordinator) processSpec(r *run, artifact string) *launcher.Spec {
	return &launcher.Spec{
		Command:  r.target.Command,
		Script:   r.target.Script,
		Artifact: artifact,
		WorkDir:  c.cfg.WorkDir,
		Env:      r.target.Env,
		Clients:  r.params.Clients,
		Threads:  r.params.Threads,
		Scale:    r.params.Scale,
		Duration: r.dur,
	}
}

// runProcess launches the external tool. A launch error is reported as a
// failed exit so the run still ends in exactly one record.
func (c *coordinator) runProcess(ctx context.Context, r *run) canonical.Input {
	out, err := c.launcher.Launch(ctx, c.processSpec(r, r.target.Artifact))
	if err != nil {
		r.log.WithError(err).Error("Failed to launch benchmark process")

		return canonical.Input{ExitStatus: 1, Stderr: err.Error()}
	}

	return canonical.Input{
		ExitStatus: out.ExitStatus,
		Report:     out.Report,
		Stdout:     out.Stdout,
		Stderr:     out.Stderr,
	}
}
