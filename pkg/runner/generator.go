package runner

import (
	"context"
	"fmt"

	"github.com/ethpandaops/dbbenchoor/pkg/canonical"
	"github.com/ethpandaops/dbbenchoor/pkg/workload"
)

// runGenerator provisions the database if configured, then drives it with
// the built-in workload. Every failure becomes a non-zero exit with the
// cause on stderr.
func (c *coordinator) runGenerator(ctx context.Context, r *run) canonical.Input {
	var provision canonical.Input

	if r.target.Provisions() {
		provision = c.runProcess(ctx, r)
		if provision.ExitStatus != 0 {
			r.log.WithField("exit_status", provision.ExitStatus).Error("Provisioning failed")

			return provision
		}
	}

	fail := func(err error) canonical.Input {
		r.log.WithError(err).Error("Generator run failed")

		return canonical.Input{
			ExitStatus: 1,
			Stdout:     provision.Stdout,
			Stderr:     err.Error(),
		}
	}

	tgt, err := c.targets(r.log, r.target)
	if err != nil {
		return fail(fmt.Errorf("creating target: %w", err))
	}

	if err := tgt.Start(ctx); err != nil {
		return fail(err)
	}

	defer func() {
		if err := tgt.Stop(); err != nil {
			r.log.WithError(err).Warn("Failed to stop target")
		}
	}()

	if r.target.Initialize {
		r.log.WithField("scale", r.params.Scale).Info("Seeding target")

		if err := tgt.Seed(ctx, r.params.Scale, r.target.BatchSize); err != nil {
			return fail(fmt.Errorf("seeding: %w", err))
		}
	}

	gen := workload.NewGenerator(r.log, workload.Config{
		Clients:  r.params.Clients,
		Threads:  r.params.Threads,
		Duration: r.dur,
		Scale:    r.params.Scale,
	}, tgt)

	report, err := gen.Run(ctx)
	if err != nil {
		return fail(err)
	}

	return canonical.Input{
		Report: report.String(),
		Stdout: provision.Stdout,
		Stderr: provision.Stderr,
	}
}
