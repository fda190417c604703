package launcher

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

//go:embed scripts/*.sh
var scripts embed.FS

// Spec describes one external benchmark process.
type Spec struct {
	// Command is run directly when set. Otherwise Script names an embedded
	// script run with bash.
	Command []string
	Script  string

	// Artifact is the report file the process leaves behind, relative to
	// WorkDir unless absolute. Empty means the process writes no report.
	Artifact string
	WorkDir  string
	Env      map[string]string

	Clients  int
	Threads  int
	Scale    int
	Duration time.Duration
}

// Outcome is what a finished process left behind.
type Outcome struct {
	ExitStatus int
	Stdout     string
	Stderr     string
	// Report holds the artifact contents, empty if it was never written.
	Report  string
	Elapsed time.Duration
}

// Launcher runs external benchmark processes.
type Launcher interface {
	// Launch runs the process to completion. A non-zero exit is reported
	// in the outcome; an error means the process could not be started.
	Launch(ctx context.Context, spec *Spec) (*Outcome, error)
}

// Compile-time interface check.
var _ Launcher = (*launcher)(nil)

type launcher struct {
	log logrus.FieldLogger
}

// New creates a process launcher.
func New(log logrus.FieldLogger) Launcher {
	return &launcher{log: log.WithField("component", "launcher")}
}

// Scripts lists the embedded script names.
func Scripts() []string {
	entries, _ := scripts.ReadDir("scripts")

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Name() != "common.sh" {
			names = append(names, e.Name())
		}
	}

	return names
}

// Script returns an embedded script prefixed with the shared helpers.
func Script(name string) (string, error) {
	body, err := scripts.ReadFile("scripts/" + name)
	if err != nil {
		return "", fmt.Errorf("unknown script %q", name)
	}

	common, err := scripts.ReadFile("scripts/common.sh")
	if err != nil {
		return "", fmt.Errorf("reading script helpers: %w", err)
	}

	return string(common) + "\n" + string(body), nil
}

func (l *launcher) Launch(ctx context.Context, spec *Spec) (*Outcome, error) {
	argv, err := l.argv(spec)
	if err != nil {
		return nil, err
	}

	artifact := spec.artifactPath()
	if artifact != "" {
		if err := os.Remove(artifact); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("removing stale artifact: %w", err)
		}
	}

	//nolint:gosec // argv comes from operator configuration.
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(), spec.environ()...)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log := l.log.WithFields(logrus.Fields{
		"command":  argv[0],
		"artifact": spec.Artifact,
	})
	log.Info("Launching benchmark process")

	start := time.Now()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", argv[0], err)
	}

	out := &Outcome{}

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("waiting for %s: %w", argv[0], err)
		}

		// -1 when killed by a signal, typically context cancellation.
		out.ExitStatus = exitErr.ExitCode()
	}

	out.Elapsed = time.Since(start)
	out.Stdout = stdout.String()
	out.Stderr = stderr.String()

	if artifact != "" {
		data, err := os.ReadFile(artifact)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading artifact: %w", err)
		}

		out.Report = string(data)
	}

	log.WithFields(logrus.Fields{
		"exit_status":  out.ExitStatus,
		"elapsed":      out.Elapsed.Round(time.Millisecond).String(),
		"report_bytes": len(out.Report),
	}).Info("Benchmark process finished")

	return out, nil
}

func (l *launcher) argv(spec *Spec) ([]string, error) {
	if len(spec.Command) > 0 {
		return spec.Command, nil
	}

	if spec.Script == "" {
		return nil, errors.New("no command or script to launch")
	}

	script, err := Script(spec.Script)
	if err != nil {
		return nil, err
	}

	return []string{"bash", "-c", script}, nil
}

// artifactPath is absolute so the child resolves LOG_FILE the same way
// regardless of its working directory.
func (s *Spec) artifactPath() string {
	if s.Artifact == "" || filepath.IsAbs(s.Artifact) {
		return s.Artifact
	}

	path := filepath.Join(s.WorkDir, s.Artifact)
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}

	return path
}

// environ renders the run parameters and configured extras. Extras are
// sorted so the child sees a stable environment.
func (s *Spec) environ() []string {
	env := []string{
		"CLIENTS=" + strconv.Itoa(s.Clients),
		"THREADS=" + strconv.Itoa(s.Threads),
		"SCALE=" + strconv.Itoa(s.Scale),
		"DURATION=" + strconv.Itoa(int(s.Duration.Seconds())),
	}

	if s.Artifact != "" {
		env = append(env, "LOG_FILE="+s.artifactPath())
	}

	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		env = append(env, k+"="+s.Env[k])
	}

	return env
}
