package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/dbbenchoor/pkg/canonical"
	"github.com/ethpandaops/dbbenchoor/pkg/docker"
	"github.com/ethpandaops/dbbenchoor/pkg/runner"
)

func init() {
	log = logrus.New()
	log.SetLevel(logrus.ErrorLevel)
}

func TestWriteRecordTable(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	records := []canonical.Record{
		{ID: 2, Database: "mongodb", Clients: 10, TPS: 310, LatencyAvg: 32, Transactions: 18600, CreatedAt: now.Add(-2 * time.Hour)},
		{ID: 1, Database: "postgresql", Clients: 10, Error: 1, CreatedAt: now.Add(-3 * 24 * time.Hour)},
	}

	var buf bytes.Buffer
	require.NoError(t, writeRecordTable(&buf, records, now))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "mongodb")
	assert.Contains(t, lines[1], "2 hours ago")
	assert.Contains(t, lines[1], "ok")
	assert.Contains(t, lines[2], "failed")
	assert.Contains(t, lines[2], "3 days ago")
}

func TestWriteRecord(t *testing.T) {
	rec := &canonical.Record{ID: 5, Database: "mysql", TPS: 420, LatencyP95: 18}

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeRecord(&buf, rec, "json"))
		assert.Contains(t, buf.String(), `"latencyP95": 18`)
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeRecord(&buf, rec, "yaml"))

		var decoded map[string]any
		require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
		assert.Equal(t, "mysql", decoded["database"])
		assert.Equal(t, 420, decoded["tps"])
	})

	t.Run("unsupported", func(t *testing.T) {
		require.Error(t, writeRecord(&bytes.Buffer{}, rec, "xml"))
	})
}

func TestPrintRawRequiresArchive(t *testing.T) {
	err := printRaw(context.Background(), &bytes.Buffer{}, nil, &canonical.Record{ID: 1})
	require.Error(t, err)
}

type fakeDocker struct {
	containers []docker.ContainerInfo
	cleaned    bool
}

func (f *fakeDocker) Start(context.Context) error { return nil }
func (f *fakeDocker) Stop() error                 { return nil }

func (f *fakeDocker) ListContainers(context.Context, []string) ([]docker.ContainerInfo, error) {
	return f.containers, nil
}

func (f *fakeDocker) RemoveContainer(context.Context, string) error { return nil }
func (f *fakeDocker) RemoveNetwork(context.Context, string) error   { return nil }

func (f *fakeDocker) Cleanup(context.Context, []string, string) (*docker.CleanupReport, error) {
	f.cleaned = true

	return &docker.CleanupReport{Containers: f.containers, NetworkRemoved: true}, nil
}

func TestPerformCleanup(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		force       bool
		wantCleaned bool
	}{
		{name: "forced", force: true, wantCleaned: true},
		{name: "confirmed", input: "y\n", wantCleaned: true},
		{name: "confirmed yes", input: "YES\n", wantCleaned: true},
		{name: "declined", input: "n\n", wantCleaned: false},
		{name: "no input", input: "", wantCleaned: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := &fakeDocker{containers: []docker.ContainerInfo{{ID: "abc", Name: "mongo_bench", State: "exited"}}}

			var out bytes.Buffer
			require.NoError(t, performCleanup(context.Background(), mgr, strings.NewReader(tt.input), &out, tt.force))

			assert.Equal(t, tt.wantCleaned, mgr.cleaned)
			assert.Contains(t, out.String(), "mongo_bench (exited)")

			if tt.wantCleaned {
				assert.Contains(t, out.String(), "Removed 1 container(s) and network loadtest-network.")
			}
		})
	}
}

type stopRecorder struct {
	order *[]string
	name  string
	err   error
}

func (s *stopRecorder) Stop() error {
	*s.order = append(*s.order, s.name)

	return s.err
}

type recordingCoordinator struct {
	runner.Coordinator
	stopRecorder
}

func (c *recordingCoordinator) Stop() error { return c.stopRecorder.Stop() }

type recordingServer struct {
	stopRecorder
}

func (s *recordingServer) Start(context.Context) error { return nil }
func (s *recordingServer) Addr() string                { return "" }

func TestShutdownDrainsRunsBeforeServer(t *testing.T) {
	tests := []struct {
		name      string
		serverErr error
		wantErr   bool
	}{
		{name: "clean"},
		{name: "server stop error", serverErr: errors.New("listener closed"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var order []string

			coord := &recordingCoordinator{stopRecorder: stopRecorder{order: &order, name: "coordinator"}}
			srv := &recordingServer{stopRecorder{order: &order, name: "server", err: tt.serverErr}}

			err := shutdown(coord, srv)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			assert.Equal(t, []string{"coordinator", "server"}, order)
		})
	}
}

func TestOrDefault(t *testing.T) {
	assert.Equal(t, 7, orDefault(0, 7))
	assert.Equal(t, 3, orDefault(3, 7))
}
