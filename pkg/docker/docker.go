package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// Names of the resources the bundled benchmark scripts create.
var (
	DefaultContainers = []string{"postgres_bench", "mysql_bench", "mongo_bench"}
	DefaultNetwork    = "loadtest-network"
)

// Manager removes database containers and the benchmark network left
// behind by interrupted runs.
type Manager interface {
	Start(ctx context.Context) error
	Stop() error

	// ListContainers returns the containers whose name is in names.
	ListContainers(ctx context.Context, names []string) ([]ContainerInfo, error)
	RemoveContainer(ctx context.Context, containerID string) error
	// RemoveNetwork removes a network. A missing network is not an error.
	RemoveNetwork(ctx context.Context, name string) error

	// Cleanup force-removes the named containers, then the network.
	Cleanup(ctx context.Context, names []string, network string) (*CleanupReport, error)
}

// ContainerInfo contains information about a container for cleanup.
type ContainerInfo struct {
	ID    string
	Name  string
	State string
}

// CleanupReport lists what Cleanup removed.
type CleanupReport struct {
	Containers     []ContainerInfo
	NetworkRemoved bool
}

// apiClient is the subset of the Docker client the manager uses.
type apiClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	NetworkRemove(ctx context.Context, networkID string) error
	Close() error
}

// NewManager creates a new Docker manager from the environment
// (DOCKER_HOST and friends).
func NewManager(log logrus.FieldLogger) (Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	return newManager(log, cli), nil
}

func newManager(log logrus.FieldLogger, cli apiClient) *manager {
	return &manager{
		log:    log.WithField("component", "docker"),
		client: cli,
	}
}

type manager struct {
	log    logrus.FieldLogger
	client apiClient
}

// Ensure interface compliance.
var _ Manager = (*manager)(nil)

// Start checks the daemon is reachable.
func (m *manager) Start(ctx context.Context) error {
	if _, err := m.client.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to docker daemon: %w", err)
	}

	m.log.Debug("Connected to Docker daemon")

	return nil
}

func (m *manager) Stop() error {
	if err := m.client.Close(); err != nil {
		return fmt.Errorf("closing docker client: %w", err)
	}

	return nil
}

func (m *manager) ListContainers(ctx context.Context, names []string) ([]ContainerInfo, error) {
	if len(names) == 0 {
		return nil, nil
	}

	args := filters.NewArgs()
	for _, name := range names {
		args.Add("name", name)
	}

	containers, err := m.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	// The daemon's name filter matches substrings.
	wanted := make(map[string]struct{}, len(names))
	for _, name := range names {
		wanted[name] = struct{}{}
	}

	result := make([]ContainerInfo, 0, len(containers))

	for _, c := range containers {
		for _, n := range c.Names {
			name := strings.TrimPrefix(n, "/")
			if _, ok := wanted[name]; !ok {
				continue
			}

			result = append(result, ContainerInfo{
				ID:    c.ID,
				Name:  name,
				State: string(c.State),
			})

			break
		}
	}

	return result, nil
}

func (m *manager) RemoveContainer(ctx context.Context, containerID string) error {
	if err := m.client.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	}); err != nil {
		return fmt.Errorf("removing container %s: %w", shortID(containerID), err)
	}

	m.log.WithField("id", shortID(containerID)).Debug("Removed container")

	return nil
}

func (m *manager) RemoveNetwork(ctx context.Context, name string) error {
	if err := m.client.NetworkRemove(ctx, name); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}

		return fmt.Errorf("removing network %s: %w", name, err)
	}

	m.log.WithField("network", name).Info("Removed Docker network")

	return nil
}

func (m *manager) Cleanup(ctx context.Context, names []string, network string) (*CleanupReport, error) {
	containers, err := m.ListContainers(ctx, names)
	if err != nil {
		return nil, err
	}

	report := &CleanupReport{Containers: make([]ContainerInfo, 0, len(containers))}

	for _, c := range containers {
		if err := m.RemoveContainer(ctx, c.ID); err != nil {
			return report, err
		}

		m.log.WithField("container", c.Name).Info("Removed leftover container")

		report.Containers = append(report.Containers, c)
	}

	if network == "" {
		return report, nil
	}

	if err := m.RemoveNetwork(ctx, network); err != nil {
		return report, err
	}

	report.NetworkRemoved = true

	return report, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}

	return id
}
