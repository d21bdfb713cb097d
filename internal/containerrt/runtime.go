// Package containerrt wraps the container management plane: liveness
// checks, orphan reaping, and the argv/stop-command synthesis that
// ContainerRunner needs to spawn and tear down agent containers. The
// per-run agent container itself is spawned by ContainerRunner via
// os/exec, not through this package's Docker SDK client — that client is
// used only for the lower-stakes management operations (ping, list,
// stop) where the attach semantics of the SDK aren't needed.
package containerrt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// ManagedByLabelKey is attached to every container this host spawns, so
// orphan enumeration can find them without guessing at name patterns.
const ManagedByLabelKey = "g2.managed-by"

// Runtime abstracts the external container CLI: binary name, mount-flag
// synthesis ownership (delegated to MountBuilder), stop-command
// synthesis, orphan enumeration, and a liveness probe.
type Runtime interface {
	// Binary is the container CLI executable name ContainerRunner should
	// exec (e.g. "docker", "podman").
	Binary() string
	// LabelPrefix namespaces managed-container labels and name prefixes.
	LabelPrefix() string
	// EnsureRunning probes the runtime daemon; returns a fatal error if
	// it cannot become reachable.
	EnsureRunning(ctx context.Context) error
	// CleanupOrphans stops any container carrying this host's managed-by
	// label that the in-memory GroupQueue no longer tracks as live. It
	// degrades gracefully (logs and returns nil) when the CLI/daemon is
	// unavailable, since orphan cleanup is best-effort housekeeping, not
	// a correctness requirement.
	CleanupOrphans(ctx context.Context, liveNames map[string]bool) error
	// StopCommand returns the argv used to gracefully stop a running
	// container by name, for ContainerRunner's hard-timeout path.
	StopCommand(containerName string) []string
}

// DockerRuntime implements Runtime over github.com/docker/docker/client,
// used strictly for the management plane described above.
type DockerRuntime struct {
	binary      string
	labelPrefix string
	cli         *client.Client
	logger      *slog.Logger
}

// NewDockerRuntime creates a DockerRuntime. binary and labelPrefix come
// from G2_DOCKER_BINARY / G2_CONTAINER_LABEL_PREFIX (defaults "docker"
// and "g2"). The SDK client itself tries the usual unix socket paths via
// client.FromEnv, falling back to the default Docker Desktop and
// rootless socket locations the way the teacher's container.Manager did.
func NewDockerRuntime(binary, labelPrefix string, logger *slog.Logger) (*DockerRuntime, error) {
	if binary == "" {
		binary = "docker"
	}
	if labelPrefix == "" {
		labelPrefix = "g2"
	}
	if logger == nil {
		logger = slog.Default()
	}

	cli, err := createDockerClient()
	if err != nil {
		return nil, fmt.Errorf("containerrt: create docker client: %w", err)
	}

	return &DockerRuntime{binary: binary, labelPrefix: labelPrefix, cli: cli, logger: logger}, nil
}

// createDockerClient tries, in order, the environment-configured host,
// then the conventional rootful and rootless Unix socket paths. Grounded
// on the teacher's multi-socket fallback in container/manager.go.
func createDockerClient() (*client.Client, error) {
	candidates := []string{
		"", // empty: client.FromEnv
		"unix:///var/run/docker.sock",
		"unix:///run/user/1000/docker.sock",
	}

	var lastErr error
	for _, host := range candidates {
		opts := []client.Opt{client.WithAPIVersionNegotiation()}
		if host == "" {
			opts = append(opts, client.FromEnv)
		} else {
			opts = append(opts, client.WithHost(host))
		}

		cli, err := client.NewClientWithOpts(opts...)
		if err != nil {
			lastErr = err
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, pingErr := cli.Ping(ctx)
		cancel()
		if pingErr == nil {
			return cli, nil
		}
		cli.Close()
		lastErr = pingErr
	}

	return nil, fmt.Errorf("no reachable docker socket: %w", lastErr)
}

func (r *DockerRuntime) Binary() string { return r.binary }

func (r *DockerRuntime) LabelPrefix() string { return r.labelPrefix }

func (r *DockerRuntime) EnsureRunning(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := r.cli.Ping(pingCtx); err != nil {
		return fmt.Errorf("containerrt: runtime not reachable: %w", err)
	}
	return nil
}

func (r *DockerRuntime) StopCommand(containerName string) []string {
	return []string{r.binary, "stop", "--time", "15", containerName}
}

func (r *DockerRuntime) CleanupOrphans(ctx context.Context, liveNames map[string]bool) error {
	labelFilter := filters.NewArgs(filters.Arg("label", fmt.Sprintf("%s=%s", ManagedByLabelKey, r.labelPrefix)))

	containers, err := r.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: labelFilter})
	if err != nil {
		r.logger.Warn("containerrt: orphan enumeration degraded", "error", err)
		return nil
	}

	for _, c := range containers {
		name := strings.TrimPrefix(firstOrEmpty(c.Names), "/")
		if liveNames[name] {
			continue
		}
		r.logger.Info("containerrt: stopping orphaned container", "name", name, "id", c.ID[:12])
		timeout := 15
		if err := r.cli.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout}); err != nil {
			r.logger.Warn("containerrt: failed to stop orphan", "name", name, "error", err)
		}
	}
	return nil
}

func firstOrEmpty(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// Close releases the underlying SDK client.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

var _ Runtime = (*DockerRuntime)(nil)
