// Package docker implements the container runtime abstraction on top of the
// Docker SDK.
package docker

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/crewdock/crewdock/internal/common/config"
	"github.com/crewdock/crewdock/internal/common/logger"
	"github.com/crewdock/crewdock/internal/runtime"
)

// Client implements runtime.Runtime using the Docker SDK.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

var _ runtime.Runtime = (*Client)(nil)

// NewClient creates a new Docker runtime client.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}

	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker client created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion),
	)

	return &Client{
		cli:    cli,
		logger: log,
		config: cfg,
	}, nil
}

// Close closes the Docker client.
func (c *Client) Close() error {
	c.logger.Debug("Closing Docker client")
	return c.cli.Close()
}

// EnsureImage pulls the image only when it is not already present locally.
func (c *Client) EnsureImage(ctx context.Context, imageName string) error {
	filterArgs := filters.NewArgs(filters.Arg("reference", imageName))
	images, err := c.cli.ImageList(ctx, image.ListOptions{Filters: filterArgs})
	if err != nil {
		return fmt.Errorf("failed to list images for %s: %w", imageName, err)
	}
	if len(images) > 0 {
		return nil
	}
	return c.PullImage(ctx, imageName)
}

// PullImage pulls an image, blocking until the pull completes.
func (c *Client) PullImage(ctx context.Context, imageName string) error {
	c.logger.Info("Pulling image", zap.String("image", imageName))

	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer reader.Close()

	// The pull is not complete until the stream is drained
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}

	c.logger.Info("Image pulled", zap.String("image", imageName))
	return nil
}

// Start creates and starts a container from the spec. Stdio is kept open so
// a later Attach can take over the streams.
func (c *Client) Start(ctx context.Context, spec runtime.Spec) (*runtime.Handle, error) {
	c.logger.Info("Starting container",
		zap.String("name", spec.Name),
		zap.String("image", spec.Image),
	)

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	exposedPorts := nat.PortSet{}
	portBindings := nat.PortMap{}
	for _, p := range spec.Ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", p.ContainerPort))
		exposedPorts[port] = struct{}{}
		portBindings[port] = []nat.PortBinding{{
			HostIP:   "0.0.0.0",
			HostPort: strconv.Itoa(p.HostPort),
		}}
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		WorkingDir:   spec.WorkingDir,
		Labels:       spec.Labels,
		ExposedPorts: exposedPorts,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          spec.TTY,
	}

	networkMode := spec.NetworkMode
	if networkMode == "" {
		networkMode = c.config.DefaultNetwork
	}

	hostCfg := &container.HostConfig{
		Mounts:       mounts,
		NetworkMode:  container.NetworkMode(networkMode),
		PortBindings: portBindings,
		AutoRemove:   spec.AutoRemove,
		Resources: container.Resources{
			Memory:    spec.Memory,
			CPUShares: spec.CPUShares,
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Clean up the created-but-unstarted container
		_ = c.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}

	c.logger.Info("Container started", zap.String("id", resp.ID), zap.String("name", spec.Name))
	return &runtime.Handle{ID: resp.ID, Name: spec.Name}, nil
}

// Attach connects to a running container's stdio. For non-TTY containers
// the multiplexed stream is demuxed into separate stdout and stderr readers.
func (c *Client) Attach(ctx context.Context, containerID string) (*runtime.AttachStreams, error) {
	c.logger.Debug("Attaching to container", zap.String("container_id", containerID))

	resp, err := c.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to container %s: %w", containerID, err)
	}

	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		resp.Close()
		return nil, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}

	streams := &runtime.AttachStreams{
		Stdin: &hijackWriter{resp: resp},
	}
	streams.AddCloser(closerFunc(func() error {
		resp.Close()
		return nil
	}))

	if inspect.Config.Tty {
		// Single raw stream, no multiplexing
		streams.Stdout = resp.Reader
		return streams, nil
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, resp.Reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	streams.Stdout = stdoutR
	streams.Stderr = stderrR
	return streams, nil
}

// hijackWriter writes stdin through the hijacked attach connection and
// half-closes it on Close so the agent process sees EOF.
type hijackWriter struct {
	resp types.HijackedResponse
}

func (w *hijackWriter) Write(p []byte) (int, error) {
	return w.resp.Conn.Write(p)
}

func (w *hijackWriter) Close() error {
	return w.resp.CloseWrite()
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Stop gracefully stops a container, killing it after the timeout.
func (c *Client) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	c.logger.Info("Stopping container",
		zap.String("container_id", containerID),
		zap.Duration("timeout", timeout),
	)

	timeoutSeconds := int(timeout.Seconds())
	err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{
		Timeout: &timeoutSeconds,
	})
	if err != nil {
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}

	return nil
}

// Remove deletes a container and its anonymous volumes.
func (c *Client) Remove(ctx context.Context, containerID string, force bool) error {
	c.logger.Debug("Removing container",
		zap.String("container_id", containerID),
		zap.Bool("force", force),
	)

	err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}

	return nil
}

// Inspect returns the current status of a container.
func (c *Client) Inspect(ctx context.Context, containerID string) (*runtime.Status, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}

	status := &runtime.Status{
		ID:       inspect.ID,
		Name:     trimSlash(inspect.Name),
		Image:    inspect.Config.Image,
		State:    inspect.State.Status,
		Running:  inspect.State.Running,
		ExitCode: inspect.State.ExitCode,
	}

	if inspect.State.StartedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			status.StartedAt = t
		}
	}
	if inspect.State.FinishedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
			status.FinishedAt = t
		}
	}

	return status, nil
}

// Wait blocks until the container stops and returns the exit code.
func (c *Client) Wait(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := c.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		if err != nil {
			return -1, fmt.Errorf("error waiting for container %s: %w", containerID, err)
		}
		return -1, nil
	case status := <-statusCh:
		c.logger.Info("Container exited",
			zap.String("container_id", containerID),
			zap.Int64("exit_code", status.StatusCode),
		)
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// List returns containers matching all given labels.
func (c *Client) List(ctx context.Context, labels map[string]string) ([]runtime.Status, error) {
	filterArgs := filters.NewArgs()
	for key, value := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	statuses := make([]runtime.Status, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = trimSlash(ctr.Names[0])
		}
		statuses = append(statuses, runtime.Status{
			ID:      ctr.ID,
			Name:    name,
			Image:   ctr.Image,
			State:   ctr.State,
			Running: ctr.State == "running",
		})
	}

	return statuses, nil
}

// Ping checks if the Docker daemon is available.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

func trimSlash(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}
