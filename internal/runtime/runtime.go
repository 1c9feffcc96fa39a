// Package runtime defines the container runtime abstraction used by the
// agent bridge and the terminal session manager. Implementations create
// ephemeral containers, attach to their stdio, and report their fate.
package runtime

import (
	"context"
	"io"
	"time"
)

// Mount describes a bind mount into a container.
type Mount struct {
	Source   string // Host path
	Target   string // Container path
	ReadOnly bool
}

// PortBinding maps a host port to a container port.
type PortBinding struct {
	HostPort      int
	ContainerPort int
}

// Spec describes a container to launch.
type Spec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	WorkingDir  string
	Mounts      []Mount
	Ports       []PortBinding
	NetworkMode string
	Memory      int64 // Memory limit in bytes
	CPUShares   int64
	Labels      map[string]string
	AutoRemove  bool
	// TTY switches the container to a single raw stream. Leave false for
	// the line-oriented agent protocol so stdout and stderr stay separate.
	TTY bool
}

// Handle identifies a launched container.
type Handle struct {
	ID   string
	Name string
}

// Status is a point-in-time view of a container.
type Status struct {
	ID         string
	Name       string
	Image      string
	State      string // created, running, paused, restarting, removing, exited, dead
	Running    bool
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// AttachStreams bundles the stdio of an attached container. Stderr is nil
// when the container runs with a TTY (the runtime merges the streams).
type AttachStreams struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader

	closers []io.Closer
}

// AddCloser registers a resource released by Close.
func (a *AttachStreams) AddCloser(c io.Closer) {
	a.closers = append(a.closers, c)
}

// Close releases the attachment.
func (a *AttachStreams) Close() error {
	if a.Stdin != nil {
		_ = a.Stdin.Close()
	}
	var firstErr error
	for _, c := range a.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Runtime launches and manages containers.
type Runtime interface {
	// EnsureImage pulls the image unless it is already present locally.
	EnsureImage(ctx context.Context, image string) error

	// Start creates and starts a container from the spec.
	Start(ctx context.Context, spec Spec) (*Handle, error)

	// Attach connects to a running container's stdio.
	Attach(ctx context.Context, containerID string) (*AttachStreams, error)

	// Stop gracefully stops a container, killing it after the timeout.
	Stop(ctx context.Context, containerID string, timeout time.Duration) error

	// Remove deletes a stopped container and its anonymous volumes.
	Remove(ctx context.Context, containerID string, force bool) error

	// Inspect returns the current status of a container.
	Inspect(ctx context.Context, containerID string) (*Status, error)

	// Wait blocks until the container stops and returns its exit code.
	Wait(ctx context.Context, containerID string) (int64, error)

	// List returns containers matching all given labels.
	List(ctx context.Context, labels map[string]string) ([]Status, error)

	// Ping verifies the runtime daemon is reachable.
	Ping(ctx context.Context) error

	// Close releases the runtime client.
	Close() error
}
