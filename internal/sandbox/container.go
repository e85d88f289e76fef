package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/okarsono/arbiter/internal/concurrency"
	arbiterErrors "github.com/okarsono/arbiter/internal/errors"
	"github.com/okarsono/arbiter/internal/suspend"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Fixed in-container paths. Players and the agent rely on them, so they
// are part of the sandbox contract, not configuration.
const (
	ContainerWorkDir       = "/player"
	ContainerMatchSocket   = "/tmp/arbiter-match.sock"
	ContainerSuspendSocket = "/tmp/arbiter-suspend.sock"
	containerAgentPath     = "/arbiter/suspender"
)

// dockerAPI is the slice of the Docker client the container sandbox uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerPause(ctx context.Context, containerID string) error
	ContainerUnpause(ctx context.Context, containerID string) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// NewDockerClient connects to the local Docker daemon using the standard
// environment configuration.
func NewDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return cli, nil
}

// Container runs a player inside an isolated container: no network, a
// working-directory bind mount, memory and pid caps, removed on exit.
//
// The per-turn pause/resume hot path goes through the suspend channel; the
// runtime's native pause costs around 100ms per call and stays a logged
// slow-path fallback only.
type Container struct {
	spec Spec
	api  dockerAPI

	mu           sync.Mutex
	state        State
	id           string
	logs         io.ReadCloser
	suspendCh    *suspend.Channel
	integrityErr error
	nativePaused bool
	budget       budget
}

// NewContainer prepares a container sandbox; nothing runs until Start.
func NewContainer(api dockerAPI, spec Spec) *Container {
	return &Container{spec: spec, api: api, state: StateCreated}
}

// Start pre-binds the suspend socket, creates the container with its
// mounts and resource caps, starts it, and waits for the in-container
// agent's handshake in the background.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateCreated {
		return arbiterErrors.Launch(fmt.Sprintf("player %s: start from state %s", c.spec.Name, c.state))
	}

	agentPath := c.agentPath()
	if agentPath != "" && c.spec.SuspendSocket != "" {
		ch, err := suspend.Listen(c.spec.SuspendSocket, c.spec.Key, c.spec.AckTimeout)
		if err != nil {
			slog.Warn("Suspend socket unavailable, falling back to native pause",
				"player", c.spec.Name, "error", err)
		} else {
			c.suspendCh = ch
		}
	}

	config, hostConfig := c.buildConfig(agentPath)
	created, err := c.api.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if err != nil {
		c.closeSuspendLocked()
		return arbiterErrors.Launch(fmt.Sprintf("player %s: create container: %v", c.spec.Name, err))
	}
	c.id = created.ID

	if err := c.api.ContainerStart(ctx, c.id, container.StartOptions{}); err != nil {
		c.closeSuspendLocked()
		return arbiterErrors.Launch(fmt.Sprintf("player %s: start container: %v", c.spec.Name, err))
	}

	if c.suspendCh != nil {
		ch := c.suspendCh
		timeout := c.spec.HandshakeTimeout
		concurrency.SafeGo(func() {
			c.awaitAgent(ch, timeout)
		}, nil)
	}

	c.state = StateRunning
	slog.Debug("Player container started", "player", c.spec.Name, "container", c.id)
	return nil
}

func (c *Container) agentPath() string {
	if c.spec.AgentPath == "" {
		return ""
	}
	if _, err := os.Stat(c.spec.AgentPath); err != nil {
		slog.Warn("Suspend agent binary missing, falling back to native pause",
			"player", c.spec.Name, "path", c.spec.AgentPath)
		return ""
	}
	return c.spec.AgentPath
}

func (c *Container) buildConfig(agentPath string) (*container.Config, *container.HostConfig) {
	runLine := "exec " + c.spec.RunLine
	if agentPath != "" {
		runLine = containerAgentPath + " & " + runLine
	}

	env := BuildEnv(c.spec.Key, Connect{SocketFile: ContainerMatchSocket}, "LINUX")
	env = append(env, "SUSPEND_SOCKET="+ContainerSuspendSocket)

	config := &container.Config{
		Image:      c.spec.Image,
		Env:        env,
		WorkingDir: ContainerWorkDir,
		Cmd:        []string{"/bin/sh", "-c", runLine},
		Labels: map[string]string{
			"arbiter.player": c.spec.Name,
			"arbiter.key":    fmt.Sprintf("%d", c.spec.Key),
		},
	}

	binds := []string{
		c.spec.WorkDir + ":" + ContainerWorkDir,
		c.spec.Connect.SocketFile + ":" + ContainerMatchSocket,
	}
	if agentPath != "" {
		binds = append(binds,
			agentPath+":"+containerAgentPath+":ro",
			c.spec.SuspendSocket+":"+ContainerSuspendSocket,
		)
	}

	memory := c.spec.MemoryMB << 20
	pids := c.spec.PidsLimit
	hostConfig := &container.HostConfig{
		Binds:       binds,
		NetworkMode: container.NetworkMode(network.NetworkNone),
		AutoRemove:  true,
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
			NanoCPUs:   int64(c.spec.CPUs * 1e9),
			PidsLimit:  &pids,
		},
	}
	return config, hostConfig
}

// awaitAgent completes the suspend handshake. A missing agent degrades the
// sandbox to native pause; a wrong key is an impersonation attempt and
// poisons the sandbox.
func (c *Container) awaitAgent(ch *suspend.Channel, timeout time.Duration) {
	err := ch.Await(timeout)
	switch {
	case err == nil:
		slog.Debug("Suspend agent connected", "player", c.spec.Name)
	case arbiterErrors.IsCategory(err, arbiterErrors.ErrIntegrity):
		slog.Error("Suspend agent failed integrity check", "player", c.spec.Name, "error", err)
		c.mu.Lock()
		c.integrityErr = err
		c.mu.Unlock()
	default:
		slog.Warn("Suspend agent unavailable, using native pause", "player", c.spec.Name, "error", err)
	}
}

// Pause freezes the container. Already paused is a no-op.
func (c *Container) Pause(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StatePaused:
		return nil
	case StateRunning:
	default:
		return fmt.Errorf("player %s: pause from state %s", c.spec.Name, c.state)
	}
	if c.integrityErr != nil {
		return c.integrityErr
	}

	c.budget.disarm()

	if c.suspendCh != nil && c.suspendCh.Available() {
		err := c.suspendCh.Suspend(ctx)
		if err == nil {
			c.nativePaused = false
			c.state = StatePaused
			return nil
		}
		slog.Warn("Suspend channel failed, using native pause", "player", c.spec.Name, "error", err)
	}

	if err := c.api.ContainerPause(ctx, c.id); err != nil {
		return fmt.Errorf("player %s: native pause: %w", c.spec.Name, err)
	}
	c.nativePaused = true
	c.state = StatePaused
	return nil
}

// Resume thaws the container the same way it was frozen and arms the
// automatic re-pause for this turn's budget.
func (c *Container) Resume(ctx context.Context, budget time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StatePaused {
		return arbiterErrors.Wrap(arbiterErrors.ErrNotPaused, fmt.Sprintf("player %s in state %s", c.spec.Name, c.state))
	}
	if c.integrityErr != nil {
		return c.integrityErr
	}

	if c.nativePaused {
		if err := c.api.ContainerUnpause(ctx, c.id); err != nil {
			return fmt.Errorf("player %s: native unpause: %w", c.spec.Name, err)
		}
	} else {
		if err := c.suspendCh.Resume(ctx); err != nil {
			// The agent froze this container; only it can thaw it.
			return arbiterErrors.Wrap(err, fmt.Sprintf("player %s: resume", c.spec.Name))
		}
	}

	c.state = StateRunning
	if budget > 0 {
		c.budget.arm(budget, c.autoPause)
	}
	return nil
}

func (c *Container) autoPause() {
	err := c.Pause(context.Background())
	switch {
	case err == nil:
		slog.Debug("Turn budget elapsed, sandbox paused", "player", c.spec.Name)
	case c.State() == StateDestroyed:
	default:
		slog.Warn("Automatic pause failed", "player", c.spec.Name, "error", err)
	}
}

// StreamLogs follows the container's demuxed stdout and stderr into sink.
func (c *Container) StreamLogs(ctx context.Context, sink io.Writer) error {
	c.mu.Lock()
	id := c.id
	c.mu.Unlock()

	if id == "" {
		return arbiterErrors.Internal(fmt.Sprintf("player %s: no log streams before start", c.spec.Name))
	}

	rc, err := c.api.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("player %s: attach logs: %w", c.spec.Name, err)
	}

	c.mu.Lock()
	c.logs = rc
	c.mu.Unlock()

	concurrency.SafeGo(func() {
		stdcopy.StdCopy(sink, sink, rc)
	}, nil)
	return nil
}

// Destroy force-removes the container and reclaims the working directory.
// Idempotent, safe on a container that never started, and proceeds even
// when the caller's context is already canceled.
func (c *Container) Destroy(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateDestroyed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateDestroyed
	c.budget.disarm()
	id := c.id
	logs := c.logs
	c.closeSuspendLocked()
	c.mu.Unlock()

	if logs != nil {
		logs.Close()
	}

	if id != "" {
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		err := c.api.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !cerrdefs.IsNotFound(err) {
			return fmt.Errorf("player %s: remove container: %w", c.spec.Name, err)
		}
	}

	if c.spec.WorkDir != "" {
		if err := os.RemoveAll(c.spec.WorkDir); err != nil {
			return fmt.Errorf("remove workdir: %w", err)
		}
	}
	return nil
}

func (c *Container) closeSuspendLocked() {
	if c.suspendCh != nil {
		c.suspendCh.Close()
	}
}

// State reports the lifecycle position.
func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// WorkDir returns the sandbox's exclusively owned directory.
func (c *Container) WorkDir() string {
	return c.spec.WorkDir
}
