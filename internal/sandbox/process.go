package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/okarsono/arbiter/internal/concurrency"
	arbiterErrors "github.com/okarsono/arbiter/internal/errors"
)

// Process runs a player as a bare OS process in its own process group.
// Pause and resume are stop/continue signals to the whole group, so the
// player's children freeze with it. No isolation beyond the working
// directory jail.
type Process struct {
	spec Spec

	mu     sync.Mutex
	state  State
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File
	waitCh chan struct{}
	budget budget
}

// NewProcess prepares a bare-process sandbox; nothing runs until Start.
func NewProcess(spec Spec) *Process {
	return &Process{spec: spec, state: StateCreated}
}

// Start launches the player's run command inside the working directory.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateCreated {
		return arbiterErrors.Launch(fmt.Sprintf("player %s: start from state %s", p.spec.Name, p.state))
	}
	if len(p.spec.Command) == 0 {
		return arbiterErrors.Launch(fmt.Sprintf("player %s: empty run command", p.spec.Name))
	}

	cmd := exec.Command(p.spec.Command[0], p.spec.Command[1:]...)
	cmd.Dir = p.spec.WorkDir
	cmd.Env = append(os.Environ(), BuildEnv(p.spec.Key, p.spec.Connect, HostPlatform())...)
	setProcessGroup(cmd)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return arbiterErrors.Launch(fmt.Sprintf("player %s: %v", p.spec.Name, err))
	}
	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()

	p.cmd = cmd
	p.stdout = stdoutR
	p.stderr = stderrR
	p.waitCh = make(chan struct{})
	waitCh := p.waitCh
	concurrency.SafeGo(func() {
		cmd.Wait()
		close(waitCh)
	}, nil)

	p.state = StateRunning
	slog.Debug("Player process started", "player", p.spec.Name, "pid", cmd.Process.Pid)
	return nil
}

// StreamLogs pumps stdout and stderr into sink until the process exits.
// Each stream stays ordered; the two may interleave. The sink must accept
// concurrent writes.
func (p *Process) StreamLogs(ctx context.Context, sink io.Writer) error {
	p.mu.Lock()
	stdout, stderr := p.stdout, p.stderr
	p.mu.Unlock()

	if stdout == nil {
		return arbiterErrors.Internal(fmt.Sprintf("player %s: no log streams before start", p.spec.Name))
	}

	pump := func(r io.Reader) func() {
		return func() {
			io.Copy(sink, r)
		}
	}
	concurrency.SafeGo(pump(stdout), nil)
	concurrency.SafeGo(pump(stderr), nil)
	return nil
}

// Pause freezes the process group. Already paused is a no-op.
func (p *Process) Pause(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StatePaused:
		return nil
	case StateRunning:
	default:
		return fmt.Errorf("player %s: pause from state %s", p.spec.Name, p.state)
	}

	p.budget.disarm()
	if err := stopGroup(p.cmd); err != nil {
		return fmt.Errorf("player %s: stop: %w", p.spec.Name, err)
	}
	p.state = StatePaused
	return nil
}

// Resume thaws the process group and arms the automatic re-pause that
// bounds this turn's compute time.
func (p *Process) Resume(ctx context.Context, budget time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StatePaused {
		return arbiterErrors.Wrap(arbiterErrors.ErrNotPaused, fmt.Sprintf("player %s in state %s", p.spec.Name, p.state))
	}

	if err := continueGroup(p.cmd); err != nil {
		return fmt.Errorf("player %s: continue: %w", p.spec.Name, err)
	}
	p.state = StateRunning
	if budget > 0 {
		p.budget.arm(budget, p.autoPause)
	}
	return nil
}

func (p *Process) autoPause() {
	err := p.Pause(context.Background())
	switch {
	case err == nil:
		slog.Debug("Turn budget elapsed, sandbox paused", "player", p.spec.Name)
	case p.State() == StateDestroyed:
	default:
		slog.Warn("Automatic pause failed", "player", p.spec.Name, "error", err)
	}
}

// Destroy kills the process group, reclaims the working directory, and is
// safe to call repeatedly or on a sandbox that never started.
func (p *Process) Destroy(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateDestroyed {
		p.mu.Unlock()
		return nil
	}
	p.state = StateDestroyed
	p.budget.disarm()
	cmd := p.cmd
	waitCh := p.waitCh
	stdout, stderr := p.stdout, p.stderr
	p.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		killGroup(cmd)
		select {
		case <-waitCh:
		case <-time.After(3 * time.Second):
			slog.Warn("Player process did not reap in time", "player", p.spec.Name)
		case <-ctx.Done():
		}
	}
	if stdout != nil {
		stdout.Close()
		stderr.Close()
	}

	if p.spec.WorkDir != "" {
		if err := os.RemoveAll(p.spec.WorkDir); err != nil {
			return fmt.Errorf("remove workdir: %w", err)
		}
	}
	return nil
}

// State reports the lifecycle position.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// WorkDir returns the sandbox's exclusively owned directory.
func (p *Process) WorkDir() string {
	return p.spec.WorkDir
}
