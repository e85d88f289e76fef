// Package sandbox wraps one player's execution environment, either a bare
// OS process or a container, behind a single lifecycle contract.
package sandbox

import (
	"context"
	"io"
	"sync"
	"time"
)

// State is the lifecycle position of a sandbox.
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateDestroyed State = "destroyed"
)

// Modes accepted by the sandbox.mode config key.
const (
	ModeProcess   = "process"
	ModeContainer = "container"
)

// Sandbox is the lifecycle contract. The orchestrator is the only caller
// of these methods; player code never controls its own pause state.
//
// Pause on an already paused sandbox is a no-op. Resume on a sandbox that
// is not paused returns ErrNotPaused. Resume arms an automatic re-pause
// after budget elapses; the next explicit Pause disarms it. Destroy is
// idempotent and safe on a sandbox that never started.
type Sandbox interface {
	Start(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context, budget time.Duration) error
	StreamLogs(ctx context.Context, sink io.Writer) error
	Destroy(ctx context.Context) error
	State() State
	WorkDir() string
}

// Connect tells a player how to reach the match server.
type Connect struct {
	SocketFile string
	TCPPort    int
}

// Spec carries everything needed to launch one player.
type Spec struct {
	Key     uint16
	Name    string
	WorkDir string
	// Command is the shell-split run line; RunLine is the raw manifest
	// string, which the container variant re-executes under sh.
	Command []string
	RunLine string
	Connect Connect

	// Container-only fields.
	Image            string
	MemoryMB         int64
	CPUs             float64
	PidsLimit        int64
	AgentPath        string
	SuspendSocket    string
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
}

// budget is the automatic re-pause that bounds one turn's compute time.
// The generation counter keeps a stale timer that already fired but lost
// the race with an explicit Pause from stealing a later turn's window.
type budget struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

func (b *budget) arm(d time.Duration, pause func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gen++
	gen := b.gen
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(d, func() {
		b.mu.Lock()
		live := b.gen == gen
		b.mu.Unlock()
		if live {
			pause()
		}
	})
}

func (b *budget) disarm() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
