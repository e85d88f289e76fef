// Package suspend implements the fast pause/resume side channel between the
// orchestrator and the agent process running beside a player. It exists
// because the container runtime's native pause costs around 100ms per call,
// which is too slow to pay on every turn.
package suspend

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	arbiterErrors "github.com/okarsono/arbiter/internal/errors"
)

// ackLine is the only reply that counts as a command being applied.
const ackLine = "ack"

// Channel is the host side of the protocol: a pre-created unix socket the
// in-sandbox agent dials once, authenticating with its player key. After
// the handshake the orchestrator sends "suspend" or "resume" lines and
// waits for "ack". Command failures degrade the channel permanently; a
// wedged agent must not deadlock the match.
type Channel struct {
	path       string
	expected   uint16
	ackTimeout time.Duration

	ln net.Listener

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	closed bool
}

// Listen binds the suspend socket. Call before starting the sandbox so the
// socket file exists when the container mounts it.
func Listen(path string, expected uint16, ackTimeout time.Duration) (*Channel, error) {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("bind suspend socket %s: %w", path, err)
	}
	return &Channel{
		path:       path,
		expected:   expected,
		ackTimeout: ackTimeout,
		ln:         ln,
	}, nil
}

// Path returns the host socket path, for mounting into the sandbox.
func (c *Channel) Path() string {
	return c.path
}

// Await accepts the agent's single connection and checks its key line. The
// timeout is generous because it covers container boot. A missing agent
// leaves the channel unavailable, which is reportable but survivable; a
// wrong key is an integrity violation and fatal for the sandbox.
func (c *Channel) Await(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if ul, ok := c.ln.(*net.UnixListener); ok {
		ul.SetDeadline(deadline)
	}

	conn, err := c.ln.Accept()
	if err != nil {
		return arbiterErrors.SuspendUnavailable(fmt.Sprintf("agent never connected: %v", err))
	}

	// One connection per sandbox.
	c.ln.Close()

	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(deadline)
	line, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return arbiterErrors.SuspendUnavailable(fmt.Sprintf("handshake read: %v", err))
	}

	token := strings.TrimSpace(line)
	if token != strconv.FormatUint(uint64(c.expected), 10) {
		conn.Close()
		return arbiterErrors.Integrity(fmt.Sprintf("suspend agent presented key %q", token))
	}
	conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return arbiterErrors.SuspendUnavailable("channel closed during handshake")
	}
	c.conn = conn
	c.reader = reader
	c.mu.Unlock()
	return nil
}

// Available reports whether a handshaken agent connection is live.
func (c *Channel) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Suspend freezes every process in the sandbox via the agent.
func (c *Channel) Suspend(ctx context.Context) error {
	return c.command(ctx, "suspend")
}

// Resume thaws the sandbox's processes via the agent.
func (c *Channel) Resume(ctx context.Context) error {
	return c.command(ctx, "resume")
}

func (c *Channel) command(ctx context.Context, cmd string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return arbiterErrors.SuspendUnavailable(cmd + ": no agent connection")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(c.ackTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)

	if _, err := fmt.Fprintf(c.conn, "%s\n", cmd); err != nil {
		c.dropLocked()
		return arbiterErrors.SuspendUnavailable(fmt.Sprintf("%s: write: %v", cmd, err))
	}

	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.dropLocked()
		return arbiterErrors.SuspendUnavailable(fmt.Sprintf("%s: read ack: %v", cmd, err))
	}
	if reply := strings.TrimSpace(line); reply != ackLine {
		c.dropLocked()
		return arbiterErrors.SuspendUnavailable(fmt.Sprintf("%s: unexpected reply %q", cmd, reply))
	}

	c.conn.SetDeadline(time.Time{})
	return nil
}

// dropLocked abandons the agent connection. A late or garbled ack leaves
// the line protocol out of sync, so the channel never retries it.
func (c *Channel) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.reader = nil
	}
}

// Close releases the socket and connection. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.dropLocked()
	c.ln.Close()
	return nil
}
