package suspend

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	arbiterErrors "github.com/okarsono/arbiter/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent dials the channel socket, sends the key line, then answers
// commands with the scripted replies (empty reply means stay silent).
func fakeAgent(t *testing.T, path, key string, replies map[string]string) {
	t.Helper()
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	fmt.Fprintf(conn, "%s\n", key)

	go func() {
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			reply, ok := replies[strings.TrimSpace(line)]
			if !ok || reply == "" {
				continue
			}
			fmt.Fprintf(conn, "%s\n", reply)
		}
	}()
}

func newChannel(t *testing.T, expected uint16) *Channel {
	t.Helper()
	path := filepath.Join(t.TempDir(), "suspend.sock")
	ch, err := Listen(path, expected, 500*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestRoundTrip(t *testing.T) {
	ch := newChannel(t, 4242)
	fakeAgent(t, ch.Path(), "4242", map[string]string{"suspend": "ack", "resume": "ack"})

	require.NoError(t, ch.Await(2*time.Second))
	assert.True(t, ch.Available())

	ctx := context.Background()
	require.NoError(t, ch.Suspend(ctx))
	require.NoError(t, ch.Resume(ctx))
	require.NoError(t, ch.Suspend(ctx))
	assert.True(t, ch.Available())
}

func TestHandshakeKeyMismatchIsIntegrityViolation(t *testing.T) {
	ch := newChannel(t, 4242)
	fakeAgent(t, ch.Path(), "1337", nil)

	err := ch.Await(2 * time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, arbiterErrors.ErrIntegrity)
	assert.False(t, ch.Available())
}

func TestAwaitTimeoutDegrades(t *testing.T) {
	ch := newChannel(t, 4242)

	err := ch.Await(100 * time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, arbiterErrors.ErrSuspendUnavailable)

	// Commands on an unavailable channel degrade too, without blocking.
	assert.ErrorIs(t, ch.Suspend(context.Background()), arbiterErrors.ErrSuspendUnavailable)
}

func TestBadAckDropsConnection(t *testing.T) {
	ch := newChannel(t, 4242)
	fakeAgent(t, ch.Path(), "4242", map[string]string{"suspend": "failed: nope"})

	require.NoError(t, ch.Await(2*time.Second))

	err := ch.Suspend(context.Background())
	assert.ErrorIs(t, err, arbiterErrors.ErrSuspendUnavailable)
	assert.False(t, ch.Available(), "a garbled ack must not be retried")
}

func TestSilentAgentTimesOut(t *testing.T) {
	ch := newChannel(t, 4242)
	fakeAgent(t, ch.Path(), "4242", map[string]string{})

	require.NoError(t, ch.Await(2*time.Second))

	start := time.Now()
	err := ch.Suspend(context.Background())
	assert.ErrorIs(t, err, arbiterErrors.ErrSuspendUnavailable)
	assert.Less(t, time.Since(start), 2*time.Second, "ack wait must be bounded")
}

func TestCloseIdempotent(t *testing.T) {
	ch := newChannel(t, 4242)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.ErrorIs(t, ch.Suspend(context.Background()), arbiterErrors.ErrSuspendUnavailable)
}
