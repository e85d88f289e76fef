// Package logsink captures bounded per-player output for post-mortem
// inspection and replays.
package logsink

import (
	"bytes"
	"io"
	"sync"
)

// OverflowNotice is appended exactly once when a sink reaches its byte limit.
const OverflowNotice = "\n[arbiter] log limit reached, further output dropped\n"

// Sink is an append-only, size-bounded capture of one player's output.
// Writes never fail: once the limit is reached the sink keeps accepting and
// discarding bytes so the pipe pumps feeding it never stall.
type Sink struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int64
	written    int64
	overflowed bool
	mirror     io.Writer
}

// New returns a sink that captures at most limit bytes.
func New(limit int64) *Sink {
	return &Sink{limit: limit}
}

// NewMirrored returns a sink that additionally echoes every write to mirror,
// unbounded. Mirror write errors are ignored; the echo is best effort.
func NewMirrored(limit int64, mirror io.Writer) *Sink {
	return &Sink{limit: limit, mirror: mirror}
}

// Write implements io.Writer. The write that crosses the limit is truncated
// at exactly the limit before the notice goes in.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mirror != nil {
		s.mirror.Write(p)
	}
	if s.overflowed {
		return len(p), nil
	}

	chunk := p
	if remaining := s.limit - s.written; int64(len(chunk)) > remaining {
		chunk = chunk[:remaining]
	}
	s.buf.Write(chunk)
	s.written += int64(len(chunk))

	if s.written >= s.limit {
		s.buf.WriteString(OverflowNotice)
		s.overflowed = true
	}
	return len(p), nil
}

// Contents returns everything captured so far.
func (s *Sink) Contents() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// Len reports the captured size including the overflow notice, if any.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

// Overflowed reports whether the limit has been reached.
func (s *Sink) Overflowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overflowed
}
