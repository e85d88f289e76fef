package match

import (
	"sync"
	"time"

	"github.com/okarsono/arbiter/internal/game"
	"github.com/okarsono/arbiter/internal/logsink"
	"github.com/okarsono/arbiter/internal/player"
	"github.com/okarsono/arbiter/internal/sandbox"
)

// session is one competitor's live state: identity, sandbox, captured
// output, and the chess-style clock charged while it holds the turn.
type session struct {
	info game.PlayerInfo
	pkg  player.Package
	sink *logsink.Sink

	mu        sync.Mutex
	box       sandbox.Sandbox
	clock     time.Duration
	resumedAt time.Time
	holding   bool
	watchdog  *time.Timer
}

func (s *session) setBox(box sandbox.Sandbox) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.box = box
}

func (s *session) getBox() sandbox.Sandbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.box
}

// beginTurnClock accrues the per-turn bonus, starts charging, and returns
// the budget for this turn: everything left on the clock.
func (s *session) beginTurnClock(additional time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock += additional
	s.resumedAt = time.Now()
	s.holding = true
	return s.clock
}

// endTurnClock charges the elapsed turn time and stops the watchdog.
func (s *session) endTurnClock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holding {
		s.clock -= time.Since(s.resumedAt)
		if s.clock < 0 {
			s.clock = 0
		}
		s.holding = false
	}
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

// armWatchdog schedules the on-time check for this turn. The holding flag
// keeps a timer that fires after the turn already ended from declaring a
// stale timeout.
func (s *session) armWatchdog(d time.Duration, expired func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	s.watchdog = time.AfterFunc(d, func() {
		s.mu.Lock()
		live := s.holding
		s.mu.Unlock()
		if live {
			expired()
		}
	})
}

func (s *session) remaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}
