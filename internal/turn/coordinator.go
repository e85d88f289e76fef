// Package turn enforces the lobby-then-rotation state machine that keeps at
// most one player computing at any instant.
package turn

import (
	"fmt"
	"sync"

	arbiterErrors "github.com/okarsono/arbiter/internal/errors"
)

// HandoffFunc observes turn transitions. It runs after the previous holder
// released its turn and before the next player's gate opens, so sandbox
// pause/resume driven from it is always ordered with the rotation. A from
// of zero marks the transition out of the lobby.
type HandoffFunc func(from, to uint16)

// Coordinator tracks the roster, login progress, and the single turn token.
// The token travels through per-player gate channels: EndTurn deposits it
// into the next player's gate and only that player's BeginTurn can take it.
type Coordinator struct {
	roster []uint16
	gates  map[uint16]chan struct{}

	mu        sync.Mutex
	sessions  map[uint16]bool
	loggedIn  int
	started   bool
	activeIdx int
	holder    uint16
	hasHolder bool
	onHandoff HandoffFunc

	done      chan struct{}
	closeOnce sync.Once
}

// New builds a coordinator for the given rotation order. IDs must be
// nonzero and unique; zero is reserved as the "no player" marker.
func New(roster []uint16) (*Coordinator, error) {
	if len(roster) == 0 {
		return nil, arbiterErrors.InvalidInput("empty roster")
	}

	gates := make(map[uint16]chan struct{}, len(roster))
	for _, id := range roster {
		if id == 0 {
			return nil, arbiterErrors.InvalidInput("player id 0 is reserved")
		}
		if _, dup := gates[id]; dup {
			return nil, arbiterErrors.InvalidInput(fmt.Sprintf("duplicate player id %d", id))
		}
		gates[id] = make(chan struct{}, 1)
	}

	return &Coordinator{
		roster:   append([]uint16(nil), roster...),
		gates:    gates,
		sessions: make(map[uint16]bool, len(roster)),
		done:     make(chan struct{}),
	}, nil
}

// OnHandoff registers the transition observer. Set it before the first
// login; it is not safe to swap once the match may start.
func (c *Coordinator) OnHandoff(fn HandoffFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onHandoff = fn
}

// Login marks id as present. The login that completes the roster flips the
// coordinator from lobby to running and grants the first turn, all decided
// under one lock so two racing last logins cannot both start the match.
func (c *Coordinator) Login(id uint16) error {
	c.mu.Lock()

	select {
	case <-c.done:
		c.mu.Unlock()
		return arbiterErrors.ErrMatchOver
	default:
	}

	if _, ok := c.gates[id]; !ok {
		c.mu.Unlock()
		return arbiterErrors.ErrUnknownPlayer
	}
	if c.sessions[id] {
		c.mu.Unlock()
		return arbiterErrors.ErrAlreadyLoggedIn
	}

	c.sessions[id] = true
	c.loggedIn++

	starting := c.loggedIn == len(c.roster)
	var first uint16
	var onHandoff HandoffFunc
	if starting {
		c.started = true
		c.activeIdx = 0
		first = c.roster[0]
		onHandoff = c.onHandoff
	}
	c.mu.Unlock()

	if starting {
		if onHandoff != nil {
			onHandoff(0, first)
		}
		c.gates[first] <- struct{}{}
	}
	return nil
}

// BeginTurn blocks until it is id's turn, then takes the token. It returns
// ErrMatchOver once the coordinator is closed, including for calls already
// blocked at that moment.
func (c *Coordinator) BeginTurn(id uint16) error {
	gate, ok := c.gates[id]
	if !ok {
		return arbiterErrors.ErrUnknownPlayer
	}

	select {
	case <-c.done:
		return arbiterErrors.ErrMatchOver
	case <-gate:
	}

	// The token may have been granted right before Close; the match is
	// over either way.
	select {
	case <-c.done:
		return arbiterErrors.ErrMatchOver
	default:
	}

	c.mu.Lock()
	c.holder = id
	c.hasHolder = true
	c.mu.Unlock()
	return nil
}

// EndTurn releases the turn and grants it to the next roster entry,
// wrapping at the end. Calling it without holding the turn is a broken
// invariant, not a player-facing condition, so it panics.
func (c *Coordinator) EndTurn(id uint16) {
	c.mu.Lock()
	if !c.started || !c.hasHolder || c.holder != id {
		held := "none"
		if c.hasHolder {
			held = fmt.Sprintf("%d", c.holder)
		}
		c.mu.Unlock()
		panic(fmt.Sprintf("turn: EndTurn(%d) while turn holder is %s", id, held))
	}

	c.hasHolder = false
	from := c.roster[c.activeIdx]
	c.activeIdx = (c.activeIdx + 1) % len(c.roster)
	to := c.roster[c.activeIdx]
	onHandoff := c.onHandoff
	c.mu.Unlock()

	if onHandoff != nil {
		onHandoff(from, to)
	}
	c.gates[to] <- struct{}{}
}

// Close ends the match. Idempotent; all current and future BeginTurn and
// Login calls observe ErrMatchOver.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Done is closed when the match is over.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Active reports the player whose turn it is and whether the match has
// left the lobby.
func (c *Coordinator) Active() (uint16, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return 0, false
	}
	return c.roster[c.activeIdx], true
}

// Roster returns the rotation order.
func (c *Coordinator) Roster() []uint16 {
	return append([]uint16(nil), c.roster...)
}
