package game

import (
	"encoding/json"
	"fmt"
	"sync"

	arbiterErrors "github.com/okarsono/arbiter/internal/errors"
	"github.com/okarsono/arbiter/internal/maps"
	"github.com/okarsono/arbiter/internal/wire"
)

// Skirmish is the built-in reference engine: each legal move scores one
// point for its team, the match runs the map's round count, and the higher
// score wins. It exists so the orchestrator, protocol, and sandboxes can
// be exercised end to end without shipping a real rules engine.
type Skirmish struct {
	mu      sync.Mutex
	players map[uint16]PlayerInfo
	order   int
	turns   int
	rounds  int
	scores  map[Team]int
	over    bool
	winner  Team
	won     bool
}

// NewSkirmish returns an engine ready for Start.
func NewSkirmish() *Skirmish {
	return &Skirmish{
		players: make(map[uint16]PlayerInfo),
		scores:  make(map[Team]int),
	}
}

// Start registers the roster and takes the round limit from the map.
func (s *Skirmish) Start(players []PlayerInfo, m maps.Map) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(players) == 0 {
		return arbiterErrors.InvalidInput("no players")
	}
	if m.Rounds <= 0 {
		return arbiterErrors.InvalidInput("map has no round limit")
	}

	for _, p := range players {
		if _, dup := s.players[p.ID]; dup {
			return arbiterErrors.InvalidInput(fmt.Sprintf("duplicate player id %d", p.ID))
		}
		s.players[p.ID] = p
		s.scores[p.Team] += 0
	}
	s.order = len(players)
	s.rounds = m.Rounds
	return nil
}

// ApplyTurn scores the turn's moves. A move must be a JSON object; anything
// else is rejected in-band. The turn that completes the final round ends
// the match and fixes the winner.
func (s *Skirmish) ApplyTurn(msg *wire.TurnMessage) (*TurnResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	player, ok := s.players[msg.ClientID]
	if !ok {
		return nil, arbiterErrors.Internal(fmt.Sprintf("turn from unregistered player %d", msg.ClientID))
	}
	if s.over {
		return nil, arbiterErrors.ErrMatchOver
	}

	var moves []json.RawMessage
	var rejected []string
	if len(msg.Moves) > 0 {
		if err := json.Unmarshal(msg.Moves, &moves); err != nil {
			rejected = append(rejected, fmt.Sprintf("moves is not an array: %v", err))
			moves = nil
		}
	}

	legal := 0
	for i, move := range moves {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(move, &obj); err != nil {
			rejected = append(rejected, fmt.Sprintf("move %d is not an object", i))
			continue
		}
		legal++
	}
	s.scores[player.Team] += legal

	s.turns++
	if s.turns >= s.rounds*s.order {
		s.over = true
		s.winner, s.won = s.leaderLocked()
	}

	delta, err := json.Marshal(map[string]any{
		"round":  s.roundLocked(),
		"scores": s.scores,
	})
	if err != nil {
		return nil, fmt.Errorf("encode delta: %w", err)
	}
	return &TurnResult{Delta: delta, Rejected: rejected}, nil
}

// leaderLocked finds the single highest-scoring team; a tie is a draw.
func (s *Skirmish) leaderLocked() (Team, bool) {
	var best Team
	bestScore := -1
	tied := false
	for team, score := range s.scores {
		switch {
		case score > bestScore:
			best, bestScore, tied = team, score, false
		case score == bestScore:
			tied = true
		}
	}
	if tied {
		return "", false
	}
	return best, true
}

// roundLocked is the round in progress, starting at 1.
func (s *Skirmish) roundLocked() int {
	if s.order == 0 {
		return 0
	}
	if s.over {
		return s.rounds
	}
	return s.turns/s.order + 1
}

// CurrentRound reports the round in progress (1-based).
func (s *Skirmish) CurrentRound() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roundLocked()
}

// IsOver reports whether the round limit has been reached.
func (s *Skirmish) IsOver() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.over
}

// Winner returns the winning team once the match is over. The second
// return is false while running and on a draw.
func (s *Skirmish) Winner() (Team, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.over {
		return "", false
	}
	return s.winner, s.won
}
