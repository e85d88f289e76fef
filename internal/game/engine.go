// Package game defines the rules-engine contract the orchestrator drives
// and a small built-in engine for running matches without an external one.
package game

import (
	"encoding/json"

	"github.com/okarsono/arbiter/internal/maps"
	"github.com/okarsono/arbiter/internal/wire"
)

// Team labels one side of a match.
type Team string

const (
	TeamRed  Team = "red"
	TeamBlue Team = "blue"
)

// Planet is the arena a player spawns into. Two-player matches use only
// the primary planet; three and four player matches split across both.
type Planet string

const (
	PlanetPrimary   Planet = "primary"
	PlanetSecondary Planet = "secondary"
)

// PlayerInfo is what the engine knows about one competitor.
type PlayerInfo struct {
	ID     uint16
	Name   string
	Team   Team
	Planet Planet
}

// TurnResult is the engine's verdict on one turn. Delta is the opaque
// state change broadcast to players and recorded in the replay; Rejected
// lists moves refused on legality grounds, which is in-band feedback and
// never an error.
type TurnResult struct {
	Delta    json.RawMessage
	Rejected []string
}

// Engine is the authoritative rules collaborator. ApplyTurn is only ever
// called by the turn holder's worker, but CurrentRound, IsOver, and Winner
// are polled concurrently by the orchestrator, so implementations must
// guard their state.
type Engine interface {
	Start(players []PlayerInfo, m maps.Map) error
	ApplyTurn(msg *wire.TurnMessage) (*TurnResult, error)
	CurrentRound() int
	IsOver() bool
	Winner() (Team, bool)
}
