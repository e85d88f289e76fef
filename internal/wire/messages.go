// Package wire defines the line protocol spoken between the match server
// and player processes. Every message is one line of UTF-8 JSON.
package wire

import "encoding/json"

// Rejection reasons carried in LoginResponse.Error. The exact strings are
// part of the protocol; player SDKs match on them.
const (
	ReasonIDMismatch      = "Client id Mismatch"
	ReasonAlreadyLoggedIn = "Already Logged In"
)

// LoginRequest is the first message a player sends on a fresh connection.
// ClientID is the secret key handed to the player via PLAYER_KEY.
type LoginRequest struct {
	ClientID uint16 `json:"client_id"`
}

// LoginResponse answers a LoginRequest. Error is empty on success.
type LoginResponse struct {
	LoggedIn bool   `json:"logged_in"`
	ClientID uint16 `json:"client_id"`
	Error    string `json:"error,omitempty"`
}

// TurnPrompt is the server's go-ahead: the addressed player may compute and
// submit moves. When GameOver is set the prompt is final and the connection
// closes after it.
type TurnPrompt struct {
	Round    int             `json:"round"`
	World    json.RawMessage `json:"world,omitempty"`
	GameOver bool            `json:"game_over"`
	Winner   string          `json:"winner,omitempty"`
}

// TurnMessage carries one turn's worth of moves back from the player. Moves
// stay opaque here; only the rules engine interprets them.
type TurnMessage struct {
	ClientID uint16          `json:"client_id"`
	Moves    json.RawMessage `json:"moves"`
}
