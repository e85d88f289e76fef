// Package replay assembles a match record and persists it as gzip JSON.
package replay

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/natefinch/atomic"
)

// DefaultName is the replay filename inside a match runtime directory.
const DefaultName = "replay.arb.gz"

// formatVersion is bumped whenever the serialized shape changes.
const formatVersion = 1

// Player identifies one competitor in the replay header.
type Player struct {
	ID   uint16 `json:"id"`
	Name string `json:"name"`
	Team string `json:"team"`
}

// Turn is one applied turn in match order.
type Turn struct {
	Seq      int             `json:"seq"`
	Round    int             `json:"round"`
	Player   uint16          `json:"player"`
	Delta    json.RawMessage `json:"delta,omitempty"`
	Rejected []string        `json:"rejected,omitempty"`
}

// Outcome is how the match ended.
type Outcome struct {
	Winner string `json:"winner,omitempty"`
	Reason string `json:"reason"`
	Rounds int    `json:"rounds"`
}

// Replay is the full persisted record.
type Replay struct {
	Version   int               `json:"version"`
	MatchID   string            `json:"match_id"`
	Map       string            `json:"map"`
	Players   []Player          `json:"players"`
	StartedAt time.Time         `json:"started_at"`
	EndedAt   time.Time         `json:"ended_at"`
	Turns     []Turn            `json:"turns"`
	Outcome   Outcome           `json:"outcome"`
	Logs      map[string]string `json:"logs,omitempty"`
}

// Recorder accumulates the replay while the match runs. Turns arrive from
// the connection worker holding the turn, the outcome and logs from the
// orchestrator during teardown, so every method locks.
type Recorder struct {
	mu  sync.Mutex
	r   Replay
	seq int
}

// NewRecorder starts a recording for one match.
func NewRecorder(matchID, mapName string, players []Player) *Recorder {
	return &Recorder{
		r: Replay{
			Version:   formatVersion,
			MatchID:   matchID,
			Map:       mapName,
			Players:   players,
			StartedAt: time.Now().UTC(),
			Logs:      make(map[string]string),
		},
	}
}

// RecordTurn appends one applied turn.
func (rec *Recorder) RecordTurn(player uint16, round int, delta json.RawMessage, rejected []string) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.seq++
	rec.r.Turns = append(rec.r.Turns, Turn{
		Seq:      rec.seq,
		Round:    round,
		Player:   player,
		Delta:    delta,
		Rejected: rejected,
	})
}

// SetOutcome fixes how the match ended. An empty winner records a draw or
// an unresolved match.
func (rec *Recorder) SetOutcome(winner, reason string, rounds int) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.r.Outcome = Outcome{Winner: winner, Reason: reason, Rounds: rounds}
}

// AttachLog stores a player's captured output tail under its name.
func (rec *Recorder) AttachLog(player, tail string) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.r.Logs[player] = tail
}

// Turns reports how many turns have been recorded.
func (rec *Recorder) Turns() int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.r.Turns)
}

// Save writes the replay to path as gzip-compressed JSON. The write goes
// through a temp file and rename, so a crash never leaves a torn replay.
func (rec *Recorder) Save(path string) error {
	rec.mu.Lock()
	rec.r.EndedAt = time.Now().UTC()
	data, err := json.Marshal(rec.r)
	rec.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode replay: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return fmt.Errorf("compress replay: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("compress replay: %w", err)
	}

	if err := atomic.WriteFile(path, bytes.NewReader(buf.Bytes())); err != nil {
		return fmt.Errorf("write replay: %w", err)
	}
	return nil
}

// Load reads a replay file back. Tooling and tests use it; the match path
// only writes.
func Load(path string) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("decompress replay: %w", err)
	}
	defer gz.Close()

	var r Replay
	if err := json.NewDecoder(gz).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode replay: %w", err)
	}
	return &r, nil
}
