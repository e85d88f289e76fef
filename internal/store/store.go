// Package store persists the match registry and its event log in SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	arbiterErrors "github.com/okarsono/arbiter/internal/errors"
	"github.com/okarsono/arbiter/internal/pathutil"
)

// Status is a match's position in its lifecycle.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// Match is one registry entry, from submission through its final outcome.
type Match struct {
	ID         string    `json:"id"`
	Players    []string  `json:"players"`
	Map        string    `json:"map"`
	Mode       string    `json:"mode,omitempty"`
	Status     Status    `json:"status"`
	Winner     string    `json:"winner,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Rounds     int       `json:"rounds,omitempty"`
	ReplayPath string    `json:"replay_path,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Event is one entry in a match's append-only event log.
type Event struct {
	ID        int64     `json:"id"`
	MatchID   string    `json:"match_id"`
	Type      string    `json:"type"` // "status", "turn", "outcome", "error"
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// Store wraps the SQLite database holding matches and their events.
type Store struct {
	db *sql.DB
}

// Open expands path, creates its parent directory, and opens the database,
// migrating the schema on the way.
func Open(path string) (*Store, error) {
	expanded, err := pathutil.Expand(path)
	if err != nil {
		return nil, err
	}
	if expanded == "" {
		return nil, arbiterErrors.InvalidInput("store path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", expanded)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL keeps API reads from blocking behind the ranked runner's writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS matches (
			id          TEXT PRIMARY KEY,
			players     TEXT NOT NULL DEFAULT '[]',
			map         TEXT NOT NULL DEFAULT '',
			mode        TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'queued',
			winner      TEXT NOT NULL DEFAULT '',
			reason      TEXT NOT NULL DEFAULT '',
			rounds      INTEGER NOT NULL DEFAULT 0,
			replay_path TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT '',
			created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_matches_status
			ON matches(status, created_at);

		CREATE TABLE IF NOT EXISTS match_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			match_id   TEXT NOT NULL,
			type       TEXT NOT NULL,
			data       TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (match_id) REFERENCES matches(id)
		);

		CREATE INDEX IF NOT EXISTS idx_match_events_match_id
			ON match_events(match_id);
	`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateMatch inserts a new registry entry. A zero CreatedAt is filled in.
func (s *Store) CreateMatch(m *Match) error {
	if m.ID == "" {
		return arbiterErrors.InvalidInput("match id is empty")
	}
	if m.Status == "" {
		m.Status = StatusQueued
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	players, err := json.Marshal(m.Players)
	if err != nil {
		return fmt.Errorf("encode players: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO matches (id, players, map, mode, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, string(players), m.Map, m.Mode, m.Status, m.CreatedAt, m.UpdatedAt,
	)
	return err
}

// GetMatch retrieves one match by id.
func (s *Store) GetMatch(id string) (*Match, error) {
	row := s.db.QueryRow(selectMatch+` WHERE id = ?`, id)
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, arbiterErrors.NotFound(fmt.Sprintf("match %s", id))
	}
	return m, err
}

// ListMatches returns matches newest first. A non-positive limit returns
// everything.
func (s *Store) ListMatches(limit int) ([]*Match, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(selectMatch+` ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []*Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// UpdateMatch writes the mutable fields of a match.
func (s *Store) UpdateMatch(m *Match) error {
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE matches SET
			status = ?, winner = ?, reason = ?, rounds = ?,
			replay_path = ?, error = ?, updated_at = ?
		 WHERE id = ?`,
		m.Status, m.Winner, m.Reason, m.Rounds,
		m.ReplayPath, m.Error, m.UpdatedAt, m.ID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return arbiterErrors.NotFound(fmt.Sprintf("match %s", m.ID))
	}
	return nil
}

// ClaimQueued flips the oldest queued match to running and returns it. It
// returns nil with no error when the queue is empty, so pollers can idle.
func (s *Store) ClaimQueued() (*Match, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(selectMatch + ` WHERE status = 'queued' ORDER BY created_at ASC, id ASC LIMIT 1`)
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	m.Status = StatusRunning
	m.UpdatedAt = time.Now().UTC()
	if _, err := tx.Exec(
		`UPDATE matches SET status = ?, updated_at = ? WHERE id = ?`,
		m.Status, m.UpdatedAt, m.ID,
	); err != nil {
		return nil, err
	}
	return m, tx.Commit()
}

// RequeueOrphans puts matches stuck in running back in the queue. A crashed
// daemon leaves its claims behind; the next serve run calls this before it
// starts polling.
func (s *Store) RequeueOrphans() (int, error) {
	res, err := s.db.Exec(
		`UPDATE matches SET status = ?, error = '', updated_at = ? WHERE status = ?`,
		StatusQueued, time.Now().UTC(), StatusRunning,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// AddEvent appends to the match's event log and fills in the row id.
func (s *Store) AddEvent(e *Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(
		`INSERT INTO match_events (match_id, type, data, created_at)
		 VALUES (?, ?, ?, ?)`,
		e.MatchID, e.Type, e.Data, e.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	e.ID = id
	return nil
}

// Events returns a match's events with id greater than afterID, oldest
// first. Pass zero for the full log.
func (s *Store) Events(matchID string, afterID int64) ([]*Event, error) {
	rows, err := s.db.Query(
		`SELECT id, match_id, type, data, created_at
		 FROM match_events
		 WHERE match_id = ? AND id > ?
		 ORDER BY id ASC`,
		matchID, afterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.MatchID, &e.Type, &e.Data, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

const selectMatch = `SELECT id, players, map, mode, status, winner, reason,
	rounds, replay_path, error, created_at, updated_at FROM matches`

type scannable interface {
	Scan(dest ...any) error
}

func scanMatch(row scannable) (*Match, error) {
	m := &Match{}
	var players string
	err := row.Scan(
		&m.ID, &players, &m.Map, &m.Mode, &m.Status, &m.Winner, &m.Reason,
		&m.Rounds, &m.ReplayPath, &m.Error, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(players), &m.Players); err != nil {
		return nil, fmt.Errorf("decode players for match %s: %w", m.ID, err)
	}
	return m, nil
}
