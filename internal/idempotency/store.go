// Package idempotency journals submission keys so a retried request resolves
// to the match created by the first attempt instead of queueing a duplicate.
package idempotency

import (
	"bytes"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/natefinch/atomic"
)

// journal is the on-disk shape. Expiry is a unix timestamp; stale entries
// are dropped on the next Bind.
type journal struct {
	Keys map[string]entry `json:"keys"`
}

type entry struct {
	MatchID string `json:"match_id"`
	Expiry  int64  `json:"expiry"`
}

// Store maps idempotency keys to the match they created.
type Store struct {
	path  string
	state journal
	mu    sync.RWMutex
}

func NewStore(path string) (*Store, error) {
	s := &Store{
		path:  path,
		state: journal{Keys: make(map[string]entry)},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s.save()
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, &s.state); err != nil {
		return err
	}
	if s.state.Keys == nil {
		s.state.Keys = make(map[string]entry)
	}
	return nil
}

func (s *Store) save() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}

	return atomic.WriteFile(s.path, bytes.NewReader(data))
}

// Lookup returns the match bound to key while the binding is live.
func (s *Store) Lookup(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.state.Keys[key]
	if !ok || e.Expiry <= time.Now().Unix() {
		return "", false
	}
	return e.MatchID, true
}

// Bind records key -> matchID for ttl and persists the journal. Expired
// entries are pruned on the way through so the file stays small.
func (s *Store) Bind(key, matchID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	for k, e := range s.state.Keys {
		if e.Expiry <= now {
			delete(s.state.Keys, k)
		}
	}
	s.state.Keys[key] = entry{MatchID: matchID, Expiry: now + int64(ttl.Seconds())}
	return s.save()
}
