package replay

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlayers() []Player {
	return []Player{
		{ID: 100, Name: "alpha", Team: "red"},
		{ID: 200, Name: "beta", Team: "blue"},
	}
}

func TestRecorderRoundTrip(t *testing.T) {
	rec := NewRecorder("01JTEST", "quickstart", testPlayers())
	rec.RecordTurn(100, 1, json.RawMessage(`{"round":1}`), nil)
	rec.RecordTurn(200, 1, json.RawMessage(`{"round":1}`), []string{"move 2 is not an object"})
	rec.RecordTurn(100, 2, json.RawMessage(`{"round":2}`), nil)
	rec.SetOutcome("red", "engine", 2)
	rec.AttachLog("alpha", "booted\n")
	rec.AttachLog("beta", "booted\nlost\n")

	path := filepath.Join(t.TempDir(), DefaultName)
	require.NoError(t, rec.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1, loaded.Version)
	assert.Equal(t, "01JTEST", loaded.MatchID)
	assert.Equal(t, "quickstart", loaded.Map)
	assert.Equal(t, testPlayers(), loaded.Players)
	require.Len(t, loaded.Turns, 3)
	assert.Equal(t, Turn{Seq: 1, Round: 1, Player: 100, Delta: json.RawMessage(`{"round":1}`)}, loaded.Turns[0])
	assert.Equal(t, []string{"move 2 is not an object"}, loaded.Turns[1].Rejected)
	assert.Equal(t, Outcome{Winner: "red", Reason: "engine", Rounds: 2}, loaded.Outcome)
	assert.Equal(t, "booted\nlost\n", loaded.Logs["beta"])
	assert.False(t, loaded.StartedAt.IsZero())
	assert.False(t, loaded.EndedAt.Before(loaded.StartedAt))
}

func TestSaveWritesGzip(t *testing.T) {
	rec := NewRecorder("01JTEST", "quickstart", testPlayers())
	path := filepath.Join(t.TempDir(), DefaultName)
	require.NoError(t, rec.Save(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(raw), 2)
	assert.Equal(t, []byte{0x1f, 0x8b}, raw[:2], "replay files carry the gzip magic")
}

func TestRecorderConcurrentTurns(t *testing.T) {
	rec := NewRecorder("01JTEST", "quickstart", testPlayers())

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(player uint16) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				rec.RecordTurn(player, i+1, nil, nil)
			}
		}(uint16(100 + w))
	}
	wg.Wait()

	require.Equal(t, writers*perWriter, rec.Turns())

	path := filepath.Join(t.TempDir(), DefaultName)
	require.NoError(t, rec.Save(path))
	loaded, err := Load(path)
	require.NoError(t, err)

	seen := make(map[int]bool, len(loaded.Turns))
	for _, turn := range loaded.Turns {
		assert.False(t, seen[turn.Seq], "sequence numbers never repeat")
		seen[turn.Seq] = true
	}
	assert.Len(t, seen, writers*perWriter)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.arb.gz"))
	assert.Error(t, err)
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.arb.gz")
	require.NoError(t, os.WriteFile(path, []byte("not a gzip stream"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
