package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	arbiterErrors "github.com/okarsono/arbiter/internal/errors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "arbiter.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreCreateAndGet(t *testing.T) {
	s := openTestStore(t)

	created := &Match{
		ID:      "m-1",
		Players: []string{"bots/alpha", "bots/beta"},
		Map:     "flat",
		Mode:    "process",
	}
	require.NoError(t, s.CreateMatch(created))
	assert.Equal(t, StatusQueued, created.Status, "status defaults to queued")
	assert.False(t, created.CreatedAt.IsZero())

	got, err := s.GetMatch("m-1")
	require.NoError(t, err)
	assert.Equal(t, "m-1", got.ID)
	assert.Equal(t, []string{"bots/alpha", "bots/beta"}, got.Players)
	assert.Equal(t, "flat", got.Map)
	assert.Equal(t, "process", got.Mode)
	assert.Equal(t, StatusQueued, got.Status)
	assert.WithinDuration(t, created.CreatedAt, got.CreatedAt, time.Second)
}

func TestStoreGetMissing(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetMatch("nope")
	assert.ErrorIs(t, err, arbiterErrors.ErrNotFound)
}

func TestStoreCreateRejectsEmptyID(t *testing.T) {
	s := openTestStore(t)

	err := s.CreateMatch(&Match{})
	assert.ErrorIs(t, err, arbiterErrors.ErrInvalidInput)
}

func TestStoreListNewestFirst(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC().Add(-time.Hour)

	for i, id := range []string{"m-old", "m-mid", "m-new"} {
		require.NoError(t, s.CreateMatch(&Match{
			ID:        id,
			Map:       "flat",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := s.ListMatches(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "m-new", all[0].ID)
	assert.Equal(t, "m-old", all[2].ID)

	top, err := s.ListMatches(2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "m-new", top[0].ID)
}

func TestStoreUpdateMatch(t *testing.T) {
	s := openTestStore(t)
	m := &Match{ID: "m-1", Map: "flat"}
	require.NoError(t, s.CreateMatch(m))

	m.Status = StatusComplete
	m.Winner = "red"
	m.Reason = "engine"
	m.Rounds = 42
	m.ReplayPath = "/tmp/replay.arb.gz"
	require.NoError(t, s.UpdateMatch(m))

	got, err := s.GetMatch("m-1")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, got.Status)
	assert.Equal(t, "red", got.Winner)
	assert.Equal(t, "engine", got.Reason)
	assert.Equal(t, 42, got.Rounds)
	assert.Equal(t, "/tmp/replay.arb.gz", got.ReplayPath)
}

func TestStoreUpdateMissingMatch(t *testing.T) {
	s := openTestStore(t)

	err := s.UpdateMatch(&Match{ID: "ghost"})
	assert.ErrorIs(t, err, arbiterErrors.ErrNotFound)
}

func TestStoreClaimQueuedTakesOldest(t *testing.T) {
	s := openTestStore(t)

	claimed, err := s.ClaimQueued()
	require.NoError(t, err)
	assert.Nil(t, claimed, "empty queue claims nothing")

	base := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.CreateMatch(&Match{ID: "m-first", Map: "flat", CreatedAt: base}))
	require.NoError(t, s.CreateMatch(&Match{ID: "m-second", Map: "flat", CreatedAt: base.Add(time.Minute)}))

	claimed, err = s.ClaimQueued()
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "m-first", claimed.ID)
	assert.Equal(t, StatusRunning, claimed.Status)

	persisted, err := s.GetMatch("m-first")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, persisted.Status, "the claim is durable")

	claimed, err = s.ClaimQueued()
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "m-second", claimed.ID)

	claimed, err = s.ClaimQueued()
	require.NoError(t, err)
	assert.Nil(t, claimed, "running matches are not reclaimed")
}

func TestStoreRequeueOrphans(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.CreateMatch(&Match{ID: "m-stuck", Map: "flat"}))
	require.NoError(t, s.CreateMatch(&Match{ID: "m-done", Map: "flat", Status: StatusComplete}))

	claimed, err := s.ClaimQueued()
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, "m-stuck", claimed.ID)

	n, err := s.RequeueOrphans()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err := s.GetMatch("m-stuck")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, m.Status)

	m, err = s.GetMatch("m-done")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, m.Status, "finished matches stay finished")

	n, err = s.RequeueOrphans()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStoreEventLog(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateMatch(&Match{ID: "m-1", Map: "flat"}))

	var lastID int64
	for _, data := range []string{"queued", "running", "complete"} {
		e := &Event{MatchID: "m-1", Type: "status", Data: data}
		require.NoError(t, s.AddEvent(e))
		assert.Greater(t, e.ID, lastID, "ids are monotonic")
		lastID = e.ID
	}

	all, err := s.Events("m-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "queued", all[0].Data)
	assert.Equal(t, "complete", all[2].Data)

	tail, err := s.Events("m-1", all[0].ID)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "running", tail[0].Data)
}

func TestStoreOpenCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "arbiter.db")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.CreateMatch(&Match{ID: "m-1"}))
}

func TestEventBusFanout(t *testing.T) {
	bus := NewEventBus()

	tokA, chA := bus.Subscribe("m-1")
	_, chB := bus.Subscribe("m-1")
	_, chOther := bus.Subscribe("m-2")

	bus.Publish(&Event{MatchID: "m-1", Type: "status", Data: "running"})

	for _, ch := range []<-chan *Event{chA, chB} {
		select {
		case e := <-ch:
			assert.Equal(t, "running", e.Data)
		case <-time.After(time.Second):
			t.Fatal("subscriber never received the event")
		}
	}
	select {
	case e := <-chOther:
		t.Fatalf("event leaked across matches: %+v", e)
	default:
	}

	bus.Unsubscribe("m-1", tokA)
	_, open := <-chA
	assert.False(t, open, "unsubscribe closes the channel")

	// Unknown tokens are a no-op.
	bus.Unsubscribe("m-1", "bogus")
	bus.Unsubscribe("m-404", "bogus")
}

func TestEventBusDropsWhenSubscriberStalls(t *testing.T) {
	bus := NewEventBus()
	_, ch := bus.Subscribe("m-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer+10; i++ {
			bus.Publish(&Event{MatchID: "m-1", ID: int64(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a stalled subscriber")
	}
	assert.Len(t, ch, subscriberBuffer, "overflow is dropped, not queued")
}
