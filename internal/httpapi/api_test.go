package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okarsono/arbiter/internal/idempotency"
	"github.com/okarsono/arbiter/internal/player"
	"github.com/okarsono/arbiter/internal/store"
)

type testAPI struct {
	api     *API
	store   *store.Store
	bus     *store.EventBus
	mapsDir string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "arbiter.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	idem, err := idempotency.NewStore(filepath.Join(dir, "idempotency.json"))
	require.NoError(t, err)

	bus := store.NewEventBus()
	mapsDir := t.TempDir()
	return &testAPI{api: New(st, bus, mapsDir, idem), store: st, bus: bus, mapsDir: mapsDir}
}

func (ta *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return ta.doKeyed(t, method, path, "", body)
}

func (ta *testAPI) doKeyed(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rec := httptest.NewRecorder()
	ta.api.Handler().ServeHTTP(rec, req)
	return rec
}

func writeBotDir(t *testing.T, name string) string {
	t.Helper()
	dir := t.TempDir()
	manifest := fmt.Sprintf("name: %s\nrun: python3 main.py\n", name)
	require.NoError(t, os.WriteFile(filepath.Join(dir, player.ManifestName), []byte(manifest), 0o644))
	return dir
}

func decodeMatch(t *testing.T, rec *httptest.ResponseRecorder) *store.Match {
	t.Helper()
	var m store.Match
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&m))
	return &m
}

func TestSubmitMatchQueues(t *testing.T) {
	ta := newTestAPI(t)
	alpha := writeBotDir(t, "alpha")
	beta := writeBotDir(t, "beta")

	rec := ta.do(t, http.MethodPost, "/api/matches", submitMatchRequest{
		Players: []string{alpha, beta},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	m := decodeMatch(t, rec)
	assert.Len(t, m.ID, 26, "match ids are ulids")
	assert.Equal(t, store.StatusQueued, m.Status)
	assert.Equal(t, "quickstart", m.Map, "empty map falls back to the built-in")
	assert.Equal(t, []string{alpha, beta}, m.Players)

	persisted, err := ta.store.GetMatch(m.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, persisted.Status)

	events, err := ta.store.Events(m.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "status", events[0].Type)
	assert.Equal(t, "queued", events[0].Data)
}

func TestSubmitMatchRejectsPlayerCount(t *testing.T) {
	ta := newTestAPI(t)

	rec := ta.do(t, http.MethodPost, "/api/matches", submitMatchRequest{
		Players: []string{writeBotDir(t, "solo")},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "2 to 4 players")
}

func TestSubmitMatchRejectsBrokenPackage(t *testing.T) {
	ta := newTestAPI(t)

	rec := ta.do(t, http.MethodPost, "/api/matches", submitMatchRequest{
		Players: []string{writeBotDir(t, "ok"), t.TempDir()},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), player.ManifestName)
}

func TestSubmitMatchRejectsUnknownMap(t *testing.T) {
	ta := newTestAPI(t)

	rec := ta.do(t, http.MethodPost, "/api/matches", submitMatchRequest{
		Players: []string{writeBotDir(t, "a"), writeBotDir(t, "b")},
		Map:     "volcano",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "volcano")
}

func TestSubmitMatchRejectsUnknownMode(t *testing.T) {
	ta := newTestAPI(t)

	rec := ta.do(t, http.MethodPost, "/api/matches", submitMatchRequest{
		Players: []string{writeBotDir(t, "a"), writeBotDir(t, "b")},
		Mode:    "mainframe",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "mainframe")
}

func TestSubmitMatchResolvesCatalogMap(t *testing.T) {
	ta := newTestAPI(t)
	mapSpec := "name: arena\nrounds: 64\nsymmetric: true\n"
	require.NoError(t, os.WriteFile(filepath.Join(ta.mapsDir, "arena.yaml"), []byte(mapSpec), 0o644))

	rec := ta.do(t, http.MethodPost, "/api/matches", submitMatchRequest{
		Players: []string{writeBotDir(t, "a"), writeBotDir(t, "b")},
		Map:     "arena",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "arena", decodeMatch(t, rec).Map)
}

func TestSubmitMatchIdempotencyKeyReplays(t *testing.T) {
	ta := newTestAPI(t)
	req := submitMatchRequest{Players: []string{writeBotDir(t, "a"), writeBotDir(t, "b")}}

	first := ta.doKeyed(t, http.MethodPost, "/api/matches", "k-1", req)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	created := decodeMatch(t, first)

	replay := ta.doKeyed(t, http.MethodPost, "/api/matches", "k-1", req)
	require.Equal(t, http.StatusOK, replay.Code, "replays return the original, not a duplicate")
	assert.Equal(t, created.ID, decodeMatch(t, replay).ID)

	fresh := ta.doKeyed(t, http.MethodPost, "/api/matches", "k-2", req)
	require.Equal(t, http.StatusCreated, fresh.Code)
	assert.NotEqual(t, created.ID, decodeMatch(t, fresh).ID)

	matches, err := ta.store.ListMatches(0)
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestSubmitMatchWithoutIdempotencyStore(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "arbiter.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	api := New(st, store.NewEventBus(), t.TempDir(), nil)

	body, err := json.Marshal(submitMatchRequest{
		Players: []string{writeBotDir(t, "a"), writeBotDir(t, "b")},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/matches", bytes.NewReader(body))
	req.Header.Set("Idempotency-Key", "ignored")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code, "keys are a no-op without a journal")
}

func TestSubmitMatchRejectsGarbageBody(t *testing.T) {
	ta := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/api/matches", bytes.NewBufferString("not json"))
	rec := httptest.NewRecorder()
	ta.api.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListMatches(t *testing.T) {
	ta := newTestAPI(t)
	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"m-a", "m-b", "m-c"} {
		require.NoError(t, ta.store.CreateMatch(&store.Match{
			ID:        id,
			Map:       "flat",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	rec := ta.do(t, http.MethodGet, "/api/matches", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all []*store.Match
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&all))
	require.Len(t, all, 3)
	assert.Equal(t, "m-c", all[0].ID, "newest first")

	rec = ta.do(t, http.MethodGet, "/api/matches?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var top []*store.Match
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&top))
	assert.Len(t, top, 2)

	rec = ta.do(t, http.MethodGet, "/api/matches?limit=many", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListMatchesEmpty(t *testing.T) {
	ta := newTestAPI(t)

	rec := ta.do(t, http.MethodGet, "/api/matches", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestGetMatchNotFound(t *testing.T) {
	ta := newTestAPI(t)

	rec := ta.do(t, http.MethodGet, "/api/matches/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMatchEventsPollAfter(t *testing.T) {
	ta := newTestAPI(t)
	require.NoError(t, ta.store.CreateMatch(&store.Match{ID: "m-1", Map: "flat"}))

	var firstID int64
	for i, data := range []string{"queued", "running", "complete"} {
		e := &store.Event{MatchID: "m-1", Type: "status", Data: data}
		require.NoError(t, ta.store.AddEvent(e))
		if i == 0 {
			firstID = e.ID
		}
	}

	rec := ta.do(t, http.MethodGet, "/api/matches/m-1/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []*store.Event
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&events))
	assert.Len(t, events, 3)

	rec = ta.do(t, http.MethodGet, fmt.Sprintf("/api/matches/m-1/events?after=%d", firstID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events = nil
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&events))
	require.Len(t, events, 2)
	assert.Equal(t, "running", events[0].Data)

	rec = ta.do(t, http.MethodGet, "/api/matches/m-1/events?after=soon", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ta.do(t, http.MethodGet, "/api/matches/m-404/events", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	ta := newTestAPI(t)

	rec := ta.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}
