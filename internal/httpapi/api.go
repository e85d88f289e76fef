// Package httpapi exposes the match registry and submission queue over HTTP.
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"

	"github.com/okarsono/arbiter/internal/concurrency"
	arbiterErrors "github.com/okarsono/arbiter/internal/errors"
	"github.com/okarsono/arbiter/internal/idempotency"
	"github.com/okarsono/arbiter/internal/maps"
	"github.com/okarsono/arbiter/internal/pathutil"
	"github.com/okarsono/arbiter/internal/player"
	"github.com/okarsono/arbiter/internal/sandbox"
	"github.com/okarsono/arbiter/internal/store"
)

// idempotencyTTL bounds how long a submission key resolves to its original
// match. Retries past this window queue a fresh match.
const idempotencyTTL = 24 * time.Hour

// API serves the registry. Matches submitted here land in the queue; the
// ranked runner picks them up.
type API struct {
	store       *store.Store
	bus         *store.EventBus
	mapsDir     string
	idem        *idempotency.Store
	submitLocks *concurrency.KeyedMutex
	router      chi.Router
}

// New wires the routes. mapsDir is the catalog used to vet submitted map
// names. idem may be nil, which disables Idempotency-Key handling.
func New(st *store.Store, bus *store.EventBus, mapsDir string, idem *idempotency.Store) *API {
	a := &API{
		store:       st,
		bus:         bus,
		mapsDir:     mapsDir,
		idem:        idem,
		submitLocks: concurrency.NewKeyedMutex(),
	}
	a.router = a.buildRouter()
	return a
}

// Handler returns the root handler for an http.Server.
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api", func(r chi.Router) {
		r.Post("/matches", a.handleSubmitMatch)
		r.Get("/matches", a.handleListMatches)
		r.Get("/matches/{id}", a.handleGetMatch)
		r.Get("/matches/{id}/events", a.handleMatchEvents)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return r
}

type submitMatchRequest struct {
	Players []string `json:"players"`
	Map     string   `json:"map,omitempty"`
	Mode    string   `json:"mode,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleSubmitMatch validates the submission and queues it. Player packages
// are loaded once here so a typo fails the request, not the match.
func (a *API) handleSubmitMatch(w http.ResponseWriter, r *http.Request) {
	var req submitMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// A replayed key returns the original match rather than a duplicate.
	// The per-key lock closes the window where two retries race past the
	// lookup and both queue.
	key := r.Header.Get("Idempotency-Key")
	if key != "" && a.idem != nil {
		a.submitLocks.Lock(key)
		defer a.submitLocks.Unlock(key)

		if id, ok := a.idem.Lookup(key); ok {
			match, err := a.store.GetMatch(id)
			if err == nil {
				writeJSON(w, http.StatusOK, match)
				return
			}
			slog.Warn("Idempotency key names a missing match", "key", key, "match", id)
		}
	}

	if n := len(req.Players); n < 2 || n > 4 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("a match takes 2 to 4 players, got %d", n))
		return
	}
	switch req.Mode {
	case "", sandbox.ModeProcess, sandbox.ModeContainer:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown sandbox mode %q", req.Mode))
		return
	}

	dirs := make([]string, len(req.Players))
	for i, raw := range req.Players {
		dir, err := pathutil.Expand(raw)
		if err != nil || dir == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("player path %q: not a usable path", raw))
			return
		}
		if _, err := player.Load(dir); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("player %q: %v", raw, err))
			return
		}
		dirs[i] = dir
	}

	m, err := maps.Resolve(req.Map, a.mapsDir)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("map %q: %v", req.Map, err))
		return
	}

	match := &store.Match{
		ID:      ulid.Make().String(),
		Players: dirs,
		Map:     m.Name,
		Mode:    req.Mode,
		Status:  store.StatusQueued,
	}
	if err := a.store.CreateMatch(match); err != nil {
		slog.Error("Match submission failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to queue match")
		return
	}
	if key != "" && a.idem != nil {
		if err := a.idem.Bind(key, match.ID, idempotencyTTL); err != nil {
			slog.Warn("Idempotency key not recorded", "key", key, "error", err)
		}
	}
	a.emitEvent(match.ID, "status", string(store.StatusQueued))

	writeJSON(w, http.StatusCreated, match)
}

func (a *API) handleListMatches(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("bad limit %q", raw))
			return
		}
		limit = n
	}

	matches, err := a.store.ListMatches(limit)
	if err != nil {
		slog.Error("Match listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list matches")
		return
	}
	if matches == nil {
		matches = []*store.Match{}
	}
	writeJSON(w, http.StatusOK, matches)
}

func (a *API) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	match, err := a.store.GetMatch(id)
	if arbiterErrors.IsCategory(err, arbiterErrors.ErrNotFound) {
		writeError(w, http.StatusNotFound, "match not found")
		return
	}
	if err != nil {
		slog.Error("Match lookup failed", "match", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch match")
		return
	}
	writeJSON(w, http.StatusOK, match)
}

// handleMatchEvents returns the event log after a cursor. Clients poll with
// the last id they saw; zero replays everything.
func (a *API) handleMatchEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.store.GetMatch(id); err != nil {
		if arbiterErrors.IsCategory(err, arbiterErrors.ErrNotFound) {
			writeError(w, http.StatusNotFound, "match not found")
			return
		}
		slog.Error("Match lookup failed", "match", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch match")
		return
	}

	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("bad after cursor %q", raw))
			return
		}
		after = n
	}

	events, err := a.store.Events(id, after)
	if err != nil {
		slog.Error("Event fetch failed", "match", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to fetch events")
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *API) emitEvent(matchID, eventType, data string) {
	e := &store.Event{MatchID: matchID, Type: eventType, Data: data}
	if err := a.store.AddEvent(e); err != nil {
		slog.Error("Event not recorded", "match", matchID, "error", err)
	}
	a.bus.Publish(e)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
