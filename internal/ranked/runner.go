// Package ranked drains the queued-match backlog on a cron schedule and
// records outcomes in the registry.
package ranked

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/okarsono/arbiter/internal/concurrency"
	"github.com/okarsono/arbiter/internal/config"
	"github.com/okarsono/arbiter/internal/maps"
	"github.com/okarsono/arbiter/internal/match"
	"github.com/okarsono/arbiter/internal/player"
	"github.com/okarsono/arbiter/internal/store"
)

// matchTimeout bounds one ranked match end to end. Player clocks and the
// round cap finish any match where both players show up; this covers the
// one that never leaves the lobby.
const matchTimeout = 15 * time.Minute

// runFunc plays one match; swapped out by tests.
type runFunc func(ctx context.Context, cfg *config.Config, params match.Params) (*match.Outcome, error)

func defaultRun(ctx context.Context, cfg *config.Config, params match.Params) (*match.Outcome, error) {
	orc, err := match.New(cfg, params)
	if err != nil {
		return nil, err
	}
	return orc.Run(ctx)
}

// Runner claims queued matches oldest first and plays them one at a time.
type Runner struct {
	cfg   *config.Config
	store *store.Store
	bus   *store.EventBus

	schedule cron.Schedule
	runMatch runFunc

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	busy    bool
	wg      sync.WaitGroup
}

// New parses the schedule and prepares the runner.
func New(cfg *config.Config, st *store.Store, bus *store.EventBus) (*Runner, error) {
	spec := cfg.Ranked.Schedule
	if spec == "" {
		spec = config.DefaultRankedSchedule
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse ranked schedule %q: %w", spec, err)
	}

	return &Runner{
		cfg:      cfg,
		store:    st,
		bus:      bus,
		schedule: schedule,
		runMatch: defaultRun,
	}, nil
}

// Init prepares the runner's lifetime context.
func (r *Runner) Init(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(context.Background())
	slog.Info("Ranked runner initialized", "schedule", r.cfg.Ranked.Schedule)
	return nil
}

// Start launches the poll loop.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	concurrency.SafeGoNamed("ranked.poll", func() {
		defer r.wg.Done()
		r.run()
	}, nil)

	slog.Info("Ranked runner started")
	return nil
}

// Stop cancels the loop and waits for an in-flight match to settle. The
// orchestrator turns the cancellation into a canceled outcome, which the
// runner requeues rather than burying.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Ranked runner stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health reports whether the loop is alive and the registry reachable.
func (r *Runner) Health(ctx context.Context) error {
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()
	if !running {
		return fmt.Errorf("ranked runner not running")
	}
	if _, err := r.store.ListMatches(1); err != nil {
		return fmt.Errorf("registry unreachable: %w", err)
	}
	return nil
}

// Busy reports whether a match is being played right now.
func (r *Runner) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

func (r *Runner) run() {
	for {
		now := time.Now()
		timer := time.NewTimer(r.schedule.Next(now).Sub(now))
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.drainQueue()
		}
	}
}

// drainQueue plays every queued match, oldest first, until the queue is
// empty or the runner is stopped.
func (r *Runner) drainQueue() {
	for r.ctx.Err() == nil {
		claimed, err := r.store.ClaimQueued()
		if err != nil {
			slog.Error("Queue claim failed", "error", err)
			return
		}
		if claimed == nil {
			return
		}
		r.playMatch(claimed)
	}
}

func (r *Runner) playMatch(m *store.Match) {
	r.mu.Lock()
	r.busy = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.busy = false
		r.mu.Unlock()
	}()

	slog.Info("Ranked match starting", "match", m.ID, "map", m.Map, "players", len(m.Players))
	r.emitEvent(m.ID, "status", string(store.StatusRunning))

	params, err := r.buildParams(m)
	if err != nil {
		r.failMatch(m, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, matchTimeout)
	defer cancel()

	out, err := r.runMatch(ctx, r.cfg, params)
	if err != nil {
		r.failMatch(m, err)
		return
	}

	if out.Reason == match.ReasonCanceled && r.ctx.Err() != nil {
		r.requeueMatch(m)
		return
	}

	m.Status = store.StatusComplete
	m.Winner = string(out.Winner)
	m.Reason = string(out.Reason)
	m.Rounds = out.Rounds
	m.ReplayPath = out.ReplayPath
	if err := r.store.UpdateMatch(m); err != nil {
		slog.Error("Outcome not persisted", "match", m.ID, "error", err)
		return
	}

	summary, _ := json.Marshal(map[string]any{
		"winner": m.Winner,
		"reason": m.Reason,
		"rounds": m.Rounds,
	})
	r.emitEvent(m.ID, "outcome", string(summary))
	slog.Info("Ranked match finished", "match", m.ID,
		"winner", m.Winner, "reason", m.Reason, "rounds", m.Rounds)
}

func (r *Runner) buildParams(m *store.Match) (match.Params, error) {
	players := make([]player.Package, len(m.Players))
	for i, dir := range m.Players {
		pkg, err := player.Load(dir)
		if err != nil {
			return match.Params{}, fmt.Errorf("load player %s: %w", dir, err)
		}
		players[i] = *pkg
	}

	arena, err := maps.Resolve(m.Map, r.cfg.Match.MapsDir)
	if err != nil {
		return match.Params{}, err
	}

	return match.Params{
		Players: players,
		Map:     arena,
		Mode:    m.Mode,
		MatchID: m.ID,
	}, nil
}

func (r *Runner) failMatch(m *store.Match, cause error) {
	slog.Error("Ranked match failed", "match", m.ID, "error", cause)
	m.Status = store.StatusError
	m.Error = cause.Error()
	if err := r.store.UpdateMatch(m); err != nil {
		slog.Error("Failure not persisted", "match", m.ID, "error", err)
	}
	r.emitEvent(m.ID, "error", cause.Error())
}

// requeueMatch puts a shutdown-interrupted match back in the queue so the
// next serve run picks it up.
func (r *Runner) requeueMatch(m *store.Match) {
	slog.Info("Ranked match interrupted, requeueing", "match", m.ID)
	m.Status = store.StatusQueued
	m.Winner = ""
	m.Reason = ""
	m.Error = ""
	if err := r.store.UpdateMatch(m); err != nil {
		slog.Error("Requeue not persisted", "match", m.ID, "error", err)
	}
	r.emitEvent(m.ID, "status", string(store.StatusQueued))
}

func (r *Runner) emitEvent(matchID, eventType, data string) {
	e := &store.Event{MatchID: matchID, Type: eventType, Data: data}
	if err := r.store.AddEvent(e); err != nil {
		slog.Error("Event not recorded", "match", matchID, "error", err)
	}
	r.bus.Publish(e)
}
