// Package match sequences one full match: runtime directory, roster,
// sandboxes, protocol server, per-player clocks, and guaranteed teardown.
package match

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/okarsono/arbiter/internal/config"
	arbiterErrors "github.com/okarsono/arbiter/internal/errors"
	"github.com/okarsono/arbiter/internal/game"
	"github.com/okarsono/arbiter/internal/gameserver"
	"github.com/okarsono/arbiter/internal/logsink"
	"github.com/okarsono/arbiter/internal/maps"
	"github.com/okarsono/arbiter/internal/pathutil"
	"github.com/okarsono/arbiter/internal/player"
	"github.com/okarsono/arbiter/internal/replay"
	"github.com/okarsono/arbiter/internal/sandbox"
	"github.com/okarsono/arbiter/internal/turn"
)

// Reason classifies how a match ended.
type Reason string

const (
	ReasonEngine   Reason = "engine"
	ReasonForfeit  Reason = "forfeit"
	ReasonTimeout  Reason = "timeout"
	ReasonCanceled Reason = "canceled"
)

// watchdogGrace pads a player's clock budget before the orchestrator
// declares a loss on time. It absorbs pause latency and socket slop so a
// player is never timed out by bookkeeping overhead.
const watchdogGrace = 250 * time.Millisecond

// destroyTimeout bounds teardown of a single sandbox.
const destroyTimeout = 30 * time.Second

// handoffOpTimeout bounds one pause or resume during a turn hand-off.
const handoffOpTimeout = 5 * time.Second

// Outcome is the terminal result of one match.
type Outcome struct {
	MatchID    string
	Winner     game.Team
	Reason     Reason
	Rounds     int
	Logs       map[string]string
	ReplayPath string
}

// Params selects the competitors and arena for one match.
type Params struct {
	Players []player.Package
	Map     maps.Map
	// Mode overrides sandbox.mode from config when set.
	Mode string
	// ReplayPath overrides the default <matchdir>/replay.arb.gz.
	ReplayPath string
	// MatchID is generated when empty.
	MatchID string
	// Echo mirrors live player output when non-nil.
	Echo io.Writer
}

// sandboxFactory builds one sandbox; swapped out by tests.
type sandboxFactory func(mode string, spec sandbox.Spec) (sandbox.Sandbox, error)

// timings are the parsed duration knobs, resolved once from the config's
// string fields.
type timings struct {
	pool       time.Duration
	additional time.Duration
	handshake  time.Duration
	ack        time.Duration
	lockWait   time.Duration
	lockRetry  time.Duration
	shutdown   time.Duration
}

func resolveTimings(cfg *config.Config) timings {
	return timings{
		pool:       config.MustDuration(cfg.Match.TimePool, config.DefaultMatchTimePool),
		additional: config.MustDuration(cfg.Match.TimeAdditional, config.DefaultMatchTimeAdditional),
		handshake:  config.MustDuration(cfg.Sandbox.HandshakeTimeout, config.DefaultSandboxHandshakeTimeout),
		ack:        config.MustDuration(cfg.Sandbox.AckTimeout, config.DefaultSandboxAckTimeout),
		lockWait:   config.MustDuration(cfg.Sandbox.LockTimeout, config.DefaultSandboxLockTimeout),
		lockRetry:  config.MustDuration(cfg.Sandbox.LockRetry, config.DefaultSandboxLockRetry),
		shutdown:   config.MustDuration(cfg.Server.ShutdownTimeout, config.DefaultServerShutdownTimeout),
	}
}

// Orchestrator wires one match together and supervises it to an outcome.
type Orchestrator struct {
	cfg    *config.Config
	params Params
	engine game.Engine
	t      timings

	newSandbox sandboxFactory

	sessions []*session
	server   *gameserver.Server
	coord    *turn.Coordinator
	recorder *replay.Recorder

	settleOnce sync.Once
	outcome    Outcome
	failure    error
}

// New validates the field and prepares an orchestrator. The rules engine
// defaults to the built-in skirmish engine.
func New(cfg *config.Config, params Params) (*Orchestrator, error) {
	if n := len(params.Players); n < 2 || n > 4 {
		return nil, arbiterErrors.InvalidInput(fmt.Sprintf("a match takes 2 to 4 players, got %d", n))
	}
	if params.Mode == "" {
		params.Mode = cfg.Sandbox.Mode
	}
	if params.Mode == sandbox.ModeContainer && cfg.Match.Transport != gameserver.TransportUnix {
		return nil, arbiterErrors.InvalidInput("container sandboxes require the unix transport")
	}
	if params.MatchID == "" {
		params.MatchID = ulid.Make().String()
	}
	return &Orchestrator{
		cfg:        cfg,
		params:     params,
		engine:     game.NewSkirmish(),
		t:          resolveTimings(cfg),
		newSandbox: defaultSandboxFactory,
	}, nil
}

// WithEngine swaps the rules engine before Run.
func (o *Orchestrator) WithEngine(engine game.Engine) *Orchestrator {
	o.engine = engine
	return o
}

func defaultSandboxFactory(mode string, spec sandbox.Spec) (sandbox.Sandbox, error) {
	switch mode {
	case sandbox.ModeProcess:
		return sandbox.NewProcess(spec), nil
	case sandbox.ModeContainer:
		api, err := sandbox.NewDockerClient()
		if err != nil {
			return nil, arbiterErrors.Launch(fmt.Sprintf("docker client: %v", err))
		}
		return sandbox.NewContainer(api, spec), nil
	default:
		return nil, arbiterErrors.InvalidInput(fmt.Sprintf("unknown sandbox mode %q", mode))
	}
}

// Run plays the match to completion. The returned Outcome is nil only when
// the match could not be held at all; ctx cancellation still produces an
// Outcome, with ReasonCanceled or ReasonTimeout.
func (o *Orchestrator) Run(ctx context.Context) (*Outcome, error) {
	matchDir, err := pathutil.EnsureDir(filepath.Join(o.cfg.Match.RuntimeDir, o.params.MatchID))
	if err != nil {
		return nil, fmt.Errorf("create match dir: %w", err)
	}

	lock, err := acquireRunLock(matchDir, o.t.lockWait, o.t.lockRetry)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	roster, err := randomRoster(len(o.params.Players))
	if err != nil {
		return nil, fmt.Errorf("generate roster: %w", err)
	}
	o.sessions = buildSessions(roster, o.params.Players, o.t.pool, o.newSink)

	infos := make([]game.PlayerInfo, len(o.sessions))
	for i, s := range o.sessions {
		infos[i] = s.info
	}
	if err := o.engine.Start(infos, o.params.Map); err != nil {
		return nil, arbiterErrors.Wrap(err, "start rules engine")
	}

	o.coord, err = turn.New(roster)
	if err != nil {
		return nil, err
	}
	o.coord.OnHandoff(o.handoff)

	o.recorder = replay.NewRecorder(o.params.MatchID, o.params.Map.Name, replayPlayers(o.sessions))

	o.server = gameserver.New(o.coord, o.engine, gameserver.Config{
		Transport:  o.cfg.Match.Transport,
		SocketFile: filepath.Join(matchDir, "match.sock"),
		TCPPort:    o.cfg.Match.TCPPort,
		OnForfeit:  o.onForfeit,
		OnTurn:     o.onTurn,
	})
	if err := o.server.Start(); err != nil {
		return nil, err
	}
	defer o.shutdownServer()

	slog.Info("Match starting", "match", o.params.MatchID,
		"map", o.params.Map.Name, "players", len(o.sessions), "mode", o.params.Mode)

	if err := o.launchSandboxes(ctx, matchDir); err != nil {
		o.destroyAll()
		return nil, err
	}
	defer o.destroyAll()

	o.watch(ctx)
	o.finish(matchDir)

	if o.failure != nil {
		return nil, o.failure
	}
	out := o.outcome
	return &out, nil
}

func (o *Orchestrator) newSink() *logsink.Sink {
	if o.params.Echo != nil {
		return logsink.NewMirrored(o.cfg.Match.LogLimitBytes, o.params.Echo)
	}
	return logsink.New(o.cfg.Match.LogLimitBytes)
}

// buildSessions pairs roster ids with player packages. Teams alternate by
// slot, planets split below and above slot two, and duplicate manifest
// names get a slot suffix so self-play logs stay apart.
func buildSessions(roster []uint16, players []player.Package, pool time.Duration, sink func() *logsink.Sink) []*session {
	seen := make(map[string]bool, len(players))
	sessions := make([]*session, len(players))
	for i, pkg := range players {
		team := game.TeamRed
		if i%2 == 1 {
			team = game.TeamBlue
		}
		planet := game.PlanetPrimary
		if i >= 2 {
			planet = game.PlanetSecondary
		}

		name := pkg.Manifest.Name
		if seen[name] {
			name = fmt.Sprintf("%s-%d", name, i+1)
		}
		seen[name] = true

		sessions[i] = &session{
			info: game.PlayerInfo{
				ID:     roster[i],
				Name:   name,
				Team:   team,
				Planet: planet,
			},
			pkg:   pkg,
			sink:  sink(),
			clock: pool,
		}
	}
	return sessions
}

func replayPlayers(sessions []*session) []replay.Player {
	players := make([]replay.Player, len(sessions))
	for i, s := range sessions {
		players[i] = replay.Player{ID: s.info.ID, Name: s.info.Name, Team: string(s.info.Team)}
	}
	return players
}

// randomRoster draws unique nonzero 16-bit ids. The id doubles as the
// player's session secret, so it comes from crypto/rand.
func randomRoster(n int) ([]uint16, error) {
	seen := make(map[uint16]bool, n)
	ids := make([]uint16, 0, n)
	var b [2]byte
	for len(ids) < n {
		if _, err := rand.Read(b[:]); err != nil {
			return nil, err
		}
		id := binary.BigEndian.Uint16(b[:])
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}

func (o *Orchestrator) launchSandboxes(ctx context.Context, matchDir string) error {
	connect := o.server.Connect()
	playersDir := filepath.Join(matchDir, "players")

	for i, s := range o.sessions {
		workDir := filepath.Join(playersDir, fmt.Sprintf("%d-%s", i, s.info.Team))
		if err := sandbox.PrepareWorkDir(workDir, s.pkg.Dir); err != nil {
			return fmt.Errorf("stage player %s: %w", s.info.Name, err)
		}

		image := o.cfg.Sandbox.Image
		if s.pkg.Manifest.Image != "" {
			image = s.pkg.Manifest.Image
		}

		spec := sandbox.Spec{
			Key:              s.info.ID,
			Name:             s.info.Name,
			WorkDir:          workDir,
			Command:          s.pkg.Command,
			RunLine:          s.pkg.Manifest.Run,
			Connect:          connect,
			Image:            image,
			MemoryMB:         o.cfg.Sandbox.MemoryMB,
			CPUs:             o.cfg.Sandbox.CPUs,
			PidsLimit:        o.cfg.Sandbox.PidsLimit,
			AgentPath:        o.cfg.Sandbox.AgentPath,
			SuspendSocket:    filepath.Join(matchDir, fmt.Sprintf("suspend-%d.sock", i)),
			HandshakeTimeout: o.t.handshake,
			AckTimeout:       o.t.ack,
		}

		box, err := o.newSandbox(o.params.Mode, spec)
		if err != nil {
			return err
		}
		s.setBox(box)

		if err := box.Start(ctx); err != nil {
			return arbiterErrors.Wrap(err, fmt.Sprintf("launch player %s", s.info.Name))
		}
		if err := box.StreamLogs(context.Background(), s.sink); err != nil {
			slog.Warn("Log streaming unavailable", "player", s.info.Name, "error", err)
		}
		slog.Info("Player sandbox started", "player", s.info.Name, "team", s.info.Team)
	}
	return nil
}

// handoff runs on the releasing worker's goroutine between turns. A zero
// from id is the transition out of the lobby: every player ran freely to
// boot and log in, so all of them get paused before the first turn opens.
func (o *Orchestrator) handoff(from, to uint16) {
	if from == 0 {
		for _, s := range o.sessions {
			o.pauseSession(s)
		}
	} else if s := o.sessionByID(from); s != nil {
		o.pauseSession(s)
	}

	if s := o.sessionByID(to); s != nil {
		o.resumeSession(s)
	}
}

func (o *Orchestrator) sessionByID(id uint16) *session {
	for _, s := range o.sessions {
		if s.info.ID == id {
			return s
		}
	}
	return nil
}

func (o *Orchestrator) pauseSession(s *session) {
	s.endTurnClock()

	box := s.getBox()
	if box == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handoffOpTimeout)
	defer cancel()
	if err := box.Pause(ctx); err != nil {
		if arbiterErrors.Degraded(err) {
			slog.Debug("Pause degraded", "player", s.info.Name, "error", err)
		} else {
			slog.Warn("Pause failed", "player", s.info.Name, "error", err)
		}
	}
}

func (o *Orchestrator) resumeSession(s *session) {
	budget := s.beginTurnClock(o.t.additional)

	box := s.getBox()
	if box != nil {
		ctx, cancel := context.WithTimeout(context.Background(), handoffOpTimeout)
		defer cancel()
		err := box.Resume(ctx, budget)
		switch {
		case err == nil:
		case errors.Is(err, arbiterErrors.ErrNotPaused):
			// The preceding pause degraded; the clock still polices the turn.
			slog.Debug("Resume skipped, sandbox never paused", "player", s.info.Name)
		default:
			slog.Warn("Resume failed", "player", s.info.Name, "error", err)
		}
	}

	s.armWatchdog(budget+watchdogGrace, func() { o.clockExpired(s) })
}

// clockExpired fires when a player sat on its turn past its entire budget
// plus grace. The opponent wins on time.
func (o *Orchestrator) clockExpired(s *session) {
	winner := o.opposingTeam(s.info.ID)
	slog.Info("Player clock expired", "player", s.info.Name, "winner", winner)
	o.settle(winner, ReasonTimeout, nil)
	o.server.AnnounceWinner(winner)
	o.coord.Close()
}

func (o *Orchestrator) opposingTeam(id uint16) game.Team {
	s := o.sessionByID(id)
	if s == nil {
		return ""
	}
	if s.info.Team == game.TeamRed {
		return game.TeamBlue
	}
	return game.TeamRed
}

// onForfeit handles the server's verdict that a player broke the match:
// disconnect or protocol violation. A zero id is an internal failure and
// fails the whole run instead of awarding a win.
func (o *Orchestrator) onForfeit(id uint16, reason error) {
	if id == 0 {
		o.settle("", ReasonCanceled, fmt.Errorf("rules engine failed: %w", reason))
		o.coord.Close()
		return
	}

	winner := o.opposingTeam(id)
	slog.Info("Match ends by forfeit", "player", id, "winner", winner, "reason", reason)
	o.settle(winner, ReasonForfeit, nil)
	o.server.AnnounceWinner(winner)
	o.coord.Close()
}

func (o *Orchestrator) onTurn(id uint16, round int, res *game.TurnResult) {
	o.recorder.RecordTurn(id, round, res.Delta, res.Rejected)
}

// watch blocks until the match settles: engine finish, forfeit, a clock
// running out, the round cap, or context cancellation.
func (o *Orchestrator) watch(ctx context.Context) {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			reason := ReasonCanceled
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				reason = ReasonTimeout
			}
			o.settle("", reason, nil)
			return

		case <-o.coord.Done():
			// A forfeit or timeout handler already settled; this also picks
			// up the engine result if the coordinator closed some other way.
			o.settleFromEngine()
			return

		case <-ticker.C:
			if o.engine.IsOver() {
				o.settleFromEngine()
				o.coord.Close()
				return
			}
			if o.engine.CurrentRound() > o.cfg.Match.MaxRounds {
				slog.Warn("Round cap reached", "match", o.params.MatchID, "cap", o.cfg.Match.MaxRounds)
				winner, _ := o.engine.Winner()
				o.settle(winner, ReasonTimeout, nil)
				o.coord.Close()
				return
			}
		}
	}
}

func (o *Orchestrator) settleFromEngine() {
	winner, _ := o.engine.Winner()
	o.settle(winner, ReasonEngine, nil)
}

func (o *Orchestrator) settle(winner game.Team, reason Reason, failure error) {
	o.settleOnce.Do(func() {
		o.outcome = Outcome{
			MatchID: o.params.MatchID,
			Winner:  winner,
			Reason:  reason,
			Rounds:  o.engine.CurrentRound(),
		}
		o.failure = failure
		if failure == nil {
			slog.Info("Match settled", "match", o.params.MatchID,
				"winner", winner, "reason", reason, "rounds", o.outcome.Rounds)
		}
	})
}

// finish attaches log tails and persists the replay. Runs after watch, so
// the outcome is fixed.
func (o *Orchestrator) finish(matchDir string) {
	o.outcome.Logs = make(map[string]string, len(o.sessions))
	for _, s := range o.sessions {
		tail := s.sink.Contents()
		o.outcome.Logs[s.info.Name] = tail
		o.recorder.AttachLog(s.info.Name, tail)
	}

	reason := string(o.outcome.Reason)
	if o.failure != nil {
		reason = "error"
	}
	o.recorder.SetOutcome(string(o.outcome.Winner), reason, o.outcome.Rounds)

	path := o.params.ReplayPath
	if path == "" {
		path = filepath.Join(matchDir, replay.DefaultName)
	}
	if err := o.recorder.Save(path); err != nil {
		slog.Warn("Replay not saved", "match", o.params.MatchID, "error", err)
		return
	}
	o.outcome.ReplayPath = path
}

func (o *Orchestrator) shutdownServer() {
	ctx, cancel := context.WithTimeout(context.Background(), o.t.shutdown)
	defer cancel()
	if err := o.server.Shutdown(ctx); err != nil {
		slog.Warn("Match server shutdown timed out", "match", o.params.MatchID, "error", err)
	}
}

// destroyAll tears down every sandbox. Destroy is idempotent, so running
// this on both the failure path and the deferred path is safe.
func (o *Orchestrator) destroyAll() {
	for _, s := range o.sessions {
		s.endTurnClock()
		box := s.getBox()
		if box == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
		if err := box.Destroy(ctx); err != nil {
			slog.Error("Sandbox destroy failed", "player", s.info.Name, "error", err)
		}
		cancel()
	}
}
