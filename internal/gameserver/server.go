// Package gameserver terminates player connections and runs the wire
// protocol against the turn coordinator and the rules engine.
package gameserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/okarsono/arbiter/internal/concurrency"
	arbiterErrors "github.com/okarsono/arbiter/internal/errors"
	"github.com/okarsono/arbiter/internal/game"
	"github.com/okarsono/arbiter/internal/sandbox"
	"github.com/okarsono/arbiter/internal/turn"
	"github.com/okarsono/arbiter/internal/wire"
)

// Transports players can dial.
const (
	TransportUnix = "unix"
	TransportTCP  = "tcp"
)

// ForfeitFunc is how the server reports a player-ending event: disconnect
// or fatal protocol violation. A zero id means the failure was internal,
// not a player's fault. The callback decides the match consequence; the
// server itself never terminates the coordinator. Only the turn holder's
// worker can fail mid-match, so calls never overlap.
type ForfeitFunc func(id uint16, reason error)

// TurnFunc observes every applied turn, called from the holder's worker
// before the turn is released. Replay recording hangs off this.
type TurnFunc func(id uint16, round int, res *game.TurnResult)

// Config selects where the server listens.
type Config struct {
	Transport  string
	SocketFile string
	TCPPort    int
	OnForfeit  ForfeitFunc
	OnTurn     TurnFunc
}

// Server accepts player connections, one worker per connection. Workers
// synchronize only through the coordinator; the engine is touched solely
// by the worker currently holding the turn.
type Server struct {
	coord  *turn.Coordinator
	engine game.Engine
	cfg    Config

	ln net.Listener

	mu        sync.Mutex
	conns     map[net.Conn]struct{}
	lastDelta json.RawMessage
	winner    game.Team
	hasWinner bool

	quit      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New wires a server; nothing listens until Start.
func New(coord *turn.Coordinator, engine game.Engine, cfg Config) *Server {
	return &Server{
		coord:  coord,
		engine: engine,
		cfg:    cfg,
		conns:  make(map[net.Conn]struct{}),
		quit:   make(chan struct{}),
	}
}

// Start binds the match socket and begins accepting. A bind failure is
// fatal to the match; there is nothing to degrade to.
func (s *Server) Start() error {
	var err error
	switch s.cfg.Transport {
	case TransportUnix:
		s.ln, err = net.Listen("unix", s.cfg.SocketFile)
	case TransportTCP:
		s.ln, err = net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.cfg.TCPPort))
	default:
		return arbiterErrors.InvalidInput(fmt.Sprintf("unknown transport %q", s.cfg.Transport))
	}
	if err != nil {
		return fmt.Errorf("bind match socket: %w", err)
	}

	s.wg.Add(1)
	concurrency.SafeGoNamed("gameserver.accept", func() {
		defer s.wg.Done()
		s.acceptLoop()
	}, nil)
	return nil
}

// Connect describes how players reach this server, for sandbox env vars.
// Valid after Start; for tcp it reports the bound port, so a zero port in
// the config resolves to whatever the kernel picked.
func (s *Server) Connect() sandbox.Connect {
	if s.cfg.Transport == TransportUnix {
		return sandbox.Connect{SocketFile: s.cfg.SocketFile}
	}
	port := s.cfg.TCPPort
	if s.ln != nil {
		if addr, ok := s.ln.Addr().(*net.TCPAddr); ok {
			port = addr.Port
		}
	}
	return sandbox.Connect{TCPPort: port}
}

// AnnounceWinner fixes the winner reported in final prompts when the match
// ends for a reason the engine does not know about, such as a forfeit.
func (s *Server) AnnounceWinner(team game.Team) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.winner = team
	s.hasWinner = true
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("Accept failed", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		s.track(conn)
		s.wg.Add(1)
		concurrency.SafeGo(func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serve(conn)
		}, nil)
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.quit:
		// Shutdown already swept the registry; close now so the worker
		// fails fast instead of outliving the sweep.
		conn.Close()
	default:
	}
	s.conns[conn] = struct{}{}
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// serve runs one connection: login phase, then the turn loop.
func (s *Server) serve(conn net.Conn) {
	codec := wire.NewCodec(conn)

	id, ok := s.loginPhase(codec)
	if !ok {
		return
	}
	slog.Debug("Player logged in", "player", id)

	s.turnLoop(codec, id)
}

// loginPhase reads login attempts until one is accepted. A rejected login
// is answered and the connection stays open for another attempt; only
// disconnection or match end consume it.
func (s *Server) loginPhase(codec *wire.Codec) (uint16, bool) {
	for {
		req, err := codec.ReadLogin()
		if err != nil {
			if arbiterErrors.IsCategory(err, arbiterErrors.ErrProtocol) {
				codec.Write(&wire.LoginResponse{LoggedIn: false, Error: "Malformed Login"})
				continue
			}
			return 0, false
		}

		switch err := s.coord.Login(req.ClientID); {
		case err == nil:
			codec.Write(&wire.LoginResponse{LoggedIn: true, ClientID: req.ClientID})
			return req.ClientID, true
		case errors.Is(err, arbiterErrors.ErrUnknownPlayer):
			codec.Write(&wire.LoginResponse{LoggedIn: false, ClientID: req.ClientID, Error: wire.ReasonIDMismatch})
		case errors.Is(err, arbiterErrors.ErrAlreadyLoggedIn):
			codec.Write(&wire.LoginResponse{LoggedIn: false, ClientID: req.ClientID, Error: wire.ReasonAlreadyLoggedIn})
		case errors.Is(err, arbiterErrors.ErrMatchOver):
			codec.Write(&wire.LoginResponse{LoggedIn: false, ClientID: req.ClientID, Error: "Match Over"})
			return 0, false
		default:
			codec.Write(&wire.LoginResponse{LoggedIn: false, ClientID: req.ClientID, Error: err.Error()})
		}
	}
}

func (s *Server) turnLoop(codec *wire.Codec, id uint16) {
	for {
		if err := s.coord.BeginTurn(id); err != nil {
			// Match ended while we waited.
			s.sendFinalPrompt(codec)
			return
		}

		if s.engine.IsOver() {
			s.sendFinalPrompt(codec)
			s.coord.EndTurn(id)
			return
		}

		prompt := s.prompt()
		if err := codec.Write(prompt); err != nil {
			s.forfeit(id, arbiterErrors.Wrap(err, "send turn prompt"))
			return
		}

		msg, err := codec.ReadTurn()
		if err != nil {
			s.forfeit(id, arbiterErrors.Wrap(err, "read turn"))
			return
		}
		if msg.ClientID != id {
			// The connection is not who it claims to be.
			s.forfeit(id, arbiterErrors.Protocol(fmt.Sprintf("turn claims id %d on connection %d", msg.ClientID, id)))
			return
		}

		res, err := s.engine.ApplyTurn(msg)
		if err != nil {
			if errors.Is(err, arbiterErrors.ErrMatchOver) {
				s.sendFinalPrompt(codec)
				s.coord.EndTurn(id)
				return
			}
			slog.Error("Rules engine failed", "player", id, "error", err)
			s.forfeit(0, err)
			return
		}
		if len(res.Rejected) > 0 {
			slog.Debug("Moves rejected", "player", id, "rejected", res.Rejected)
		}
		if s.cfg.OnTurn != nil {
			s.cfg.OnTurn(id, prompt.Round, res)
		}

		s.mu.Lock()
		s.lastDelta = res.Delta
		s.mu.Unlock()

		if s.engine.IsOver() {
			s.sendFinalPrompt(codec)
			s.coord.EndTurn(id)
			return
		}

		s.coord.EndTurn(id)
	}
}

func (s *Server) prompt() *wire.TurnPrompt {
	s.mu.Lock()
	delta := s.lastDelta
	s.mu.Unlock()
	return &wire.TurnPrompt{
		Round: s.engine.CurrentRound(),
		World: delta,
	}
}

// sendFinalPrompt tells the player the game is over and who won. Write
// errors are ignored; the peer may already be gone.
func (s *Server) sendFinalPrompt(codec *wire.Codec) {
	s.mu.Lock()
	winner, hasWinner := s.winner, s.hasWinner
	s.mu.Unlock()
	if !hasWinner {
		winner, _ = s.engine.Winner()
	}

	codec.Write(&wire.TurnPrompt{
		Round:    s.engine.CurrentRound(),
		GameOver: true,
		Winner:   string(winner),
	})
}

func (s *Server) forfeit(id uint16, reason error) {
	select {
	case <-s.quit:
		// Shutdown killed the connection; that is not a forfeit.
		return
	default:
	}
	select {
	case <-s.coord.Done():
		return
	default:
	}

	slog.Info("Player forfeits", "player", id, "reason", reason)
	if s.cfg.OnForfeit != nil {
		s.cfg.OnForfeit(id, reason)
	}
}

// Shutdown closes the listener and the coordinator, force-closes every
// connection, and waits for the workers until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.quit)
		if s.ln != nil {
			s.ln.Close()
		}
		s.coord.Close()

		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gameserver shutdown: %w", ctx.Err())
	}
}
