package components

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/okarsono/arbiter/internal/concurrency"
	"github.com/okarsono/arbiter/internal/config"
	"github.com/okarsono/arbiter/internal/daemon"
	"github.com/okarsono/arbiter/internal/httpapi"
	"github.com/okarsono/arbiter/internal/idempotency"
	"github.com/okarsono/arbiter/internal/pathutil"
)

// HTTPServerComponent serves the match API plus a daemon-level healthz
// endpoint that reports per-component health.
type HTTPServerComponent struct {
	daemon      *daemon.Daemon
	cfg         *config.Config
	storeComp   *StoreComponent
	server      *http.Server
	listener    net.Listener
	shutdownTTL time.Duration
	initialized bool
	started     bool
	mu          sync.RWMutex
	startTime   time.Time
}

func NewHTTPServerComponent(d *daemon.Daemon, cfg *config.Config, storeComp *StoreComponent) *HTTPServerComponent {
	return &HTTPServerComponent{
		daemon:      d,
		cfg:         cfg,
		storeComp:   storeComp,
		initialized: false,
		started:     false,
	}
}

func (h *HTTPServerComponent) Name() string {
	return "HTTPServer"
}

func (h *HTTPServerComponent) Dependencies() []string {
	return []string{"Store"}
}

func (h *HTTPServerComponent) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.storeComp == nil {
		return fmt.Errorf("store component not provided")
	}
	st := h.storeComp.Store()
	if st == nil {
		return fmt.Errorf("store not initialized")
	}

	// The submission journal lives next to the database so both survive
	// and reset together.
	dbPath, err := pathutil.Expand(h.cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("resolve store path: %w", err)
	}
	idem, err := idempotency.NewStore(filepath.Join(filepath.Dir(dbPath), "idempotency.json"))
	if err != nil {
		return fmt.Errorf("open idempotency journal: %w", err)
	}

	api := httpapi.New(st, h.storeComp.Bus(), h.cfg.Match.MapsDir, idem)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.Handle("/", api.Handler())

	readTimeout, err := config.DurationOrDefault(h.cfg.Server.ReadTimeout, config.DefaultServerReadTimeout)
	if err != nil {
		return fmt.Errorf("parse server read timeout: %w", err)
	}
	writeTimeout, err := config.DurationOrDefault(h.cfg.Server.WriteTimeout, config.DefaultServerWriteTimeout)
	if err != nil {
		return fmt.Errorf("parse server write timeout: %w", err)
	}
	shutdownTimeout, err := config.DurationOrDefault(h.cfg.Server.ShutdownTimeout, config.DefaultServerShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parse server shutdown timeout: %w", err)
	}

	addr := h.cfg.Server.Addr
	if addr == "" {
		addr = config.DefaultServerAddr
	}

	h.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	h.shutdownTTL = shutdownTimeout

	h.initialized = true
	slog.Info("HTTPServer initialized", "component", h.Name(), "addr", addr)
	return nil
}

func (h *HTTPServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.initialized {
		return fmt.Errorf("HTTPServer not initialized")
	}

	// Bind synchronously so an occupied port fails startup instead of a
	// background goroutine.
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.server.Addr, err)
	}
	h.listener = ln

	server := h.server
	notify := h.notify
	concurrency.SafeGoNamed("httpapi.serve", func() {
		slog.Info("HTTP server listening", "component", "HTTPServer", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "component", "HTTPServer", "error", err)
			notify(err)
		}
	}, notify)

	h.started = true
	h.startTime = time.Now()
	slog.Info("HTTPServer started", "component", h.Name())
	return nil
}

func (h *HTTPServerComponent) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		slog.Info("HTTPServer not started, skipping stop", "component", h.Name())
		return nil
	}

	slog.Info("Stopping HTTPServer...", "component", h.Name())
	shutdownCtx, cancel := context.WithTimeout(ctx, h.shutdownTTL)
	defer cancel()

	if err := h.server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTPServer shutdown error", "component", h.Name(), "error", err)
		return err
	}

	h.started = false
	slog.Info("HTTPServer stopped", "component", h.Name())
	return nil
}

func (h *HTTPServerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.initialized {
		return &daemon.ComponentHealth{
			Name:    h.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not initialized"),
		}, nil
	}

	if !h.started {
		return &daemon.ComponentHealth{
			Name:    h.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not started"),
		}, nil
	}

	return &daemon.ComponentHealth{
		Name:    h.Name(),
		Healthy: true,
		Error:   nil,
	}, nil
}

// Addr reports the bound listen address, useful when the configured addr
// left the port to the kernel.
func (h *HTTPServerComponent) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

func (h *HTTPServerComponent) notify(v interface{}) {
	if h.daemon != nil {
		h.daemon.Notify(v)
	}
}

func (h *HTTPServerComponent) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	healthResponse := map[string]interface{}{
		"status": "ok",
	}

	if h.daemon != nil {
		healthResponse["status"] = string(h.daemon.Health())
		healthResponse["uptime"] = h.daemon.Uptime().String()

		componentHealthMap := make(map[string]interface{})
		for name, ch := range h.daemon.ComponentHealth() {
			entry := map[string]interface{}{
				"healthy": ch.Healthy,
			}
			if ch.Error != nil {
				entry["error"] = ch.Error.Error()
			}
			componentHealthMap[name] = entry
		}
		healthResponse["components"] = componentHealthMap
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(healthResponse)
}
