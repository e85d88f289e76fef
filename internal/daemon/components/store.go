// Package components wires the serve runtime's units (registry, HTTP API,
// ranked runner) into the daemon's lifecycle contract.
package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/okarsono/arbiter/internal/config"
	"github.com/okarsono/arbiter/internal/daemon"
	"github.com/okarsono/arbiter/internal/store"
)

// StoreComponent owns the SQLite match registry and the in-process event
// bus that fans registry events out to API watchers.
type StoreComponent struct {
	storeCfg    *config.StoreConfig
	store       *store.Store
	bus         *store.EventBus
	initialized bool
	started     bool
	mu          sync.RWMutex
	startTime   time.Time
}

func NewStoreComponent(storeCfg *config.StoreConfig) *StoreComponent {
	return &StoreComponent{
		storeCfg:    storeCfg,
		initialized: false,
		started:     false,
	}
}

func (s *StoreComponent) Name() string {
	return "Store"
}

func (s *StoreComponent) Dependencies() []string {
	return []string{}
}

func (s *StoreComponent) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("Store init cancelled: %w", ctx.Err())
	default:
	}

	if s.storeCfg == nil || s.storeCfg.Path == "" {
		return fmt.Errorf("store path not configured")
	}

	st, err := store.Open(s.storeCfg.Path)
	if err != nil {
		return fmt.Errorf("open match registry: %w", err)
	}

	s.store = st
	s.bus = store.NewEventBus()
	s.initialized = true
	slog.Info("Store initialized", "component", s.Name(), "path", s.storeCfg.Path)
	return nil
}

func (s *StoreComponent) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return fmt.Errorf("Store not initialized")
	}

	// Claims left behind by a crashed daemon go back in the queue.
	requeued, err := s.store.RequeueOrphans()
	if err != nil {
		return fmt.Errorf("requeue orphaned matches: %w", err)
	}
	if requeued > 0 {
		slog.Info("Requeued orphaned matches", "component", s.Name(), "count", requeued)
	}

	s.started = true
	s.startTime = time.Now()
	slog.Info("Store started", "component", s.Name())
	return nil
}

func (s *StoreComponent) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		slog.Info("Store not started, skipping stop", "component", s.Name())
		return nil
	}

	slog.Info("Stopping Store...", "component", s.Name())
	if err := s.store.Close(); err != nil {
		slog.Error("Store close error", "component", s.Name(), "error", err)
		return err
	}

	s.started = false
	slog.Info("Store stopped", "component", s.Name())
	return nil
}

func (s *StoreComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return &daemon.ComponentHealth{
			Name:    s.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not initialized"),
		}, nil
	}

	if !s.started {
		return &daemon.ComponentHealth{
			Name:    s.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not started"),
		}, nil
	}

	if _, err := s.store.ListMatches(1); err != nil {
		return &daemon.ComponentHealth{
			Name:    s.Name(),
			Healthy: false,
			Error:   fmt.Errorf("registry unreachable: %w", err),
		}, nil
	}

	return &daemon.ComponentHealth{
		Name:    s.Name(),
		Healthy: true,
		Error:   nil,
	}, nil
}

func (s *StoreComponent) Store() *store.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store
}

func (s *StoreComponent) Bus() *store.EventBus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bus
}
