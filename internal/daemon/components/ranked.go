package components

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/okarsono/arbiter/internal/config"
	"github.com/okarsono/arbiter/internal/daemon"
	"github.com/okarsono/arbiter/internal/ranked"
)

// RankedComponent runs the queue-draining runner when ranked play is
// enabled in the config.
type RankedComponent struct {
	runner    *ranked.Runner
	cfg       *config.Config
	storeComp *StoreComponent
}

func NewRankedComponent(cfg *config.Config, storeComp *StoreComponent) *RankedComponent {
	return &RankedComponent{
		cfg:       cfg,
		storeComp: storeComp,
	}
}

func (r *RankedComponent) Name() string {
	return "Ranked"
}

func (r *RankedComponent) Dependencies() []string {
	return []string{"Store"}
}

func (r *RankedComponent) Init(ctx context.Context) error {
	if r.storeComp == nil {
		return fmt.Errorf("store component not provided")
	}

	st := r.storeComp.Store()
	if st == nil {
		return fmt.Errorf("store not initialized")
	}

	runner, err := ranked.New(r.cfg, st, r.storeComp.Bus())
	if err != nil {
		return fmt.Errorf("failed to create ranked runner: %w", err)
	}
	r.runner = runner

	if err := r.runner.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize ranked runner: %w", err)
	}

	slog.Info("Ranked initialized", "component", r.Name())
	return nil
}

func (r *RankedComponent) Start(ctx context.Context) error {
	if r.runner == nil {
		return fmt.Errorf("ranked runner not initialized")
	}

	if err := r.runner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start ranked runner: %w", err)
	}

	slog.Info("Ranked started", "component", r.Name())
	return nil
}

func (r *RankedComponent) Stop(ctx context.Context) error {
	if r.runner == nil {
		slog.Info("Ranked not initialized, skipping stop", "component", r.Name())
		return nil
	}

	if err := r.runner.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop ranked runner: %w", err)
	}

	slog.Info("Ranked stopped", "component", r.Name())
	return nil
}

func (r *RankedComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	if r.runner == nil {
		return &daemon.ComponentHealth{
			Name:    r.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not initialized"),
		}, nil
	}

	err := r.runner.Health(ctx)

	if err != nil {
		return &daemon.ComponentHealth{
			Name:    r.Name(),
			Healthy: false,
			Error:   err,
		}, nil
	}

	return &daemon.ComponentHealth{
		Name:    r.Name(),
		Healthy: true,
		Error:   nil,
	}, nil
}

func (r *RankedComponent) Runner() *ranked.Runner {
	return r.runner
}
