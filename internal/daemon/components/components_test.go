package components

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/okarsono/arbiter/internal/config"
	"github.com/okarsono/arbiter/internal/daemon"
	"github.com/okarsono/arbiter/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Match: config.MatchConfig{
			RuntimeDir: t.TempDir(),
			MapsDir:    t.TempDir(),
		},
		Server: config.ServerConfig{Addr: "127.0.0.1:0"},
		Store:  config.StoreConfig{Path: filepath.Join(t.TempDir(), "arbiter.db")},
		Ranked: config.RankedConfig{Enabled: true, Schedule: "@every 1h"},
	}
}

func initStoreComponent(t *testing.T, cfg *config.Config) *StoreComponent {
	t.Helper()
	comp := NewStoreComponent(&cfg.Store)
	if err := comp.Init(context.Background()); err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	t.Cleanup(func() {
		if comp.Store() != nil {
			comp.Store().Close()
		}
	})
	return comp
}

func TestStoreComponentLifecycle(t *testing.T) {
	cfg := testConfig(t)
	comp := NewStoreComponent(&cfg.Store)
	ctx := context.Background()

	if health, _ := comp.Health(ctx); health.Healthy {
		t.Error("component healthy before init")
	}

	if err := comp.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if comp.Store() == nil {
		t.Fatal("Store() is nil after init")
	}
	if comp.Bus() == nil {
		t.Fatal("Bus() is nil after init")
	}

	if health, _ := comp.Health(ctx); health.Healthy {
		t.Error("component healthy before start")
	}

	if err := comp.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if health, _ := comp.Health(ctx); !health.Healthy {
		t.Errorf("component unhealthy after start: %v", health.Error)
	}

	if err := comp.Stop(ctx); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if health, _ := comp.Health(ctx); health.Healthy {
		t.Error("component healthy after stop")
	}
}

func TestStoreComponentRejectsMissingPath(t *testing.T) {
	comp := NewStoreComponent(&config.StoreConfig{})
	if err := comp.Init(context.Background()); err == nil {
		t.Error("expected error for empty store path")
	}
}

func TestStoreComponentRequeuesOrphansOnStart(t *testing.T) {
	cfg := testConfig(t)
	comp := initStoreComponent(t, cfg)
	ctx := context.Background()

	st := comp.Store()
	if err := st.CreateMatch(&store.Match{ID: "m-orphan", Map: "flat"}); err != nil {
		t.Fatalf("CreateMatch() failed: %v", err)
	}
	if _, err := st.ClaimQueued(); err != nil {
		t.Fatalf("ClaimQueued() failed: %v", err)
	}

	if err := comp.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	m, err := st.GetMatch("m-orphan")
	if err != nil {
		t.Fatalf("GetMatch() failed: %v", err)
	}
	if m.Status != store.StatusQueued {
		t.Errorf("orphan status = %s, want %s", m.Status, store.StatusQueued)
	}
}

func TestHTTPServerComponentServesAPI(t *testing.T) {
	cfg := testConfig(t)
	storeComp := initStoreComponent(t, cfg)

	d, err := daemon.NewDaemon(cfg)
	if err != nil {
		t.Fatalf("NewDaemon() failed: %v", err)
	}

	comp := NewHTTPServerComponent(d, cfg, storeComp)
	ctx := context.Background()

	if got := comp.Dependencies(); len(got) != 1 || got[0] != "Store" {
		t.Errorf("Dependencies() = %v, want [Store]", got)
	}

	if err := comp.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if err := comp.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer comp.Stop(ctx)

	addr := comp.Addr()
	if addr == "" {
		t.Fatal("Addr() empty after start")
	}

	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(fmt.Sprintf("http://%s/health", addr))
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	resp2, err := client.Get(fmt.Sprintf("http://%s/healthz", addr))
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("GET /healthz status = %d, want %d", resp2.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(resp2.Body)
	if len(body) == 0 {
		t.Error("healthz returned empty body")
	}

	resp3, err := client.Post(fmt.Sprintf("http://%s/healthz", addr), "application/json", nil)
	if err != nil {
		t.Fatalf("POST /healthz failed: %v", err)
	}
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /healthz status = %d, want %d", resp3.StatusCode, http.StatusMethodNotAllowed)
	}
}

func TestHTTPServerComponentRequiresStore(t *testing.T) {
	cfg := testConfig(t)

	comp := NewHTTPServerComponent(nil, cfg, nil)
	if err := comp.Init(context.Background()); err == nil {
		t.Error("expected error for missing store component")
	}

	uninitialized := NewStoreComponent(&cfg.Store)
	comp = NewHTTPServerComponent(nil, cfg, uninitialized)
	if err := comp.Init(context.Background()); err == nil {
		t.Error("expected error for uninitialized store component")
	}
}

func TestRankedComponentLifecycle(t *testing.T) {
	cfg := testConfig(t)
	storeComp := initStoreComponent(t, cfg)
	if err := storeComp.Start(context.Background()); err != nil {
		t.Fatalf("store start failed: %v", err)
	}

	comp := NewRankedComponent(cfg, storeComp)
	ctx := context.Background()

	if got := comp.Dependencies(); len(got) != 1 || got[0] != "Store" {
		t.Errorf("Dependencies() = %v, want [Store]", got)
	}

	if health, _ := comp.Health(ctx); health.Healthy {
		t.Error("component healthy before init")
	}

	if err := comp.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if err := comp.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if health, _ := comp.Health(ctx); !health.Healthy {
		t.Errorf("component unhealthy after start: %v", health.Error)
	}
	if comp.Runner() == nil {
		t.Fatal("Runner() is nil after init")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := comp.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if health, _ := comp.Health(ctx); health.Healthy {
		t.Error("component healthy after stop")
	}
}

func TestRankedComponentRejectsBadSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ranked.Schedule = "sometimes"
	storeComp := initStoreComponent(t, cfg)

	comp := NewRankedComponent(cfg, storeComp)
	if err := comp.Init(context.Background()); err == nil {
		t.Error("expected error for bad schedule")
	}
}
