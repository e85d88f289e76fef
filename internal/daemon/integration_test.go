package daemon_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/okarsono/arbiter/internal/config"
	"github.com/okarsono/arbiter/internal/daemon"
	"github.com/okarsono/arbiter/internal/daemon/components"
	"github.com/okarsono/arbiter/internal/player"
)

func integrationConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Match: config.MatchConfig{
			RuntimeDir: t.TempDir(),
			MapsDir:    t.TempDir(),
		},
		Server: config.ServerConfig{Addr: "127.0.0.1:0"},
		Store:  config.StoreConfig{Path: filepath.Join(t.TempDir(), "arbiter.db")},
		Ranked: config.RankedConfig{Enabled: true, Schedule: "@every 1h"},
		Daemon: config.DaemonConfig{
			ShutdownTimeout:     "5s",
			HealthCheckInterval: "50ms",
			StartupTimeout:      "5s",
		},
	}
}

func writeBotDir(t *testing.T, name string) string {
	t.Helper()
	dir := t.TempDir()
	manifest := fmt.Sprintf("name: %s\nrun: python3 main.py\n", name)
	if err := os.WriteFile(filepath.Join(dir, player.ManifestName), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func waitForStatus(t *testing.T, d *daemon.Daemon, want daemon.HealthStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if d.Health() == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("daemon never reached %s, stuck at %s", want, d.Health())
}

func TestDaemonFullLifecycle(t *testing.T) {
	cfg := integrationConfig(t)

	d, err := daemon.NewDaemon(cfg)
	if err != nil {
		t.Fatalf("Failed to create daemon: %v", err)
	}

	storeComp := components.NewStoreComponent(&cfg.Store)
	d.AddComponent(storeComp)

	httpComp := components.NewHTTPServerComponent(d, cfg, storeComp)
	d.AddComponent(httpComp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startDone := make(chan error, 1)
	go func() {
		startDone <- d.Start(ctx)
	}()

	waitForStatus(t, d, daemon.StatusRunning)

	healths := d.ComponentHealth()
	if len(healths) != 2 {
		t.Errorf("Expected 2 components, got %d", len(healths))
	}
	for name, health := range healths {
		if !health.Healthy {
			t.Errorf("Component %s unhealthy: %v", name, health.Error)
		}
	}

	addr := httpComp.Addr()
	if addr == "" {
		t.Fatal("HTTP component reported no address")
	}
	client := &http.Client{Timeout: 2 * time.Second}

	healthResp, err := client.Get(fmt.Sprintf("http://%s/healthz", addr))
	if err != nil {
		t.Fatalf("Failed to get healthz endpoint: %v", err)
	}
	defer healthResp.Body.Close()
	if healthResp.StatusCode != http.StatusOK {
		t.Errorf("Expected status OK, got %v", healthResp.StatusCode)
	}
	body, err := io.ReadAll(healthResp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	if !strings.Contains(string(body), "running") {
		t.Errorf("healthz body does not report running: %s", body)
	}

	// A match submitted over the API lands in the registry as queued.
	submission := map[string]interface{}{
		"players": []string{writeBotDir(t, "alpha"), writeBotDir(t, "beta")},
	}
	payload, _ := json.Marshal(submission)
	submitResp, err := client.Post(
		fmt.Sprintf("http://%s/api/matches", addr), "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Failed to submit match: %v", err)
	}
	defer submitResp.Body.Close()
	if submitResp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(submitResp.Body)
		t.Fatalf("Expected status Created, got %v: %s", submitResp.StatusCode, raw)
	}

	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(submitResp.Body).Decode(&created); err != nil {
		t.Fatalf("Failed to decode submit response: %v", err)
	}
	if created.Status != "queued" {
		t.Errorf("Submitted match status = %s, want queued", created.Status)
	}

	m, err := storeComp.Store().GetMatch(created.ID)
	if err != nil {
		t.Fatalf("Submitted match not in registry: %v", err)
	}
	if m.Map != "quickstart" {
		t.Errorf("Match map = %s, want quickstart", m.Map)
	}

	cancel()

	select {
	case err := <-startDone:
		if err == nil {
			t.Error("Daemon.Start() should have returned error when context cancelled")
		} else if !strings.Contains(err.Error(), "context canceled") && !strings.Contains(err.Error(), "shutdown cancelled") {
			t.Errorf("Daemon.Start() returned unexpected error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Error("Daemon did not shut down within timeout")
	}

	if d.Health() != daemon.StatusStopped {
		t.Errorf("Expected StatusStopped after shutdown, got %v", d.Health())
	}
}

func TestDaemonWithRankedRunner(t *testing.T) {
	cfg := integrationConfig(t)

	d, err := daemon.NewDaemon(cfg)
	if err != nil {
		t.Fatalf("Failed to create daemon: %v", err)
	}

	storeComp := components.NewStoreComponent(&cfg.Store)
	httpComp := components.NewHTTPServerComponent(d, cfg, storeComp)
	rankedComp := components.NewRankedComponent(cfg, storeComp)

	// Registration order is deliberately scrambled; init order comes from
	// the dependency graph.
	d.AddComponent(rankedComp)
	d.AddComponent(httpComp)
	d.AddComponent(storeComp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startDone := make(chan error, 1)
	go func() {
		startDone <- d.Start(ctx)
	}()

	waitForStatus(t, d, daemon.StatusRunning)

	healths := d.ComponentHealth()
	if len(healths) != 3 {
		t.Errorf("Expected 3 components, got %d", len(healths))
	}
	for name, health := range healths {
		if !health.Healthy {
			t.Errorf("Component %s unhealthy: %v", name, health.Error)
		}
	}

	if rankedComp.Runner() == nil {
		t.Error("Ranked runner missing after start")
	}

	cancel()

	select {
	case <-startDone:
	case <-time.After(10 * time.Second):
		t.Error("Daemon did not shut down within timeout")
	}

	if d.Health() != daemon.StatusStopped {
		t.Errorf("Expected StatusStopped after shutdown, got %v", d.Health())
	}
}

func TestDaemonRollbackOnInitFailure(t *testing.T) {
	cfg := integrationConfig(t)
	cfg.Ranked.Schedule = "not a schedule"

	d, err := daemon.NewDaemon(cfg)
	if err != nil {
		t.Fatalf("Failed to create daemon: %v", err)
	}

	storeComp := components.NewStoreComponent(&cfg.Store)
	d.AddComponent(storeComp)
	d.AddComponent(components.NewRankedComponent(cfg, storeComp))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.Start(ctx); err == nil {
		t.Fatal("Start() should fail on a bad ranked schedule")
	} else if !strings.Contains(err.Error(), "initialization failed") {
		t.Errorf("unexpected error: %v", err)
	}

	if d.Health() != daemon.StatusStopped {
		t.Errorf("Expected StatusStopped after rollback, got %v", d.Health())
	}
}
