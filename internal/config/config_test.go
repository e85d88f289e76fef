package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Log.Level)
	assert.Equal(t, DefaultLogFormat, cfg.Log.Format)
	assert.Equal(t, DefaultMatchTransport, cfg.Match.Transport)
	assert.Equal(t, DefaultMatchTCPPort, cfg.Match.TCPPort)
	assert.Equal(t, DefaultMatchTimePool, cfg.Match.TimePool)
	assert.Equal(t, DefaultMatchLogLimitBytes, cfg.Match.LogLimitBytes)
	assert.Equal(t, DefaultMatchMaxRounds, cfg.Match.MaxRounds)
	assert.Equal(t, DefaultSandboxMode, cfg.Sandbox.Mode)
	assert.Equal(t, DefaultSandboxMemoryMB, cfg.Sandbox.MemoryMB)
	assert.Equal(t, DefaultServerAddr, cfg.Server.Addr)
	assert.False(t, cfg.Ranked.Enabled)
	assert.Equal(t, DefaultRankedSchedule, cfg.Ranked.Schedule)
}

func TestLoadFromConfigFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
log:
  level: debug
match:
  transport: tcp
  tcp_port: 19999
  time_pool: 30s
sandbox:
  mode: process
  memory_mb: 512
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "")
	require.NoError(t, cmd.Flags().Set("config", configPath))

	cfg, err := Load(cmd)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "tcp", cfg.Match.Transport)
	assert.Equal(t, 19999, cfg.Match.TCPPort)
	assert.Equal(t, "30s", cfg.Match.TimePool)
	assert.Equal(t, int64(512), cfg.Sandbox.MemoryMB)

	// Untouched keys keep their defaults.
	assert.Equal(t, DefaultLogFormat, cfg.Log.Format)
	assert.Equal(t, DefaultMatchMaxRounds, cfg.Match.MaxRounds)
}

func TestLoadMissingConfigFile(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "")
	require.NoError(t, cmd.Flags().Set("config", "/nonexistent/config.yaml"))

	_, err := Load(cmd)
	assert.Error(t, err)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("ARBITER_LOG_LEVEL", "warn")
	t.Setenv("ARBITER_MATCH_MAX_ROUNDS", "250")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 250, cfg.Match.MaxRounds)
}

func TestLoadRejectsBadTransport(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("ARBITER_MATCH_TRANSPORT", "carrier-pigeon")

	_, err := Load(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "match.transport")
}

func TestLoadRejectsContainerOverTCP(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("ARBITER_SANDBOX_MODE", "container")
	t.Setenv("ARBITER_MATCH_TRANSPORT", "tcp")

	_, err := Load(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "container")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("ARBITER_MATCH_TIME_POOL", "very fast")

	_, err := Load(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "match.time_pool")
}

func TestLoadExpandsPaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("ARBITER_MATCH_RUNTIME_DIR", "~/runs")
	t.Setenv("ARBITER_STORE_PATH", "~/data/arbiter.db")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "runs"), cfg.Match.RuntimeDir)
	assert.Equal(t, filepath.Join(home, "data", "arbiter.db"), cfg.Store.Path)
}

func TestDurationOrDefault(t *testing.T) {
	d, err := DurationOrDefault("250ms", "1s")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	d, err = DurationOrDefault("", "1s")
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	_, err = DurationOrDefault("soon", "1s")
	assert.Error(t, err)
}

func TestMustDurationPanicsOnGarbage(t *testing.T) {
	assert.Panics(t, func() {
		MustDuration("eventually", "")
	})
}
