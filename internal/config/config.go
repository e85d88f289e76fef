package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/okarsono/arbiter/internal/pathutil"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Log     LogConfig     `koanf:"log"`
	Match   MatchConfig   `koanf:"match"`
	Sandbox SandboxConfig `koanf:"sandbox"`
	Server  ServerConfig  `koanf:"server"`
	Store   StoreConfig   `koanf:"store"`
	Ranked  RankedConfig  `koanf:"ranked"`
	Daemon  DaemonConfig  `koanf:"daemon"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type MatchConfig struct {
	// Transport selects how players reach the match server: "unix" or "tcp".
	Transport      string `koanf:"transport"`
	TCPPort        int    `koanf:"tcp_port"`
	TimePool       string `koanf:"time_pool"`
	TimeAdditional string `koanf:"time_additional"`
	LogLimitBytes  int64  `koanf:"log_limit_bytes"`
	EchoLogs       bool   `koanf:"echo_logs"`
	MaxRounds      int    `koanf:"max_rounds"`
	RuntimeDir     string `koanf:"runtime_dir"`
	MapsDir        string `koanf:"maps_dir"`
}

type SandboxConfig struct {
	// Mode selects the sandbox variant: "process" or "container".
	Mode             string  `koanf:"mode"`
	Image            string  `koanf:"image"`
	MemoryMB         int64   `koanf:"memory_mb"`
	CPUs             float64 `koanf:"cpus"`
	PidsLimit        int64   `koanf:"pids_limit"`
	AgentPath        string  `koanf:"agent_path"`
	HandshakeTimeout string  `koanf:"handshake_timeout"`
	AckTimeout       string  `koanf:"ack_timeout"`
	LockTimeout      string  `koanf:"lock_timeout"`
	LockRetry        string  `koanf:"lock_retry"`
}

type ServerConfig struct {
	Addr            string `koanf:"addr"`
	ReadTimeout     string `koanf:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

type StoreConfig struct {
	Path string `koanf:"path"`
}

type RankedConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Schedule string `koanf:"schedule"`
}

type DaemonConfig struct {
	ShutdownTimeout     string `koanf:"shutdown_timeout"`
	HealthCheckInterval string `koanf:"health_check_interval"`
	StartupTimeout      string `koanf:"startup_timeout"`
}

const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"

	DefaultMatchTransport      = "unix"
	DefaultMatchTCPPort        = 16147
	DefaultMatchTimePool       = "10s"
	DefaultMatchTimeAdditional = "50ms"
	DefaultMatchLogLimitBytes  = int64(1 << 20)
	DefaultMatchMaxRounds      = 1000

	DefaultSandboxMode             = "process"
	DefaultSandboxImage            = "arbiter/player:latest"
	DefaultSandboxMemoryMB         = int64(256)
	DefaultSandboxCPUs             = 1.0
	DefaultSandboxPidsLimit        = int64(128)
	DefaultSandboxHandshakeTimeout = "30s"
	DefaultSandboxAckTimeout       = "2s"
	DefaultSandboxLockTimeout      = "10s"
	DefaultSandboxLockRetry        = "100ms"

	DefaultServerAddr            = "127.0.0.1:8147"
	DefaultServerReadTimeout     = "10s"
	DefaultServerWriteTimeout    = "10s"
	DefaultServerShutdownTimeout = "5s"

	DefaultRankedSchedule = "@every 5s"

	DefaultDaemonShutdownTimeout     = "30s"
	DefaultDaemonHealthCheckInterval = "30s"
	DefaultDaemonStartupTimeout      = "10s"
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	// Hardcoded Defaults
	defaults := map[string]interface{}{
		"log.level":                     DefaultLogLevel,
		"log.format":                    DefaultLogFormat,
		"match.transport":               DefaultMatchTransport,
		"match.tcp_port":                DefaultMatchTCPPort,
		"match.time_pool":               DefaultMatchTimePool,
		"match.time_additional":         DefaultMatchTimeAdditional,
		"match.log_limit_bytes":         DefaultMatchLogLimitBytes,
		"match.echo_logs":               false,
		"match.max_rounds":              DefaultMatchMaxRounds,
		"match.runtime_dir":             filepath.Join(os.Getenv("HOME"), ".arbiter", "matches"),
		"match.maps_dir":                filepath.Join(os.Getenv("HOME"), ".arbiter", "maps"),
		"sandbox.mode":                  DefaultSandboxMode,
		"sandbox.image":                 DefaultSandboxImage,
		"sandbox.memory_mb":             DefaultSandboxMemoryMB,
		"sandbox.cpus":                  DefaultSandboxCPUs,
		"sandbox.pids_limit":            DefaultSandboxPidsLimit,
		"sandbox.agent_path":            "",
		"sandbox.handshake_timeout":     DefaultSandboxHandshakeTimeout,
		"sandbox.ack_timeout":           DefaultSandboxAckTimeout,
		"sandbox.lock_timeout":          DefaultSandboxLockTimeout,
		"sandbox.lock_retry":            DefaultSandboxLockRetry,
		"server.addr":                   DefaultServerAddr,
		"server.read_timeout":           DefaultServerReadTimeout,
		"server.write_timeout":          DefaultServerWriteTimeout,
		"server.shutdown_timeout":       DefaultServerShutdownTimeout,
		"store.path":                    filepath.Join(os.Getenv("HOME"), ".arbiter", "arbiter.db"),
		"ranked.enabled":                false,
		"ranked.schedule":               DefaultRankedSchedule,
		"daemon.shutdown_timeout":       DefaultDaemonShutdownTimeout,
		"daemon.health_check_interval":  DefaultDaemonHealthCheckInterval,
		"daemon.startup_timeout":        DefaultDaemonStartupTimeout,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".arbiter", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// Environment Variables. Only the first underscore separates the
	// section, so ARBITER_MATCH_TIME_POOL maps to match.time_pool.
	k.Load(env.Provider("ARBITER_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "ARBITER_")), "_", ".", 1)
	}), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	switch cfg.Match.Transport {
	case "unix", "tcp":
	default:
		return fmt.Errorf("match.transport must be unix or tcp, got %q", cfg.Match.Transport)
	}

	switch cfg.Sandbox.Mode {
	case "process", "container":
	default:
		return fmt.Errorf("sandbox.mode must be process or container, got %q", cfg.Sandbox.Mode)
	}

	// Containers run with networking disabled, so the match socket has to be
	// a file the orchestrator can mount into them.
	if cfg.Sandbox.Mode == "container" && cfg.Match.Transport != "unix" {
		return fmt.Errorf("sandbox.mode container requires match.transport unix")
	}

	if cfg.Match.TCPPort < 1 || cfg.Match.TCPPort > 65535 {
		return fmt.Errorf("invalid match.tcp_port: %d (must be 1-65535)", cfg.Match.TCPPort)
	}

	if cfg.Match.LogLimitBytes <= 0 {
		return fmt.Errorf("match.log_limit_bytes must be positive, got %d", cfg.Match.LogLimitBytes)
	}

	durations := map[string]string{
		"match.time_pool":              cfg.Match.TimePool,
		"match.time_additional":        cfg.Match.TimeAdditional,
		"sandbox.handshake_timeout":    cfg.Sandbox.HandshakeTimeout,
		"sandbox.ack_timeout":          cfg.Sandbox.AckTimeout,
		"sandbox.lock_timeout":         cfg.Sandbox.LockTimeout,
		"sandbox.lock_retry":           cfg.Sandbox.LockRetry,
		"server.read_timeout":          cfg.Server.ReadTimeout,
		"server.write_timeout":         cfg.Server.WriteTimeout,
		"server.shutdown_timeout":      cfg.Server.ShutdownTimeout,
		"daemon.shutdown_timeout":      cfg.Daemon.ShutdownTimeout,
		"daemon.health_check_interval": cfg.Daemon.HealthCheckInterval,
		"daemon.startup_timeout":       cfg.Daemon.StartupTimeout,
	}
	for key, value := range durations {
		if _, err := DurationOrDefault(value, ""); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}

	return nil
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	fields := []*string{
		&cfg.Match.RuntimeDir,
		&cfg.Match.MapsDir,
		&cfg.Store.Path,
		&cfg.Sandbox.AgentPath,
	}
	for _, field := range fields {
		expanded, err := expandConfiguredPath(*field)
		if err != nil {
			return err
		}
		if expanded != "" {
			*field = expanded
		}
	}

	return nil
}

func expandConfiguredPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	expanded, err := pathutil.Expand(trimmed)
	if err != nil {
		return "", err
	}
	return expanded, nil
}
