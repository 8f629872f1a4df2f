// Package config holds the persistent agent configuration. Discovery
// and the server both take their default port from DefaultAgentPort so
// a fresh discovery run can always find a default-configured server.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "fleetd"
	// DefaultAgentPort is the TCP port agents listen on and discovery
	// probes. The two must never diverge.
	DefaultAgentPort = 23500
	// DefaultProbeTimeout bounds one discovery reachability probe.
	DefaultProbeTimeout = time.Second
	// DefaultClientTimeout bounds connect plus one round trip of a
	// client RPC.
	DefaultClientTimeout = 10 * time.Second
	// DefaultSyncInterval is the period of the background sync loop.
	DefaultSyncInterval = time.Minute
	// DefaultProbeConcurrency caps parallel subnet-scan probes.
	DefaultProbeConcurrency = 32
	// configFileName is the persisted configuration file.
	configFileName = "agent.json"
)

// AgentConfig contains persistent local-agent settings.
type AgentConfig struct {
	AgentID          string `json:"agent_id"`
	Hostname         string `json:"hostname,omitempty"`
	AgentPort        int    `json:"agent_port"`
	Token            string `json:"token,omitempty"`
	ProbeTimeoutMS   int    `json:"probe_timeout_ms"`
	ClientTimeoutMS  int    `json:"client_timeout_ms"`
	SyncIntervalSec  int    `json:"sync_interval_sec"`
	ProbeConcurrency int    `json:"probe_concurrency"`
	MDNSEnabled      bool   `json:"mdns_enabled"`
}

// ProbeTimeout returns the discovery probe timeout as a duration.
func (c *AgentConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMS) * time.Millisecond
}

// ClientTimeout returns the client RPC timeout as a duration.
func (c *AgentConfig) ClientTimeout() time.Duration {
	return time.Duration(c.ClientTimeoutMS) * time.Millisecond
}

// SyncInterval returns the background sync period as a duration.
func (c *AgentConfig) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSec) * time.Second
}

// LocalHostname returns the configured hostname override or the OS
// hostname, falling back to "unknown".
func (c *AgentConfig) LocalHostname() string {
	if c.Hostname != "" {
		return c.Hostname
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unknown"
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If FLEETD_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("FLEETD_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to agent.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// Load reads and unmarshals agent.json from disk.
func Load(path string) (*AgentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg AgentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes agent.json to disk.
func Save(path string, cfg *AgentConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then
// returns the config and its path.
func LoadOrCreate() (*AgentConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create data directory %q: %w", dataDir, err)
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig() *AgentConfig {
	return &AgentConfig{
		AgentID:          uuid.NewString(),
		AgentPort:        DefaultAgentPort,
		ProbeTimeoutMS:   int(DefaultProbeTimeout / time.Millisecond),
		ClientTimeoutMS:  int(DefaultClientTimeout / time.Millisecond),
		SyncIntervalSec:  int(DefaultSyncInterval / time.Second),
		ProbeConcurrency: DefaultProbeConcurrency,
		MDNSEnabled:      false,
	}
}

func normalizeDefaults(cfg *AgentConfig) bool {
	updated := false

	if cfg.AgentID == "" {
		cfg.AgentID = uuid.NewString()
		updated = true
	}
	if cfg.AgentPort <= 0 || cfg.AgentPort > 65535 {
		cfg.AgentPort = DefaultAgentPort
		updated = true
	}
	if cfg.ProbeTimeoutMS <= 0 {
		cfg.ProbeTimeoutMS = int(DefaultProbeTimeout / time.Millisecond)
		updated = true
	}
	if cfg.ClientTimeoutMS <= 0 {
		cfg.ClientTimeoutMS = int(DefaultClientTimeout / time.Millisecond)
		updated = true
	}
	if cfg.SyncIntervalSec <= 0 {
		cfg.SyncIntervalSec = int(DefaultSyncInterval / time.Second)
		updated = true
	}
	if cfg.ProbeConcurrency <= 0 {
		cfg.ProbeConcurrency = DefaultProbeConcurrency
		updated = true
	}

	return updated
}
