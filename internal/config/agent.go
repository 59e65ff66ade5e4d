package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gearbase/gearbase/internal/syncer"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// DefaultSyncSchedule is the cron spec used when none is configured.
const DefaultSyncSchedule = "@every 5m"

// DefaultConfigDir returns the default config directory (~/.gearbase).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".gearbase"), nil
}

// DefaultConfigPath returns the default config file path (~/.gearbase/config.yml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yml"), nil
}

// AgentConfig holds the device agent's configuration.
type AgentConfig struct {
	ServerURL    string        `yaml:"server_url,omitempty"`
	APIKey       string        `yaml:"api_key,omitempty"`
	DeviceID     string        `yaml:"device_id,omitempty"`
	DeviceName   string        `yaml:"device_name,omitempty"`
	DataDir      string        `yaml:"data_dir,omitempty"`
	SyncSchedule string        `yaml:"sync_schedule,omitempty"`
	Sync         syncer.Config `yaml:"sync,omitempty"`
	Proxy        *ProxyConfig  `yaml:"proxy,omitempty"`
}

// ProxyConfig routes agent traffic through a forward proxy. SOCKS5 takes
// precedence over the HTTP proxies when both are set.
type ProxyConfig struct {
	HTTPProxy   string `yaml:"http_proxy,omitempty"`
	HTTPSProxy  string `yaml:"https_proxy,omitempty"`
	SOCKS5Proxy string `yaml:"socks5_proxy,omitempty"`
	// NoProxy is a comma-separated list of hosts that bypass the proxy.
	NoProxy string `yaml:"no_proxy,omitempty"`
}

// HasProxy reports whether any proxy is configured.
func (p *ProxyConfig) HasProxy() bool {
	return p != nil && (p.HTTPProxy != "" || p.HTTPSProxy != "" || p.SOCKS5Proxy != "")
}

// Validate checks that the configuration has required fields for operation.
func (c *AgentConfig) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server_url is required")
	}
	if c.APIKey == "" {
		return errors.New("api_key is required")
	}
	if c.DeviceID == "" {
		return errors.New("device_id is required")
	}
	return nil
}

// IsConfigured returns true if the agent has been registered with a server.
func (c *AgentConfig) IsConfigured() bool {
	return c.ServerURL != "" && c.APIKey != ""
}

// ApplyDefaults fills unset fields. A missing device ID is generated once
// and must be persisted by the caller.
func (c *AgentConfig) ApplyDefaults() error {
	if c.DeviceID == "" {
		c.DeviceID = uuid.NewString()
	}
	if c.DeviceName == "" {
		if host, err := os.Hostname(); err == nil {
			c.DeviceName = host
		}
	}
	if c.DataDir == "" {
		dir, err := DefaultConfigDir()
		if err != nil {
			return err
		}
		c.DataDir = filepath.Join(dir, "data")
	}
	if c.SyncSchedule == "" {
		c.SyncSchedule = DefaultSyncSchedule
	}

	defaults := syncer.DefaultConfig()
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = defaults.BatchSize
	}
	if c.Sync.MaxEntriesPerSync <= 0 {
		c.Sync.MaxEntriesPerSync = defaults.MaxEntriesPerSync
	}
	if c.Sync.MaxRetries <= 0 {
		c.Sync.MaxRetries = defaults.MaxRetries
	}
	if c.Sync.HealthCheckPeriod <= 0 {
		c.Sync.HealthCheckPeriod = defaults.HealthCheckPeriod
	}
	if c.Sync.SyncInterval <= 0 {
		c.Sync.SyncInterval = defaults.SyncInterval
	}
	if c.Sync.RequestTimeout <= 0 {
		c.Sync.RequestTimeout = defaults.RequestTimeout
	}
	return nil
}

// Load reads the configuration from the given path.
// If the file does not exist, an empty config is returned.
func Load(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &AgentConfig{}, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return &cfg, nil
}

// Save writes the configuration to the given path, creating directories as needed.
func (c *AgentConfig) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// The file holds the API key.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}
