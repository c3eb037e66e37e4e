// Package config loads the small set of engine tunables this core
// owns: buffer size, connect timeout, anchor bind address, and log
// level. CLI parsing, device-identifier lookup, and the rendezvous
// config remain external collaborators (see SPEC_FULL.md).
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// RelayConfig holds the Relay Engine's tunable knobs.
type RelayConfig struct {
	// BufferSize is the per-direction drain buffer capacity in bytes.
	BufferSize int `yaml:"buffer_size,omitempty"`
	// ConnectTimeoutMS is how long the accept loop waits for the
	// dial to the real target to complete, in milliseconds.
	ConnectTimeoutMS int `yaml:"connect_timeout_ms,omitempty"`
	// AnchorBindAddr is the address the anchor listener binds; only
	// the port is ever ephemeral (0), but the bind address itself is
	// configurable for multi-homed hosts.
	AnchorBindAddr string `yaml:"anchor_bind_addr,omitempty"`
	// LogLevel is one of debug/info/warn/error/off.
	LogLevel string `yaml:"log_level,omitempty"`
}

// ConnectTimeout returns ConnectTimeoutMS as a time.Duration.
func (c RelayConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

// defaultConfig matches spec.md §3/§4.2's documented defaults: a 40KiB
// buffer (10*4096), a 3-second connect timeout, and an all-interfaces
// anchor bind address.
func defaultConfig() RelayConfig {
	return RelayConfig{
		BufferSize:       10 * 4096,
		ConnectTimeoutMS: 3000,
		AnchorBindAddr:   "0.0.0.0",
		LogLevel:         "info",
	}
}

// Default returns the same defaults Load() would produce for a config
// file that doesn't exist yet. Exported for callers (tests, or any
// caller wiring up an Engine without a config file on disk) that need
// a RelayConfig without going through the Manager.
func Default() RelayConfig {
	return defaultConfig()
}

// Manager loads/saves a RelayConfig from a YAML file, the same
// read-or-create-default shape as the teacher's ConfigManager.
type Manager struct {
	mu       sync.RWMutex
	config   RelayConfig
	filePath string
}

// NewManager creates a config manager reading from filePath.
func NewManager(filePath string) *Manager {
	return &Manager{filePath: filePath}
}

// Load reads and parses the configuration from disk. If the file does
// not exist, it creates one with default values.
func (m *Manager) Load() error {
	data, err := os.ReadFile(m.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			m.mu.Lock()
			m.config = defaultConfig()
			m.mu.Unlock()
			if saveErr := m.Save(); saveErr != nil {
				return fmt.Errorf("config: failed to create default config: %w", saveErr)
			}
			return nil
		}
		return fmt.Errorf("config: failed to read %s: %w", m.filePath, err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("config: failed to parse %s: %w", m.filePath, err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Save writes the current configuration to disk.
func (m *Manager) Save() error {
	m.mu.RLock()
	data, err := yaml.Marshal(&m.config)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("config: failed to marshal: %w", err)
	}
	if err := os.WriteFile(m.filePath, data, 0644); err != nil {
		return fmt.Errorf("config: failed to write %s: %w", m.filePath, err)
	}
	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() RelayConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}
