// Package appconfig loads and validates the YAML application configuration.
package appconfig

import (
	"os"
	"path/filepath"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int                 `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string              `mapstructure:"state_dir" yaml:"state_dir"`
	Store         StoreConfig         `mapstructure:"store" yaml:"store"`
	Agent         AgentConfig         `mapstructure:"agent" yaml:"agent"`
	HTTP          HTTPConfig          `mapstructure:"http" yaml:"http"`
	Bridge        BridgeConfig        `mapstructure:"bridge" yaml:"bridge"`
	Notifications NotificationsConfig `mapstructure:"notifications" yaml:"notifications"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// StoreConfig locates the repository store.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// AgentConfig configures how agent processes are spawned.
type AgentConfig struct {
	Binary string            `mapstructure:"binary" yaml:"binary"`
	Args   []string          `mapstructure:"args" yaml:"args"`
	Env    map[string]string `mapstructure:"env" yaml:"env"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	BaseURL  string `mapstructure:"base_url" yaml:"base_url"`
	BasePath string `mapstructure:"base_path" yaml:"base_path"`
}

// BridgeConfig tunes event bridging.
type BridgeConfig struct {
	RefreshDebounceMS     int `mapstructure:"refresh_debounce_ms" yaml:"refresh_debounce_ms"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds" yaml:"request_timeout_seconds"`
}

// NotificationsConfig controls desktop notification delivery.
type NotificationsConfig struct {
	Desktop bool `mapstructure:"desktop" yaml:"desktop"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	stateDir := filepath.Join(home, ".agentdeck")
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      stateDir,
		Store: StoreConfig{
			Path: filepath.Join(stateDir, "repos.json"),
		},
		Agent: AgentConfig{
			Binary: "codex",
			Args:   []string{},
			Env:    map[string]string{},
		},
		HTTP: HTTPConfig{
			Addr:     ":27490",
			BaseURL:  "",
			BasePath: "",
		},
		Bridge: BridgeConfig{
			RefreshDebounceMS:     500,
			RequestTimeoutSeconds: 0,
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".agentdeck", "config.yaml"), nil
}
