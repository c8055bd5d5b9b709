package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

var (
	exeDirCache string
)

// getExecutableDir returns the directory where the executable is located
func getExecutableDir() string {
	if exeDirCache != "" {
		return exeDirCache
	}
	execPath, err := os.Executable()
	if err != nil {
		exeDirCache = "."
		return exeDirCache
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		exeDirCache = "."
		return exeDirCache
	}
	exeDirCache = filepath.Dir(execPath)
	return exeDirCache
}

// Config is the top-level keel configuration
type Config struct {
	AI        AIConfig        `yaml:"ai,omitempty"`
	Relay     RelayConfig     `yaml:"relay,omitempty"`
	Scheduler SchedulerConfig `yaml:"scheduler,omitempty"`
	Storage   StorageConfig   `yaml:"storage,omitempty"`
	Logging   LoggingConfig   `yaml:"logging,omitempty"`
}

type AIConfig struct {
	Provider string `yaml:"provider,omitempty"`
	APIKey   string `yaml:"api_key,omitempty"`
	BaseURL  string `yaml:"base_url,omitempty"`
	Model    string `yaml:"model,omitempty"`
}

// RelayConfig points at the external execution runtime
type RelayConfig struct {
	Endpoint       string `yaml:"endpoint,omitempty"`
	Token          string `yaml:"token,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
}

type SchedulerConfig struct {
	TickSeconds int `yaml:"tick_seconds,omitempty"`
}

type StorageConfig struct {
	Path string `yaml:"path,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`
}

// DefaultPath returns the default config file path next to the executable
func DefaultPath() string {
	return filepath.Join(getExecutableDir(), ".keel", "config.yaml")
}

// DefaultStorePath returns the default SQLite database path
func DefaultStorePath() string {
	return filepath.Join(getExecutableDir(), ".keel", "keel.db")
}

// Load reads configuration from the default path, falling back to defaults
// when the file does not exist.
func Load() (*Config, error) {
	return LoadFrom(DefaultPath())
}

// LoadFrom reads configuration from an explicit path
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("KEEL_API_KEY"); v != "" {
		c.AI.APIKey = v
	}
	if v := os.Getenv("KEEL_RELAY_ENDPOINT"); v != "" {
		c.Relay.Endpoint = v
	}
	if v := os.Getenv("KEEL_RELAY_TOKEN"); v != "" {
		c.Relay.Token = v
	}
}

func (c *Config) applyDefaults() {
	if c.AI.Model == "" {
		c.AI.Model = "gpt-4o-mini"
	}
	if c.Relay.TimeoutSeconds <= 0 {
		c.Relay.TimeoutSeconds = 60
	}
	if c.Scheduler.TickSeconds <= 0 {
		c.Scheduler.TickSeconds = 60
	}
	if c.Storage.Path == "" {
		c.Storage.Path = DefaultStorePath()
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Save writes configuration to the given path, creating parent directories
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
