// Package config handles configuration loading and management for dispatch.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for dispatch.
type Config struct {
	Queue        QueueConfig        `mapstructure:"queue"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Intent       IntentConfig       `mapstructure:"intent"`
	Defaults     DefaultsConfig     `mapstructure:"defaults"`
}

// QueueConfig holds job queue storage settings.
type QueueConfig struct {
	// DBPath is the SQLite database path. Empty selects the XDG data path.
	DBPath string `mapstructure:"db_path"`
	// InMemory keeps jobs in process memory instead of SQLite.
	InMemory bool `mapstructure:"in_memory"`
}

// OrchestratorConfig holds worker loop settings.
type OrchestratorConfig struct {
	// Workers is the number of concurrent orchestrator workers.
	Workers int `mapstructure:"workers"`
	// PollInterval is the base queue polling interval.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// NodeTimeout bounds a single node execution. Zero disables the bound.
	NodeTimeout time.Duration `mapstructure:"node_timeout"`
}

// IntentConfig holds intent routing settings.
type IntentConfig struct {
	// RulesFile is the YAML rules file path. Empty selects the XDG config path.
	RulesFile string `mapstructure:"rules_file"`
	// Watch reloads the rules file on change.
	Watch bool `mapstructure:"watch"`
}

// DefaultsConfig holds default values for submitted jobs.
type DefaultsConfig struct {
	// MaxRetries is the retry ceiling applied when a submission omits one.
	MaxRetries int `mapstructure:"max_retries"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (DISPATCH_*)
// 2. Project config (.dispatch.yaml in current directory or parent)
// 3. User config (~/.config/dispatch/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Load user config from XDG path
	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			// Merge project config (takes precedence)
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	// Environment variable overrides
	v.AutomaticEnv()
	v.BindEnv("queue.db_path", "DISPATCH_DB_PATH")
	v.BindEnv("orchestrator.workers", "DISPATCH_WORKERS")
	v.BindEnv("intent.rules_file", "DISPATCH_RULES_FILE")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Queue.DBPath = os.ExpandEnv(cfg.Queue.DBPath)
	cfg.Intent.RulesFile = os.ExpandEnv(cfg.Intent.RulesFile)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Queue.DBPath = os.ExpandEnv(cfg.Queue.DBPath)
	cfg.Intent.RulesFile = os.ExpandEnv(cfg.Intent.RulesFile)

	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("queue.db_path", cfg.Queue.DBPath)
	v.Set("queue.in_memory", cfg.Queue.InMemory)
	v.Set("orchestrator.workers", cfg.Orchestrator.Workers)
	v.Set("orchestrator.poll_interval", cfg.Orchestrator.PollInterval.String())
	v.Set("orchestrator.node_timeout", cfg.Orchestrator.NodeTimeout.String())
	v.Set("intent.rules_file", cfg.Intent.RulesFile)
	v.Set("intent.watch", cfg.Intent.Watch)
	v.Set("defaults.max_retries", cfg.Defaults.MaxRetries)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// DefaultRulesPath returns the default intent rules file path under the
// user config directory.
func DefaultRulesPath() string {
	return filepath.Join(getUserConfigDir(), "rules.yaml")
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("queue.db_path", "")
	v.SetDefault("queue.in_memory", false)

	v.SetDefault("orchestrator.workers", 1)
	v.SetDefault("orchestrator.poll_interval", "500ms")
	v.SetDefault("orchestrator.node_timeout", "5m")

	v.SetDefault("intent.rules_file", "")
	v.SetDefault("intent.watch", false)

	v.SetDefault("defaults.max_retries", 3)
}

// getUserConfigDir returns the XDG config directory for dispatch.
func getUserConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dispatch")
	}

	// Fall back to ~/.config/dispatch
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "dispatch")
	}
	return filepath.Join(home, ".config", "dispatch")
}

// findProjectConfig searches for .dispatch.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".dispatch.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			DBPath:   "",
			InMemory: false,
		},
		Orchestrator: OrchestratorConfig{
			Workers:      1,
			PollInterval: 500 * time.Millisecond,
			NodeTimeout:  5 * time.Minute,
		},
		Intent: IntentConfig{
			RulesFile: "",
			Watch:     false,
		},
		Defaults: DefaultsConfig{
			MaxRetries: 3,
		},
	}
}
