package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/dispatch/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify dispatch configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/dispatch/config.yaml
Project-specific overrides can be placed in .dispatch.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	dbPath := cfg.Queue.DBPath
	if dbPath == "" {
		dbPath = "(default)"
	}
	rulesFile := cfg.Intent.RulesFile
	if rulesFile == "" {
		rulesFile = "(default)"
	}

	fmt.Printf("queue.db_path: %s\n", dbPath)
	fmt.Printf("queue.in_memory: %t\n", cfg.Queue.InMemory)
	fmt.Printf("orchestrator.workers: %d\n", cfg.Orchestrator.Workers)
	fmt.Printf("orchestrator.poll_interval: %s\n", cfg.Orchestrator.PollInterval)
	fmt.Printf("orchestrator.node_timeout: %s\n", cfg.Orchestrator.NodeTimeout)
	fmt.Printf("intent.rules_file: %s\n", rulesFile)
	fmt.Printf("intent.watch: %t\n", cfg.Intent.Watch)
	fmt.Printf("defaults.max_retries: %d\n", cfg.Defaults.MaxRetries)
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) {
	if err := setConfigValue(cfg, key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Set %s = %s\n", key, value)
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "queue.db_path":
		if cfg.Queue.DBPath == "" {
			return "(default)", nil
		}
		return cfg.Queue.DBPath, nil
	case "queue.in_memory":
		return strconv.FormatBool(cfg.Queue.InMemory), nil
	case "orchestrator.workers":
		return strconv.Itoa(cfg.Orchestrator.Workers), nil
	case "orchestrator.poll_interval":
		return cfg.Orchestrator.PollInterval.String(), nil
	case "orchestrator.node_timeout":
		return cfg.Orchestrator.NodeTimeout.String(), nil
	case "intent.rules_file":
		if cfg.Intent.RulesFile == "" {
			return "(default)", nil
		}
		return cfg.Intent.RulesFile, nil
	case "intent.watch":
		return strconv.FormatBool(cfg.Intent.Watch), nil
	case "defaults.max_retries":
		return strconv.Itoa(cfg.Defaults.MaxRetries), nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	switch strings.ToLower(key) {
	case "queue.db_path":
		cfg.Queue.DBPath = value
	case "queue.in_memory":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for queue.in_memory: %w", err)
		}
		cfg.Queue.InMemory = b
	case "orchestrator.workers":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for orchestrator.workers: %w", err)
		}
		cfg.Orchestrator.Workers = n
	case "orchestrator.poll_interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for orchestrator.poll_interval: %w", err)
		}
		cfg.Orchestrator.PollInterval = d
	case "orchestrator.node_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for orchestrator.node_timeout: %w", err)
		}
		cfg.Orchestrator.NodeTimeout = d
	case "intent.rules_file":
		cfg.Intent.RulesFile = value
	case "intent.watch":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for intent.watch: %w", err)
		}
		cfg.Intent.Watch = b
	case "defaults.max_retries":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for defaults.max_retries: %w", err)
		}
		cfg.Defaults.MaxRetries = n
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}
