// Copyright (c) 2025 Keywarden Authors
// Keywarden - graph-driven SSH key distribution
// This source code is licensed under the MIT license found in the LICENSE file.

// package config loads and writes the keywarden.yaml configuration.
// Precedence: command-line flags > environment (KEYWARDEN_*) > explicit
// --config file > keywarden.yaml in the user config dir, the system config
// dir or the current directory > built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Graph    GraphConfig    `mapstructure:"graph" yaml:"graph"`
	Deploy   DeployConfig   `mapstructure:"deploy" yaml:"deploy"`
	Sync     SyncConfig     `mapstructure:"sync" yaml:"sync"`
	Language string         `mapstructure:"language" yaml:"language"`
	Verbose  bool           `mapstructure:"verbose" yaml:"verbose"`
}

type DatabaseConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
	DSN  string `mapstructure:"dsn" yaml:"dsn"`
}

type GraphConfig struct {
	// StatePath is where local mode persists the in-memory graph between
	// invocations. A deployment backed by a real graph peer ignores it.
	StatePath string `mapstructure:"state_path" yaml:"state_path"`
}

type DeployConfig struct {
	// User is the remote account whose authorized_keys file is managed.
	User string `mapstructure:"user" yaml:"user"`
	// KeyPath is the PEM private key used to reach managed hosts. When
	// empty, only the SSH agent is tried.
	KeyPath string `mapstructure:"key_path" yaml:"key_path"`
	// ArtifactDir, when set, receives a local <host>.keys copy of every
	// rendered key file.
	ArtifactDir string `mapstructure:"artifact_dir" yaml:"artifact_dir"`
}

type SyncConfig struct {
	// PeerAddr is the graph peer polled by the reconciliation loop.
	PeerAddr string `mapstructure:"peer_addr" yaml:"peer_addr"`
	// Interval is the poll interval, e.g. "10s".
	Interval string `mapstructure:"interval" yaml:"interval"`
}

// Defaults returns the built-in defaults applied before any config source.
func Defaults() map[string]any {
	return map[string]any{
		"database.type":       "sqlite",
		"database.dsn":        "./keywarden.db",
		"graph.state_path":    "./keywarden.graph.json",
		"deploy.user":         "keywarden",
		"deploy.key_path":     "",
		"deploy.artifact_dir": "",
		"sync.peer_addr":      "",
		"sync.interval":       "10s",
		"language":            "en",
		"verbose":             false,
	}
}

// getConfigPath returns the full path for the configuration file.
func getConfigPath(system bool) (string, error) {
	var configDir string
	var err error

	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "Keywarden")
		default:
			configDir = "/etc/keywarden"
		}
	} else {
		configDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		configDir = filepath.Join(configDir, "keywarden")
	}

	return filepath.Join(configDir, "keywarden.yaml"), nil
}

// LoadConfig resolves the effective configuration for a command invocation.
// explicitPath, when non-nil, points at a --config file that takes
// precedence over the search paths.
func LoadConfig(cmd *cobra.Command, explicitPath *string) (Config, error) {
	var c Config
	v := viper.New()

	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}

	v.SetConfigName("keywarden")
	v.SetConfigType("yaml")

	if explicitPath != nil && *explicitPath != "" {
		v.SetConfigFile(*explicitPath)
	}

	if userConfigPath, err := getConfigPath(false); err == nil {
		v.AddConfigPath(filepath.Dir(userConfigPath))
	}
	if systemConfigPath, err := getConfigPath(true); err == nil {
		v.AddConfigPath(filepath.Dir(systemConfigPath))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; a malformed one is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return c, err
		}
	}

	v.AutomaticEnv()
	v.AllowEmptyEnv(true)
	v.SetEnvPrefix("keywarden")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return c, err
	}

	// Conventional short flag names map onto nested config keys.
	flagKeys := map[string]string{
		"database.type":       "db-type",
		"database.dsn":        "db-dsn",
		"graph.state_path":    "graph-state",
		"deploy.artifact_dir": "artifact-dir",
		"sync.peer_addr":      "peer",
		"sync.interval":       "interval",
		"language":            "lang",
	}
	for key, name := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return c, err
			}
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}

	return c, nil
}

// WriteConfigFile persists the configuration to the user or system config
// location, creating the directory as needed.
func WriteConfigFile(c *Config, system bool) error {
	path, err := getConfigPath(system)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("could not create config directory %s: %w", configDir, err)
	}

	// 0600: the file may name private key paths and DSN credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return err
	}

	return nil
}
