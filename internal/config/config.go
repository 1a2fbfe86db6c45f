// Copyright 2025 SirSeer, LLC
//
// Licensed under the Business Source License 1.1 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://mariadb.com/bsl11
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides configuration management for couchdump with
// support for multiple configuration sources and a well-defined precedence
// order:
//
//  1. Command-line flags
//  2. Environment variables
//  3. Database-specific configuration
//  4. Configuration file
//  5. Built-in defaults
//
// Command-line flags are applied by the CLI after LoadConfig returns.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from file and environment variables. If
// configPath is provided, it loads from that specific file. Otherwise, it
// searches standard locations:
//   - .couchdump.yaml (current directory)
//   - .couchdump.yml (current directory)
//   - ~/.couchdump/config.yaml
//   - ~/.couchdump/config.yml
//
// Returns an error if the specified config file cannot be loaded, but will
// succeed with defaults if no config file is found in standard locations.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadConfigFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		defaultPaths := []string{
			".couchdump.yaml",
			".couchdump.yml",
			filepath.Join(os.Getenv("HOME"), ".couchdump", "config.yaml"),
			filepath.Join(os.Getenv("HOME"), ".couchdump", "config.yml"),
		}

		for _, path := range defaultPaths {
			if _, err := os.Stat(path); err == nil {
				if err := loadConfigFile(path, cfg); err != nil {
					return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
				}
				break
			}
		}
	}

	applyEnvOverrides(cfg)

	cfg.Defaults.StateDir = expandPath(cfg.Defaults.StateDir)
	cfg.Logging.File = expandPath(cfg.Logging.File)
	cfg.Metrics.TextFile = expandPath(cfg.Metrics.TextFile)

	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(cfg *Config) {
	if chunkSize := os.Getenv("COUCHDUMP_CHUNK_SIZE"); chunkSize != "" {
		if size, err := parsePositiveInt(chunkSize); err == nil {
			cfg.Defaults.ChunkSize = size
		}
	}
	if stateDir := os.Getenv("COUCHDUMP_STATE_DIR"); stateDir != "" {
		cfg.Defaults.StateDir = stateDir
	}
	if includeDocs := os.Getenv("COUCHDUMP_INCLUDE_DOCS"); includeDocs != "" {
		cfg.Defaults.IncludeDocs = parseBool(includeDocs)
	}

	if timeout := os.Getenv("COUCHDUMP_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil && d > 0 {
			cfg.Source.Timeout = d
		}
	}
	if retries := os.Getenv("COUCHDUMP_MAX_RETRIES"); retries != "" {
		var n int
		if _, err := fmt.Sscanf(retries, "%d", &n); err == nil && n >= 0 {
			cfg.Source.MaxRetries = n
		}
	}
	if rps := os.Getenv("COUCHDUMP_RATE_LIMIT"); rps != "" {
		var f float64
		if _, err := fmt.Sscanf(rps, "%g", &f); err == nil && f >= 0 {
			cfg.Source.RateLimit = f
		}
	}

	if level := os.Getenv("COUCHDUMP_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

// expandPath expands ~ and environment variables in paths
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home := os.Getenv("HOME")
		if home == "" {
			home = os.Getenv("USERPROFILE") // Windows
		}
		path = filepath.Join(home, path[2:])
	}
	return os.ExpandEnv(path)
}

// parsePositiveInt parses a string to a positive integer
func parsePositiveInt(s string) (int, error) {
	var i int
	_, err := fmt.Sscanf(s, "%d", &i)
	if err != nil {
		return 0, fmt.Errorf("failed to parse integer from '%s': %w", s, err)
	}
	if i <= 0 {
		return 0, fmt.Errorf("value must be positive, got: %d", i)
	}
	return i, nil
}

// parseBool parses various boolean representations
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "yes" || s == "1" || s == "on"
}

// GetChunkSize returns the effective chunk size for a database, taking
// into account database-specific overrides.
func (c *Config) GetChunkSize(database string) int {
	if dbConfig, ok := c.Databases[database]; ok && dbConfig.ChunkSize > 0 {
		return dbConfig.ChunkSize
	}
	return c.Defaults.ChunkSize
}

// Validate checks if the configuration contains valid values. This should be
// called after flags have been applied to catch invalid settings early.
func (c *Config) Validate() error {
	if c.Defaults.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got: %d", c.Defaults.ChunkSize)
	}
	if c.Defaults.ChunkSize > MaxChunkSize {
		return fmt.Errorf("chunk size %d exceeds limit of %d", c.Defaults.ChunkSize, MaxChunkSize)
	}
	for name, db := range c.Databases {
		if db.ChunkSize < 0 || db.ChunkSize > MaxChunkSize {
			return fmt.Errorf("chunk size %d for database %q is out of range", db.ChunkSize, name)
		}
	}
	if c.Source.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative, got: %d", c.Source.MaxRetries)
	}
	if c.Source.RateLimit < 0 {
		return fmt.Errorf("rate limit cannot be negative, got: %g", c.Source.RateLimit)
	}
	if c.Source.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative, got: %s", c.Source.Timeout)
	}
	return nil
}
