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

// Package config types define the configuration structures used throughout
// couchdump. These types represent settings that can be loaded from
// YAML files, environment variables, or command-line flags.
package config

import "time"

// Config represents the complete configuration for couchdump.
// It consolidates settings from various sources and provides a unified
// interface for accessing configuration values throughout the application.
type Config struct {
	Source    SourceConfig              `yaml:"source"`
	Defaults  DefaultsConfig            `yaml:"defaults"`
	Databases map[string]DatabaseConfig `yaml:"databases"`
	Logging   LoggingConfig             `yaml:"logging"`
	Metrics   MetricsConfig             `yaml:"metrics"`
}

// SourceConfig controls how the database server is contacted. Retries and
// throttling happen in the HTTP transport; the export itself never retries.
type SourceConfig struct {
	// Timeout bounds connecting and waiting for response headers.
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	// RateLimit caps requests per second. Zero disables throttling.
	RateLimit float64 `yaml:"rate_limit"`
}

// DefaultsConfig contains default settings that apply to all exports
// unless overridden by database-specific settings or command-line flags.
type DefaultsConfig struct {
	ChunkSize   int    `yaml:"chunk_size"`
	IncludeDocs bool   `yaml:"include_docs"`
	Prefetch    bool   `yaml:"prefetch"`
	StateDir    string `yaml:"state_dir"`
}

// DatabaseConfig contains database-specific overrides, keyed by database
// name (the last path segment of the source URL). Databases with very large
// documents usually want a smaller chunk size.
type DatabaseConfig struct {
	ChunkSize int `yaml:"chunk_size"`
}

// LoggingConfig controls diagnostic output. Logs always go to stderr; File
// adds a rotated JSON log.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// MetricsConfig controls the Prometheus textfile written at the end of an export.
type MetricsConfig struct {
	TextFile string `yaml:"textfile"`
}

// Limits enforced by Validate.
const (
	MaxChunkSize     = 10000
	DefaultChunkSize = 500
)

// DefaultConfig returns a Config with sensible defaults suitable for most
// use cases.
func DefaultConfig() *Config {
	return &Config{
		Source: SourceConfig{
			Timeout: 60 * time.Second,
		},
		Defaults: DefaultsConfig{
			ChunkSize: DefaultChunkSize,
			StateDir:  "~/.couchdump/state",
		},
		Databases: make(map[string]DatabaseConfig),
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
	}
}
