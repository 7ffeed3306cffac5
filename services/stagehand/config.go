// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stagehand

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/stagehand/services/stagehand/archive"
	"github.com/AleutianAI/stagehand/services/stagehand/recovery"
	"github.com/AleutianAI/stagehand/services/stagehand/telemetry"
)

// ErrInvalidConfig is matched by every configuration error.
var ErrInvalidConfig = errors.New("invalid stagehand config")

var configValidate = validator.New()

// Config is the service configuration.
//
// Loading order: DefaultConfig, then the YAML file (if any), then STAGEHAND_*
// environment variables, then validation.
type Config struct {
	// DataDir holds the BadgerDB files and file checkpoints.
	DataDir string `yaml:"data_dir" validate:"required"`

	// HTTPAddr is the admin API listen address.
	HTTPAddr string `yaml:"http_addr" validate:"required"`

	// DefinitionsDir is loaded at startup when set.
	DefinitionsDir string `yaml:"definitions_dir"`

	// WatchDefinitions registers definitions added to DefinitionsDir while
	// the service runs.
	WatchDefinitions bool `yaml:"watch_definitions"`

	// DefaultGraph runs items enqueued without a graph.
	DefaultGraph string `yaml:"default_graph"`

	// Storage selects where queue items and progress logs live.
	Storage string `yaml:"storage" validate:"oneof=memory badger"`

	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
	Agents     []AgentConfig    `yaml:"agents" validate:"dive"`
	Log        LogConfig        `yaml:"log"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Archive    archive.Config   `yaml:"archive"`
}

// CheckpointConfig selects the checkpoint store.
type CheckpointConfig struct {
	Backend     string `yaml:"backend" validate:"oneof=memory file badger postgres"`
	PostgresURL string `yaml:"postgres_url" validate:"required_if=Backend postgres"`
}

// RecoveryConfig tunes the recovery coordinator.
type RecoveryConfig struct {
	// Window is how long a run may be silent before it counts as abandoned.
	Window time.Duration `yaml:"window" validate:"gt=0"`

	// ScanInterval is the period of the background RecoverAll loop.
	ScanInterval time.Duration `yaml:"scan_interval" validate:"gt=0"`

	// OnStartup runs RecoverAll before the queue starts draining.
	OnStartup bool `yaml:"on_startup"`
}

// AgentConfig registers an exec agent under Name.
type AgentConfig struct {
	Name    string   `yaml:"name" validate:"required"`
	Command []string `yaml:"command" validate:"required,min=1"`
	Dir     string   `yaml:"dir"`
	Env     []string `yaml:"env"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir"`
}

// RateLimitConfig bounds mutating admin API requests. Zero disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
}

// DefaultConfig returns a single-node configuration backed by BadgerDB
// under ~/.stagehand.
func DefaultConfig() Config {
	dataDir := ".stagehand"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = home + "/.stagehand"
	}
	return Config{
		DataDir:    dataDir,
		HTTPAddr:   ":8085",
		Storage:    "badger",
		Checkpoint: CheckpointConfig{Backend: "badger"},
		Recovery: RecoveryConfig{
			Window:       recovery.DefaultWindow,
			ScanInterval: recovery.DefaultScanInterval,
			OnStartup:    true,
		},
		Log:       LogConfig{Level: "info"},
		Telemetry: telemetry.DefaultConfig(),
		RateLimit: RateLimitConfig{RequestsPerSecond: 20, Burst: 40},
	}
}

// LoadConfig builds the configuration from defaults, the YAML file at path
// (skipped when path is empty) and the environment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the struct tags and the archive settings.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, err.Error())
	}
	if c.ArchiveEnabled() {
		if err := c.Archive.Validate(); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidConfig, err.Error())
		}
	}
	return nil
}

// ArchiveEnabled reports whether finished executions go to object storage.
func (c *Config) ArchiveEnabled() bool {
	return c.Archive.Bucket != ""
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setString("STAGEHAND_DATA_DIR", &c.DataDir)
	setString("STAGEHAND_HTTP_ADDR", &c.HTTPAddr)
	setString("STAGEHAND_DEFINITIONS_DIR", &c.DefinitionsDir)
	setString("STAGEHAND_DEFAULT_GRAPH", &c.DefaultGraph)
	setString("STAGEHAND_STORAGE", &c.Storage)
	setString("STAGEHAND_CHECKPOINT_BACKEND", &c.Checkpoint.Backend)
	setString("STAGEHAND_POSTGRES_URL", &c.Checkpoint.PostgresURL)
	setString("STAGEHAND_LOG_LEVEL", &c.Log.Level)
	setString("STAGEHAND_LOG_DIR", &c.Log.Dir)
	setString("STAGEHAND_ARCHIVE_ENDPOINT", &c.Archive.Endpoint)
	setString("STAGEHAND_ARCHIVE_BUCKET", &c.Archive.Bucket)
	setString("STAGEHAND_ARCHIVE_ACCESS_KEY", &c.Archive.AccessKey)
	setString("STAGEHAND_ARCHIVE_SECRET_KEY", &c.Archive.SecretKey)

	if v, ok := os.LookupEnv("STAGEHAND_RECOVERY_WINDOW"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: STAGEHAND_RECOVERY_WINDOW: %v", ErrInvalidConfig, err)
		}
		c.Recovery.Window = d
	}
	if v, ok := os.LookupEnv("STAGEHAND_LOG_JSON"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: STAGEHAND_LOG_JSON: %v", ErrInvalidConfig, err)
		}
		c.Log.JSON = b
	}
	return nil
}
