// Copyright 2025 KrakLabs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the ingestion core's only configurable surface.
type Config struct {
	ProjectID string `yaml:"project_id"`

	Source    SourceConfig    `yaml:"source"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Watch     WatchConfig     `yaml:"watch"`

	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Timeouts    TimeoutConfig     `yaml:"timeouts"`

	// MaxBatchRetries caps whole-batch retries after a store failure.
	MaxBatchRetries int `yaml:"max_batch_retries"`

	// MaxFileSizeBytes skips files larger than this during scanning.
	MaxFileSizeBytes int64 `yaml:"max_file_size_bytes"`

	// CheckpointPath is the directory for crash-recovery checkpoints.
	CheckpointPath string `yaml:"checkpoint_path"`

	// LogDir receives the per-run pipeline log file.
	LogDir string `yaml:"log_dir"`

	// DataDir and Engine configure the embedded graph store.
	DataDir string `yaml:"data_dir"`
	Engine  string `yaml:"engine"`
}

// SourceConfig selects what gets ingested.
type SourceConfig struct {
	// Type is one of: files, database, api, web.
	Type string `yaml:"type"`
	// Root anchors the include/exclude globs for file sources.
	Root    string   `yaml:"root"`
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
	// URLs seeds web sources.
	URLs []string `yaml:"urls"`
	// TrackChanges enables per-change snapshot chains (HAS_CHANGE) for
	// labels that opt in.
	TrackChanges bool `yaml:"track_changes"`
}

// EmbeddingConfig identifies the current provider; stored provider/model
// tags are compared against it for staleness detection.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`

	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	Throttle   time.Duration `yaml:"throttle"`
}

// WatchConfig drives the change queue.
type WatchConfig struct {
	Enabled         bool `yaml:"enabled"`
	BatchIntervalMS int  `yaml:"batch_interval_ms"`
	// AutoEmbed fans out to the embedding pipeline after every batch.
	AutoEmbed bool `yaml:"auto_embed"`
	// OrphanIntervalMS spaces orphan-watcher sweeps; 0 disables them.
	OrphanIntervalMS int `yaml:"orphan_interval_ms"`
	// HighWater/LowWater bound the change queue; past the high mark the
	// watcher pauses emission until the queue drains below the low mark.
	HighWater int `yaml:"high_water"`
	LowWater  int `yaml:"low_water"`
}

// ConcurrencyConfig sizes the worker pools.
type ConcurrencyConfig struct {
	ParseWorkers int `yaml:"parse_workers"`
	EmbedWorkers int `yaml:"embed_workers"`
}

// TimeoutConfig bounds every external call.
type TimeoutConfig struct {
	Parse    time.Duration `yaml:"parse"`
	Write    time.Duration `yaml:"write"`
	Provider time.Duration `yaml:"provider"`
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()

	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("config: project_id is required")
	}
	switch cfg.Source.Type {
	case "files", "database", "api", "web":
	default:
		return nil, fmt.Errorf("config: unknown source.type %q", cfg.Source.Type)
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Source.Type == "" {
		c.Source.Type = "files"
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "mock"
	}
	if c.Embedding.BatchSize <= 0 {
		c.Embedding.BatchSize = 16
	}
	if c.Embedding.MaxRetries <= 0 {
		c.Embedding.MaxRetries = 4
	}
	if c.Embedding.RetryDelay <= 0 {
		c.Embedding.RetryDelay = 500 * time.Millisecond
	}
	if c.Watch.BatchIntervalMS <= 0 {
		c.Watch.BatchIntervalMS = 1000
	}
	if c.Watch.HighWater <= 0 {
		c.Watch.HighWater = 10000
	}
	if c.Watch.LowWater <= 0 {
		c.Watch.LowWater = c.Watch.HighWater / 2
	}
	if c.Concurrency.ParseWorkers <= 0 {
		c.Concurrency.ParseWorkers = 4
	}
	if c.Concurrency.EmbedWorkers <= 0 {
		c.Concurrency.EmbedWorkers = 1
	}
	if c.Timeouts.Parse <= 0 {
		c.Timeouts.Parse = 30 * time.Second
	}
	if c.Timeouts.Write <= 0 {
		c.Timeouts.Write = 60 * time.Second
	}
	if c.Timeouts.Provider <= 0 {
		c.Timeouts.Provider = 30 * time.Second
	}
	if c.MaxBatchRetries <= 0 {
		c.MaxBatchRetries = 3
	}
	if c.MaxFileSizeBytes <= 0 {
		c.MaxFileSizeBytes = 2 << 20
	}
}
