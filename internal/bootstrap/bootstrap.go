// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ragforge/ingest/pkg/ingest"
	"github.com/ragforge/ingest/pkg/registry"
	"github.com/ragforge/ingest/pkg/store"
)

// ProjectConfig holds configuration for initializing a project graph.
type ProjectConfig struct {
	// ProjectID is the logical project identifier.
	ProjectID string

	// DataDir is the directory where CozoDB stores its data.
	// Defaults to ~/.ragforge/data/<project_id>
	DataDir string

	// Engine is the CozoDB storage engine: "rocksdb", "sqlite", or "mem".
	// Defaults to "rocksdb" for persistence.
	Engine string

	// EmbeddingDimensions is the vector size for the HNSW indexes.
	// Defaults to 768 (nomic-embed-text). Use 1536 for OpenAI.
	EmbeddingDimensions int
}

// ProjectInfo holds information about an initialized project.
type ProjectInfo struct {
	ProjectID string
	DataDir   string
	Engine    string
}

// InitProject initializes a new project graph with local CozoDB.
// Idempotent: calling it multiple times is safe.
//
// The function creates the data directory, opens CozoDB with the chosen
// engine, creates one relation per built-in node label, and creates HNSW
// indexes for semantic search over the content embeddings.
func InitProject(config ProjectConfig, logger *slog.Logger) (*ProjectInfo, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if config.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required")
	}
	applyDefaults(&config)

	logger.Info("bootstrap.project.init.start",
		"project_id", config.ProjectID,
		"data_dir", config.DataDir,
		"engine", config.Engine,
	)

	backend, err := store.NewCozoBackend(store.CozoConfig{
		DataDir:   config.DataDir,
		Engine:    config.Engine,
		ProjectID: config.ProjectID,
	})
	if err != nil {
		return nil, fmt.Errorf("create backend: %w", err)
	}
	defer func() { _ = backend.Close() }()

	reg := registry.NewWithBuiltins()
	graph := ingest.NewCozoGraph(backend, reg, logger)

	ctx := context.Background()
	for _, label := range reg.Labels() {
		if err := reg.EnsureConstraints(ctx, graph, label); err != nil {
			return nil, fmt.Errorf("ensure label %s: %w", label, err)
		}
	}

	// HNSW indexes over the content embeddings; optional for basic use.
	for _, label := range []string{"CodeScope", "MarkdownSection", "DocumentChunk", "WebSection", "DataRecord"} {
		rel := registry.RelationName(label)
		if err := backend.CreateVectorIndex(rel, "embedding_content", config.EmbeddingDimensions); err != nil {
			logger.Warn("bootstrap.hnsw.warning", "label", label, "err", err)
		}
	}

	logger.Info("bootstrap.project.init.success",
		"project_id", config.ProjectID,
		"data_dir", config.DataDir,
	)

	return &ProjectInfo{
		ProjectID: config.ProjectID,
		DataDir:   config.DataDir,
		Engine:    config.Engine,
	}, nil
}

// OpenProject opens an existing project graph.
// Returns the storage backend for the project.
func OpenProject(config ProjectConfig, logger *slog.Logger) (*store.CozoBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if config.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required")
	}
	applyDefaults(&config)

	if _, err := os.Stat(config.DataDir); os.IsNotExist(err) {
		return nil, fmt.Errorf("project not found: %s (run 'ragforge-ingestd init' first)", config.DataDir)
	}

	logger.Debug("bootstrap.project.open",
		"project_id", config.ProjectID,
		"data_dir", config.DataDir,
	)

	backend, err := store.NewCozoBackend(store.CozoConfig{
		DataDir:   config.DataDir,
		Engine:    config.Engine,
		ProjectID: config.ProjectID,
	})
	if err != nil {
		return nil, fmt.Errorf("open backend: %w", err)
	}
	return backend, nil
}

// ListProjects returns the project IDs in the default data directory.
func ListProjects() ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}

	dataDir := filepath.Join(homeDir, ".ragforge", "data")
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // no projects yet
		}
		return nil, fmt.Errorf("read data dir: %w", err)
	}

	var projects []string
	for _, entry := range entries {
		if entry.IsDir() {
			projects = append(projects, entry.Name())
		}
	}
	return projects, nil
}

func applyDefaults(config *ProjectConfig) {
	if config.Engine == "" {
		config.Engine = "rocksdb"
	}
	if config.EmbeddingDimensions <= 0 {
		config.EmbeddingDimensions = 768
	}
	if config.DataDir == "" {
		if homeDir, err := os.UserHomeDir(); err == nil {
			config.DataDir = filepath.Join(homeDir, ".ragforge", "data", config.ProjectID)
		}
	}
}
