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

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	cozo "github.com/ragforge/ingest/pkg/store/cozodb"
)

// CozoBackend implements Backend (and VectorStore) using a local CozoDB
// instance. This is the default, and currently only, backend.
type CozoBackend struct {
	db     *cozo.CozoDB
	mu     sync.RWMutex
	closed bool
}

// CozoConfig configures the embedded backend.
type CozoConfig struct {
	// DataDir is the directory where CozoDB stores its data.
	// Defaults to ~/.ragforge/data/<project_id>
	DataDir string

	// Engine is the CozoDB storage engine: "rocksdb", "sqlite", or "mem".
	// Defaults to "rocksdb" for persistence.
	Engine string

	// ProjectID is used to namespace the data directory.
	ProjectID string
}

// NewCozoBackend opens a local CozoDB-backed store.
func NewCozoBackend(config CozoConfig) (*CozoBackend, error) {
	if config.Engine == "" {
		config.Engine = "rocksdb"
	}
	if config.DataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		config.DataDir = filepath.Join(homeDir, ".ragforge", "data")
		if config.ProjectID != "" {
			config.DataDir = filepath.Join(config.DataDir, config.ProjectID)
		}
	}

	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := cozo.New(config.Engine, config.DataDir, nil)
	if err != nil {
		return nil, fmt.Errorf("open cozodb: %w", err)
	}

	return &CozoBackend{
		db: &db,
	}, nil
}

// Query executes a read-only Datalog query.
func (b *CozoBackend) Query(ctx context.Context, datalog string) (*QueryResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("backend is closed")
	}

	// Check context cancellation
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	result, err := b.db.RunReadOnly(datalog, nil)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	return FromNamedRows(result), nil
}

// Execute runs a Datalog mutation.
func (b *CozoBackend) Execute(ctx context.Context, datalog string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("backend is closed")
	}

	// Check context cancellation
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	_, err := b.db.Run(datalog, nil)
	if err != nil {
		return fmt.Errorf("execute failed: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (b *CozoBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	b.db.Close()
	return nil
}

// DB returns the underlying CozoDB instance for advanced operations.
// Use with caution - prefer the Backend interface methods.
func (b *CozoBackend) DB() *cozo.CozoDB {
	return b.db
}

// CreateVectorIndex creates an HNSW index over a label's embedding field.
// Relation and index creation for the node labels themselves is driven by
// Registry.EnsureConstraints, not by a fixed schema here: this backend no
// longer hardcodes a table list, it only knows how to turn one relation
// name + field into CozoScript.
func (b *CozoBackend) CreateVectorIndex(relation, field string, dim int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	script := fmt.Sprintf(
		"::hnsw create %s:%s_hnsw_idx { dim: %d, m: 16, ef_construction: 200, fields: [%s] }",
		relation, field, dim, field,
	)
	if _, err := b.db.Run(script, nil); err != nil {
		return fmt.Errorf("create vector index %s.%s: %w", relation, field, err)
	}
	return nil
}

// VectorSearch runs an HNSW nearest-neighbor query against a label's
// embedding field, satisfying the store.VectorStore interface.
func (b *CozoBackend) VectorSearch(ctx context.Context, label, field string, vector []float32, topK int) ([]VectorHit, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("backend is closed")
	}

	script := fmt.Sprintf(`
?[uuid, dist] := ~%s:%s_hnsw_idx{uuid | query: vec($v), k: %d, ef: 50, bind_distance: dist}
`, label, field, topK)

	result, err := b.db.RunReadOnly(script, map[string]any{"v": vector})
	if err != nil {
		return nil, fmt.Errorf("vector search %s.%s: %w", label, field, err)
	}

	hits := make([]VectorHit, 0, len(result.Rows))
	for _, row := range result.Rows {
		if len(row) < 2 {
			continue
		}
		uuid, _ := row[0].(string)
		dist, _ := row[1].(float64)
		hits = append(hits, VectorHit{UUID: uuid, Distance: dist})
	}
	return hits, nil
}
