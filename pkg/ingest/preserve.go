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
	"context"
	"fmt"

	"log/slog"

	"github.com/ragforge/ingest/pkg/registry"
)

// capturedNode is the metadata snapshot of one node taken before the
// merger may delete it.
type capturedNode struct {
	UUID        string
	Label       string
	File        string
	Name        string
	StartLine   int
	EndLine     int
	ContentHash string

	Embeddings      map[string][]float32
	EmbeddingHashes map[string]string
	Provider        string
	Model           string
}

// CapturedMetadata indexes captured nodes two ways: by uuid for nodes that
// survive the merge with identity intact, and by symbol key so a parser
// using random uuids can reuse the slot of a re-appearing named symbol.
// Owned by a single orchestrator batch; never shared across batches.
type CapturedMetadata struct {
	byUUID      map[string]*capturedNode
	bySymbolKey map[symbolKey]*capturedNode
}

// UUIDForSymbol returns the previously assigned uuid for a (file, name)
// identity, if one was captured. Parsers with random uuid strategies call
// this through the orchestrator to keep symbol identity stable.
func (c *CapturedMetadata) UUIDForSymbol(file, name string) (string, bool) {
	if c == nil {
		return "", false
	}
	if n, ok := c.bySymbolKey[namedSymbolKey(file, name)]; ok {
		return n.UUID, true
	}
	return "", false
}

// Size reports how many nodes were captured.
func (c *CapturedMetadata) Size() int {
	if c == nil {
		return 0
	}
	return len(c.byUUID)
}

// RestoreResult counts what the restore phase did.
type RestoreResult struct {
	EmbeddingsRestored int
	EmbeddingsSkipped  int
	ProviderMismatch   int
	MatchedUUIDs       int
	UnmatchedUUIDs     int
}

// MetadataPreserver implements the capture/restore protocol that lets
// embeddings survive re-ingestion of semantically unchanged files.
type MetadataPreserver struct {
	graph  GraphStore
	reg    *registry.Registry
	logger *slog.Logger

	provider string
	model    string
	// skipOnProviderMismatch drops captured embeddings whose provider or
	// model differ from the current configuration. Inverting it lets a
	// caller knowingly carry vectors across a provider swap.
	skipOnProviderMismatch bool
}

// PreserverOption customizes a MetadataPreserver.
type PreserverOption func(*MetadataPreserver)

// WithProviderMismatchReuse inverts the default drop-on-mismatch behavior.
func WithProviderMismatchReuse() PreserverOption {
	return func(p *MetadataPreserver) { p.skipOnProviderMismatch = false }
}

func NewMetadataPreserver(graph GraphStore, reg *registry.Registry, embedding EmbeddingConfig, logger *slog.Logger, opts ...PreserverOption) *MetadataPreserver {
	if logger == nil {
		logger = slog.Default()
	}
	p := &MetadataPreserver{
		graph:                  graph,
		reg:                    reg,
		logger:                 logger,
		provider:               embedding.Provider,
		model:                  embedding.Model,
		skipOnProviderMismatch: true,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// CaptureForFiles snapshots every stateful node owned by the given paths
// before the merger touches them.
func (p *MetadataPreserver) CaptureForFiles(ctx context.Context, paths []string) (*CapturedMetadata, error) {
	captured := &CapturedMetadata{
		byUUID:      make(map[string]*capturedNode),
		bySymbolKey: make(map[symbolKey]*capturedNode),
	}
	if len(paths) == 0 {
		return captured, nil
	}

	normalized := make([]string, len(paths))
	for i, p := range paths {
		normalized[i] = registry.NormalizePath(p)
	}

	nodes, err := p.graph.NodesOwnedBy(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("capture metadata: %w", err)
	}

	for _, n := range nodes {
		file := n.FileField(p.reg)
		name, _ := n.Props["name"].(string)
		startLine, _ := intProp(n.Props, "startLine")
		endLine, _ := intProp(n.Props, "endLine")

		c := &capturedNode{
			UUID:            n.UUID,
			Label:           n.Label,
			File:            file,
			Name:            name,
			StartLine:       startLine,
			EndLine:         endLine,
			ContentHash:     n.ContentHash,
			Embeddings:      n.Embeddings,
			EmbeddingHashes: n.EmbeddingHashes,
			Provider:        n.EmbeddingProvider,
			Model:           n.EmbeddingModel,
		}
		captured.byUUID[n.UUID] = c
		captured.bySymbolKey[symbolKeyFor(file, n.Props, n.UUID)] = c
	}

	p.logger.Debug("preserve.capture", "paths", len(paths), "nodes", len(captured.byUUID))
	return captured, nil
}

// RestoreMetadata writes compatible captured embeddings back onto nodes
// that still exist after the merge. Restoration uses coalesce semantics
// and is batched per label. A capture that matches nothing is never fatal:
// the unmatched nodes simply re-embed on the next cycle.
func (p *MetadataPreserver) RestoreMetadata(ctx context.Context, captured *CapturedMetadata) (*RestoreResult, error) {
	res := &RestoreResult{}
	if captured == nil || len(captured.byUUID) == 0 {
		return res, nil
	}

	uuidsByLabel := make(map[string][]string)
	for uuid, c := range captured.byUUID {
		uuidsByLabel[c.Label] = append(uuidsByLabel[c.Label], uuid)
	}

	for label, uuids := range uuidsByLabel {
		existing, err := p.graph.NodesByUUID(ctx, label, uuids)
		if err != nil {
			return nil, fmt.Errorf("restore metadata: %w", err)
		}
		alive := make(map[string]*Node, len(existing))
		for _, n := range existing {
			alive[n.UUID] = n
		}

		var recs []EmbeddingRecord
		for _, uuid := range uuids {
			c := captured.byUUID[uuid]
			n, ok := alive[uuid]
			if !ok {
				res.UnmatchedUUIDs++
				continue
			}
			res.MatchedUUIDs++

			if len(c.Embeddings) == 0 {
				res.EmbeddingsSkipped++
				continue
			}

			if !p.compatible(c) {
				res.ProviderMismatch++
				res.EmbeddingsSkipped++
				continue
			}

			// Coalesce: a node that already holds fresher vectors keeps
			// them.
			if len(n.Embeddings) > 0 {
				res.EmbeddingsSkipped++
				continue
			}

			provider, model := c.Provider, c.Model
			if provider == "" {
				// Legacy vectors predate provider tagging; stamp them
				// with the current identity on restore.
				provider, model = p.provider, p.model
			}
			recs = append(recs, EmbeddingRecord{
				Label:    label,
				UUID:     uuid,
				Vectors:  c.Embeddings,
				Hashes:   c.EmbeddingHashes,
				Provider: provider,
				Model:    model,
			})
		}

		if len(recs) > 0 {
			if err := p.graph.RestoreEmbeddings(ctx, recs); err != nil {
				return nil, fmt.Errorf("restore embeddings for %s: %w", label, err)
			}
			res.EmbeddingsRestored += len(recs)
		}
	}

	p.logger.Info("preserve.restore",
		"restored", res.EmbeddingsRestored,
		"skipped", res.EmbeddingsSkipped,
		"provider_mismatch", res.ProviderMismatch,
		"matched", res.MatchedUUIDs,
		"unmatched", res.UnmatchedUUIDs,
	)
	return res, nil
}

// compatible decides whether captured vectors may be restored under the
// current provider configuration.
func (p *MetadataPreserver) compatible(c *capturedNode) bool {
	if c.Provider == "" {
		// Legacy nodes without provider tags are grandfathered in.
		return true
	}
	if c.Provider == p.provider && c.Model == p.model {
		return true
	}
	return !p.skipOnProviderMismatch
}
