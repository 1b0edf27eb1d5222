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

// Package ingest is the ingestion core: it turns a stream of file and URL
// events into a consistent, deduplicated, embedding-bearing property
// graph with change tracking and crash recovery.
//
// The pipeline, in dependency order:
//
//   - ChangeQueue and the watchers (FileWatcher, OrphanWatcher,
//     GitChangeSource) debounce raw events into ordered batches.
//   - The Orchestrator consumes batches: it captures metadata, parses,
//     merges, restores, links, transitions states, and fans out to the
//     embedding pipeline.
//   - MetadataPreserver snapshots embeddings before the merger may delete
//     nodes, and restores compatible ones afterwards.
//   - GraphMerger upserts nodes and relationships with content-hash
//     change detection inside one write transaction per batch.
//   - ReferenceLinker resolves cross-file symbolic references into typed
//     relationships.
//   - StateMachine persists the per-node lifecycle
//     (pending -> parsing -> parsed -> linking -> linked -> embedding ->
//     ready, with skip and error as sinks) and supports retry, recovery,
//     and partial reprocessing.
//   - EmbeddingPipeline drives dirty nodes to ready with batching,
//     bounded concurrency, and exponential-backoff retries on rate
//     limits.
//
// Quick start:
//
//	cfg, err := ingest.LoadConfig("ragforge.yaml")
//	if err != nil { ... }
//
//	backend, err := store.NewCozoBackend(store.CozoConfig{
//		DataDir:   cfg.DataDir,
//		Engine:    cfg.Engine,
//		ProjectID: cfg.ProjectID,
//	})
//	if err != nil { ... }
//	defer backend.Close()
//
//	reg := registry.NewWithBuiltins()
//	graph := ingest.NewCozoGraph(backend, reg, logger)
//
//	provider, err := ingest.CreateEmbeddingProvider(cfg.Embedding, logger)
//	if err != nil { ... }
//
//	orch, err := ingest.NewOrchestrator(cfg, reg, graph, provider, logger)
//	if err != nil { ... }
//	if err := orch.Run(ctx); err != nil { ... }
//
// The graph store is treated as an opaque collaborator behind the
// GraphStore interface; CozoGraph is the embedded CozoDB implementation.
// The registry (pkg/registry) is the single source of truth for how each
// node label parses, chunks, hashes, and embeds.
package ingest
