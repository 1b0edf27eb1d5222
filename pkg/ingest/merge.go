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
	"time"

	"log/slog"

	"github.com/ragforge/ingest/pkg/parse"
	"github.com/ragforge/ingest/pkg/registry"
)

// MergeStats counts what one merge did.
type MergeStats struct {
	NodesUpserted         int
	NodesUnchanged        int
	NodesDeleted          int
	RelationshipsUpserted int
}

// MergeResult is returned to the orchestrator after a merge.
type MergeResult struct {
	Stats MergeStats
	// Unresolved are relationships whose target endpoint was unknown at
	// merge time, buffered for the reference linker.
	Unresolved []parse.UnresolvedRef
	// Changed lists (label, uuid) pairs whose content hash changed and
	// were reset to pending.
	Changed []StateUpdate
	// UpsertedNodes maps uuid -> label for everything written, for the
	// downstream state transitions.
	UpsertedNodes map[string]string
}

// GraphMerger performs upsert-in-place of nodes and relationships with
// content-hash change detection. All writes for one batch land in a single
// write transaction via GraphStore.ApplyMerge; ordering within the batch
// is nondeterministic and the merger never relies on it.
type GraphMerger struct {
	graph        GraphStore
	reg          *registry.Registry
	logger       *slog.Logger
	trackChanges bool
	now          func() time.Time
}

func NewGraphMerger(graph GraphStore, reg *registry.Registry, trackChanges bool, logger *slog.Logger) *GraphMerger {
	if logger == nil {
		logger = slog.Default()
	}
	return &GraphMerger{
		graph:        graph,
		reg:          reg,
		logger:       logger,
		trackChanges: trackChanges,
		now:          time.Now,
	}
}

// Merge applies one batch of extracted outputs. ownedPaths are the
// normalized file-field values the batch covers: nodes currently owned by
// those paths but absent from the new outputs are deleted (their metadata
// must already be captured by the preserver).
func (m *GraphMerger) Merge(ctx context.Context, results []*ExtractResult, ownedPaths []string) (*MergeResult, error) {
	res := &MergeResult{UpsertedNodes: make(map[string]string)}

	// Collect incoming nodes, deduplicating by stable key: the same
	// ExternalLibrary or Directory may be emitted by several files.
	incoming := make(map[string]*Node)
	var order []string
	for _, r := range results {
		for _, n := range r.Nodes {
			key := m.stableKey(n)
			if _, seen := incoming[key]; !seen {
				order = append(order, key)
			}
			incoming[key] = n
		}
		res.Unresolved = append(res.Unresolved, r.Unresolved...)
	}

	// Lazily ensure constraints for every label in the batch.
	seenLabels := make(map[string]bool)
	for _, key := range order {
		label := incoming[key].Label
		if !seenLabels[label] {
			seenLabels[label] = true
			if err := m.reg.EnsureConstraints(ctx, m.graph, label); err != nil {
				return nil, err
			}
		}
	}

	// Load the prior state of everything these paths own.
	existing, err := m.graph.NodesOwnedBy(ctx, ownedPaths)
	if err != nil {
		return nil, fmt.Errorf("merge: load existing nodes: %w", err)
	}
	existingByKey := make(map[string]*Node, len(existing))
	for _, n := range existing {
		existingByKey[m.stableKey(n)] = n
	}

	now := m.now().UnixMilli()
	plan := &MergePlan{Deletes: make(map[string][]string)}

	for _, key := range order {
		n := incoming[key]
		def, _ := m.reg.Get(n.Label)
		old := existingByKey[key]

		structural := def.Key != registry.KeyUUID

		switch {
		case old == nil:
			// New node: starts pending and dirty.
			n.EmbeddingsDirty = true
			n.State = registry.StateFields{
				State:          StatePending,
				StateChangedAt: now,
				DetectedAt:     now,
			}
			plan.Upserts = append(plan.Upserts, n)
			res.Stats.NodesUpserted++
			res.UpsertedNodes[n.UUID] = n.Label

		case old.ContentHash != n.ContentHash:
			// Content changed: upsert and reset the lifecycle. Reserved
			// properties are preserved by the store's coalesce semantics;
			// the explicit reset below overrides the state fields.
			n.EmbeddingsDirty = true
			n.State = registry.StateFields{
				State:          StatePending,
				StateChangedAt: now,
				DetectedAt:     old.State.DetectedAt,
			}
			plan.Upserts = append(plan.Upserts, n)
			res.Stats.NodesUpserted++
			res.UpsertedNodes[n.UUID] = n.Label
			res.Changed = append(res.Changed, StateUpdate{Label: n.Label, UUID: n.UUID})

			if m.trackChanges && def.ChangeTracking {
				if err := m.graph.AppendChange(ctx, n.Label, n.UUID, n.ContentHash, now); err != nil {
					m.logger.Warn("merge.change_tracking.failed", "uuid", n.UUID, "err", err)
				}
			}

		case structural:
			// Structural nodes are always upserted regardless of change;
			// the state fields and embeddingsDirty flag are carried over
			// from the stored node.
			n.EmbeddingsDirty = old.EmbeddingsDirty
			n.State = old.State
			plan.Upserts = append(plan.Upserts, n)
			res.Stats.NodesUpserted++
			res.UpsertedNodes[n.UUID] = n.Label

		default:
			// Unchanged content node: leave it alone entirely.
			res.Stats.NodesUnchanged++
			res.UpsertedNodes[n.UUID] = n.Label
		}
	}

	// Nodes owned by these paths but absent from the new parse are
	// obsolete. The preserver captured them before we got here.
	for key, old := range existingByKey {
		if _, stillThere := incoming[key]; stillThere {
			continue
		}
		plan.Deletes[old.Label] = append(plan.Deletes[old.Label], old.UUID)
		res.Stats.NodesDeleted++
	}

	// Relationships whose endpoints both exist in this batch or the prior
	// state go into the plan; the rest wait for the linker.
	knownUUIDs := make(map[string]bool, len(res.UpsertedNodes)+len(existing))
	for uuid := range res.UpsertedNodes {
		knownUUIDs[uuid] = true
	}
	for _, n := range existing {
		knownUUIDs[n.UUID] = true
	}
	known := func(uuid string) bool { return knownUUIDs[uuid] }
	for _, r := range results {
		for _, rel := range r.Relationships {
			if known(rel.SourceUUID) && known(rel.TargetUUID) {
				plan.Relationships = append(plan.Relationships, rel)
				res.Stats.RelationshipsUpserted++
			} else {
				res.Unresolved = append(res.Unresolved, parse.UnresolvedRef{
					SourceUUID:   rel.SourceUUID,
					RelType:      rel.Type,
					TargetSymbol: rel.TargetUUID,
				})
			}
		}
	}

	if err := m.graph.ApplyMerge(ctx, plan); err != nil {
		return nil, fmt.Errorf("merge: apply: %w", err)
	}

	m.logger.Info("merge.complete",
		"upserted", res.Stats.NodesUpserted,
		"unchanged", res.Stats.NodesUnchanged,
		"deleted", res.Stats.NodesDeleted,
		"relationships", res.Stats.RelationshipsUpserted,
	)
	return res, nil
}

// stableKey computes the upsert identity for a node: path for structural
// labels, name for external-library-style labels, uuid otherwise.
func (m *GraphMerger) stableKey(n *Node) string {
	def, ok := m.reg.Get(n.Label)
	if !ok {
		return n.Label + "|" + n.UUID
	}
	switch def.Key {
	case registry.KeyPath:
		v, _ := n.Props[def.KeyField()].(string)
		if v == "" {
			v, _ = n.Props[def.FileFieldName].(string)
		}
		return n.Label + "|path|" + v
	case registry.KeyName:
		v, _ := n.Props["name"].(string)
		return n.Label + "|name|" + v
	default:
		return n.Label + "|" + n.UUID
	}
}
