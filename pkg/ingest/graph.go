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

	"github.com/ragforge/ingest/pkg/registry"
)

// Node is one stateful vertex as the ingestion core sees it: an open
// property bag plus the reserved lifecycle and embedding properties that
// ride along on every stateful node.
type Node struct {
	UUID  string
	Label string
	Props map[string]any

	ContentHash     string
	EmbeddingsDirty bool
	State           registry.StateFields

	// Embeddings and EmbeddingHashes are keyed by field: name, content,
	// description. Provider and model tag every vector for staleness
	// detection.
	Embeddings        map[string][]float32
	EmbeddingHashes   map[string]string
	EmbeddingProvider string
	EmbeddingModel    string
}

// Clone returns a deep copy safe to mutate independently.
func (n *Node) Clone() *Node {
	c := *n
	c.Props = make(map[string]any, len(n.Props))
	for k, v := range n.Props {
		c.Props[k] = v
	}
	if n.Embeddings != nil {
		c.Embeddings = make(map[string][]float32, len(n.Embeddings))
		for k, v := range n.Embeddings {
			c.Embeddings[k] = append([]float32(nil), v...)
		}
	}
	if n.EmbeddingHashes != nil {
		c.EmbeddingHashes = make(map[string]string, len(n.EmbeddingHashes))
		for k, v := range n.EmbeddingHashes {
			c.EmbeddingHashes[k] = v
		}
	}
	return &c
}

// FileField returns the node's source location per its registry definition,
// normalized for comparison.
func (n *Node) FileField(reg *registry.Registry) string {
	def, ok := reg.Get(n.Label)
	if !ok || def.FileFieldName == "" {
		return ""
	}
	v, _ := n.Props[def.FileFieldName].(string)
	return v
}

// Relationship is a typed directed edge. Identity is (source, type,
// target); merging the same triple twice is a no-op.
type Relationship struct {
	SourceUUID string
	Type       string
	TargetUUID string
	Props      map[string]any
}

// MergePlan is everything one merge applies inside a single write
// transaction: upserts, deletions, and edges whose endpoints both exist.
type MergePlan struct {
	Upserts       []*Node
	Deletes       map[string][]string // label -> uuids
	Relationships []Relationship
}

// StateQuery filters a query-by-state. Zero values mean "any".
type StateQuery struct {
	State     string
	Label     string
	ProjectID string
	ErrorType string
	// DirtyOnly restricts to nodes with embeddingsDirty = true.
	DirtyOnly bool
	Limit     int
	Offset    int
}

// StateUpdate rewrites one node's lifecycle fields; SetDirty optionally
// flips the embeddingsDirty flag in the same write.
type StateUpdate struct {
	Label    string
	UUID     string
	Fields   registry.StateFields
	SetDirty *bool
}

// EmbeddingRecord carries vectors and their identity tags back to a node.
type EmbeddingRecord struct {
	Label    string
	UUID     string
	Vectors  map[string][]float32
	Hashes   map[string]string
	Provider string
	Model    string
}

// GraphStore is the property-graph contract the ingestion core depends on.
// The store must provide merge-on-unique-key semantics, batched writes
// with read-your-writes, label scans with property predicates, and lazily
// creatable constraints; everything else is implementation detail.
//
// CozoGraph implements it against the embedded CozoDB backend; tests use
// an in-memory fake.
type GraphStore interface {
	registry.ConstraintCreator

	// ApplyMerge applies the whole plan in one write transaction. When an
	// upserted node carries no embedding vectors, the vectors, hashes, and
	// provider/model already stored on the node survive; every other field,
	// including embeddingsDirty and the state fields, is written as given.
	ApplyMerge(ctx context.Context, plan *MergePlan) error

	// MergeRelationships merges edges by (source, type, target). Edges
	// with a missing endpoint are skipped, not an error.
	MergeRelationships(ctx context.Context, rels []Relationship) error

	// NodesOwnedBy returns every stateful node whose file-field matches
	// one of the given normalized paths.
	NodesOwnedBy(ctx context.Context, paths []string) ([]*Node, error)

	// NodesByUUID fetches nodes of one label by uuid; missing uuids are
	// silently absent from the result.
	NodesByUUID(ctx context.Context, label string, uuids []string) ([]*Node, error)

	// NodesByName finds nodes by their name property; label narrows the
	// scan when non-empty.
	NodesByName(ctx context.Context, name, label string) ([]*Node, error)

	// NodesByState runs the state machine's query-by-state.
	NodesByState(ctx context.Context, q StateQuery) ([]*Node, error)

	// UpdateStates rewrites lifecycle fields, batched.
	UpdateStates(ctx context.Context, updates []StateUpdate) error

	// RestoreEmbeddings writes captured vectors back and clears
	// embeddingsDirty. CozoGraph writes them unconditionally; the metadata
	// preserver skips nodes that already hold vectors before calling it.
	RestoreEmbeddings(ctx context.Context, recs []EmbeddingRecord) error

	// WriteEmbeddings overwrites vectors unconditionally and clears
	// embeddingsDirty.
	WriteEmbeddings(ctx context.Context, recs []EmbeddingRecord) error

	// OwnedFiles enumerates the distinct file-field values across all
	// stateful nodes, for the orphan watcher.
	OwnedFiles(ctx context.Context) ([]string, error)

	// RelatedNodes follows edges of relType from a node. Direction is
	// "out" or "in"; limit bounds the result.
	RelatedNodes(ctx context.Context, uuid, relType, direction string, limit int) ([]*Node, error)

	// AppendChange records a snapshot on the node's HAS_CHANGE chain for
	// labels that opt into change tracking.
	AppendChange(ctx context.Context, label, uuid, contentHash string, at int64) error
}
