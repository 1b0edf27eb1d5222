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
	"sort"
	"sync"

	"github.com/ragforge/ingest/pkg/registry"
)

// memGraph is an in-memory GraphStore for tests: same upsert coalescing
// as the CozoDB implementation, no CGO required. Its RestoreEmbeddings
// additionally skips nodes that already hold vectors.
type memGraph struct {
	mu    sync.Mutex
	reg   *registry.Registry
	nodes map[string]map[string]*Node // label -> uuid -> node
	edges map[string]Relationship     // "src|type|dst" -> edge

	ensuredLabels  map[string]bool
	changeAppends  int
	failNextMerges int // fail the next N ApplyMerge calls, for retry tests
	mergeErr       error
}

func newMemGraph(reg *registry.Registry) *memGraph {
	return &memGraph{
		reg:           reg,
		nodes:         make(map[string]map[string]*Node),
		edges:         make(map[string]Relationship),
		ensuredLabels: make(map[string]bool),
	}
}

func (g *memGraph) EnsureLabel(_ context.Context, def registry.NodeTypeDefinition) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensuredLabels[def.Label] = true
	return nil
}

func (g *memGraph) ApplyMerge(_ context.Context, plan *MergePlan) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failNextMerges > 0 {
		g.failNextMerges--
		return g.mergeErr
	}

	for _, n := range plan.Upserts {
		byUUID := g.nodes[n.Label]
		if byUUID == nil {
			byUUID = make(map[string]*Node)
			g.nodes[n.Label] = byUUID
		}
		c := n.Clone()
		// Coalesce: keep stored vectors when the incoming node carries
		// none, mirroring the CozoDB path.
		if old, ok := byUUID[n.UUID]; ok && len(c.Embeddings) == 0 {
			c.Embeddings = old.Embeddings
			c.EmbeddingHashes = old.EmbeddingHashes
			c.EmbeddingProvider = old.EmbeddingProvider
			c.EmbeddingModel = old.EmbeddingModel
		}
		byUUID[n.UUID] = c
	}

	for label, uuids := range plan.Deletes {
		for _, uuid := range uuids {
			delete(g.nodes[label], uuid)
			for key, e := range g.edges {
				if e.SourceUUID == uuid || e.TargetUUID == uuid {
					delete(g.edges, key)
				}
			}
		}
	}

	for _, r := range plan.Relationships {
		if g.existsLocked(r.SourceUUID) && g.existsLocked(r.TargetUUID) {
			g.edges[r.SourceUUID+"|"+r.Type+"|"+r.TargetUUID] = r
		}
	}
	return nil
}

func (g *memGraph) existsLocked(uuid string) bool {
	for _, byUUID := range g.nodes {
		if _, ok := byUUID[uuid]; ok {
			return true
		}
	}
	return false
}

func (g *memGraph) MergeRelationships(_ context.Context, rels []Relationship) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range rels {
		if g.existsLocked(r.SourceUUID) && g.existsLocked(r.TargetUUID) {
			g.edges[r.SourceUUID+"|"+r.Type+"|"+r.TargetUUID] = r
		}
	}
	return nil
}

func (g *memGraph) NodesOwnedBy(_ context.Context, paths []string) ([]*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	want := make(map[string]bool, len(paths))
	for _, p := range paths {
		want[p] = true
	}
	var out []*Node
	for _, byUUID := range g.nodes {
		for _, n := range byUUID {
			if want[n.FileField(g.reg)] {
				out = append(out, n.Clone())
			}
		}
	}
	return out, nil
}

func (g *memGraph) NodesByUUID(_ context.Context, label string, uuids []string) ([]*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Node
	for _, uuid := range uuids {
		if n, ok := g.nodes[label][uuid]; ok {
			out = append(out, n.Clone())
		}
	}
	return out, nil
}

func (g *memGraph) NodesByName(_ context.Context, name, label string) ([]*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Node
	for l, byUUID := range g.nodes {
		if label != "" && l != label {
			continue
		}
		for _, n := range byUUID {
			if nm, _ := n.Props["name"].(string); nm == name {
				out = append(out, n.Clone())
			}
		}
	}
	return out, nil
}

func (g *memGraph) NodesByState(_ context.Context, q StateQuery) ([]*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []*Node
	for label, byUUID := range g.nodes {
		if q.Label != "" && label != q.Label {
			continue
		}
		for _, n := range byUUID {
			if q.State != "" && n.State.State != q.State {
				continue
			}
			if q.ErrorType != "" && n.State.ErrorType != q.ErrorType {
				continue
			}
			if q.DirtyOnly && !n.EmbeddingsDirty {
				continue
			}
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (g *memGraph) UpdateStates(_ context.Context, updates []StateUpdate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, u := range updates {
		n, ok := g.nodes[u.Label][u.UUID]
		if !ok {
			continue
		}
		n.State = u.Fields
		if u.SetDirty != nil {
			n.EmbeddingsDirty = *u.SetDirty
		}
	}
	return nil
}

func (g *memGraph) RestoreEmbeddings(_ context.Context, recs []EmbeddingRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range recs {
		n, ok := g.nodes[r.Label][r.UUID]
		if !ok {
			continue
		}
		if len(n.Embeddings) > 0 {
			continue // coalesce: never overwrite fresher vectors
		}
		n.Embeddings = r.Vectors
		n.EmbeddingHashes = r.Hashes
		n.EmbeddingProvider = r.Provider
		n.EmbeddingModel = r.Model
		n.EmbeddingsDirty = false
	}
	return nil
}

func (g *memGraph) WriteEmbeddings(_ context.Context, recs []EmbeddingRecord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range recs {
		n, ok := g.nodes[r.Label][r.UUID]
		if !ok {
			continue
		}
		n.Embeddings = r.Vectors
		n.EmbeddingHashes = r.Hashes
		n.EmbeddingProvider = r.Provider
		n.EmbeddingModel = r.Model
		n.EmbeddingsDirty = false
	}
	return nil
}

func (g *memGraph) OwnedFiles(_ context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, byUUID := range g.nodes {
		for _, n := range byUUID {
			if f := n.FileField(g.reg); f != "" && !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (g *memGraph) RelatedNodes(_ context.Context, uuid, relType, direction string, limit int) ([]*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var others []string
	for _, e := range g.edges {
		if e.Type != relType {
			continue
		}
		if direction == "in" && e.TargetUUID == uuid {
			others = append(others, e.SourceUUID)
		} else if direction != "in" && e.SourceUUID == uuid {
			others = append(others, e.TargetUUID)
		}
	}
	sort.Strings(others)
	if limit > 0 && len(others) > limit {
		others = others[:limit]
	}

	var out []*Node
	for _, o := range others {
		for _, byUUID := range g.nodes {
			if n, ok := byUUID[o]; ok {
				out = append(out, n.Clone())
			}
		}
	}
	return out, nil
}

func (g *memGraph) AppendChange(context.Context, string, string, string, int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.changeAppends++
	return nil
}

// node returns the stored node (not a clone) for assertions.
func (g *memGraph) node(label, uuid string) *Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nodes[label][uuid]
}

// countNodes counts nodes of a label, or all nodes when label is empty.
func (g *memGraph) countNodes(label string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if label != "" {
		return len(g.nodes[label])
	}
	total := 0
	for _, byUUID := range g.nodes {
		total += len(byUUID)
	}
	return total
}

// countEdges counts edges of one type, or all when empty.
func (g *memGraph) countEdges(relType string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if relType == "" {
		return len(g.edges)
	}
	n := 0
	for _, e := range g.edges {
		if e.Type == relType {
			n++
		}
	}
	return n
}

// edgeExists reports whether a specific edge is present.
func (g *memGraph) edgeExists(src, relType, dst string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.edges[src+"|"+relType+"|"+dst]
	return ok
}

var _ GraphStore = (*memGraph)(nil)
