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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragforge/ingest/pkg/registry"
)

// extractFile builds an ExtractResult with a File node plus scope nodes,
// mirroring what the content extractor produces for one parsed file.
func extractFile(t *testing.T, reg *registry.Registry, path string, scopes map[string]string) *ExtractResult {
	t.Helper()
	fileDef, _ := reg.Get("File")
	fileProps := map[string]any{"path": path, "language": "go", "size": 1}
	fileNode := &Node{UUID: fileDef.NodeUUID(fileProps), Label: "File", Props: fileProps}
	fileNode.ContentHash = ContentHash(fileDef, fileProps, "")

	res := &ExtractResult{Nodes: []*Node{fileNode}}
	for name, content := range scopes {
		sn := makeScopeNode(t, reg, path, name, content)
		res.Nodes = append(res.Nodes, sn)
		res.Relationships = append(res.Relationships, Relationship{
			SourceUUID: sn.UUID,
			Type:       registry.RelDefinedIn,
			TargetUUID: fileNode.UUID,
		})
	}
	return res
}

func newTestMerger(g *memGraph, reg *registry.Registry) *GraphMerger {
	m := NewGraphMerger(g, reg, false, nil)
	m.now = func() time.Time { return time.UnixMilli(1000) }
	return m
}

func TestMergeCreatesNodesAndRelationships(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	m := newTestMerger(g, reg)
	ctx := context.Background()

	res, err := m.Merge(ctx, []*ExtractResult{
		extractFile(t, reg, "a.go", map[string]string{"Foo": "func Foo() {}", "Bar": "func Bar() {}"}),
	}, []string{"a.go"})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Stats.NodesUpserted)
	assert.Equal(t, 2, res.Stats.RelationshipsUpserted)
	assert.Equal(t, 1, g.countNodes("File"))
	assert.Equal(t, 2, g.countNodes("CodeScope"))
	assert.Equal(t, 2, g.countEdges(registry.RelDefinedIn))

	// New content nodes start pending and dirty.
	scopes, _ := g.NodesByState(ctx, StateQuery{Label: "CodeScope"})
	for _, n := range scopes {
		assert.Equal(t, StatePending, n.State.State)
		assert.True(t, n.EmbeddingsDirty)
		assert.NotEmpty(t, n.ContentHash)
	}
}

func TestMergeUpsertStability(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	m := newTestMerger(g, reg)
	ctx := context.Background()

	input := func() []*ExtractResult {
		return []*ExtractResult{extractFile(t, reg, "a.go", map[string]string{"Foo": "func Foo() {}"})}
	}

	_, err := m.Merge(ctx, input(), []string{"a.go"})
	require.NoError(t, err)

	before := snapshot(g)

	res, err := m.Merge(ctx, input(), []string{"a.go"})
	require.NoError(t, err)

	// The unchanged content node is untouched; only the structural File
	// node is re-upserted, with identical values.
	assert.Equal(t, 1, res.Stats.NodesUnchanged)
	assert.Zero(t, res.Stats.NodesDeleted)
	assert.Equal(t, before, snapshot(g), "merge(P); merge(P) must equal merge(P)")
}

// snapshot captures the graph's observable state for equality checks.
func snapshot(g *memGraph) map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]string)
	for label, byUUID := range g.nodes {
		for uuid, n := range byUUID {
			out[label+"/"+uuid] = n.ContentHash + "|" + n.State.State
		}
	}
	for key := range g.edges {
		out["edge/"+key] = "1"
	}
	return out
}

func TestMergeChangeDetectionResetsLifecycle(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	m := newTestMerger(g, reg)
	sm := NewStateMachine(g, 3, nil)
	ctx := context.Background()

	first, err := m.Merge(ctx, []*ExtractResult{
		extractFile(t, reg, "a.go", map[string]string{"Foo": "v1"}),
	}, []string{"a.go"})
	require.NoError(t, err)

	// Drive everything to ready.
	for uuid, label := range first.UpsertedNodes {
		for _, s := range []string{StateParsing, StateParsed, StateLinking, StateLinked, StateEmbedding, StateReady} {
			require.NoError(t, sm.Transition(ctx, uuid, label, s, TransitionOptions{}))
		}
	}

	res, err := m.Merge(ctx, []*ExtractResult{
		extractFile(t, reg, "a.go", map[string]string{"Foo": "v2"}),
	}, []string{"a.go"})
	require.NoError(t, err)

	require.Len(t, res.Changed, 1)
	changed := g.node("CodeScope", res.Changed[0].UUID)
	assert.Equal(t, StatePending, changed.State.State)
	assert.True(t, changed.EmbeddingsDirty)
	assert.Zero(t, changed.State.RetryCount)
}

func TestMergeDeletesObsoleteNodes(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	m := newTestMerger(g, reg)
	ctx := context.Background()

	_, err := m.Merge(ctx, []*ExtractResult{
		extractFile(t, reg, "a.go", map[string]string{"Foo": "f", "Bar": "b", "Baz": "z"}),
	}, []string{"a.go"})
	require.NoError(t, err)
	require.Equal(t, 3, g.countNodes("CodeScope"))

	// Re-parse produced a strict subset: Baz is gone.
	res, err := m.Merge(ctx, []*ExtractResult{
		extractFile(t, reg, "a.go", map[string]string{"Foo": "f", "Bar": "b"}),
	}, []string{"a.go"})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Stats.NodesDeleted)
	assert.Equal(t, 2, g.countNodes("CodeScope"))
}

func TestMergeDeletedFileRemovesAllOwnedNodes(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	m := newTestMerger(g, reg)
	ctx := context.Background()

	_, err := m.Merge(ctx, []*ExtractResult{
		extractFile(t, reg, "a.go", map[string]string{"Foo": "f"}),
	}, []string{"a.go"})
	require.NoError(t, err)

	// A delete-target batch: the path is owned but no new nodes arrive.
	res, err := m.Merge(ctx, nil, []string{"a.go"})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Stats.NodesDeleted, "File node and scope both removed")
	assert.Zero(t, g.countNodes(""))
	assert.Zero(t, g.countEdges(""))
}

func TestMergeBuffersUnknownEndpointRelationships(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	m := newTestMerger(g, reg)
	ctx := context.Background()

	res := extractFile(t, reg, "a.go", map[string]string{"Foo": "f"})
	res.Relationships = append(res.Relationships, Relationship{
		SourceUUID: res.Nodes[1].UUID,
		Type:       registry.RelConsumes,
		TargetUUID: "missing-uuid",
	})

	merged, err := m.Merge(ctx, []*ExtractResult{res}, []string{"a.go"})
	require.NoError(t, err)

	assert.Len(t, merged.Unresolved, 1, "edge with unknown endpoint is buffered, not dropped")
	assert.Zero(t, g.countEdges(registry.RelConsumes))
}

func TestMergePreservesEmbeddingsAcrossUpsert(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	m := newTestMerger(g, reg)
	ctx := context.Background()

	first, err := m.Merge(ctx, []*ExtractResult{
		extractFile(t, reg, "a.go", map[string]string{"Foo": "body"}),
	}, []string{"a.go"})
	require.NoError(t, err)

	var scopeUUID string
	for uuid, label := range first.UpsertedNodes {
		if label == "CodeScope" {
			scopeUUID = uuid
		}
	}
	require.NoError(t, g.WriteEmbeddings(ctx, []EmbeddingRecord{{
		Label: "CodeScope", UUID: scopeUUID,
		Vectors:  map[string][]float32{"content": {0.1, 0.2}},
		Hashes:   map[string]string{"content": "h"},
		Provider: "mock", Model: "m",
	}}))

	// Re-merging the same content leaves the unchanged scope alone, so its
	// vectors stay.
	_, err = m.Merge(ctx, []*ExtractResult{
		extractFile(t, reg, "a.go", map[string]string{"Foo": "body"}),
	}, []string{"a.go"})
	require.NoError(t, err)

	stored := g.node("CodeScope", scopeUUID)
	assert.Equal(t, []float32{0.1, 0.2}, stored.Embeddings["content"])
	assert.Equal(t, "mock", stored.EmbeddingProvider)
}

func TestContentHashChangesWithRequiredFieldsAndContent(t *testing.T) {
	reg := registry.NewWithBuiltins()
	def, _ := reg.Get("CodeScope")

	base := map[string]any{"name": "Foo", "file": "a.go", "startLine": 1, "endLine": 2, "kind": "function"}
	h1 := ContentHash(def, base, "body")

	renamed := map[string]any{"name": "Foo2", "file": "a.go", "startLine": 1, "endLine": 2, "kind": "function"}
	assert.NotEqual(t, h1, ContentHash(def, renamed, "body"), "required field change must change the hash")

	assert.NotEqual(t, h1, ContentHash(def, base, "other body"), "raw content change must change the hash")

	withOptional := map[string]any{"name": "Foo", "file": "a.go", "startLine": 1, "endLine": 2, "kind": "function", "docComment": "hi"}
	assert.Equal(t, h1, ContentHash(def, withOptional, "body"), "optional fields never affect the hash")

	assert.Equal(t, h1, ContentHash(def, base, "body"), "hash is deterministic")
}
