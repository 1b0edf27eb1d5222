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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragforge/ingest/pkg/registry"
)

func embeddedScope(t *testing.T, g *memGraph, reg *registry.Registry, file, name string, provider, model string) *Node {
	t.Helper()
	n := seedPending(t, g, makeScopeNode(t, reg, file, name, "body of "+name))
	require.NoError(t, g.WriteEmbeddings(context.Background(), []EmbeddingRecord{{
		Label: n.Label, UUID: n.UUID,
		Vectors:  map[string][]float32{"content": {0.5, 0.5}},
		Hashes:   map[string]string{"content": "hash-" + name},
		Provider: provider, Model: model,
	}}))
	return n
}

func testEmbedding() EmbeddingConfig {
	return EmbeddingConfig{Provider: "mock", Model: "mock-384"}
}

func TestCaptureIndexesByUUIDAndSymbolKey(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	p := NewMetadataPreserver(g, reg, testEmbedding(), nil)
	ctx := context.Background()

	n := embeddedScope(t, g, reg, "a.go", "Foo", "mock", "mock-384")

	captured, err := p.CaptureForFiles(ctx, []string{"a.go"})
	require.NoError(t, err)
	assert.Equal(t, 1, captured.Size())

	uuid, ok := captured.UUIDForSymbol("a.go", "Foo")
	require.True(t, ok)
	assert.Equal(t, n.UUID, uuid)

	_, ok = captured.UUIDForSymbol("a.go", "Other")
	assert.False(t, ok)
}

func TestRestoreMatchingProvider(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	p := NewMetadataPreserver(g, reg, testEmbedding(), nil)
	ctx := context.Background()

	n := embeddedScope(t, g, reg, "a.go", "Foo", "mock", "mock-384")

	captured, err := p.CaptureForFiles(ctx, []string{"a.go"})
	require.NoError(t, err)

	// Simulate the merger wiping the vectors on re-upsert.
	g.node("CodeScope", n.UUID).Embeddings = nil
	g.node("CodeScope", n.UUID).EmbeddingHashes = nil

	res, err := p.RestoreMetadata(ctx, captured)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EmbeddingsRestored)
	assert.Equal(t, 1, res.MatchedUUIDs)
	assert.Zero(t, res.ProviderMismatch)

	stored := g.node("CodeScope", n.UUID)
	assert.Equal(t, []float32{0.5, 0.5}, stored.Embeddings["content"])
	assert.Equal(t, "hash-Foo", stored.EmbeddingHashes["content"])
	assert.False(t, stored.EmbeddingsDirty)
}

func TestRestoreDropsOnProviderMismatch(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	// Current provider differs from the stored one.
	p := NewMetadataPreserver(g, reg, EmbeddingConfig{Provider: "openai", Model: "text-embedding-3-small"}, nil)
	ctx := context.Background()

	n := embeddedScope(t, g, reg, "a.go", "Foo", "mock", "mock-384")

	captured, err := p.CaptureForFiles(ctx, []string{"a.go"})
	require.NoError(t, err)

	g.node("CodeScope", n.UUID).Embeddings = nil
	g.node("CodeScope", n.UUID).EmbeddingsDirty = true

	res, err := p.RestoreMetadata(ctx, captured)
	require.NoError(t, err)
	assert.Zero(t, res.EmbeddingsRestored)
	assert.Equal(t, 1, res.ProviderMismatch)

	stored := g.node("CodeScope", n.UUID)
	assert.Empty(t, stored.Embeddings, "mismatched vectors are dropped")
	assert.True(t, stored.EmbeddingsDirty, "node stays dirty for re-embedding")
}

func TestRestoreReusesAcrossProviderWhenConfigured(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	p := NewMetadataPreserver(g, reg,
		EmbeddingConfig{Provider: "openai", Model: "text-embedding-3-small"},
		nil, WithProviderMismatchReuse())
	ctx := context.Background()

	n := embeddedScope(t, g, reg, "a.go", "Foo", "mock", "mock-384")

	captured, err := p.CaptureForFiles(ctx, []string{"a.go"})
	require.NoError(t, err)

	g.node("CodeScope", n.UUID).Embeddings = nil

	res, err := p.RestoreMetadata(ctx, captured)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EmbeddingsRestored)

	stored := g.node("CodeScope", n.UUID)
	assert.Equal(t, "mock", stored.EmbeddingProvider, "original tags ride along with reused vectors")
}

func TestRestoreLegacyUntaggedVectors(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	p := NewMetadataPreserver(g, reg, testEmbedding(), nil)
	ctx := context.Background()

	// Legacy node: vectors but no provider tag.
	n := embeddedScope(t, g, reg, "a.go", "Foo", "", "")

	captured, err := p.CaptureForFiles(ctx, []string{"a.go"})
	require.NoError(t, err)

	g.node("CodeScope", n.UUID).Embeddings = nil

	res, err := p.RestoreMetadata(ctx, captured)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EmbeddingsRestored)

	stored := g.node("CodeScope", n.UUID)
	assert.Equal(t, "mock", stored.EmbeddingProvider, "legacy vectors are stamped with the current identity")
}

func TestRestoreCoalescesExistingVectors(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	p := NewMetadataPreserver(g, reg, testEmbedding(), nil)
	ctx := context.Background()

	n := embeddedScope(t, g, reg, "a.go", "Foo", "mock", "mock-384")

	captured, err := p.CaptureForFiles(ctx, []string{"a.go"})
	require.NoError(t, err)

	// The node re-embedded between capture and restore.
	require.NoError(t, g.WriteEmbeddings(ctx, []EmbeddingRecord{{
		Label: n.Label, UUID: n.UUID,
		Vectors:  map[string][]float32{"content": {0.9, 0.1}},
		Hashes:   map[string]string{"content": "fresh"},
		Provider: "mock", Model: "mock-384",
	}}))

	res, err := p.RestoreMetadata(ctx, captured)
	require.NoError(t, err)
	assert.Zero(t, res.EmbeddingsRestored)
	assert.Equal(t, 1, res.EmbeddingsSkipped)

	stored := g.node("CodeScope", n.UUID)
	assert.Equal(t, []float32{0.9, 0.1}, stored.Embeddings["content"], "fresher vectors win")
}

func TestRestoreUnmatchedUUIDsNeverFatal(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	p := NewMetadataPreserver(g, reg, testEmbedding(), nil)
	ctx := context.Background()

	n := embeddedScope(t, g, reg, "a.go", "Foo", "mock", "mock-384")

	captured, err := p.CaptureForFiles(ctx, []string{"a.go"})
	require.NoError(t, err)

	// The merger deleted the node entirely.
	require.NoError(t, g.ApplyMerge(ctx, &MergePlan{
		Deletes: map[string][]string{"CodeScope": {n.UUID}},
	}))

	res, err := p.RestoreMetadata(ctx, captured)
	require.NoError(t, err)
	assert.Equal(t, 1, res.UnmatchedUUIDs)
	assert.Zero(t, res.EmbeddingsRestored)
}
