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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragforge/ingest/pkg/registry"
)

// End-to-end cycles through the orchestrator against an in-memory graph,
// a real parser, and a deterministic provider.

const scenarioSource = `package demo

func A() {
	B()
}

func B() {}

func C() {}
`

type scenarioEnv struct {
	dir   string
	cfg   *Config
	reg   *registry.Registry
	graph *memGraph
	orch  *Orchestrator
}

func newScenarioEnv(t *testing.T, provider string) *scenarioEnv {
	t.Helper()
	dir := t.TempDir()

	cfg := &Config{
		ProjectID: "scenario",
		Source:    SourceConfig{Type: "files", Root: dir},
		Embedding: EmbeddingConfig{
			Provider:   provider,
			Model:      provider + "-model",
			Dimensions: 8,
			BatchSize:  16,
			MaxRetries: 2,
			RetryDelay: time.Millisecond,
		},
	}
	cfg.ApplyDefaults()

	reg := registry.NewWithBuiltins()
	graph := newMemGraph(reg)
	return rebuildScenarioEnv(t, dir, cfg, reg, graph)
}

// rebuildScenarioEnv constructs a fresh orchestrator over existing state,
// simulating a process restart (optionally with new config).
func rebuildScenarioEnv(t *testing.T, dir string, cfg *Config, reg *registry.Registry, graph *memGraph) *scenarioEnv {
	t.Helper()
	orch, err := NewOrchestrator(cfg, reg, graph, NewMockEmbeddingProvider(cfg.Embedding.Dimensions, nil), nil)
	require.NoError(t, err)
	return &scenarioEnv{dir: dir, cfg: cfg, reg: reg, graph: graph, orch: orch}
}

func (e *scenarioEnv) write(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(e.dir, name), []byte(content), 0644))
}

func (e *scenarioEnv) ingest(t *testing.T, events ...ChangeEvent) *BatchResult {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.orch.recover(ctx))
	res, err := e.orch.ProcessBatch(ctx, ChangeBatch{Events: events})
	require.NoError(t, err)
	return res
}

func (e *scenarioEnv) scopeByName(t *testing.T, name string) *Node {
	t.Helper()
	nodes, err := e.graph.NodesByName(context.Background(), name, "CodeScope")
	require.NoError(t, err)
	require.Len(t, nodes, 1, "expected exactly one scope named %s", name)
	return nodes[0]
}

// Scenario: first ingestion of a single file declaring three scopes, with
// A consuming B.
func TestScenarioFirstIngestion(t *testing.T) {
	env := newScenarioEnv(t, "mock")
	env.write(t, "demo.go", scenarioSource)

	res := env.ingest(t, ChangeEvent{Path: "demo.go", Kind: ChangeAdded})

	assert.Equal(t, 1, env.graph.countNodes("File"))
	assert.Equal(t, 3, env.graph.countNodes("CodeScope"))
	assert.Equal(t, 3, env.graph.countEdges(registry.RelDefinedIn))
	assert.Equal(t, 1, env.graph.countEdges(registry.RelConsumes))

	a, b := env.scopeByName(t, "A"), env.scopeByName(t, "B")
	assert.True(t, env.graph.edgeExists(a.UUID, registry.RelConsumes, b.UUID))

	for _, name := range []string{"A", "B", "C"} {
		n := env.scopeByName(t, name)
		assert.Equal(t, StateReady, n.State.State, "%s must reach ready", name)
		assert.NotEmpty(t, n.Embeddings["content"], "%s carries embeddings", name)
		assert.Zero(t, n.State.RetryCount)
		assert.False(t, n.EmbeddingsDirty)
	}
	assert.Greater(t, res.Embed.Generated, 0)
}

// Scenario: idempotent re-ingestion produces no new nodes, no new edges,
// and zero generated embeddings.
func TestScenarioIdempotentReingestion(t *testing.T) {
	env := newScenarioEnv(t, "mock")
	env.write(t, "demo.go", scenarioSource)

	env.ingest(t, ChangeEvent{Path: "demo.go", Kind: ChangeAdded})
	nodesBefore := env.graph.countNodes("")
	edgesBefore := env.graph.countEdges("")

	res := env.ingest(t, ChangeEvent{Path: "demo.go", Kind: ChangeModified})

	assert.Equal(t, nodesBefore, env.graph.countNodes(""))
	assert.Equal(t, edgesBefore, env.graph.countEdges(""))
	assert.Zero(t, res.Embed.Generated, "nothing changed, nothing re-embeds")
}

// Scenario: editing one scope's body re-processes only that scope.
func TestScenarioSingleScopeEdit(t *testing.T) {
	env := newScenarioEnv(t, "mock")
	env.write(t, "demo.go", scenarioSource)
	env.ingest(t, ChangeEvent{Path: "demo.go", Kind: ChangeAdded})

	aHash := env.scopeByName(t, "A").EmbeddingHashes["content"]
	cHash := env.scopeByName(t, "C").EmbeddingHashes["content"]

	// Same line count, so A and C keep their positions.
	edited := `package demo

func A() {
	B()
}

func B() { println(1) }

func C() {}
`
	env.write(t, "demo.go", edited)
	res := env.ingest(t, ChangeEvent{Path: "demo.go", Kind: ChangeModified})

	assert.Equal(t, 1, res.Embed.Generated, "only B re-embeds")
	assert.Equal(t, aHash, env.scopeByName(t, "A").EmbeddingHashes["content"])
	assert.Equal(t, cHash, env.scopeByName(t, "C").EmbeddingHashes["content"])

	b := env.scopeByName(t, "B")
	assert.Equal(t, StateReady, b.State.State)
	assert.NotEmpty(t, b.Embeddings["content"])
}

// Scenario: renaming a scope replaces the node and retargets edges.
func TestScenarioScopeRename(t *testing.T) {
	env := newScenarioEnv(t, "mock")
	env.write(t, "demo.go", scenarioSource)
	env.ingest(t, ChangeEvent{Path: "demo.go", Kind: ChangeAdded})

	oldB := env.scopeByName(t, "B")

	renamed := `package demo

func A() {
	B2()
}

func B2() {}

func C() {}
`
	env.write(t, "demo.go", renamed)
	env.ingest(t, ChangeEvent{Path: "demo.go", Kind: ChangeModified})

	nodes, err := env.graph.NodesByName(context.Background(), "B", "CodeScope")
	require.NoError(t, err)
	assert.Empty(t, nodes, "old B node is deleted")

	newB := env.scopeByName(t, "B2")
	assert.NotEqual(t, oldB.UUID, newB.UUID, "renamed scope gets a fresh uuid")
	assert.Equal(t, StateReady, newB.State.State)

	a := env.scopeByName(t, "A")
	assert.True(t, env.graph.edgeExists(a.UUID, registry.RelConsumes, newB.UUID))
	assert.False(t, env.graph.edgeExists(a.UUID, registry.RelConsumes, oldB.UUID))
}

// Scenario: re-ingestion with unchanged content preserves embeddings under
// the same provider identity.
func TestScenarioEmbeddingPreservation(t *testing.T) {
	env := newScenarioEnv(t, "mock")
	env.write(t, "demo.go", scenarioSource)
	env.ingest(t, ChangeEvent{Path: "demo.go", Kind: ChangeAdded})

	before := map[string][]float32{}
	for _, name := range []string{"A", "B", "C"} {
		before[name] = env.scopeByName(t, name).Embeddings["content"]
	}

	env.ingest(t, ChangeEvent{Path: "demo.go", Kind: ChangeModified})

	for _, name := range []string{"A", "B", "C"} {
		assert.Equal(t, before[name], env.scopeByName(t, name).Embeddings["content"],
			"%s embedding must survive re-ingestion", name)
	}
}

// Scenario: swapping the embedding provider discards every vector and
// regenerates with new provider/model tags.
func TestScenarioProviderSwap(t *testing.T) {
	env := newScenarioEnv(t, "mock")
	env.write(t, "demo.go", scenarioSource)
	env.ingest(t, ChangeEvent{Path: "demo.go", Kind: ChangeAdded})

	assert.Equal(t, "mock", env.scopeByName(t, "A").EmbeddingProvider)

	// Restart with a different provider identity over the same graph.
	cfg2 := *env.cfg
	cfg2.Embedding.Provider = "other"
	cfg2.Embedding.Model = "other-model"
	env2 := rebuildScenarioEnv(t, env.dir, &cfg2, env.reg, env.graph)

	res := env2.ingest(t, ChangeEvent{Path: "demo.go", Kind: ChangeModified})
	assert.Greater(t, res.Embed.Generated, 0, "all vectors regenerate")

	for _, name := range []string{"A", "B", "C"} {
		n := env2.scopeByName(t, name)
		assert.Equal(t, "other", n.EmbeddingProvider)
		assert.Equal(t, "other-model", n.EmbeddingModel)
		assert.Equal(t, StateReady, n.State.State)
		assert.False(t, n.EmbeddingsDirty)
	}
}

// Scenario: recovery after a simulated crash mid-flight.
func TestScenarioCrashRecovery(t *testing.T) {
	env := newScenarioEnv(t, "mock")
	env.write(t, "demo.go", scenarioSource)
	env.ingest(t, ChangeEvent{Path: "demo.go", Kind: ChangeAdded})

	// Strand one node in a transient state, as a crash would.
	b := env.scopeByName(t, "B")
	require.NoError(t, env.graph.UpdateStates(context.Background(), []StateUpdate{{
		Label: b.Label, UUID: b.UUID,
		Fields: registry.StateFields{State: StateEmbedding, StateChangedAt: 99},
	}}))

	// Restart: the recovery pass rewrites it to pending, and the next
	// cycle drives it back to ready.
	env2 := rebuildScenarioEnv(t, env.dir, env.cfg, env.reg, env.graph)
	env2.ingest(t, ChangeEvent{Path: "demo.go", Kind: ChangeModified})

	assert.Equal(t, StateReady, env2.scopeByName(t, "B").State.State)
}

// Scenario: a transient store failure rolls the batch back and the
// orchestrator retries it whole.
func TestScenarioStoreFailureRetriesBatch(t *testing.T) {
	env := newScenarioEnv(t, "mock")
	env.write(t, "demo.go", scenarioSource)

	env.graph.mu.Lock()
	env.graph.failNextMerges = 1
	env.graph.mergeErr = errMergeUnavailable
	env.graph.mu.Unlock()

	ctx := context.Background()
	require.NoError(t, env.orch.recover(ctx))
	res, err := env.orch.processWithRetry(ctx, ChangeBatch{Events: []ChangeEvent{
		{Path: "demo.go", Kind: ChangeAdded},
	}})
	require.NoError(t, err, "second attempt succeeds")
	require.NotNil(t, res)

	assert.Equal(t, 3, env.graph.countNodes("CodeScope"))
	assert.Equal(t, StateReady, env.scopeByName(t, "A").State.State)
}

var errMergeUnavailable = &storeUnavailableError{}

type storeUnavailableError struct{}

func (*storeUnavailableError) Error() string { return "store unavailable: connection reset" }

// Markdown files flow through the same cycle: document, sections, and
// section edges.
func TestScenarioMarkdownIngestion(t *testing.T) {
	env := newScenarioEnv(t, "mock")
	env.write(t, "readme.md", "# Title\n\nintro text here\n\n## Usage\n\nrun the tool\n")

	env.ingest(t, ChangeEvent{Path: "readme.md", Kind: ChangeAdded})

	assert.Equal(t, 1, env.graph.countNodes("MarkdownDocument"))
	assert.GreaterOrEqual(t, env.graph.countNodes("MarkdownSection"), 2)
	assert.GreaterOrEqual(t, env.graph.countEdges(registry.RelHasSection), 2)

	sections, err := env.graph.NodesByState(context.Background(), StateQuery{Label: "MarkdownSection"})
	require.NoError(t, err)
	for _, s := range sections {
		assert.Equal(t, StateReady, s.State.State)
	}
}
