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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragforge/ingest/pkg/registry"
)

// countingProvider wraps a provider and counts calls; it can also be made
// to fail every call with a fixed error.
type countingProvider struct {
	mu    sync.Mutex
	calls int
	fail  error
	dim   int
}

func (p *countingProvider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.fail != nil {
		return nil, p.fail
	}
	vec := make([]float32, p.dim)
	for i := range vec {
		vec[i] = float32(len(text)%7) + float32(i)
	}
	return vec, nil
}

func (p *countingProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func embedCfg(dim int) EmbeddingConfig {
	return EmbeddingConfig{
		Provider:   "mock",
		Model:      "mock-test",
		Dimensions: dim,
		BatchSize:  16,
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}
}

// seedLinkedDirty puts a scope in linked+dirty, ready for the pipeline.
func seedLinkedDirty(t *testing.T, g *memGraph, reg *registry.Registry, file, name string) *Node {
	t.Helper()
	n := seedPending(t, g, makeScopeNode(t, reg, file, name, "body of "+name))
	dirty := true
	require.NoError(t, g.UpdateStates(context.Background(), []StateUpdate{{
		Label: n.Label, UUID: n.UUID,
		Fields:   registry.StateFields{State: StateLinked, StateChangedAt: 2},
		SetDirty: &dirty,
	}}))
	return n
}

func TestEmbedDrivesDirtyNodesToReady(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	sm := NewStateMachine(g, 3, nil)
	provider := &countingProvider{dim: 4}
	pipe := NewEmbeddingPipeline(g, reg, provider, sm, embedCfg(4), 1, nil, nil)
	ctx := context.Background()

	n := seedLinkedDirty(t, g, reg, "a.go", "Foo")

	stats, err := pipe.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Selected)
	assert.Equal(t, 1, stats.Generated)
	assert.Zero(t, stats.Errors)

	stored := g.node("CodeScope", n.UUID)
	assert.Equal(t, StateReady, stored.State.State)
	assert.False(t, stored.EmbeddingsDirty)
	assert.Len(t, stored.Embeddings["content"], 4)
	assert.Equal(t, "mock", stored.EmbeddingProvider)
	assert.Equal(t, "mock-test", stored.EmbeddingModel)
	assert.NotEmpty(t, stored.EmbeddingHashes["content"])
}

func TestEmbedSkipsWhenHashAndProviderMatch(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	sm := NewStateMachine(g, 3, nil)
	provider := &countingProvider{dim: 4}
	pipe := NewEmbeddingPipeline(g, reg, provider, sm, embedCfg(4), 1, nil, nil)
	ctx := context.Background()

	n := seedLinkedDirty(t, g, reg, "a.go", "Foo")

	_, err := pipe.Run(ctx)
	require.NoError(t, err)
	firstCalls := provider.callCount()
	require.Greater(t, firstCalls, 0)

	// Mark it dirty again without changing content: the stored hashes
	// match the rebuilt inputs, so no provider call happens.
	dirty := true
	require.NoError(t, g.UpdateStates(ctx, []StateUpdate{{
		Label: n.Label, UUID: n.UUID,
		Fields:   registry.StateFields{State: StateLinked, StateChangedAt: 3},
		SetDirty: &dirty,
	}}))

	stats, err := pipe.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, stats.Generated)
	assert.Equal(t, firstCalls, provider.callCount(), "identical input must not re-call the provider")
	assert.Equal(t, StateReady, g.node("CodeScope", n.UUID).State.State)
}

func TestEmbedDimensionSafety(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	sm := NewStateMachine(g, 3, nil)
	provider := &countingProvider{dim: 4}
	// Index declares 8 dimensions; provider returns 4.
	pipe := NewEmbeddingPipeline(g, reg, provider, sm, embedCfg(8), 1, nil, nil)
	ctx := context.Background()

	n := seedLinkedDirty(t, g, reg, "a.go", "Foo")

	stats, err := pipe.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Errors)

	stored := g.node("CodeScope", n.UUID)
	assert.Equal(t, StateError, stored.State.State)
	assert.Equal(t, ErrorEmbed, stored.State.ErrorType)
	assert.Empty(t, stored.Embeddings, "no mismatched vector is ever written")
}

func TestEmbedRateLimitStorm(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	sm := NewStateMachine(g, 3, nil)
	provider := &countingProvider{dim: 4, fail: errors.New("429 rate limit exceeded")}
	pipe := NewEmbeddingPipeline(g, reg, provider, sm, embedCfg(4), 1, nil, nil)
	ctx := context.Background()

	a := seedLinkedDirty(t, g, reg, "a.go", "A")
	b := seedLinkedDirty(t, g, reg, "b.go", "B")

	stats, err := pipe.Run(ctx)
	require.NoError(t, err, "the pipeline itself never aborts")
	assert.Equal(t, 2, stats.Errors)
	// MaxRetries attempts per first failing input.
	assert.GreaterOrEqual(t, provider.callCount(), 4)

	for _, n := range []*Node{a, b} {
		stored := g.node("CodeScope", n.UUID)
		assert.Equal(t, StateError, stored.State.State)
		assert.Equal(t, ErrorEmbed, stored.State.ErrorType)
		assert.Empty(t, stored.Embeddings, "graph otherwise untouched")
	}

	// Recovery: retryErrors + a working provider drives them to ready.
	provider.fail = nil
	reset, err := sm.RetryErrors(ctx, RetryErrorsFilter{ErrorType: ErrorEmbed})
	require.NoError(t, err)
	assert.Equal(t, 2, reset)

	// Reset nodes are pending; walk them to linked as the orchestrator
	// would, then embed.
	for _, n := range []*Node{a, b} {
		for _, s := range []string{StateParsing, StateParsed, StateLinking, StateLinked} {
			require.NoError(t, sm.Transition(ctx, n.UUID, n.Label, s, TransitionOptions{}))
		}
	}
	stats, err = pipe.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Generated)
	for _, n := range []*Node{a, b} {
		assert.Equal(t, StateReady, g.node("CodeScope", n.UUID).State.State)
	}
}

func TestEmbedNonRetryableErrorFailsFast(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	sm := NewStateMachine(g, 3, nil)
	provider := &countingProvider{dim: 4, fail: errors.New("invalid api key")}
	pipe := NewEmbeddingPipeline(g, reg, provider, sm, embedCfg(4), 1, nil, nil)

	seedLinkedDirty(t, g, reg, "a.go", "Foo")

	stats, err := pipe.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1, provider.callCount(), "non-retryable errors are not retried")
}

func TestEmbedPartitionsByUUIDHash(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	sm := NewStateMachine(g, 3, nil)
	provider := &countingProvider{dim: 4}
	pipe := NewEmbeddingPipeline(g, reg, provider, sm, embedCfg(4), 4, nil, nil)
	ctx := context.Background()

	names := []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	for _, name := range names {
		seedLinkedDirty(t, g, reg, name+".go", name)
	}

	stats, err := pipe.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(names), stats.Generated, "every node is embedded exactly once")

	ready, err := g.NodesByState(ctx, StateQuery{State: StateReady})
	require.NoError(t, err)
	assert.Len(t, ready, len(names))
}

func TestEmbedParsedNodeKeepsMonotonicSequence(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	sm := NewStateMachine(g, 3, nil)
	provider := &countingProvider{dim: 4}
	pipe := NewEmbeddingPipeline(g, reg, provider, sm, embedCfg(4), 1, nil, nil)
	ctx := context.Background()

	// A node stuck in parsed (e.g. after MarkChanged) is still selected
	// and passes through linking/linked on its way to ready.
	n := seedPending(t, g, makeScopeNode(t, reg, "a.go", "Foo", "body"))
	require.NoError(t, sm.Transition(ctx, n.UUID, n.Label, StateParsing, TransitionOptions{}))
	require.NoError(t, sm.Transition(ctx, n.UUID, n.Label, StateParsed, TransitionOptions{}))

	_, err := pipe.Run(ctx)
	require.NoError(t, err)

	stored := g.node("CodeScope", n.UUID)
	assert.Equal(t, StateReady, stored.State.State)
	assert.NotZero(t, stored.State.LinkedAt, "linked timestamp set on the way through")
}

func TestIsRetryableEmbeddingError(t *testing.T) {
	cases := []struct {
		msg       string
		retryable bool
	}{
		{"quota exceeded for project", true},
		{"HTTP 429 Too Many Requests", true},
		{"rate limit hit", true},
		{"resource exhausted", true},
		{"connection refused", true},
		{"context deadline exceeded", true},
		{"invalid api key", false},
		{"model not found", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.retryable, isRetryableEmbeddingError(errors.New(c.msg)), c.msg)
	}
	assert.False(t, isRetryableEmbeddingError(nil))
}
