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

// makeScopeNode builds one CodeScope node with its content hash computed.
func makeScopeNode(t *testing.T, reg *registry.Registry, file, name, content string) *Node {
	t.Helper()
	def, ok := reg.Get("CodeScope")
	require.True(t, ok)

	props := map[string]any{
		"name": name, "file": file,
		"startLine": 1, "endLine": 10,
		"startCol": 1, "endCol": 1,
		"kind": "function", "content": content,
	}
	n := &Node{
		UUID:  def.NodeUUID(props),
		Label: "CodeScope",
		Props: props,
	}
	n.ContentHash = ContentHash(def, props, content)
	return n
}

// seedPending merges one node in pending state and returns it.
func seedPending(t *testing.T, g *memGraph, n *Node) *Node {
	t.Helper()
	n.State = registry.StateFields{State: StatePending, StateChangedAt: 1}
	n.EmbeddingsDirty = true
	require.NoError(t, g.ApplyMerge(context.Background(), &MergePlan{Upserts: []*Node{n}}))
	return n
}

func TestTransitionHappyPath(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	sm := NewStateMachine(g, 3, nil)
	ctx := context.Background()

	n := seedPending(t, g, makeScopeNode(t, reg, "a.go", "Foo", "func Foo() {}"))

	for _, state := range []string{StateParsing, StateParsed, StateLinking, StateLinked, StateEmbedding, StateReady} {
		require.NoError(t, sm.Transition(ctx, n.UUID, n.Label, state, TransitionOptions{}))
	}

	stored := g.node("CodeScope", n.UUID)
	assert.Equal(t, StateReady, stored.State.State)
	assert.False(t, stored.EmbeddingsDirty, "ready implies embeddingsDirty = false")
	assert.NotZero(t, stored.State.ParsedAt)
	assert.NotZero(t, stored.State.LinkedAt)
	assert.NotZero(t, stored.State.EmbeddedAt)
	assert.Zero(t, stored.State.RetryCount)
}

func TestTransitionRejectsIllegalEdges(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	sm := NewStateMachine(g, 3, nil)
	ctx := context.Background()

	n := seedPending(t, g, makeScopeNode(t, reg, "a.go", "Foo", "func Foo() {}"))

	err := sm.Transition(ctx, n.UUID, n.Label, StateReady, TransitionOptions{})
	require.Error(t, err)
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, StatePending, ite.From)
	assert.Equal(t, StateReady, ite.To)
}

func TestTransitionIdempotent(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	sm := NewStateMachine(g, 3, nil)
	ctx := context.Background()

	n := seedPending(t, g, makeScopeNode(t, reg, "a.go", "Foo", "func Foo() {}"))

	require.NoError(t, sm.Transition(ctx, n.UUID, n.Label, StateParsing, TransitionOptions{}))
	before := g.node("CodeScope", n.UUID).State
	require.NoError(t, sm.Transition(ctx, n.UUID, n.Label, StateParsing, TransitionOptions{}))
	assert.Equal(t, before, g.node("CodeScope", n.UUID).State, "re-entering the same state rewrites nothing")
}

func TestErrorIncrementsRetryCountAndPendingResets(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	sm := NewStateMachine(g, 3, nil)
	ctx := context.Background()

	n := seedPending(t, g, makeScopeNode(t, reg, "a.go", "Foo", "func Foo() {}"))

	require.NoError(t, sm.Transition(ctx, n.UUID, n.Label, StateParsing, TransitionOptions{}))
	require.NoError(t, sm.Transition(ctx, n.UUID, n.Label, StateError, TransitionOptions{
		ErrorType: ErrorParse, ErrorMessage: "boom",
	}))

	stored := g.node("CodeScope", n.UUID)
	assert.Equal(t, 1, stored.State.RetryCount)
	assert.Equal(t, ErrorParse, stored.State.ErrorType)
	assert.Equal(t, "boom", stored.State.ErrorMessage)

	require.NoError(t, sm.Transition(ctx, n.UUID, n.Label, StatePending, TransitionOptions{}))
	stored = g.node("CodeScope", n.UUID)
	assert.Zero(t, stored.State.RetryCount)
	assert.Empty(t, stored.State.ErrorType)
	assert.Empty(t, stored.State.ErrorMessage)
	assert.Zero(t, stored.State.ParsedAt)
}

func TestRetryBudgetExhaustion(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	sm := NewStateMachine(g, 2, nil)
	ctx := context.Background()

	n := seedPending(t, g, makeScopeNode(t, reg, "a.go", "Foo", "func Foo() {}"))

	// Drive the node to the retry cap directly.
	require.NoError(t, g.UpdateStates(ctx, []StateUpdate{{
		Label: n.Label, UUID: n.UUID,
		Fields: registry.StateFields{State: StateError, ErrorType: ErrorParse, RetryCount: 2},
	}}))

	err := sm.Transition(ctx, n.UUID, n.Label, StatePending, TransitionOptions{})
	require.Error(t, err, "error -> pending is blocked once the budget is spent")
	assert.Contains(t, err.Error(), "exhausted retries")
}

func TestSkipFromAnyState(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	sm := NewStateMachine(g, 3, nil)
	ctx := context.Background()

	n := seedPending(t, g, makeScopeNode(t, reg, "a.go", "Foo", "func Foo() {}"))
	require.NoError(t, sm.Transition(ctx, n.UUID, n.Label, StateParsing, TransitionOptions{}))
	require.NoError(t, sm.Transition(ctx, n.UUID, n.Label, StateSkip, TransitionOptions{}))
	assert.Equal(t, StateSkip, g.node("CodeScope", n.UUID).State.State)
}

func TestMarkChangedOnlyOnHashDifference(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	sm := NewStateMachine(g, 3, nil)
	ctx := context.Background()

	n := seedPending(t, g, makeScopeNode(t, reg, "a.go", "Foo", "func Foo() {}"))
	require.NoError(t, sm.Transition(ctx, n.UUID, n.Label, StateParsing, TransitionOptions{}))
	require.NoError(t, sm.Transition(ctx, n.UUID, n.Label, StateParsed, TransitionOptions{}))

	changed, err := sm.MarkChanged(ctx, n.UUID, n.Label, n.ContentHash)
	require.NoError(t, err)
	assert.False(t, changed, "same hash must not reset")
	assert.Equal(t, StateParsed, g.node("CodeScope", n.UUID).State.State)

	changed, err = sm.MarkChanged(ctx, n.UUID, n.Label, "different-hash")
	require.NoError(t, err)
	assert.True(t, changed)
	stored := g.node("CodeScope", n.UUID)
	assert.Equal(t, StatePending, stored.State.State)
	assert.True(t, stored.EmbeddingsDirty)
	assert.Zero(t, stored.State.ParsedAt)
}

func TestRetryErrorsFiltersByType(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	sm := NewStateMachine(g, 3, nil)
	ctx := context.Background()

	embedFailed := seedPending(t, g, makeScopeNode(t, reg, "a.go", "A", "a"))
	parseFailed := seedPending(t, g, makeScopeNode(t, reg, "b.go", "B", "b"))

	require.NoError(t, sm.Transition(ctx, embedFailed.UUID, "CodeScope", StateError, TransitionOptions{Force: true, ErrorType: ErrorEmbed}))
	require.NoError(t, sm.Transition(ctx, parseFailed.UUID, "CodeScope", StateError, TransitionOptions{Force: true, ErrorType: ErrorParse}))

	reset, err := sm.RetryErrors(ctx, RetryErrorsFilter{ErrorType: ErrorEmbed})
	require.NoError(t, err)
	assert.Equal(t, 1, reset)
	assert.Equal(t, StatePending, g.node("CodeScope", embedFailed.UUID).State.State)
	assert.Equal(t, StateError, g.node("CodeScope", parseFailed.UUID).State.State)
}

func TestInitializeStatesAssignsPending(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	sm := NewStateMachine(g, 3, nil)
	ctx := context.Background()

	// A node merged with no state at all.
	n := makeScopeNode(t, reg, "a.go", "Foo", "func Foo() {}")
	require.NoError(t, g.ApplyMerge(ctx, &MergePlan{Upserts: []*Node{n}}))

	count, err := sm.InitializeStates(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	stored := g.node("CodeScope", n.UUID)
	assert.Equal(t, StatePending, stored.State.State)
	assert.True(t, stored.EmbeddingsDirty)
}

func TestRecoverTransientStates(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	sm := NewStateMachine(g, 3, nil)
	ctx := context.Background()

	stranded := map[string]*Node{
		StateParsing:   seedPending(t, g, makeScopeNode(t, reg, "a.go", "A", "a")),
		StateLinking:   seedPending(t, g, makeScopeNode(t, reg, "b.go", "B", "b")),
		StateEmbedding: seedPending(t, g, makeScopeNode(t, reg, "c.go", "C", "c")),
	}
	for state, n := range stranded {
		require.NoError(t, sm.Transition(ctx, n.UUID, n.Label, state, TransitionOptions{Force: true}))
	}
	settled := seedPending(t, g, makeScopeNode(t, reg, "d.go", "D", "d"))
	require.NoError(t, sm.Transition(ctx, settled.UUID, settled.Label, StateParsing, TransitionOptions{}))
	require.NoError(t, sm.Transition(ctx, settled.UUID, settled.Label, StateParsed, TransitionOptions{}))

	recovered, err := sm.RecoverTransientStates(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, recovered)

	for _, n := range stranded {
		assert.Equal(t, StatePending, g.node("CodeScope", n.UUID).State.State)
	}
	assert.Equal(t, StateParsed, g.node("CodeScope", settled.UUID).State.State, "settled states are untouched")
}

func TestQueryByStatePagination(t *testing.T) {
	reg := registry.NewWithBuiltins()
	g := newMemGraph(reg)
	sm := NewStateMachine(g, 3, nil)
	ctx := context.Background()

	for _, name := range []string{"A", "B", "C", "D", "E"} {
		seedPending(t, g, makeScopeNode(t, reg, name+".go", name, name))
	}

	page1, err := sm.QueryByState(ctx, StateQuery{State: StatePending, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page1, 2)

	page2, err := sm.QueryByState(ctx, StateQuery{State: StatePending, Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page2, 2)
	assert.NotEqual(t, page1[0].UUID, page2[0].UUID)

	all, err := sm.QueryByState(ctx, StateQuery{State: StatePending})
	require.NoError(t, err)
	assert.Len(t, all, 5)
}
