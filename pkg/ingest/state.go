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

	"github.com/ragforge/ingest/pkg/registry"
)

// Lifecycle states persisted on every stateful node.
const (
	StatePending   = "pending"
	StateParsing   = "parsing"
	StateParsed    = "parsed"
	StateLinking   = "linking"
	StateLinked    = "linked"
	StateEmbedding = "embedding"
	StateReady     = "ready"
	StateSkip      = "skip"
	StateError     = "error"
)

// Error kinds recorded in the errorType property.
const (
	ErrorParse = "parse"
	ErrorLink  = "link"
	ErrorEmbed = "embed"
)

// allowedTransitions is the forward edge set of the lifecycle machine.
// Resets to pending, retries out of error, and skips are handled
// explicitly in Transition since they apply from (almost) any state.
var allowedTransitions = map[string][]string{
	StatePending:   {StateParsing},
	StateParsing:   {StateParsed, StateError},
	StateParsed:    {StateLinking},
	StateLinking:   {StateLinked, StateError},
	StateLinked:    {StateEmbedding},
	StateEmbedding: {StateReady, StateError},
}

// TransitionOptions carries the optional effects of a transition.
type TransitionOptions struct {
	ErrorType    string
	ErrorMessage string
	// Force skips transition-table validation; used by resets.
	Force bool
	// IfState makes the transition conditional: nodes not currently in
	// this state are silently skipped instead of failing the batch.
	IfState string
}

// InvalidTransitionError reports a transition outside the lifecycle table.
type InvalidTransitionError struct {
	UUID string
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s for node %s", e.From, e.To, e.UUID)
}

// StateMachine persists per-node lifecycle states in the graph and answers
// queries by state for the orchestrator. Transitions are idempotent and
// last-writer-wins per (uuid, newState); callers that need per-node
// monotonicity serialize per uuid themselves.
type StateMachine struct {
	graph      GraphStore
	logger     *slog.Logger
	maxRetries int
	now        func() time.Time
}

// NewStateMachine wires the machine against a graph store. maxRetries caps
// error -> pending retries per node (default 3).
func NewStateMachine(graph GraphStore, maxRetries int, logger *slog.Logger) *StateMachine {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &StateMachine{
		graph:      graph,
		logger:     logger,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// TransitionRequest is one entry of a batched transition.
type TransitionRequest struct {
	UUID     string
	Label    string
	NewState string
	Options  TransitionOptions
}

// Transition moves a single node to newState, validating against the
// transition table and writing the bookkeeping fields.
func (sm *StateMachine) Transition(ctx context.Context, uuid, label, newState string, opts TransitionOptions) error {
	return sm.TransitionBatch(ctx, []TransitionRequest{{UUID: uuid, Label: label, NewState: newState, Options: opts}})
}

// TransitionBatch applies many transitions, grouped by label internally so
// the store can batch its updates.
func (sm *StateMachine) TransitionBatch(ctx context.Context, reqs []TransitionRequest) error {
	if len(reqs) == 0 {
		return nil
	}

	byLabel := make(map[string][]TransitionRequest)
	for _, r := range reqs {
		byLabel[r.Label] = append(byLabel[r.Label], r)
	}

	var updates []StateUpdate
	for label, group := range byLabel {
		uuids := make([]string, len(group))
		for i, r := range group {
			uuids[i] = r.UUID
		}
		nodes, err := sm.graph.NodesByUUID(ctx, label, uuids)
		if err != nil {
			return fmt.Errorf("load nodes for transition: %w", err)
		}
		byUUID := make(map[string]*Node, len(nodes))
		for _, n := range nodes {
			byUUID[n.UUID] = n
		}

		for _, r := range group {
			n, ok := byUUID[r.UUID]
			if !ok {
				// The node was deleted between selection and transition;
				// nothing to update.
				continue
			}
			upd, err := sm.buildUpdate(n, r.NewState, r.Options)
			if err != nil {
				return err
			}
			if upd != nil {
				updates = append(updates, *upd)
			}
		}
	}

	return sm.graph.UpdateStates(ctx, updates)
}

// buildUpdate validates one transition and computes the resulting fields.
func (sm *StateMachine) buildUpdate(n *Node, newState string, opts TransitionOptions) (*StateUpdate, error) {
	from := n.State.State

	if opts.IfState != "" && from != opts.IfState {
		return nil, nil
	}

	if from == newState {
		// Idempotent: re-entering the current state rewrites nothing.
		return nil, nil
	}

	valid := opts.Force
	switch {
	case valid:
	case newState == StateSkip:
		valid = true
	case newState == StatePending:
		// Content change or manual reset, allowed from any state. Retry
		// out of error is bounded by the retry budget.
		if from == StateError && n.State.RetryCount >= sm.maxRetries {
			return nil, fmt.Errorf("node %s exhausted retries (%d)", n.UUID, n.State.RetryCount)
		}
		valid = true
	default:
		for _, to := range allowedTransitions[from] {
			if to == newState {
				valid = true
				break
			}
		}
	}
	if !valid {
		return nil, &InvalidTransitionError{UUID: n.UUID, From: from, To: newState}
	}

	now := sm.now().UnixMilli()
	f := n.State
	f.State = newState
	f.StateChangedAt = now

	switch newState {
	case StatePending:
		f.RetryCount = 0
		f.ErrorType = ""
		f.ErrorMessage = ""
		f.ParsedAt = 0
		f.LinkedAt = 0
		f.EmbeddedAt = 0
		if f.DetectedAt == 0 {
			f.DetectedAt = now
		}
	case StateParsed:
		f.ParsedAt = now
	case StateLinked:
		f.LinkedAt = now
	case StateReady:
		f.EmbeddedAt = now
	case StateError:
		f.RetryCount = n.State.RetryCount + 1
		f.ErrorType = opts.ErrorType
		f.ErrorMessage = opts.ErrorMessage
	}

	upd := &StateUpdate{Label: n.Label, UUID: n.UUID, Fields: f}
	if newState == StateReady {
		// ready implies embeddingsDirty = false.
		clean := false
		upd.SetDirty = &clean
	}
	return upd, nil
}

// QueryByState returns nodes in a state with pagination and filters.
func (sm *StateMachine) QueryByState(ctx context.Context, q StateQuery) ([]*Node, error) {
	return sm.graph.NodesByState(ctx, q)
}

// MarkChanged resets a node to pending iff newHash differs from the stored
// contentHash, atomically clearing error and timestamp fields.
func (sm *StateMachine) MarkChanged(ctx context.Context, uuid, label, newHash string) (bool, error) {
	nodes, err := sm.graph.NodesByUUID(ctx, label, []string{uuid})
	if err != nil {
		return false, err
	}
	if len(nodes) == 0 || nodes[0].ContentHash == newHash {
		return false, nil
	}

	upd, err := sm.buildUpdate(nodes[0], StatePending, TransitionOptions{Force: true})
	if err != nil {
		return false, err
	}
	dirty := true
	upd.SetDirty = &dirty
	return true, sm.graph.UpdateStates(ctx, []StateUpdate{*upd})
}

// RetryErrorsFilter narrows which error nodes RetryErrors resets.
type RetryErrorsFilter struct {
	ErrorType  string
	ProjectID  string
	Label      string
	MaxRetries int
}

// RetryErrors resets qualifying error nodes to pending and reports how
// many were reset.
func (sm *StateMachine) RetryErrors(ctx context.Context, f RetryErrorsFilter) (int, error) {
	maxRetries := f.MaxRetries
	if maxRetries <= 0 {
		maxRetries = sm.maxRetries
	}

	nodes, err := sm.graph.NodesByState(ctx, StateQuery{
		State:     StateError,
		Label:     f.Label,
		ProjectID: f.ProjectID,
		ErrorType: f.ErrorType,
	})
	if err != nil {
		return 0, err
	}

	var updates []StateUpdate
	for _, n := range nodes {
		if n.State.RetryCount >= maxRetries {
			continue
		}
		upd, err := sm.buildUpdate(n, StatePending, TransitionOptions{Force: true})
		if err != nil {
			return 0, err
		}
		dirty := true
		upd.SetDirty = &dirty
		updates = append(updates, *upd)
	}

	if err := sm.graph.UpdateStates(ctx, updates); err != nil {
		return 0, err
	}
	sm.logger.Info("state.retry_errors", "reset", len(updates), "error_type", f.ErrorType)
	return len(updates), nil
}

// InitializeStates assigns pending to any stateful node currently missing
// a state. Run once at startup before the first batch.
func (sm *StateMachine) InitializeStates(ctx context.Context, projectID string) (int, error) {
	nodes, err := sm.graph.NodesByState(ctx, StateQuery{State: "", ProjectID: projectID})
	if err != nil {
		return 0, err
	}

	now := sm.now().UnixMilli()
	var updates []StateUpdate
	for _, n := range nodes {
		if n.State.State != "" {
			continue
		}
		dirty := true
		updates = append(updates, StateUpdate{
			Label: n.Label,
			UUID:  n.UUID,
			Fields: registry.StateFields{
				State:          StatePending,
				StateChangedAt: now,
				DetectedAt:     now,
			},
			SetDirty: &dirty,
		})
	}
	return len(updates), sm.graph.UpdateStates(ctx, updates)
}

// RecoverTransientStates rewrites nodes stranded in parsing, linking, or
// embedding (by a crash or cancellation) back to pending. Part of the
// startup recovery pass.
func (sm *StateMachine) RecoverTransientStates(ctx context.Context, projectID string) (int, error) {
	recovered := 0
	for _, state := range []string{StateParsing, StateLinking, StateEmbedding} {
		nodes, err := sm.graph.NodesByState(ctx, StateQuery{State: state, ProjectID: projectID})
		if err != nil {
			return recovered, err
		}
		var updates []StateUpdate
		for _, n := range nodes {
			upd, err := sm.buildUpdate(n, StatePending, TransitionOptions{Force: true})
			if err != nil {
				return recovered, err
			}
			dirty := true
			upd.SetDirty = &dirty
			updates = append(updates, *upd)
		}
		if err := sm.graph.UpdateStates(ctx, updates); err != nil {
			return recovered, err
		}
		recovered += len(updates)
	}
	if recovered > 0 {
		sm.logger.Info("state.recovered_transient", "count", recovered)
	}
	return recovered, nil
}
