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

package registry

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// ConflictError is returned by Register when a label is already registered
// under a materially different definition. It carries the label and a
// summary of which parts of the two definitions differ.
type ConflictError struct {
	Label string
	Diff  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("registry conflict for label %q: %s", e.Label, e.Diff)
}

// Registry holds the node-type definitions that govern extraction,
// chunking, uuid derivation, and merge behavior for every label the
// pipeline knows about.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]NodeTypeDefinition

	constraintsMu sync.Mutex
	ensured       map[string]bool
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		defs:    make(map[string]NodeTypeDefinition),
		ensured: make(map[string]bool),
	}
}

// Register adds a definition under its label. Registering the same label
// twice is idempotent when the definitions are equivalent; registering two
// different definitions under the same label fails with *ConflictError.
func (r *Registry) Register(def NodeTypeDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.defs[def.Label]
	if !ok {
		r.defs[def.Label] = def
		return nil
	}

	if diff := diffDefinitions(existing, def); diff != "" {
		return &ConflictError{Label: def.Label, Diff: diff}
	}
	return nil
}

// MustRegister panics on conflict; intended for package-init wiring of
// built-in definitions where a conflict is a programming error.
func (r *Registry) MustRegister(def NodeTypeDefinition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Get returns the definition for a label, if any.
func (r *Registry) Get(label string) (NodeTypeDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[label]
	return def, ok
}

// Labels returns every registered label, sorted for deterministic iteration.
func (r *Registry) Labels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for l := range r.defs {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// All returns a copy of every registered definition.
func (r *Registry) All() []NodeTypeDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]NodeTypeDefinition, 0, len(r.defs))
	for _, l := range r.Labels() {
		out = append(out, r.defs[l])
	}
	return out
}

// ConstraintCreator is implemented by the graph store layer. Given a
// definition it creates the uniqueness constraint for the label's stable
// key and any declared secondary indexes, idempotently.
type ConstraintCreator interface {
	EnsureLabel(ctx context.Context, def NodeTypeDefinition) error
}

// EnsureConstraints lazily asks the store to create the uniqueness
// constraint and any declared secondary indexes for a label, once per
// process per label. It is safe to call on every merge; subsequent calls
// for an already-ensured label are no-ops.
func (r *Registry) EnsureConstraints(ctx context.Context, creator ConstraintCreator, label string) error {
	r.constraintsMu.Lock()
	if r.ensured[label] {
		r.constraintsMu.Unlock()
		return nil
	}
	r.constraintsMu.Unlock()

	def, ok := r.Get(label)
	if !ok {
		return fmt.Errorf("ensure constraints: unknown label %q", label)
	}

	if err := creator.EnsureLabel(ctx, def); err != nil {
		return fmt.Errorf("ensure label %s: %w", label, err)
	}

	r.constraintsMu.Lock()
	r.ensured[label] = true
	r.constraintsMu.Unlock()
	return nil
}

// KeyField returns the property name the merger upserts by for this label.
func (d NodeTypeDefinition) KeyField() string {
	switch d.Key {
	case KeyPath:
		return "path"
	case KeyName:
		return "name"
	default:
		return "uuid"
	}
}

// RelationName lowercases a label into a store relation name, e.g.
// "MarkdownSection" -> "markdown_section". Index names follow
// <label>_<field> in the same lowercase form.
func RelationName(label string) string {
	var sb strings.Builder
	for i, r := range label {
		if i > 0 && r >= 'A' && r <= 'Z' {
			sb.WriteByte('_')
		}
		sb.WriteRune(r)
	}
	return strings.ToLower(sb.String())
}

func diffDefinitions(a, b NodeTypeDefinition) string {
	var diffs []string
	if !equalStrings(a.RequiredFields, b.RequiredFields) {
		diffs = append(diffs, "required fields differ")
	}
	if a.Key != b.Key {
		diffs = append(diffs, "key kind differs")
	}
	if a.Chunking.Strategy != b.Chunking.Strategy {
		diffs = append(diffs, "chunking strategy differs")
	}
	if a.UUIDStrategy.Kind != b.UUIDStrategy.Kind || !equalStrings(a.UUIDStrategy.Fields, b.UUIDStrategy.Fields) {
		diffs = append(diffs, "uuid strategy differs")
	}
	if a.FileFieldName != b.FileFieldName {
		diffs = append(diffs, "file-field name differs")
	}
	if !reflect.DeepEqual(a.SecondaryIndexes, b.SecondaryIndexes) {
		diffs = append(diffs, "secondary indexes differ")
	}
	return strings.Join(diffs, "; ")
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as, bs := append([]string{}, a...), append([]string{}, b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
