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

// Package registry is the single source of truth for how each node label
// behaves: its required shape, its field/embedding extractors, its chunking
// policy, and how its uuid is derived.
package registry

// Reserved relationship types. User-declared types may be merged alongside
// these; the ingestion core itself only ever creates the ones below.
const (
	RelHasChange    = "HAS_CHANGE"
	RelDefinedIn    = "DEFINED_IN"
	RelHasParent    = "HAS_PARENT"
	RelHasSection   = "HAS_SECTION"
	RelChildOf      = "CHILD_OF"
	RelConsumes     = "CONSUMES"
	RelUsesLibrary  = "USES_LIBRARY"
	RelInheritsFrom = "INHERITS_FROM"
)

// ChunkingStrategy selects how a parent node's content is split into chunk
// nodes by the content extractor.
type ChunkingStrategy string

const (
	ChunkNone      ChunkingStrategy = "none"
	ChunkFixed     ChunkingStrategy = "fixed"
	ChunkParagraph ChunkingStrategy = "paragraph"
	ChunkSentence  ChunkingStrategy = "sentence"
)

// ChunkingPolicy bundles a strategy with its size parameters.
type ChunkingPolicy struct {
	Strategy     ChunkingStrategy
	ChunkSize    int
	Overlap      int
	MinChunkSize int
	// ChunkLabel is the label chunk nodes are emitted under when the
	// strategy is not "none". The chunk label's own definition declares
	// the chunks' required shape.
	ChunkLabel string
}

// UUIDStrategyKind distinguishes the two admissible uuid strategies.
type UUIDStrategyKind string

const (
	UUIDRandom        UUIDStrategyKind = "random"
	UUIDDeterministic UUIDStrategyKind = "deterministic"
)

// UUIDStrategy describes how a label's node uuid is derived. For
// Deterministic, Fields names the ordered set of properties hashed together.
type UUIDStrategy struct {
	Kind   UUIDStrategyKind
	Fields []string
}

// KeyKind distinguishes the three stable-key shapes the merger upserts by.
type KeyKind string

const (
	KeyPath KeyKind = "path" // structural labels: File, Directory, Project
	KeyName KeyKind = "name" // external-library-style labels
	KeyUUID KeyKind = "uuid" // everything else
)

// FieldExtractor maps a node's property bag to a single display field. A
// false return signals "not applicable for this label" rather than empty
// string, so callers can distinguish absence from blank content.
type FieldExtractor func(props map[string]any) (string, bool)

// FieldExtractors groups the four pure functions a registry entry declares
// for describing a node to a human or to a chunker.
type FieldExtractors struct {
	Title       FieldExtractor
	Content     FieldExtractor
	Description FieldExtractor
	Location    FieldExtractor
}

// EmbeddingExtractors groups the three functions that produce the strings
// actually sent to the embedding provider. They may diverge from the
// display extractors above, e.g. a code scope's embedding-name extractor
// uses its signature where the title extractor shows only the name.
type EmbeddingExtractors struct {
	Name        FieldExtractor
	Content     FieldExtractor
	Description FieldExtractor
}

// Node is a typed vertex as described by the data model: a stable uuid, a
// label drawn from the registry, an open property bag whose shape the
// registry declares, a content hash, and the lifecycle fields from the
// state machine.
type Node struct {
	UUID            string
	Label           string
	Properties      map[string]any
	ContentHash     string
	EmbeddingsDirty bool
	State           StateFields
}

// StateFields holds the persisted lifecycle properties every stateful node
// carries (see pkg/ingest/state.go for the machine that mutates them).
type StateFields struct {
	State          string
	StateChangedAt int64
	RetryCount     int
	ErrorType      string
	ErrorMessage   string
	DetectedAt     int64
	ParsedAt       int64
	LinkedAt       int64
	EmbeddedAt     int64
}

// NodeTypeDefinition is a registry entry: everything the rest of the
// pipeline needs to know about one label.
type NodeTypeDefinition struct {
	Label              string
	RequiredFields     []string
	OptionalFields     []string
	FieldExtractors    FieldExtractors
	EmbeddingFields    EmbeddingExtractors
	Chunking           ChunkingPolicy
	UUIDStrategy       UUIDStrategy
	FileFieldName      string
	Key                KeyKind
	CrossFileMandatory bool // C7: a failed link is a recorded error, not a silent skip
	ChangeTracking     bool // opts the label into the HAS_CHANGE snapshot chain
	SecondaryIndexes   []string
}
