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

// Package parse turns raw source bytes into graph nodes and relationships.
//
// Parsers are pure: they never write to the store and never call an
// embedding provider. Every parser normalizes to the same Output shape --
// labeled property bags plus typed edges -- which the content extractor
// then chunks and hashes before the merger writes anything.
package parse

import (
	"context"
)

// Node is one parsed vertex: a registry label plus an open property bag.
// The uuid is assigned by the parser via the label's declared strategy so
// that downstream components can reference it before the merge runs.
type Node struct {
	UUID  string
	Label string
	Props map[string]any
	// Content is the raw text the content extractor chunks and hashes.
	// Empty for metadata-only nodes.
	Content string
}

// Relationship is a typed directed edge between two parsed nodes. Both
// endpoints are uuids known at parse time.
type Relationship struct {
	SourceUUID string
	Type       string
	TargetUUID string
	Props      map[string]any
}

// UnresolvedRef is a symbolic reference whose target lives in another file
// and cannot be resolved at parse time. The merger buffers these for the
// reference linker.
type UnresolvedRef struct {
	SourceUUID  string
	SourceLabel string
	RelType     string
	// TargetSymbol is the referenced name as written in the source, e.g.
	// "pkg.Func" or a markdown link target.
	TargetSymbol string
	// TargetLabel narrows the lookup when the reference's kind is known;
	// empty means any label.
	TargetLabel string
	// File is the referencing file, used for import-alias resolution.
	File string
}

// Output is the normalized result of parsing one file or URL.
type Output struct {
	Nodes         []Node
	Relationships []Relationship
	Unresolved    []UnresolvedRef
}

// Input describes one file or URL to parse.
type Input struct {
	// Path is the source-relative file path, or the URL for web sources.
	Path string
	// Content holds the raw bytes. For web sources it may be nil; the web
	// parser fetches the URL itself.
	Content []byte
	// SourceType is the configured source kind: files, database, api, web.
	SourceType string
	// ProjectID scopes the parsed nodes.
	ProjectID string
}

// Parser is the single operation every format implementation provides.
type Parser interface {
	// Parse produces nodes and relationships for one input. A parser that
	// cannot handle the input returns an empty Output and nil error; the
	// orchestrator records a parse error on the File node in that case.
	Parse(ctx context.Context, in Input) (*Output, error)
}

// Empty reports whether the output carries nothing at all.
func (o *Output) Empty() bool {
	return o == nil || (len(o.Nodes) == 0 && len(o.Relationships) == 0 && len(o.Unresolved) == 0)
}
