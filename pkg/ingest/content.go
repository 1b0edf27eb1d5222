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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ragforge/ingest/pkg/chunk"
	"github.com/ragforge/ingest/pkg/parse"
	"github.com/ragforge/ingest/pkg/registry"
)

// ContentExtractor turns parser output into merge-ready nodes: it applies
// the declared chunking policy, copies raw content into the property bag,
// and computes every node's content hash. Parsers stay ignorant of
// chunking; the registry entry for each label decides everything here.
type ContentExtractor struct {
	reg *registry.Registry
}

func NewContentExtractor(reg *registry.Registry) *ContentExtractor {
	return &ContentExtractor{reg: reg}
}

// ExtractResult is the merge-ready form of one parsed file.
type ExtractResult struct {
	Nodes         []*Node
	Relationships []Relationship
	Unresolved    []parse.UnresolvedRef
}

// Extract processes one parser output. Unknown labels fail the whole file:
// that is a parse-category error the orchestrator records on the File node.
func (e *ContentExtractor) Extract(out *parse.Output) (*ExtractResult, error) {
	res := &ExtractResult{Unresolved: out.Unresolved}

	for _, pn := range out.Nodes {
		def, ok := e.reg.Get(pn.Label)
		if !ok {
			return nil, fmt.Errorf("content extract: unregistered label %q", pn.Label)
		}

		props := pn.Props
		if pn.Content != "" {
			if _, exists := props["content"]; !exists {
				props["content"] = pn.Content
			}
		}

		n := &Node{
			UUID:  pn.UUID,
			Label: pn.Label,
			Props: props,
		}
		n.ContentHash = ContentHash(def, props, pn.Content)
		res.Nodes = append(res.Nodes, n)

		if def.Chunking.Strategy != registry.ChunkNone && pn.Content != "" {
			if err := e.chunkInto(res, def, n, pn.Content); err != nil {
				return nil, err
			}
		}
	}

	for _, r := range out.Relationships {
		res.Relationships = append(res.Relationships, Relationship{
			SourceUUID: r.SourceUUID,
			Type:       r.Type,
			TargetUUID: r.TargetUUID,
			Props:      r.Props,
		})
	}

	return res, nil
}

// chunkInto splits a parent node's content per its policy and appends the
// chunk nodes plus their CHILD_OF back-references.
func (e *ContentExtractor) chunkInto(res *ExtractResult, parentDef registry.NodeTypeDefinition, parent *Node, content string) error {
	chunkLabel := parentDef.Chunking.ChunkLabel
	if chunkLabel == "" {
		return fmt.Errorf("content extract: label %q chunks but declares no chunk label", parentDef.Label)
	}
	chunkDef, ok := e.reg.Get(chunkLabel)
	if !ok {
		return fmt.Errorf("content extract: unregistered chunk label %q", chunkLabel)
	}

	pieces := chunk.Split(content, parentDef.Chunking)
	if len(pieces) <= 1 {
		// The parent already carries the full content; a single chunk
		// would only duplicate it.
		return nil
	}

	fileValue, _ := parent.Props[parentDef.FileFieldName].(string)
	baseLine := 1
	if v, ok := intProp(parent.Props, "contentStartLine"); ok {
		baseLine = v
	} else if v, ok := intProp(parent.Props, "startLine"); ok {
		baseLine = v
	}

	for _, pc := range pieces {
		props := map[string]any{
			chunkDef.FileFieldName: fileValue,
			"content":              pc.Text,
			"startChar":            pc.StartChar,
			"endChar":              pc.EndChar,
			"startLine":            baseLine + pc.StartLine - 1,
			"endLine":              baseLine + pc.EndLine - 1,
		}
		cn := &Node{
			UUID:  chunkDef.NodeUUID(props),
			Label: chunkLabel,
			Props: props,
		}
		cn.ContentHash = ContentHash(chunkDef, props, pc.Text)
		res.Nodes = append(res.Nodes, cn)
		res.Relationships = append(res.Relationships, Relationship{
			SourceUUID: cn.UUID,
			Type:       registry.RelChildOf,
			TargetUUID: parent.UUID,
		})
	}
	return nil
}

// ContentHash digests the declared required fields (JSON, sorted keys)
// plus the raw content. Two nodes with equal hashes are content-equivalent
// for change detection.
func ContentHash(def registry.NodeTypeDefinition, props map[string]any, raw string) string {
	fields := make(map[string]any, len(def.RequiredFields))
	for _, f := range def.RequiredFields {
		if v, ok := props[f]; ok {
			fields[f] = v
		}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		// Per-key encoding keeps the digest stable across map ordering.
		b, err := json.Marshal(fields[k])
		if err != nil {
			b = []byte(fmt.Sprintf("%v", fields[k]))
		}
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write(b)
		h.Write([]byte{';'})
	}
	h.Write([]byte{'\n'})
	h.Write([]byte(raw))
	return hex.EncodeToString(h.Sum(nil))
}
