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

package parse

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/ragforge/ingest/pkg/registry"
)

// simpleCodeParser is the grammar-free fallback: line scanning and brace
// counting. Less accurate than the Tree-sitter path but handles languages
// without a bundled grammar.
//
// Limitations: nested declarations may be attributed to their outer scope,
// and no call edges are extracted.
type simpleCodeParser struct {
	reg *registry.Registry
}

func newSimpleCodeParser(reg *registry.Registry) *simpleCodeParser {
	return &simpleCodeParser{reg: reg}
}

// declPrefixes maps a declaration line prefix to the emitted scope kind.
var declPrefixes = []struct {
	prefix string
	kind   string
}{
	{"func ", "function"},
	{"def ", "function"},
	{"function ", "function"},
	{"class ", "class"},
	{"interface ", "interface"},
}

func (p *simpleCodeParser) Parse(ctx context.Context, in Input) (*Output, error) {
	out := &Output{}

	fileDef, _ := p.reg.Get("File")
	fileProps := map[string]any{
		"path":     registry.NormalizePath(in.Path),
		"language": strings.TrimPrefix(strings.ToLower(filepath.Ext(in.Path)), "."),
		"size":     len(in.Content),
	}
	fileNode := Node{UUID: fileDef.NodeUUID(fileProps), Label: "File", Props: fileProps}
	out.Nodes = append(out.Nodes, fileNode)

	scopeDef, _ := p.reg.Get("CodeScope")
	lines := strings.Split(string(in.Content), "\n")

	var curName, curKind string
	var curStart int
	var curLines []string
	braces := 0

	flush := func(endLine int) {
		if curName == "" {
			return
		}
		code := strings.Join(curLines, "\n")
		props := map[string]any{
			"name":      curName,
			"file":      registry.NormalizePath(in.Path),
			"startLine": curStart,
			"endLine":   endLine,
			"startCol":  1,
			"endCol":    1,
			"kind":      curKind,
		}
		n := Node{
			UUID:    scopeDef.NodeUUID(props),
			Label:   "CodeScope",
			Props:   props,
			Content: code,
		}
		out.Nodes = append(out.Nodes, n)
		out.Relationships = append(out.Relationships, Relationship{
			SourceUUID: n.UUID,
			Type:       registry.RelDefinedIn,
			TargetUUID: fileNode.UUID,
		})
		curName, curKind, curLines = "", "", nil
	}

	for i, line := range lines {
		lineNum := i + 1
		trimmed := strings.TrimSpace(line)

		if name, kind := declName(trimmed); name != "" {
			flush(lineNum - 1)
			curName, curKind = name, kind
			curStart = lineNum
			curLines = []string{line}
			braces = strings.Count(line, "{") - strings.Count(line, "}")
			continue
		}

		if curName != "" {
			curLines = append(curLines, line)
			braces += strings.Count(line, "{") - strings.Count(line, "}")
			if braces <= 0 && strings.Contains(line, "}") {
				flush(lineNum)
			}
		}
	}
	flush(len(lines))

	return out, nil
}

// declName recognizes a declaration line and extracts its name.
func declName(trimmed string) (name, kind string) {
	for _, d := range declPrefixes {
		if !strings.HasPrefix(trimmed, d.prefix) {
			continue
		}
		rest := trimmed[len(d.prefix):]
		// Skip a Go method receiver: func (s *Server) Start().
		if strings.HasPrefix(rest, "(") {
			if idx := strings.Index(rest, ")"); idx >= 0 {
				rest = strings.TrimSpace(rest[idx+1:])
			}
		}
		end := strings.IndexAny(rest, "([{:< ")
		if end < 0 {
			end = len(rest)
		}
		name = strings.TrimSpace(rest[:end])
		if name == "" {
			return "", ""
		}
		return name, d.kind
	}
	return "", ""
}
