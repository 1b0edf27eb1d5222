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

// MarkdownParser extracts a heading tree: one MarkdownDocument parent plus
// one MarkdownSection per heading, each carrying its body text. Sections
// nest via CHILD_OF according to heading level.
type MarkdownParser struct {
	reg *registry.Registry
}

func NewMarkdownParser(reg *registry.Registry) *MarkdownParser {
	return &MarkdownParser{reg: reg}
}

type mdSection struct {
	heading   string
	level     int
	startLine int
	endLine   int
	body      []string
}

func (p *MarkdownParser) Parse(ctx context.Context, in Input) (*Output, error) {
	out := &Output{}
	text := string(in.Content)
	lines := strings.Split(text, "\n")

	sections := splitMarkdownSections(lines)

	title := ""
	for _, s := range sections {
		if s.level == 1 && s.heading != "" {
			title = s.heading
			break
		}
	}
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(in.Path), filepath.Ext(in.Path))
	}

	docDef, _ := p.reg.Get("MarkdownDocument")
	docProps := map[string]any{
		"path":  registry.NormalizePath(in.Path),
		"title": title,
	}
	doc := Node{UUID: docDef.NodeUUID(docProps), Label: "MarkdownDocument", Props: docProps}
	out.Nodes = append(out.Nodes, doc)

	secDef, _ := p.reg.Get("MarkdownSection")

	// Track the innermost open section per level for CHILD_OF nesting.
	parentByLevel := make(map[int]string)

	for _, s := range sections {
		body := strings.TrimSpace(strings.Join(s.body, "\n"))
		if s.heading == "" && body == "" {
			continue
		}
		heading := s.heading
		if heading == "" {
			heading = title // preamble before the first heading
		}

		props := map[string]any{
			"heading":   heading,
			"file":      registry.NormalizePath(in.Path),
			"startLine": s.startLine,
			"endLine":   s.endLine,
			"level":     s.level,
		}
		if body != "" {
			props["content"] = body
			// The body begins on the line after the heading; chunk line
			// numbers are computed relative to this.
			bodyStart := s.startLine
			if s.heading != "" {
				bodyStart++
			}
			props["contentStartLine"] = bodyStart
		}
		n := Node{
			UUID:    secDef.NodeUUID(props),
			Label:   "MarkdownSection",
			Props:   props,
			Content: body,
		}
		out.Nodes = append(out.Nodes, n)
		out.Relationships = append(out.Relationships, Relationship{
			SourceUUID: doc.UUID,
			Type:       registry.RelHasSection,
			TargetUUID: n.UUID,
		})

		for l := s.level - 1; l >= 1; l-- {
			if parent, ok := parentByLevel[l]; ok {
				out.Relationships = append(out.Relationships, Relationship{
					SourceUUID: n.UUID,
					Type:       registry.RelChildOf,
					TargetUUID: parent,
				})
				break
			}
		}
		parentByLevel[s.level] = n.UUID
		for l := s.level + 1; l <= 6; l++ {
			delete(parentByLevel, l)
		}

		// Cross-document links become unresolved references the linker can
		// turn into edges when the target document is ingested too.
		for _, target := range markdownLinkTargets(body) {
			out.Unresolved = append(out.Unresolved, UnresolvedRef{
				SourceUUID:   n.UUID,
				SourceLabel:  "MarkdownSection",
				RelType:      registry.RelConsumes,
				TargetSymbol: target,
				TargetLabel:  "MarkdownDocument",
				File:         registry.NormalizePath(in.Path),
			})
		}
	}

	return out, nil
}

// splitMarkdownSections walks the lines once, honoring fenced code blocks
// so a "# comment" inside a fence never opens a section.
func splitMarkdownSections(lines []string) []mdSection {
	var sections []mdSection
	cur := mdSection{startLine: 1}
	inFence := false

	flush := func(endLine int) {
		cur.endLine = endLine
		sections = append(sections, cur)
	}

	for i, line := range lines {
		lineNum := i + 1
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
		}

		level := headingLevel(trimmed)
		if level > 0 && !inFence {
			if cur.heading != "" || len(cur.body) > 0 {
				flush(lineNum - 1)
			}
			cur = mdSection{
				heading:   strings.TrimSpace(strings.TrimLeft(trimmed, "#")),
				level:     level,
				startLine: lineNum,
			}
			continue
		}
		cur.body = append(cur.body, line)
	}
	flush(len(lines))

	return sections
}

func headingLevel(trimmed string) int {
	if !strings.HasPrefix(trimmed, "#") {
		return 0
	}
	level := 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level > 6 || level >= len(trimmed) || trimmed[level] != ' ' {
		return 0
	}
	return level
}

// markdownLinkTargets extracts relative .md link targets from a body.
func markdownLinkTargets(body string) []string {
	var targets []string
	rest := body
	for {
		open := strings.Index(rest, "](")
		if open < 0 {
			break
		}
		end := strings.Index(rest[open+2:], ")")
		if end < 0 {
			break
		}
		target := rest[open+2 : open+2+end]
		rest = rest[open+2+end:]
		if strings.Contains(target, "://") || strings.HasPrefix(target, "#") {
			continue
		}
		if idx := strings.Index(target, "#"); idx >= 0 {
			target = target[:idx]
		}
		if strings.HasSuffix(target, ".md") {
			targets = append(targets, target)
		}
	}
	return targets
}
