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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragforge/ingest/pkg/registry"
)

func mdParse(t *testing.T, content string) *Output {
	t.Helper()
	p := NewMarkdownParser(registry.NewWithBuiltins())
	out, err := p.Parse(context.Background(), Input{Path: "doc.md", Content: []byte(content)})
	require.NoError(t, err)
	return out
}

func nodesByLabel(out *Output, label string) []Node {
	var nodes []Node
	for _, n := range out.Nodes {
		if n.Label == label {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

func TestMarkdownHeadingTree(t *testing.T) {
	out := mdParse(t, "# Guide\n\nintro\n\n## Install\n\nsteps\n\n## Use\n\nhow to\n")

	docs := nodesByLabel(out, "MarkdownDocument")
	require.Len(t, docs, 1)
	assert.Equal(t, "Guide", docs[0].Props["title"])

	sections := nodesByLabel(out, "MarkdownSection")
	require.Len(t, sections, 3)
	assert.Equal(t, "Guide", sections[0].Props["heading"])
	assert.Equal(t, "intro", sections[0].Props["content"])
	assert.Equal(t, "Install", sections[1].Props["heading"])
	assert.Equal(t, "Use", sections[2].Props["heading"])

	hasSection := 0
	for _, r := range out.Relationships {
		if r.Type == registry.RelHasSection {
			hasSection++
			assert.Equal(t, docs[0].UUID, r.SourceUUID)
		}
	}
	assert.Equal(t, 3, hasSection)
}

func TestMarkdownNestingViaChildOf(t *testing.T) {
	out := mdParse(t, "# Top\n\nbody\n\n## Sub\n\nnested body\n")

	sections := nodesByLabel(out, "MarkdownSection")
	require.Len(t, sections, 2)

	var childOf []Relationship
	for _, r := range out.Relationships {
		if r.Type == registry.RelChildOf {
			childOf = append(childOf, r)
		}
	}
	require.Len(t, childOf, 1)
	assert.Equal(t, sections[1].UUID, childOf[0].SourceUUID)
	assert.Equal(t, sections[0].UUID, childOf[0].TargetUUID)
}

func TestMarkdownFencedHeadingsIgnored(t *testing.T) {
	out := mdParse(t, "# Real\n\n```\n# not a heading\n```\n\ntail\n")

	sections := nodesByLabel(out, "MarkdownSection")
	require.Len(t, sections, 1)
	assert.Equal(t, "Real", sections[0].Props["heading"])
	assert.Contains(t, sections[0].Props["content"], "# not a heading")
}

func TestMarkdownTitleFallsBackToFilename(t *testing.T) {
	out := mdParse(t, "no headings at all\n")
	docs := nodesByLabel(out, "MarkdownDocument")
	require.Len(t, docs, 1)
	assert.Equal(t, "doc", docs[0].Props["title"])
}

func TestMarkdownLineNumbers(t *testing.T) {
	out := mdParse(t, "# One\n\nbody one\n\n# Two\n\nbody two\n")
	sections := nodesByLabel(out, "MarkdownSection")
	require.Len(t, sections, 2)

	assert.Equal(t, 1, sections[0].Props["startLine"])
	assert.Equal(t, 5, sections[1].Props["startLine"])
	assert.Equal(t, 2, sections[0].Props["contentStartLine"])
}

func TestMarkdownRelativeLinksBecomeUnresolvedRefs(t *testing.T) {
	out := mdParse(t, "# Doc\n\nsee [other](other.md) and [site](https://example.com) too\n")

	require.Len(t, out.Unresolved, 1)
	assert.Equal(t, "other.md", out.Unresolved[0].TargetSymbol)
	assert.Equal(t, "MarkdownDocument", out.Unresolved[0].TargetLabel)
}
