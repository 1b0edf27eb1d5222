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
	"unicode/utf8"

	"github.com/ragforge/ingest/pkg/registry"
)

// TextExtractor pulls plain text out of an office-format byte stream
// (PDF, DOCX, ODT, ...). The concrete format libraries are external
// collaborators; the built-in fallback only handles byte streams that are
// already valid UTF-8 text.
type TextExtractor interface {
	ExtractText(ctx context.Context, path string, content []byte) (string, error)
}

// DocumentParser emits one OfficeDocument node whose content the extractor
// later splits into DocumentChunk children.
type DocumentParser struct {
	reg       *registry.Registry
	extractor TextExtractor
}

func NewDocumentParser(reg *registry.Registry, extractor TextExtractor) *DocumentParser {
	if extractor == nil {
		extractor = plainTextExtractor{}
	}
	return &DocumentParser{reg: reg, extractor: extractor}
}

func (p *DocumentParser) Parse(ctx context.Context, in Input) (*Output, error) {
	text, err := p.extractor.ExtractText(ctx, in.Path, in.Content)
	if err != nil {
		return nil, err
	}

	def, _ := p.reg.Get("OfficeDocument")
	props := map[string]any{
		"path":   registry.NormalizePath(in.Path),
		"title":  strings.TrimSuffix(filepath.Base(in.Path), filepath.Ext(in.Path)),
		"format": strings.TrimPrefix(strings.ToLower(filepath.Ext(in.Path)), "."),
		"size":   len(in.Content),
	}
	n := Node{
		UUID:    def.NodeUUID(props),
		Label:   "OfficeDocument",
		Props:   props,
		Content: text,
	}
	return &Output{Nodes: []Node{n}}, nil
}

// plainTextExtractor is the no-dependency fallback: it accepts the bytes as
// UTF-8 text when they are valid UTF-8, and yields nothing otherwise so the
// document is indexed by metadata alone.
type plainTextExtractor struct{}

func (plainTextExtractor) ExtractText(_ context.Context, _ string, content []byte) (string, error) {
	if !utf8.Valid(content) {
		return "", nil
	}
	return string(content), nil
}
