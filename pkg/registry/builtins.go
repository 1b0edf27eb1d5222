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

// NewWithBuiltins returns a registry pre-populated with the node types this
// module ships extraction and parsing support for. Callers with additional
// domain labels register them on top; a conflicting re-registration of a
// built-in label fails the same way a caller conflict would.
func NewWithBuiltins() *Registry {
	r := New()
	for _, def := range builtinDefinitions() {
		r.MustRegister(def)
	}
	return r
}

func str(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func field(name string) FieldExtractor {
	return func(props map[string]any) (string, bool) {
		v, ok := props[name]
		if !ok {
			return "", false
		}
		return str(v)
	}
}

func none(map[string]any) (string, bool) { return "", false }

func builtinDefinitions() []NodeTypeDefinition {
	return []NodeTypeDefinition{
		{
			Label:          "File",
			RequiredFields: []string{"path", "language", "size"},
			OptionalFields: []string{"hash"},
			FieldExtractors: FieldExtractors{
				Title:       field("path"),
				Content:     none,
				Description: none,
				Location:    field("path"),
			},
			EmbeddingFields: EmbeddingExtractors{Name: field("path"), Content: none, Description: none},
			Chunking:        ChunkingPolicy{Strategy: ChunkNone},
			UUIDStrategy:    UUIDStrategy{Kind: UUIDDeterministic, Fields: []string{"path"}},
			FileFieldName:   "path",
			Key:             KeyPath,
		},
		{
			Label:          "Directory",
			RequiredFields: []string{"path"},
			FieldExtractors: FieldExtractors{
				Title: field("path"), Content: none, Description: none, Location: field("path"),
			},
			EmbeddingFields: EmbeddingExtractors{Name: field("path"), Content: none, Description: none},
			Chunking:        ChunkingPolicy{Strategy: ChunkNone},
			UUIDStrategy:    UUIDStrategy{Kind: UUIDDeterministic, Fields: []string{"path"}},
			FileFieldName:   "path",
			Key:             KeyPath,
		},
		{
			Label:          "Project",
			RequiredFields: []string{"path", "name"},
			FieldExtractors: FieldExtractors{
				Title: field("name"), Content: none, Description: none, Location: field("path"),
			},
			EmbeddingFields: EmbeddingExtractors{Name: field("name"), Content: none, Description: none},
			Chunking:        ChunkingPolicy{Strategy: ChunkNone},
			UUIDStrategy:    UUIDStrategy{Kind: UUIDDeterministic, Fields: []string{"path"}},
			FileFieldName:   "path",
			Key:             KeyPath,
		},
		{
			Label:          "CodeScope",
			RequiredFields: []string{"name", "file", "startLine", "endLine", "kind"},
			OptionalFields: []string{"signature", "docComment"},
			FieldExtractors: FieldExtractors{
				Title:       field("name"),
				Content:     field("content"),
				Description: field("docComment"),
				Location:    field("file"),
			},
			EmbeddingFields: EmbeddingExtractors{
				Name:        field("signature"),
				Content:     field("content"),
				Description: field("docComment"),
			},
			Chunking:           ChunkingPolicy{Strategy: ChunkNone},
			UUIDStrategy:       UUIDStrategy{Kind: UUIDDeterministic, Fields: []string{"file", "name", "startLine", "startCol", "endCol"}},
			FileFieldName:      "file",
			Key:                KeyUUID,
			CrossFileMandatory: true,
			SecondaryIndexes:   []string{"file", "name"},
		},
		{
			Label:          "MarkdownDocument",
			RequiredFields: []string{"path", "title"},
			FieldExtractors: FieldExtractors{
				Title: field("title"), Content: field("content"), Description: none, Location: field("path"),
			},
			EmbeddingFields: EmbeddingExtractors{Name: field("title"), Content: field("content"), Description: none},
			Chunking:        ChunkingPolicy{Strategy: ChunkNone},
			UUIDStrategy:    UUIDStrategy{Kind: UUIDDeterministic, Fields: []string{"path"}},
			FileFieldName:   "path",
			Key:             KeyPath,
		},
		{
			Label:          "MarkdownSection",
			RequiredFields: []string{"heading", "file", "startLine", "endLine"},
			FieldExtractors: FieldExtractors{
				Title: field("heading"), Content: field("content"), Description: none, Location: field("file"),
			},
			EmbeddingFields:  EmbeddingExtractors{Name: field("heading"), Content: field("content"), Description: none},
			Chunking:         ChunkingPolicy{Strategy: ChunkParagraph, ChunkSize: 1024, Overlap: 150, MinChunkSize: 64, ChunkLabel: "DocumentChunk"},
			UUIDStrategy:     UUIDStrategy{Kind: UUIDRandom},
			FileFieldName:    "file",
			Key:              KeyUUID,
			SecondaryIndexes: []string{"file"},
		},
		{
			Label:          "OfficeDocument",
			RequiredFields: []string{"path", "title"},
			FieldExtractors: FieldExtractors{
				Title: field("title"), Content: none, Description: none, Location: field("path"),
			},
			EmbeddingFields: EmbeddingExtractors{Name: field("title"), Content: none, Description: none},
			Chunking:        ChunkingPolicy{Strategy: ChunkFixed, ChunkSize: 800, Overlap: 120, MinChunkSize: 64, ChunkLabel: "DocumentChunk"},
			UUIDStrategy:    UUIDStrategy{Kind: UUIDDeterministic, Fields: []string{"path"}},
			FileFieldName:   "path",
			Key:             KeyPath,
		},
		{
			Label:          "DocumentChunk",
			RequiredFields: []string{"file", "startChar", "endChar"},
			FieldExtractors: FieldExtractors{
				Title: none, Content: field("content"), Description: none, Location: field("file"),
			},
			EmbeddingFields:  EmbeddingExtractors{Name: none, Content: field("content"), Description: none},
			Chunking:         ChunkingPolicy{Strategy: ChunkNone},
			UUIDStrategy:     UUIDStrategy{Kind: UUIDRandom},
			FileFieldName:    "file",
			Key:              KeyUUID,
			SecondaryIndexes: []string{"file"},
		},
		{
			Label:          "WebPage",
			RequiredFields: []string{"url", "title"},
			FieldExtractors: FieldExtractors{
				Title: field("title"), Content: none, Description: none, Location: field("url"),
			},
			EmbeddingFields: EmbeddingExtractors{Name: field("title"), Content: none, Description: none},
			Chunking:        ChunkingPolicy{Strategy: ChunkSentence, ChunkSize: 512, Overlap: 64, MinChunkSize: 48, ChunkLabel: "WebSection"},
			UUIDStrategy:    UUIDStrategy{Kind: UUIDDeterministic, Fields: []string{"url"}},
			FileFieldName:   "url",
			Key:             KeyPath,
		},
		{
			Label:          "WebSection",
			RequiredFields: []string{"url", "content"},
			FieldExtractors: FieldExtractors{
				Title: none, Content: field("content"), Description: none, Location: field("url"),
			},
			EmbeddingFields:  EmbeddingExtractors{Name: none, Content: field("content"), Description: none},
			Chunking:         ChunkingPolicy{Strategy: ChunkNone},
			UUIDStrategy:     UUIDStrategy{Kind: UUIDRandom},
			FileFieldName:    "url",
			Key:              KeyUUID,
			SecondaryIndexes: []string{"url"},
		},
		{
			Label:          "MediaAsset",
			RequiredFields: []string{"path", "mime"},
			OptionalFields: []string{"durationSeconds", "size"},
			FieldExtractors: FieldExtractors{
				Title: field("path"), Content: none, Description: none, Location: field("path"),
			},
			EmbeddingFields: EmbeddingExtractors{Name: field("path"), Content: none, Description: none},
			Chunking:        ChunkingPolicy{Strategy: ChunkNone},
			UUIDStrategy:    UUIDStrategy{Kind: UUIDDeterministic, Fields: []string{"path"}},
			FileFieldName:   "path",
			Key:             KeyPath,
		},
		{
			Label:          "DataRecord",
			RequiredFields: []string{"file", "rowIndex"},
			FieldExtractors: FieldExtractors{
				Title: none, Content: field("content"), Description: none, Location: field("file"),
			},
			EmbeddingFields:  EmbeddingExtractors{Name: none, Content: field("content"), Description: none},
			Chunking:         ChunkingPolicy{Strategy: ChunkNone},
			UUIDStrategy:     UUIDStrategy{Kind: UUIDDeterministic, Fields: []string{"file", "rowIndex"}},
			FileFieldName:    "file",
			Key:              KeyUUID,
			SecondaryIndexes: []string{"file"},
		},
		{
			Label:          "ExternalLibrary",
			RequiredFields: []string{"name"},
			OptionalFields: []string{"version"},
			FieldExtractors: FieldExtractors{
				Title: field("name"), Content: none, Description: none, Location: none,
			},
			EmbeddingFields: EmbeddingExtractors{Name: field("name"), Content: none, Description: none},
			Chunking:        ChunkingPolicy{Strategy: ChunkNone},
			UUIDStrategy:    UUIDStrategy{Kind: UUIDDeterministic, Fields: []string{"name"}},
			FileFieldName:   "",
			Key:             KeyName,
		},
	}
}
