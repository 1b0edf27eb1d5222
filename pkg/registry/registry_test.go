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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sectionDef() NodeTypeDefinition {
	return NodeTypeDefinition{
		Label:          "Recipe",
		RequiredFields: []string{"title", "file"},
		Chunking:       ChunkingPolicy{Strategy: ChunkParagraph, ChunkSize: 512, ChunkLabel: "DocumentChunk"},
		UUIDStrategy:   UUIDStrategy{Kind: UUIDDeterministic, Fields: []string{"file", "title"}},
		FileFieldName:  "file",
		Key:            KeyUUID,
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(sectionDef()))
	require.NoError(t, r.Register(sectionDef()), "identical re-registration is a no-op")

	def, ok := r.Get("Recipe")
	require.True(t, ok)
	assert.Equal(t, "file", def.FileFieldName)
}

func TestRegisterConflictFails(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(sectionDef()))

	conflicting := sectionDef()
	conflicting.RequiredFields = []string{"title", "file", "servings"}

	err := r.Register(conflicting)
	require.Error(t, err)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "Recipe", conflict.Label)
	assert.Contains(t, conflict.Error(), "required fields differ")
}

func TestBuiltinsRegisterCleanly(t *testing.T) {
	r := NewWithBuiltins()
	for _, label := range []string{"File", "Directory", "Project", "CodeScope", "MarkdownDocument",
		"MarkdownSection", "OfficeDocument", "DocumentChunk", "WebPage", "WebSection",
		"MediaAsset", "DataRecord", "ExternalLibrary"} {
		_, ok := r.Get(label)
		assert.True(t, ok, label)
	}
	assert.Len(t, r.Labels(), 13)
}

func TestDeterministicUUIDStability(t *testing.T) {
	def := sectionDef()
	props := map[string]any{"file": "a.md", "title": "Intro"}

	u1 := def.NodeUUID(props)
	u2 := def.NodeUUID(props)
	assert.Equal(t, u1, u2, "deterministic strategy is stable")
	assert.Len(t, u1, 36, "uuid string form")

	other := def.NodeUUID(map[string]any{"file": "a.md", "title": "Outro"})
	assert.NotEqual(t, u1, other)
}

func TestDeterministicUUIDNormalizesPaths(t *testing.T) {
	def := sectionDef()
	u1 := def.NodeUUID(map[string]any{"file": "./a.md", "title": "Intro"})
	u2 := def.NodeUUID(map[string]any{"file": "a.md", "title": "Intro"})
	assert.Equal(t, u1, u2, "leading ./ spelling must not change identity")
}

func TestRandomUUIDUnique(t *testing.T) {
	def := NodeTypeDefinition{Label: "Chunk", UUIDStrategy: UUIDStrategy{Kind: UUIDRandom}}
	u1 := def.NodeUUID(nil)
	u2 := def.NodeUUID(nil)
	assert.NotEqual(t, u1, u2)
}

func TestRelationName(t *testing.T) {
	assert.Equal(t, "markdown_section", RelationName("MarkdownSection"))
	assert.Equal(t, "file", RelationName("File"))
	assert.Equal(t, "code_scope", RelationName("CodeScope"))
}

func TestKeyField(t *testing.T) {
	assert.Equal(t, "path", NodeTypeDefinition{Key: KeyPath}.KeyField())
	assert.Equal(t, "name", NodeTypeDefinition{Key: KeyName}.KeyField())
	assert.Equal(t, "uuid", NodeTypeDefinition{Key: KeyUUID}.KeyField())
}

type fakeCreator struct {
	calls []string
}

func (f *fakeCreator) EnsureLabel(_ context.Context, def NodeTypeDefinition) error {
	f.calls = append(f.calls, def.Label)
	return nil
}

func TestEnsureConstraintsOncePerLabel(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(sectionDef()))

	creator := &fakeCreator{}
	ctx := context.Background()
	require.NoError(t, r.EnsureConstraints(ctx, creator, "Recipe"))
	require.NoError(t, r.EnsureConstraints(ctx, creator, "Recipe"))

	assert.Equal(t, []string{"Recipe"}, creator.calls, "second call is a no-op")

	err := r.EnsureConstraints(ctx, creator, "Unknown")
	require.Error(t, err)
}
