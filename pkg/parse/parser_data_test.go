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

func dataParse(t *testing.T, path, content string) *Output {
	t.Helper()
	p := NewDataParser(registry.NewWithBuiltins())
	out, err := p.Parse(context.Background(), Input{Path: path, Content: []byte(content)})
	require.NoError(t, err)
	return out
}

func TestDataParserCSVRows(t *testing.T) {
	out := dataParse(t, "users.csv", "name,age\nalice,30\nbob,25\n")

	records := nodesByLabel(out, "DataRecord")
	require.Len(t, records, 2)

	assert.Equal(t, 0, records[0].Props["rowIndex"])
	assert.Equal(t, "age: 30\nname: alice", records[0].Props["content"], "keys render sorted")
	assert.Equal(t, "users.csv", records[0].Props["file"])

	files := nodesByLabel(out, "File")
	require.Len(t, files, 1)
	for _, r := range out.Relationships {
		assert.Equal(t, registry.RelDefinedIn, r.Type)
		assert.Equal(t, files[0].UUID, r.TargetUUID)
	}
}

func TestDataParserJSONArray(t *testing.T) {
	out := dataParse(t, "items.json", `[{"id": 1, "name": "widget"}, {"id": 2, "name": "gadget"}]`)

	records := nodesByLabel(out, "DataRecord")
	require.Len(t, records, 2)
	assert.Contains(t, records[0].Props["content"], "name: widget")
}

func TestDataParserJSONSingleObject(t *testing.T) {
	out := dataParse(t, "config.json", `{"debug": true}`)
	records := nodesByLabel(out, "DataRecord")
	require.Len(t, records, 1)
}

func TestDataParserYAML(t *testing.T) {
	out := dataParse(t, "list.yaml", "- name: a\n- name: b\n")
	records := nodesByLabel(out, "DataRecord")
	require.Len(t, records, 2)
}

func TestDataParserDeterministicUUIDs(t *testing.T) {
	out1 := dataParse(t, "users.csv", "name\nalice\n")
	out2 := dataParse(t, "users.csv", "name\nalice\n")

	r1 := nodesByLabel(out1, "DataRecord")
	r2 := nodesByLabel(out2, "DataRecord")
	require.Len(t, r1, 1)
	require.Len(t, r2, 1)
	assert.Equal(t, r1[0].UUID, r2[0].UUID, "same (file, rowIndex) derives the same uuid")
}

func TestDataParserRowContentIsStable(t *testing.T) {
	// The same row must render identically regardless of map iteration.
	row := map[string]any{"b": 2, "a": 1, "c": 3}
	first := rowText(row)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, rowText(row))
	}
	assert.Equal(t, "a: 1\nb: 2\nc: 3", first)
}
