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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragforge/ingest/pkg/registry"
)

func testDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	return NewDispatcher(registry.NewWithBuiltins(), DispatcherOptions{}, nil)
}

func TestDispatchByExtension(t *testing.T) {
	d := testDispatcher(t)

	cases := map[string]Parser{
		"main.go":    d.code,
		"app.ts":     d.code,
		"README.md":  d.markdown,
		"report.pdf": d.document,
		"data.csv":   d.data,
		"photo.jpg":  d.media,
		"page.html":  d.web,
	}
	for path, want := range cases {
		got := d.ForInput(Input{Path: path, SourceType: "files"})
		assert.Same(t, want, got, path)
	}
}

func TestDispatchWebSourceAlwaysWins(t *testing.T) {
	d := testDispatcher(t)

	// Even a .go-looking URL goes to the web parser for web sources.
	got := d.ForInput(Input{Path: "https://example.com/main.go", SourceType: "web"})
	assert.Same(t, d.web, got)
}

func TestDispatchMIMESniffFallback(t *testing.T) {
	d := testDispatcher(t)

	html := []byte("<!DOCTYPE html><html><body>hi</body></html>")
	got := d.ForInput(Input{Path: "no-extension", Content: html, SourceType: "files"})
	assert.Same(t, d.web, got)

	png := append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, make([]byte, 16)...)
	got = d.ForInput(Input{Path: "blob", Content: png, SourceType: "files"})
	assert.Same(t, d.media, got)

	text := []byte("plain prose with no markup at all")
	got = d.ForInput(Input{Path: "NOTES", Content: text, SourceType: "files"})
	assert.Same(t, d.markdown, got)
}

func TestDispatchUnhandledReturnsNil(t *testing.T) {
	d := testDispatcher(t)
	got := d.ForInput(Input{Path: "binary.xyz", Content: []byte{0x00, 0x01, 0x02, 0x03}, SourceType: "files"})
	require.Nil(t, got)
}
