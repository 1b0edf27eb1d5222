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
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ragforge/ingest/pkg/registry"
)

// Fetcher retrieves the raw bytes behind a URL. The default implementation
// is a plain HTTP client with a request timeout.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTMLExtractor reduces an HTML document to a title and readable text.
// Readability-grade extraction libraries are external collaborators; the
// built-in fallback strips tags naively.
type HTMLExtractor interface {
	ExtractHTML(ctx context.Context, url string, content []byte) (title, text string, err error)
}

// WebParser handles web sources: fetch (when the bytes were not supplied),
// extract readable text, and emit one WebPage node the content extractor
// chunks into WebSection children.
type WebParser struct {
	reg       *registry.Registry
	fetcher   Fetcher
	extractor HTMLExtractor
}

func NewWebParser(reg *registry.Registry, fetcher Fetcher, extractor HTMLExtractor) *WebParser {
	if fetcher == nil {
		fetcher = &httpFetcher{client: &http.Client{Timeout: 30 * time.Second}}
	}
	if extractor == nil {
		extractor = naiveHTMLExtractor{}
	}
	return &WebParser{reg: reg, fetcher: fetcher, extractor: extractor}
}

func (p *WebParser) Parse(ctx context.Context, in Input) (*Output, error) {
	content := in.Content
	if len(content) == 0 {
		fetched, err := p.fetcher.Fetch(ctx, in.Path)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", in.Path, err)
		}
		content = fetched
	}

	title, text, err := p.extractor.ExtractHTML(ctx, in.Path, content)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", in.Path, err)
	}
	if title == "" {
		title = in.Path
	}

	def, _ := p.reg.Get("WebPage")
	props := map[string]any{
		"url":   in.Path,
		"title": title,
	}
	n := Node{
		UUID:    def.NodeUUID(props),
		Label:   "WebPage",
		Props:   props,
		Content: text,
	}
	return &Output{Nodes: []Node{n}}, nil
}

type httpFetcher struct {
	client *http.Client
}

func (f *httpFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d for %s", resp.StatusCode, url)
	}

	// 10 MB cap keeps one runaway page from ballooning a batch.
	return io.ReadAll(io.LimitReader(resp.Body, 10<<20))
}

// naiveHTMLExtractor strips tags, scripts, and styles without any layout
// analysis. Good enough for text-heavy pages; swap in a readability
// implementation for anything else.
type naiveHTMLExtractor struct{}

func (naiveHTMLExtractor) ExtractHTML(_ context.Context, _ string, content []byte) (string, string, error) {
	html := string(content)

	title := ""
	if start := strings.Index(strings.ToLower(html), "<title>"); start >= 0 {
		rest := html[start+len("<title>"):]
		if end := strings.Index(strings.ToLower(rest), "</title>"); end >= 0 {
			title = strings.TrimSpace(rest[:end])
		}
	}

	html = stripElement(html, "script")
	html = stripElement(html, "style")

	var sb strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
			// Tag boundaries break words, not sentences.
			sb.WriteByte(' ')
		case r == '>':
			inTag = false
		case !inTag:
			sb.WriteRune(r)
		}
	}

	// Collapse runs of whitespace left behind by removed markup.
	fields := strings.Fields(sb.String())
	return title, strings.Join(fields, " "), nil
}

func stripElement(html, tag string) string {
	lower := strings.ToLower(html)
	for {
		start := strings.Index(lower, "<"+tag)
		if start < 0 {
			return html
		}
		end := strings.Index(lower[start:], "</"+tag+">")
		if end < 0 {
			return html[:start]
		}
		cut := start + end + len("</"+tag+">")
		html = html[:start] + html[cut:]
		lower = lower[:start] + lower[cut:]
	}
}
