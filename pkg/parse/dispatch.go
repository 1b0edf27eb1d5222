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
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/ragforge/ingest/pkg/registry"
)

// Dispatcher selects a parser for each input: by file extension first, by
// MIME sniff as a fallback, and always the web parser for web sources
// regardless of extension.
type Dispatcher struct {
	registry *registry.Registry
	logger   *slog.Logger

	code     Parser
	markdown Parser
	document Parser
	media    Parser
	data     Parser
	web      Parser

	byExt map[string]Parser
}

// DispatcherOptions carries the pluggable extractor interfaces the
// document, media, and web parsers depend on. Nil fields fall back to
// built-in defaults (which skip extraction rather than fail).
type DispatcherOptions struct {
	TextExtractor TextExtractor
	MediaProber   MediaProber
	Fetcher       Fetcher
	HTMLExtractor HTMLExtractor
}

// NewDispatcher wires the built-in parser set against a registry.
func NewDispatcher(reg *registry.Registry, opts DispatcherOptions, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		registry: reg,
		logger:   logger,
		code:     NewCodeParser(reg, logger),
		markdown: NewMarkdownParser(reg),
		document: NewDocumentParser(reg, opts.TextExtractor),
		media:    NewMediaParser(reg, opts.MediaProber),
		data:     NewDataParser(reg),
		web:      NewWebParser(reg, opts.Fetcher, opts.HTMLExtractor),
	}

	d.byExt = map[string]Parser{
		".go":   d.code,
		".ts":   d.code,
		".tsx":  d.code,
		".md":   d.markdown,
		".mdx":  d.markdown,
		".pdf":  d.document,
		".docx": d.document,
		".doc":  d.document,
		".odt":  d.document,
		".pptx": d.document,
		".csv":  d.data,
		".json": d.data,
		".yaml": d.data,
		".yml":  d.data,
		".png":  d.media,
		".jpg":  d.media,
		".jpeg": d.media,
		".gif":  d.media,
		".mp3":  d.media,
		".mp4":  d.media,
		".wav":  d.media,
		".webm": d.media,
		".html": d.web,
		".htm":  d.web,
	}
	return d
}

// ForInput returns the parser responsible for an input, or nil when no
// parser can handle it.
func (d *Dispatcher) ForInput(in Input) Parser {
	// Web sources always take the web parser, whatever the URL ends in.
	if in.SourceType == "web" {
		return d.web
	}

	ext := strings.ToLower(filepath.Ext(in.Path))
	if p, ok := d.byExt[ext]; ok {
		return p
	}

	// MIME sniff fallback for extensionless or unknown files.
	if len(in.Content) > 0 {
		mime := http.DetectContentType(in.Content)
		switch {
		case strings.HasPrefix(mime, "text/html"):
			return d.web
		case strings.HasPrefix(mime, "image/"),
			strings.HasPrefix(mime, "audio/"),
			strings.HasPrefix(mime, "video/"):
			return d.media
		case strings.HasPrefix(mime, "application/pdf"):
			return d.document
		case strings.HasPrefix(mime, "text/"):
			// Plain text with no better signal reads as markdown: the
			// paragraph chunker degrades gracefully on prose.
			return d.markdown
		}
	}

	d.logger.Debug("parse.dispatch.unhandled", "path", in.Path)
	return nil
}

// Code returns the code parser, exposed for direct use in tests.
func (d *Dispatcher) Code() Parser { return d.code }
