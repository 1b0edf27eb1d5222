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
	"net/http"

	"github.com/ragforge/ingest/pkg/registry"
)

// MediaProbe carries optional metadata a prober can recover from a media
// file without decoding it fully.
type MediaProbe struct {
	DurationSeconds float64
	Width           int
	Height          int
}

// MediaProber inspects media bytes for duration/dimension metadata.
// Renderers and OCR services are external collaborators; nil is fine.
type MediaProber interface {
	Probe(ctx context.Context, path string, content []byte) (*MediaProbe, error)
}

// MediaParser emits a single metadata-only MediaAsset node. Media content
// is never chunked or embedded from raw bytes.
type MediaParser struct {
	reg    *registry.Registry
	prober MediaProber
}

func NewMediaParser(reg *registry.Registry, prober MediaProber) *MediaParser {
	return &MediaParser{reg: reg, prober: prober}
}

func (p *MediaParser) Parse(ctx context.Context, in Input) (*Output, error) {
	props := map[string]any{
		"path": registry.NormalizePath(in.Path),
		"mime": http.DetectContentType(in.Content),
		"size": len(in.Content),
	}

	if p.prober != nil {
		if probe, err := p.prober.Probe(ctx, in.Path, in.Content); err == nil && probe != nil {
			if probe.DurationSeconds > 0 {
				props["durationSeconds"] = probe.DurationSeconds
			}
			if probe.Width > 0 {
				props["width"] = probe.Width
				props["height"] = probe.Height
			}
		}
	}

	def, _ := p.reg.Get("MediaAsset")
	n := Node{UUID: def.NodeUUID(props), Label: "MediaAsset", Props: props}
	return &Output{Nodes: []Node{n}}, nil
}
