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
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ragforge/ingest/pkg/registry"
)

// maxDataRecords caps how many rows one data file may contribute; beyond
// this the remainder is dropped and the File node records the cutoff.
const maxDataRecords = 10000

// DataParser maps structured rows (CSV records, JSON/YAML array elements)
// onto DataRecord nodes, one per row, keyed by (file, rowIndex).
type DataParser struct {
	reg *registry.Registry
}

func NewDataParser(reg *registry.Registry) *DataParser {
	return &DataParser{reg: reg}
}

func (p *DataParser) Parse(ctx context.Context, in Input) (*Output, error) {
	out := &Output{}

	fileDef, _ := p.reg.Get("File")
	fileProps := map[string]any{
		"path":     registry.NormalizePath(in.Path),
		"language": strings.TrimPrefix(strings.ToLower(filepath.Ext(in.Path)), "."),
		"size":     len(in.Content),
	}
	fileNode := Node{UUID: fileDef.NodeUUID(fileProps), Label: "File", Props: fileProps}
	out.Nodes = append(out.Nodes, fileNode)

	var rows []map[string]any
	var err error
	switch strings.ToLower(filepath.Ext(in.Path)) {
	case ".csv":
		rows, err = csvRows(in.Content)
	case ".json":
		rows, err = jsonRows(in.Content)
	case ".yaml", ".yml":
		rows, err = yamlRows(in.Content)
	default:
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("parse data rows: %w", err)
	}

	if len(rows) > maxDataRecords {
		fileProps["truncatedRows"] = len(rows) - maxDataRecords
		rows = rows[:maxDataRecords]
	}

	recDef, _ := p.reg.Get("DataRecord")
	for i, row := range rows {
		props := map[string]any{
			"file":     registry.NormalizePath(in.Path),
			"rowIndex": i,
			"content":  rowText(row),
		}
		n := Node{
			UUID:    recDef.NodeUUID(props),
			Label:   "DataRecord",
			Props:   props,
			Content: props["content"].(string),
		}
		out.Nodes = append(out.Nodes, n)
		out.Relationships = append(out.Relationships, Relationship{
			SourceUUID: n.UUID,
			Type:       registry.RelDefinedIn,
			TargetUUID: fileNode.UUID,
		})
	}

	return out, nil
}

func csvRows(content []byte) ([]map[string]any, error) {
	r := csv.NewReader(bytes.NewReader(content))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, nil
	}

	header := records[0]
	rows := make([]map[string]any, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]any, len(header))
		for i, v := range rec {
			if i < len(header) {
				row[header[i]] = v
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func jsonRows(content []byte) ([]map[string]any, error) {
	var arr []map[string]any
	if err := json.Unmarshal(content, &arr); err == nil {
		return arr, nil
	}
	// A single object becomes one row.
	var obj map[string]any
	if err := json.Unmarshal(content, &obj); err != nil {
		return nil, err
	}
	return []map[string]any{obj}, nil
}

func yamlRows(content []byte) ([]map[string]any, error) {
	var arr []map[string]any
	if err := yaml.Unmarshal(content, &arr); err == nil {
		return arr, nil
	}
	var obj map[string]any
	if err := yaml.Unmarshal(content, &obj); err != nil {
		return nil, err
	}
	return []map[string]any{obj}, nil
}

// rowText renders a row as "key: value" lines with sorted keys, so the
// same row always hashes and embeds identically.
func rowText(row map[string]any) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %v\n", k, row[k])
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
