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

package ingest

import (
	"context"
	"runtime"
	"strings"
	"sync"

	"log/slog"

	"github.com/ragforge/ingest/pkg/parse"
	"github.com/ragforge/ingest/pkg/registry"
)

// parallelResolveThreshold is the reference count past which resolution
// fans out across workers. The index is read-only by then, so concurrent
// lookups are safe.
const parallelResolveThreshold = 1000

// LinkStats counts one linking pass.
type LinkStats struct {
	Resolved int
	Dropped  int
	Errors   int
}

// ReferenceLinker resolves symbolic cross-file references into typed
// relationships after all files in a batch are merged. Resolution tries,
// in order: exact (file, name), then (name, label), then external-library
// match by name.
type ReferenceLinker struct {
	graph  GraphStore
	reg    *registry.Registry
	logger *slog.Logger

	// byFileName: "<file>:<name>" -> uuid
	byFileName map[string]string
	// byNameLabel: "<name>|<label>" -> uuid
	byNameLabel map[string]string
	// libraries: library name -> uuid, plus alias -> uuid
	libraries map[string]string
}

func NewReferenceLinker(graph GraphStore, reg *registry.Registry, logger *slog.Logger) *ReferenceLinker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReferenceLinker{
		graph:  graph,
		reg:    reg,
		logger: logger,
	}
}

// BuildIndex loads the current graph's name indexes for the labels that
// can be reference targets. Called once per batch, before Resolve.
func (l *ReferenceLinker) BuildIndex(ctx context.Context, labels []string) error {
	l.byFileName = make(map[string]string)
	l.byNameLabel = make(map[string]string)
	l.libraries = make(map[string]string)

	for _, label := range labels {
		nodes, err := l.graph.NodesByState(ctx, StateQuery{Label: label})
		if err != nil {
			return err
		}
		for _, n := range nodes {
			name, _ := n.Props["name"].(string)
			if name == "" {
				if heading, ok := n.Props["heading"].(string); ok {
					name = heading
				}
			}
			if name == "" {
				if path, ok := n.Props["path"].(string); ok {
					name = path
				}
			}
			if name == "" {
				continue
			}

			if label == "ExternalLibrary" {
				l.libraries[name] = n.UUID
				if alias, ok := n.Props["alias"].(string); ok && alias != "" {
					l.libraries[alias] = n.UUID
				}
				// The final path component doubles as the usual alias.
				if idx := strings.LastIndex(name, "/"); idx >= 0 {
					l.libraries[name[idx+1:]] = n.UUID
				}
				continue
			}

			file := n.FileField(l.reg)
			if file != "" {
				l.byFileName[file+":"+name] = n.UUID
				// Methods also answer to their bare name within the file.
				if idx := strings.LastIndex(name, "."); idx >= 0 {
					l.byFileName[file+":"+name[idx+1:]] = n.UUID
				}
			}
			key := name + "|" + label
			if _, taken := l.byNameLabel[key]; !taken {
				l.byNameLabel[key] = n.UUID
			}
			if idx := strings.LastIndex(name, "."); idx >= 0 {
				short := name[idx+1:] + "|" + label
				if _, taken := l.byNameLabel[short]; !taken {
					l.byNameLabel[short] = n.UUID
				}
			}
		}
	}
	return nil
}

// Resolve links a batch of buffered references. Successes become merged
// relationships; failures are dropped, recording a link error on the
// source only when its type declares cross-file links mandatory.
func (l *ReferenceLinker) Resolve(ctx context.Context, refs []parse.UnresolvedRef, sm *StateMachine) (*LinkStats, error) {
	stats := &LinkStats{}
	if len(refs) == 0 {
		return stats, nil
	}

	var resolved []Relationship
	var failed []parse.UnresolvedRef

	if len(refs) < parallelResolveThreshold {
		resolved, failed = l.resolveSequential(refs)
	} else {
		resolved, failed = l.resolveParallel(refs)
	}

	if len(resolved) > 0 {
		if err := l.graph.MergeRelationships(ctx, resolved); err != nil {
			return stats, err
		}
		stats.Resolved = len(resolved)
	}

	var errored []TransitionRequest
	for _, ref := range failed {
		def, ok := l.reg.Get(ref.SourceLabel)
		if ok && def.CrossFileMandatory {
			errored = append(errored, TransitionRequest{
				UUID:     ref.SourceUUID,
				Label:    ref.SourceLabel,
				NewState: StateError,
				Options: TransitionOptions{
					Force:        true,
					ErrorType:    ErrorLink,
					ErrorMessage: "unresolved reference: " + ref.TargetSymbol,
				},
			})
			stats.Errors++
		} else {
			stats.Dropped++
		}
	}
	if len(errored) > 0 && sm != nil {
		if err := sm.TransitionBatch(ctx, errored); err != nil {
			return stats, err
		}
	}

	l.logger.Info("link.complete", "resolved", stats.Resolved, "dropped", stats.Dropped, "errors", stats.Errors)
	return stats, nil
}

func (l *ReferenceLinker) resolveSequential(refs []parse.UnresolvedRef) ([]Relationship, []parse.UnresolvedRef) {
	var resolved []Relationship
	var failed []parse.UnresolvedRef
	seen := make(map[string]bool)

	for _, ref := range refs {
		target := l.resolveOne(ref)
		if target == "" {
			failed = append(failed, ref)
			continue
		}
		key := ref.SourceUUID + "|" + ref.RelType + "|" + target
		if seen[key] {
			continue
		}
		seen[key] = true
		resolved = append(resolved, Relationship{
			SourceUUID: ref.SourceUUID,
			Type:       ref.RelType,
			TargetUUID: target,
		})
	}
	return resolved, failed
}

// resolveParallel fans resolution across workers; the indexes are
// read-only so no locking is needed beyond the result channel.
func (l *ReferenceLinker) resolveParallel(refs []parse.UnresolvedRef) ([]Relationship, []parse.UnresolvedRef) {
	workers := runtime.NumCPU()
	if workers > 8 {
		workers = 8
	}

	jobs := make(chan int, len(refs))
	type result struct {
		ref    parse.UnresolvedRef
		target string
	}
	results := make(chan result, len(refs))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results <- result{ref: refs[i], target: l.resolveOne(refs[i])}
			}
		}()
	}
	for i := range refs {
		jobs <- i
	}
	close(jobs)
	go func() {
		wg.Wait()
		close(results)
	}()

	var resolved []Relationship
	var failed []parse.UnresolvedRef
	seen := make(map[string]bool)
	for r := range results {
		if r.target == "" {
			failed = append(failed, r.ref)
			continue
		}
		key := r.ref.SourceUUID + "|" + r.ref.RelType + "|" + r.target
		if seen[key] {
			continue
		}
		seen[key] = true
		resolved = append(resolved, Relationship{
			SourceUUID: r.ref.SourceUUID,
			Type:       r.ref.RelType,
			TargetUUID: r.target,
		})
	}
	return resolved, failed
}

// resolveOne applies the three-step resolution order to one reference.
func (l *ReferenceLinker) resolveOne(ref parse.UnresolvedRef) string {
	symbol := ref.TargetSymbol
	simple := symbol
	qualifier := ""
	if idx := strings.LastIndex(symbol, "."); idx >= 0 && !strings.HasSuffix(symbol, ".md") {
		qualifier = symbol[:idx]
		simple = symbol[idx+1:]
	}

	// 1. Exact (file, name) in the referencing file.
	if ref.File != "" {
		if uuid, ok := l.byFileName[ref.File+":"+symbol]; ok {
			return uuid
		}
		if uuid, ok := l.byFileName[ref.File+":"+simple]; ok {
			return uuid
		}
	}

	// 2. (name, label) when the target label is known.
	if ref.TargetLabel != "" {
		if uuid, ok := l.byNameLabel[symbol+"|"+ref.TargetLabel]; ok {
			return uuid
		}
		if uuid, ok := l.byNameLabel[simple+"|"+ref.TargetLabel]; ok {
			return uuid
		}
	}

	// 3. External library by name, including the qualifier of a
	// qualified symbol ("pkg.Func" -> library aliased "pkg").
	if uuid, ok := l.libraries[symbol]; ok {
		return uuid
	}
	if qualifier != "" {
		if uuid, ok := l.libraries[qualifier]; ok {
			return uuid
		}
	}
	return ""
}
