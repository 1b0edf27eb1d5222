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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/ragforge/ingest/pkg/registry"
)

// EmbedStats counts one embedding pass.
type EmbedStats struct {
	Selected  int
	Generated int
	Skipped   int
	Errors    int
}

// EnrichmentSpec bounds the related-node context appended to a label's
// embedding input. The bound exists to prevent context blow-up.
type EnrichmentSpec struct {
	RelType   string
	Direction string // "out" or "in"
	MaxItems  int
}

// TextPreprocessor rewrites an embedding input before submission.
type TextPreprocessor func(string) string

// TrimPreprocessor removes surrounding whitespace.
func TrimPreprocessor(s string) string { return strings.TrimSpace(s) }

// DedentPreprocessor strips the common leading tab/space run from every
// line, so indentation depth does not leak into the embedding.
func DedentPreprocessor(s string) string {
	lines := strings.Split(s, "\n")
	common := -1
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := 0
		for indent < len(line) && (line[indent] == ' ' || line[indent] == '\t') {
			indent++
		}
		if common < 0 || indent < common {
			common = indent
		}
	}
	if common <= 0 {
		return s
	}
	for i, line := range lines {
		if len(line) >= common {
			lines[i] = line[common:]
		}
	}
	return strings.Join(lines, "\n")
}

// StripTagsPreprocessor removes anything that looks like markup tags.
func StripTagsPreprocessor(s string) string {
	var sb strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// EmbeddingPipeline selects dirty nodes, builds their embedding inputs via
// the registry's declared extractors, submits them with bounded concurrency
// and retry, and writes vectors plus provider/model tags back.
//
// At-most-one concurrent build per node is guaranteed by partitioning the
// dirty set across workers by uuid hash.
type EmbeddingPipeline struct {
	graph    GraphStore
	reg      *registry.Registry
	provider EmbeddingProvider
	sm       *StateMachine
	cfg      EmbeddingConfig
	workers  int
	logger   *slog.Logger
	runLog   LogSink

	preprocessors []TextPreprocessor
	enrichment    map[string]EnrichmentSpec

	// maxInputChars caps a single embedding input; code tokenizes poorly
	// so oversized bodies are truncated rather than rejected.
	maxInputChars int

	// providerTimeout bounds each provider call.
	providerTimeout time.Duration
}

// PipelineOption customizes an EmbeddingPipeline.
type PipelineOption func(*EmbeddingPipeline)

// WithEnrichment enables related-node context for one label.
func WithEnrichment(label string, spec EnrichmentSpec) PipelineOption {
	return func(p *EmbeddingPipeline) { p.enrichment[label] = spec }
}

// WithPreprocessors replaces the default preprocessor chain.
func WithPreprocessors(ps ...TextPreprocessor) PipelineOption {
	return func(p *EmbeddingPipeline) { p.preprocessors = ps }
}

func NewEmbeddingPipeline(graph GraphStore, reg *registry.Registry, provider EmbeddingProvider, sm *StateMachine, cfg EmbeddingConfig, workers int, runLog LogSink, logger *slog.Logger, opts ...PipelineOption) *EmbeddingPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if runLog == nil {
		runLog = NopSink{}
	}
	if workers <= 0 {
		workers = 1
	}
	p := &EmbeddingPipeline{
		graph:         graph,
		reg:           reg,
		provider:      provider,
		sm:            sm,
		cfg:           cfg,
		workers:       workers,
		logger:        logger,
		runLog:        runLog,
		preprocessors:   []TextPreprocessor{DedentPreprocessor, TrimPreprocessor},
		enrichment:      make(map[string]EnrichmentSpec),
		maxInputChars:   2000,
		providerTimeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// MarkStaleProviders flags every node whose stored embedding provider or
// model differs from the current configuration: the vectors are stale, so
// the node goes back to linked+dirty and the next pass replaces them.
// Returns how many nodes were flagged.
func (p *EmbeddingPipeline) MarkStaleProviders(ctx context.Context) (int, error) {
	nodes, err := p.graph.NodesByState(ctx, StateQuery{})
	if err != nil {
		return 0, err
	}

	dirty := true
	var updates []StateUpdate
	for _, n := range nodes {
		if n.EmbeddingProvider == "" && n.EmbeddingModel == "" {
			continue
		}
		if n.EmbeddingProvider == p.cfg.Provider && n.EmbeddingModel == p.cfg.Model {
			continue
		}
		f := n.State
		f.State = StateLinked
		updates = append(updates, StateUpdate{
			Label: n.Label, UUID: n.UUID,
			Fields:   f,
			SetDirty: &dirty,
		})
	}
	if len(updates) == 0 {
		return 0, nil
	}
	if err := p.graph.UpdateStates(ctx, updates); err != nil {
		return 0, err
	}
	p.logger.Info("embed.stale_providers", "flagged", len(updates), "provider", p.cfg.Provider, "model", p.cfg.Model)
	return len(updates), nil
}

// Run drives every dirty node to ready (or error). Individual failures
// never abort the pass.
func (p *EmbeddingPipeline) Run(ctx context.Context) (*EmbedStats, error) {
	stats := &EmbedStats{}

	var dirty []*Node
	for _, state := range []string{StateParsed, StateLinked} {
		nodes, err := p.graph.NodesByState(ctx, StateQuery{State: state, DirtyOnly: true})
		if err != nil {
			return stats, fmt.Errorf("select dirty nodes: %w", err)
		}
		dirty = append(dirty, nodes...)
	}
	stats.Selected = len(dirty)
	if len(dirty) == 0 {
		return stats, nil
	}

	p.runLog.Log("info", "embed", fmt.Sprintf("selected %d dirty nodes", len(dirty)))

	// Partition by uuid hash: each node lands on exactly one worker, so
	// no two workers ever embed the same node.
	partitions := make([][]*Node, p.workers)
	for _, n := range dirty {
		h := fnv.New32a()
		h.Write([]byte(n.UUID))
		w := int(h.Sum32()) % p.workers
		if w < 0 {
			w += p.workers
		}
		partitions[w] = append(partitions[w], n)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < p.workers; w++ {
		if len(partitions[w]) == 0 {
			continue
		}
		wg.Add(1)
		go func(nodes []*Node) {
			defer wg.Done()
			for start := 0; start < len(nodes); start += p.cfg.BatchSize {
				end := start + p.cfg.BatchSize
				if end > len(nodes) {
					end = len(nodes)
				}
				for _, n := range nodes[start:end] {
					select {
					case <-ctx.Done():
						return
					default:
					}

					generated, err := p.embedNode(ctx, n)
					mu.Lock()
					switch {
					case err != nil:
						stats.Errors++
					case generated:
						stats.Generated++
					default:
						stats.Skipped++
					}
					mu.Unlock()

					if p.cfg.Throttle > 0 {
						select {
						case <-ctx.Done():
							return
						case <-time.After(p.cfg.Throttle):
						}
					}
				}
			}
		}(partitions[w])
	}
	wg.Wait()

	if ctx.Err() != nil {
		return stats, ctx.Err()
	}

	recordEmbedRun(stats)
	p.runLog.Log("info", "embed", fmt.Sprintf("generated=%d skipped=%d errors=%d", stats.Generated, stats.Skipped, stats.Errors))
	return stats, nil
}

// embedNode builds and writes the up-to-three embeddings for one node.
// Returns whether any provider call actually happened.
func (p *EmbeddingPipeline) embedNode(ctx context.Context, n *Node) (bool, error) {
	def, ok := p.reg.Get(n.Label)
	if !ok {
		return false, nil
	}

	inputs := p.buildInputs(ctx, def, n)

	vectors := make(map[string][]float32)
	hashes := make(map[string]string)
	called := false

	for field, input := range inputs {
		inputHash := embeddingInputHash(input)
		// Identical input under the same provider identity: reuse the
		// stored vector without a call.
		if n.EmbeddingHashes[field] == inputHash &&
			n.EmbeddingProvider == p.cfg.Provider &&
			n.EmbeddingModel == p.cfg.Model &&
			len(n.Embeddings[field]) > 0 {
			vectors[field] = n.Embeddings[field]
			hashes[field] = inputHash
			continue
		}

		vec, err := p.embedWithRetry(ctx, input)
		called = true
		if err != nil {
			p.failNode(ctx, n, err)
			return called, err
		}
		if p.cfg.Dimensions > 0 && len(vec) != p.cfg.Dimensions {
			err := fmt.Errorf("provider returned %d dimensions, index declares %d", len(vec), p.cfg.Dimensions)
			p.failNode(ctx, n, err)
			return called, err
		}
		vectors[field] = vec
		hashes[field] = inputHash
	}

	if len(vectors) > 0 {
		rec := EmbeddingRecord{
			Label:    n.Label,
			UUID:     n.UUID,
			Vectors:  vectors,
			Hashes:   hashes,
			Provider: p.cfg.Provider,
			Model:    p.cfg.Model,
		}
		if err := p.graph.WriteEmbeddings(ctx, []EmbeddingRecord{rec}); err != nil {
			p.failNode(ctx, n, err)
			return called, err
		}
	}

	if err := p.advanceToReady(ctx, n); err != nil {
		return called, err
	}
	return called, nil
}

// buildInputs assembles the name/content/description embedding inputs,
// applies enrichment and preprocessors, and drops empties.
func (p *EmbeddingPipeline) buildInputs(ctx context.Context, def registry.NodeTypeDefinition, n *Node) map[string]string {
	raw := map[string]string{}
	if def.EmbeddingFields.Name != nil {
		if s, ok := def.EmbeddingFields.Name(n.Props); ok && s != "" {
			raw["name"] = s
		}
	}
	if def.EmbeddingFields.Content != nil {
		if s, ok := def.EmbeddingFields.Content(n.Props); ok && s != "" {
			raw["content"] = s
		}
	}
	if def.EmbeddingFields.Description != nil {
		if s, ok := def.EmbeddingFields.Description(n.Props); ok && s != "" {
			raw["description"] = s
		}
	}

	if spec, ok := p.enrichment[n.Label]; ok && spec.MaxItems > 0 {
		if related, err := p.graph.RelatedNodes(ctx, n.UUID, spec.RelType, spec.Direction, spec.MaxItems); err == nil && len(related) > 0 {
			var names []string
			for _, r := range related {
				rdef, ok := p.reg.Get(r.Label)
				if !ok || rdef.FieldExtractors.Title == nil {
					continue
				}
				if title, ok := rdef.FieldExtractors.Title(r.Props); ok && title != "" {
					names = append(names, title)
				}
			}
			if len(names) > 0 && raw["content"] != "" {
				raw["content"] += "\n\nrelated: " + strings.Join(names, ", ")
			}
		}
	}

	for field, input := range raw {
		for _, pre := range p.preprocessors {
			input = pre(input)
		}
		if len(input) > p.maxInputChars {
			input = input[:p.maxInputChars]
		}
		if input == "" {
			delete(raw, field)
			continue
		}
		raw[field] = input
	}
	return raw
}

// embedWithRetry submits one input with exponential backoff on rate-limit
// and transient errors: retryDelay * 2^attempt, full jitter, up to
// maxRetries attempts.
func (p *EmbeddingPipeline) embedWithRetry(ctx context.Context, input string) ([]float32, error) {
	var vec []float32
	var err error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, p.providerTimeout)
		vec, err = p.provider.Embed(callCtx, input)
		cancel()
		if err == nil {
			return vec, nil
		}
		if !isRetryableEmbeddingError(err) || attempt == p.cfg.MaxRetries-1 {
			break
		}
		sleep := computeBackoffWithJitter(p.cfg.RetryDelay, attempt, 2.0, 30*time.Second)
		recordEmbedRetry()
		p.logger.Warn("embed.retry", "attempt", attempt+1, "sleep_ms", sleep.Milliseconds(), "err", err)
		p.runLog.Log("warn", "embed", fmt.Sprintf("retry %d after %v: %v", attempt+1, sleep, err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return nil, err
}

// failNode records an embed error on the node; the pipeline itself keeps
// going.
func (p *EmbeddingPipeline) failNode(ctx context.Context, n *Node, cause error) {
	p.runLog.Log("error", "embed", fmt.Sprintf("node %s: %v", n.UUID, cause))
	err := p.sm.Transition(ctx, n.UUID, n.Label, StateError, TransitionOptions{
		Force:        true,
		ErrorType:    ErrorEmbed,
		ErrorMessage: cause.Error(),
	})
	if err != nil {
		p.logger.Warn("embed.fail_transition", "uuid", n.UUID, "err", err)
	}
}

// advanceToReady walks the node through the remaining legal states. A node
// still in parsed passes through linking/linked first so per-node state
// sequences stay monotonic.
func (p *EmbeddingPipeline) advanceToReady(ctx context.Context, n *Node) error {
	steps := []string{StateEmbedding, StateReady}
	if n.State.State == StateParsed {
		steps = append([]string{StateLinking, StateLinked}, steps...)
	}
	for _, s := range steps {
		if err := p.sm.Transition(ctx, n.UUID, n.Label, s, TransitionOptions{}); err != nil {
			return err
		}
	}
	return nil
}

// embeddingInputHash captures embedding text identity for skip detection.
func embeddingInputHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
