// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"log/slog"

	"github.com/ragforge/ingest/pkg/parse"
	"github.com/ragforge/ingest/pkg/registry"
)

// BatchResult summarizes one processed batch.
type BatchResult struct {
	FilesSeen   int
	ParseErrors int
	Merge       MergeStats
	Restore     RestoreResult
	Link        LinkStats
	Embed       EmbedStats
}

// Orchestrator is the top-level loop: it consumes change batches, runs the
// parsers, runs the merger under metadata-preserver protection, links,
// transitions states, and fans out to the embedding pipeline.
type Orchestrator struct {
	cfg    *Config
	reg    *registry.Registry
	graph  GraphStore
	logger *slog.Logger
	runLog LogSink

	dispatcher *parse.Dispatcher
	extractor  *ContentExtractor
	preserver  *MetadataPreserver
	merger     *GraphMerger
	linker     *ReferenceLinker
	sm         *StateMachine
	embedder   *EmbeddingPipeline
	queue      *ChangeQueue
	scanner    *SourceScanner
	checkpoint *CheckpointManager

	runID string
}

// NewOrchestrator wires the full pipeline. The registry, graph store, and
// provider are explicit dependencies constructed by the caller and never
// mutated after this point.
func NewOrchestrator(cfg *Config, reg *registry.Registry, graph GraphStore, provider EmbeddingProvider, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.ApplyDefaults()

	runID := generateRunID(cfg.ProjectID, time.Now())

	var runLog LogSink = NopSink{}
	if cfg.LogDir != "" {
		sink, err := NewFileSink(cfg.LogDir, runID)
		if err != nil {
			return nil, err
		}
		runLog = sink
	}

	sm := NewStateMachine(graph, cfg.MaxBatchRetries, logger)

	o := &Orchestrator{
		cfg:        cfg,
		reg:        reg,
		graph:      graph,
		logger:     logger,
		runLog:     runLog,
		dispatcher: parse.NewDispatcher(reg, parse.DispatcherOptions{}, logger),
		extractor:  NewContentExtractor(reg),
		preserver:  NewMetadataPreserver(graph, reg, cfg.Embedding, logger),
		merger:     NewGraphMerger(graph, reg, cfg.Source.TrackChanges, logger),
		linker:     NewReferenceLinker(graph, reg, logger),
		sm:         sm,
		queue: NewChangeQueue(
			time.Duration(cfg.Watch.BatchIntervalMS)*time.Millisecond,
			cfg.Watch.HighWater, cfg.Watch.LowWater, logger),
		scanner:    NewSourceScanner(cfg.Source, cfg.MaxFileSizeBytes, logger),
		checkpoint: NewCheckpointManager(cfg.CheckpointPath),
		runID:      runID,
	}
	o.embedder = NewEmbeddingPipeline(graph, reg, provider, sm, cfg.Embedding, cfg.Concurrency.EmbedWorkers, runLog, logger,
		WithEnrichment("CodeScope", EnrichmentSpec{RelType: registry.RelConsumes, Direction: "out", MaxItems: 5}))
	o.embedder.providerTimeout = cfg.Timeouts.Provider
	return o, nil
}

// Queue exposes the change queue for external change sources.
func (o *Orchestrator) Queue() *ChangeQueue { return o.queue }

// RunID identifies this orchestrator run in logs and checkpoints.
func (o *Orchestrator) RunID() string { return o.runID }

// generateRunID derives a deterministic run id for log correlation.
func generateRunID(projectID string, startTime time.Time) string {
	baseID := fmt.Sprintf("run-%s-%d", projectID, startTime.Truncate(time.Second).Unix())
	hash := sha256.Sum256([]byte(baseID))
	return hex.EncodeToString(hash[:16])
}

// Run executes the orchestrator until the context is canceled (watch mode)
// or the initial ingestion completes (one-shot mode).
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator.start", "project_id", o.cfg.ProjectID, "run_id", o.runID)

	if err := o.recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	// Seed the queue with a full scan on first run (or after a cleared
	// checkpoint).
	cp, err := o.checkpoint.LoadCheckpoint(o.cfg.ProjectID)
	if err != nil {
		return err
	}
	if cp == nil {
		cp = &Checkpoint{
			ProjectID:  o.cfg.ProjectID,
			FileHashes: make(map[string]string),
			StartTime:  time.Now().Format(time.RFC3339),
		}
		if err := o.seedInitialScan(ctx); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()

	if o.cfg.Watch.Enabled && o.cfg.Source.Type == "files" {
		watcher := NewFileWatcher(o.cfg.Source, o.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := watcher.Run(watchCtx, o.queue); err != nil && watchCtx.Err() == nil {
				o.logger.Error("watcher.stopped", "err", err)
			}
		}()

		if o.cfg.Watch.OrphanIntervalMS > 0 {
			orphan := NewOrphanWatcher(o.graph, o.cfg.Source,
				time.Duration(o.cfg.Watch.OrphanIntervalMS)*time.Millisecond, o.logger)
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = orphan.Run(watchCtx, o.queue)
			}()
		}
	} else {
		// One-shot: close the queue once the seeded batch drains.
		go func() {
			time.Sleep(2 * time.Duration(o.cfg.Watch.BatchIntervalMS) * time.Millisecond)
			o.queue.Close()
		}()
	}

	for {
		select {
		case <-ctx.Done():
			// Cancellation must not strand nodes in transient states.
			sweepCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_, _ = o.sm.RecoverTransientStates(sweepCtx, o.cfg.ProjectID)
			cancel()
			cancelWatch()
			wg.Wait()
			return ctx.Err()

		case batch, ok := <-o.queue.Batches():
			if !ok {
				cancelWatch()
				wg.Wait()
				o.logger.Info("orchestrator.drained", "run_id", o.runID)
				return nil
			}

			cp.InFlight = true
			cp.LastRunID = o.runID
			cp.LastUpdateTime = time.Now().Format(time.RFC3339)
			_ = o.checkpoint.SaveCheckpoint(cp)

			res, err := o.processWithRetry(ctx, batch)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				o.logger.Error("batch.failed", "err", err)
				continue
			}

			cp.InFlight = false
			cp.BatchesDone++
			cp.FilesProcessed += res.FilesSeen
			cp.LastUpdateTime = time.Now().Format(time.RFC3339)
			_ = o.checkpoint.SaveCheckpoint(cp)
		}
	}
}

// recover is the startup pass: assign missing states, and rewrite nodes
// stranded in parsing/linking/embedding by a crash back to pending.
func (o *Orchestrator) recover(ctx context.Context) error {
	initialized, err := o.sm.InitializeStates(ctx, o.cfg.ProjectID)
	if err != nil {
		return err
	}
	recovered, err := o.sm.RecoverTransientStates(ctx, o.cfg.ProjectID)
	if err != nil {
		return err
	}
	// A changed provider identity invalidates every stored vector.
	stale, err := o.embedder.MarkStaleProviders(ctx)
	if err != nil {
		return err
	}
	if initialized > 0 || recovered > 0 || stale > 0 {
		o.logger.Info("orchestrator.recovered", "initialized", initialized, "transient", recovered, "stale_embeddings", stale)
	}
	return nil
}

// seedInitialScan pushes every current source file as an added event.
func (o *Orchestrator) seedInitialScan(ctx context.Context) error {
	switch o.cfg.Source.Type {
	case "web":
		for _, url := range o.cfg.Source.URLs {
			o.queue.Push(ChangeEvent{Path: url, Kind: ChangeAdded})
		}
	default:
		scan, err := o.scanner.Scan()
		if err != nil {
			return err
		}
		for _, f := range scan.Files {
			o.queue.Push(ChangeEvent{Path: f.Path, Kind: ChangeAdded})
		}
	}
	o.queue.Flush()
	return ctx.Err()
}

// processWithRetry retries a whole batch after store failures, up to the
// configured cap. Parse, link, and embed errors are per-node and never
// trigger a batch retry.
func (o *Orchestrator) processWithRetry(ctx context.Context, batch ChangeBatch) (*BatchResult, error) {
	var res *BatchResult
	var err error
	for attempt := 0; attempt < o.cfg.MaxBatchRetries; attempt++ {
		res, err = o.ProcessBatch(ctx, batch)
		if err == nil || ctx.Err() != nil {
			return res, err
		}
		o.logger.Warn("batch.retry", "attempt", attempt+1, "err", err)
	}
	return res, err
}

// ProcessBatch runs one batch through the full pipeline:
// capture -> parse -> merge -> restore -> link -> transition -> embed.
func (o *Orchestrator) ProcessBatch(ctx context.Context, batch ChangeBatch) (*BatchResult, error) {
	started := time.Now()
	res := &BatchResult{FilesSeen: len(batch.Events)}

	parseTargets, deleteTargets := batch.Partition()
	o.runLog.Log("info", "orchestrator",
		fmt.Sprintf("batch: %d parse targets, %d delete targets", len(parseTargets), len(deleteTargets)))

	allPaths := make([]string, 0, len(parseTargets)+len(deleteTargets))
	for _, p := range append(append([]string{}, parseTargets...), deleteTargets...) {
		allPaths = append(allPaths, registry.NormalizePath(p))
	}

	captured, err := o.preserver.CaptureForFiles(ctx, allPaths)
	if err != nil {
		return res, err
	}

	parseStart := time.Now()
	extracted, failed := o.parseFiles(ctx, parseTargets, captured)
	parseDur := time.Since(parseStart)
	res.ParseErrors = len(failed)

	mergeStart := time.Now()
	writeCtx, cancelWrite := context.WithTimeout(ctx, o.cfg.Timeouts.Write)
	merged, err := o.merger.Merge(writeCtx, extracted, allPaths)
	cancelWrite()
	if err != nil {
		return res, err
	}
	res.Merge = merged.Stats
	recordMerge(merged.Stats)
	mergeDur := time.Since(mergeStart)

	restored, err := o.preserver.RestoreMetadata(ctx, captured)
	if err != nil {
		return res, err
	}
	res.Restore = *restored
	recordRestore(restored)

	// Record parse errors on the File nodes that survived the merge.
	if len(failed) > 0 {
		var reqs []TransitionRequest
		for uuid, msg := range failed {
			reqs = append(reqs, TransitionRequest{
				UUID: uuid, Label: "File", NewState: StateError,
				Options: TransitionOptions{Force: true, ErrorType: ErrorParse, ErrorMessage: msg},
			})
		}
		if err := o.sm.TransitionBatch(ctx, reqs); err != nil {
			o.logger.Warn("batch.parse_error_transition", "err", err)
		}
	}

	// Advance the freshly merged nodes to linked before the linker runs.
	if err := o.advance(ctx, merged.UpsertedNodes); err != nil {
		return res, err
	}

	linkStart := time.Now()
	if err := o.linker.BuildIndex(ctx, o.reg.Labels()); err != nil {
		return res, err
	}
	linkStats, err := o.linker.Resolve(ctx, merged.Unresolved, o.sm)
	if err != nil {
		return res, err
	}
	res.Link = *linkStats
	linkDur := time.Since(linkStart)

	embedStart := time.Now()
	if o.embedder != nil && (o.cfg.Watch.AutoEmbed || !o.cfg.Watch.Enabled) {
		embedStats, err := o.embedder.Run(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return res, err
			}
			o.logger.Warn("batch.embed_failed", "err", err)
		}
		if embedStats != nil {
			res.Embed = *embedStats
		}
	}
	embedDur := time.Since(embedStart)

	recordBatch(res.FilesSeen, res.ParseErrors, res.Link.Errors,
		parseDur, mergeDur, linkDur, embedDur, time.Since(started))

	o.logger.Info("batch.complete",
		"run_id", o.runID,
		"files", res.FilesSeen,
		"upserted", res.Merge.NodesUpserted,
		"deleted", res.Merge.NodesDeleted,
		"restored", res.Restore.EmbeddingsRestored,
		"linked", res.Link.Resolved,
		"embedded", res.Embed.Generated,
		"parse_errors", res.ParseErrors,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return res, nil
}

// parseFiles runs the parse + content-extract phase with a worker pool.
// Returns the extraction results and a map of File-node uuid -> error
// message for files whose parser failed.
func (o *Orchestrator) parseFiles(ctx context.Context, paths []string, captured *CapturedMetadata) ([]*ExtractResult, map[string]string) {
	results := make([]*ExtractResult, 0, len(paths))
	failed := make(map[string]string)
	if len(paths) == 0 {
		return results, failed
	}

	workers := o.cfg.Concurrency.ParseWorkers
	if len(paths) < workers {
		workers = len(paths)
	}

	type parsed struct {
		res  *ExtractResult
		uuid string
		msg  string
	}
	jobs := make(chan string, len(paths))
	out := make(chan parsed, len(paths))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				select {
				case <-ctx.Done():
					return
				default:
				}
				res, fileUUID, err := o.parseOne(ctx, path, captured)
				if err != nil {
					out <- parsed{res: o.fileOnlyResult(path), uuid: fileUUID, msg: err.Error()}
					continue
				}
				out <- parsed{res: res}
			}
		}()
	}
	for _, p := range paths {
		jobs <- p
	}
	close(jobs)
	go func() {
		wg.Wait()
		close(out)
	}()

	for p := range out {
		if p.msg != "" {
			failed[p.uuid] = p.msg
			o.logger.Warn("parse.file_failed", "err", p.msg)
		}
		if p.res != nil {
			results = append(results, p.res)
		}
	}
	return results, failed
}

// parseOne parses a single file or URL end to end. The returned uuid is
// the File node's, used for error attribution on failure.
func (o *Orchestrator) parseOne(ctx context.Context, path string, captured *CapturedMetadata) (*ExtractResult, string, error) {
	fileUUID := o.fileNodeUUID(path)

	in := parse.Input{
		Path:       path,
		SourceType: o.cfg.Source.Type,
		ProjectID:  o.cfg.ProjectID,
	}
	if o.cfg.Source.Type != "web" {
		content, err := os.ReadFile(filepath.Join(o.cfg.Source.Root, filepath.FromSlash(path)))
		if err != nil {
			return nil, fileUUID, fmt.Errorf("read %s: %w", path, err)
		}
		in.Content = content
	}

	parser := o.dispatcher.ForInput(in)
	if parser == nil {
		return nil, fileUUID, fmt.Errorf("no parser for %s", path)
	}

	parseCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeouts.Parse)
	defer cancel()

	output, err := parser.Parse(parseCtx, in)
	if err != nil {
		return nil, fileUUID, err
	}
	if output.Empty() {
		return nil, fileUUID, fmt.Errorf("parser produced no output for %s", path)
	}

	extracted, err := o.extractor.Extract(output)
	if err != nil {
		return nil, fileUUID, err
	}

	o.reuseCapturedUUIDs(extracted, captured)
	return extracted, "", nil
}

// fileNodeUUID derives the File node uuid for a path via the registry's
// deterministic strategy.
func (o *Orchestrator) fileNodeUUID(path string) string {
	def, _ := o.reg.Get("File")
	return def.NodeUUID(map[string]any{"path": registry.NormalizePath(path)})
}

// fileOnlyResult builds the minimal File node for a file whose parser
// failed, so the error has somewhere to live.
func (o *Orchestrator) fileOnlyResult(path string) *ExtractResult {
	def, _ := o.reg.Get("File")
	props := map[string]any{
		"path":     registry.NormalizePath(path),
		"language": "",
		"size":     0,
	}
	n := &Node{
		UUID:  def.NodeUUID(props),
		Label: "File",
		Props: props,
	}
	n.ContentHash = ContentHash(def, props, "")
	return &ExtractResult{Nodes: []*Node{n}}
}

// reuseCapturedUUIDs rewrites random-strategy node uuids to the captured
// uuid of the same (file, name) symbol, keeping identity stable across
// re-parses. Relationship endpoints are rewritten to match.
func (o *Orchestrator) reuseCapturedUUIDs(res *ExtractResult, captured *CapturedMetadata) {
	if captured == nil || captured.Size() == 0 {
		return
	}

	rewrites := make(map[string]string)
	for _, n := range res.Nodes {
		def, ok := o.reg.Get(n.Label)
		if !ok || def.UUIDStrategy.Kind != registry.UUIDRandom {
			continue
		}
		file, _ := n.Props[def.FileFieldName].(string)
		name, _ := n.Props["name"].(string)
		if name == "" {
			name, _ = n.Props["heading"].(string)
		}
		if file == "" || name == "" {
			continue
		}
		if prev, ok := captured.UUIDForSymbol(file, name); ok && prev != n.UUID {
			rewrites[n.UUID] = prev
			n.UUID = prev
		}
	}
	if len(rewrites) == 0 {
		return
	}
	for i := range res.Relationships {
		if to, ok := rewrites[res.Relationships[i].SourceUUID]; ok {
			res.Relationships[i].SourceUUID = to
		}
		if to, ok := rewrites[res.Relationships[i].TargetUUID]; ok {
			res.Relationships[i].TargetUUID = to
		}
	}
	for i := range res.Unresolved {
		if to, ok := rewrites[res.Unresolved[i].SourceUUID]; ok {
			res.Unresolved[i].SourceUUID = to
		}
	}
}

// advance walks every pending node from the merge through
// parsing -> parsed -> linking -> linked.
func (o *Orchestrator) advance(ctx context.Context, upserted map[string]string) error {
	if len(upserted) == 0 {
		return nil
	}

	steps := []struct{ from, to string }{
		{StatePending, StateParsing},
		{StateParsing, StateParsed},
		{StateParsed, StateLinking},
		{StateLinking, StateLinked},
	}
	for _, step := range steps {
		var reqs []TransitionRequest
		for uuid, label := range upserted {
			reqs = append(reqs, TransitionRequest{
				UUID: uuid, Label: label, NewState: step.to,
				Options: TransitionOptions{IfState: step.from},
			})
		}
		if err := o.sm.TransitionBatch(ctx, reqs); err != nil {
			return err
		}
	}
	return nil
}
