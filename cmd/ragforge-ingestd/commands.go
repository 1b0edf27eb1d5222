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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/ragforge/ingest/internal/bootstrap"
	"github.com/ragforge/ingest/internal/errors"
	"github.com/ragforge/ingest/internal/output"
	"github.com/ragforge/ingest/internal/ui"
	"github.com/ragforge/ingest/pkg/ingest"
	"github.com/ragforge/ingest/pkg/registry"
	"github.com/ragforge/ingest/pkg/store"
)

// runInit creates the project graph and its relations.
func runInit(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier (defaults to config project_id)")
	engine := fs.String("engine", "rocksdb", "Storage engine: mem, sqlite, rocksdb")
	dims := fs.Int("dimensions", 768, "Embedding vector dimensions")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	ui.InitColors(globals.NoColor)

	id := *projectID
	if id == "" {
		if cfg, err := ingest.LoadConfig(configPath); err == nil {
			id = cfg.ProjectID
		}
	}
	if id == "" {
		errors.FatalError(errors.NewInputError(
			"No project identifier",
			"Neither --project nor a readable config file supplied one",
			"Pass --project <id> or create ragforge.yaml with project_id set",
		), globals.JSON)
	}

	info, err := bootstrap.InitProject(bootstrap.ProjectConfig{
		ProjectID:           id,
		Engine:              *engine,
		EmbeddingDimensions: *dims,
	}, slog.Default())
	if err != nil {
		errors.FatalError(errors.NewDatabaseError(
			"Cannot initialize the project graph",
			err.Error(),
			"Check that the data directory is writable and no other ingestd instance holds it",
			err,
		), globals.JSON)
	}

	if globals.JSON {
		_ = output.JSON(info)
		return
	}
	ui.Successf("Project %s initialized at %s", info.ProjectID, info.DataDir)
}

// runIngest runs one ingestion pass, or watches continuously.
func runIngest(args []string, configPath string, globals GlobalFlags, watch bool) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	debug := fs.Bool("debug", false, "Enable debug logging")
	embedWorkers := fs.Int("embed-workers", 0, "Override embedding worker count")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	ui.InitColors(globals.NoColor)

	cfg, err := ingest.LoadConfig(configPath)
	if err != nil {
		errors.FatalError(errors.NewConfigError(
			"Cannot load RagForge configuration",
			err.Error(),
			fmt.Sprintf("Check that %s exists and is valid YAML", configPath),
			err,
		), globals.JSON)
	}
	if *embedWorkers > 0 {
		cfg.Concurrency.EmbedWorkers = *embedWorkers
	}
	cfg.Watch.Enabled = watch

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	backend, err := store.NewCozoBackend(store.CozoConfig{
		DataDir:   cfg.DataDir,
		Engine:    cfg.Engine,
		ProjectID: cfg.ProjectID,
	})
	if err != nil {
		errors.FatalError(errors.NewDatabaseError(
			"Cannot open the RagForge graph store",
			err.Error(),
			"Run 'ragforge-ingestd init' first, or close other ingestd instances",
			err,
		), globals.JSON)
	}
	defer func() { _ = backend.Close() }()

	reg := registry.NewWithBuiltins()
	graph := ingest.NewCozoGraph(backend, reg, logger)

	provider, err := ingest.CreateEmbeddingProvider(cfg.Embedding, logger)
	if err != nil {
		errors.FatalError(errors.NewConfigError(
			"Cannot create the embedding provider",
			err.Error(),
			"Check embedding.provider in the config and the provider's environment variables",
			err,
		), globals.JSON)
	}

	orch, err := ingest.NewOrchestrator(cfg, reg, graph, provider, logger)
	if err != nil {
		errors.FatalError(errors.NewInternalError(
			"Cannot construct the ingestion pipeline",
			err.Error(),
			"This is a bug. Please report it at github.com/ragforge/ingest/issues",
			err,
		), globals.JSON)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !globals.Quiet {
		mode := "one-shot"
		if watch {
			mode = "watch"
		}
		ui.Header(fmt.Sprintf("Ingesting %s (%s)", cfg.ProjectID, mode))
	}

	progress := newScanProgress(globals, cfg)
	progress.start()
	err = orch.Run(ctx)
	progress.finish()

	if err != nil && ctx.Err() == nil {
		errors.FatalError(errors.NewInternalError(
			"Ingestion failed",
			err.Error(),
			"Re-run with --debug for details; errored nodes can be retried on the next pass",
			err,
		), globals.JSON)
	}

	if globals.JSON {
		_ = output.JSON(map[string]any{"project_id": cfg.ProjectID, "run_id": orch.RunID()})
		return
	}
	if !globals.Quiet {
		ui.Successf("Run %s complete", orch.RunID())
	}
}

// runStatus prints the project's node counts by state.
func runStatus(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	ui.InitColors(globals.NoColor)

	cfg, err := ingest.LoadConfig(configPath)
	if err != nil {
		errors.FatalError(errors.NewConfigError(
			"Cannot load RagForge configuration",
			err.Error(),
			fmt.Sprintf("Check that %s exists and is valid YAML", configPath),
			err,
		), globals.JSON)
	}

	backend, err := bootstrap.OpenProject(bootstrap.ProjectConfig{
		ProjectID: cfg.ProjectID,
		DataDir:   cfg.DataDir,
		Engine:    cfg.Engine,
	}, slog.Default())
	if err != nil {
		errors.FatalError(errors.NewNotFoundError(
			"Project graph not found",
			err.Error(),
			"Run 'ragforge-ingestd init' to create it",
		), globals.JSON)
	}
	defer func() { _ = backend.Close() }()

	reg := registry.NewWithBuiltins()
	graph := ingest.NewCozoGraph(backend, reg, slog.Default())

	ctx := context.Background()
	counts := make(map[string]int)
	states := []string{
		ingest.StatePending, ingest.StateParsed, ingest.StateLinked,
		ingest.StateReady, ingest.StateError, ingest.StateSkip,
	}
	for _, state := range states {
		nodes, err := graph.NodesByState(ctx, ingest.StateQuery{State: state})
		if err != nil {
			errors.FatalError(errors.NewDatabaseError(
				"Cannot query the project graph",
				err.Error(),
				"Close other ingestd instances holding the store",
				err,
			), globals.JSON)
		}
		counts[state] = len(nodes)
	}

	if globals.JSON {
		_ = output.JSON(map[string]any{"project_id": cfg.ProjectID, "states": counts})
		return
	}

	ui.Header("RagForge Project Status")
	fmt.Printf("%s %s\n", ui.Label("Project:"), cfg.ProjectID)
	for _, state := range states {
		fmt.Printf("  %-10s %s\n", state, ui.CountText(counts[state]))
	}
}
