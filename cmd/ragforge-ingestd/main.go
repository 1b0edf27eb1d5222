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

// Package main implements the ingestion daemon CLI: initialize a project
// graph, run one ingestion pass, or watch a source for changes.
//
// Usage:
//
//	ragforge-ingestd init --project <id>     Create the project graph
//	ragforge-ingestd ingest [--config path]  Run one ingestion pass
//	ragforge-ingestd watch [--config path]   Ingest continuously
//	ragforge-ingestd status [--json]         Show project status
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
)

// Version information (set via ldflags during build)
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GlobalFlags are shared across all subcommands.
type GlobalFlags struct {
	JSON    bool
	Quiet   bool
	NoColor bool
}

func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version and exit")
		configPath  = flag.String("config", "ragforge.yaml", "Path to the ingestion config file")
		jsonOut     = flag.Bool("json", false, "Machine-readable JSON output")
		quiet       = flag.BoolP("quiet", "q", false, "Suppress progress output")
		noColor     = flag.Bool("no-color", false, "Disable colored output")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `RagForge ingestd - configuration-driven retrieval graph ingester

Usage:
  ragforge-ingestd <command> [options]

Commands:
  init     Create the project graph and relations
  ingest   Run one ingestion pass over the configured source
  watch    Ingest continuously, following file changes
  status   Show project status

Global Options:
  --config    Path to the ingestion config file (default: ragforge.yaml)
  --json      Machine-readable JSON output
  --quiet     Suppress progress output
  --version   Show version and exit

Data Storage:
  Graph data is stored locally in ~/.ragforge/data/<project_id>/

Environment Variables:
  OLLAMA_BASE_URL   Ollama URL (default: http://localhost:11434)
  OPENAI_API_KEY    Required for the openai embedding provider
  NOMIC_API_KEY     Required for the nomic embedding provider

`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("ragforge-ingestd version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		os.Exit(0)
	}

	globals := GlobalFlags{JSON: *jsonOut, Quiet: *quiet || *jsonOut, NoColor: *noColor}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	switch args[0] {
	case "init":
		runInit(args[1:], *configPath, globals)
	case "ingest":
		runIngest(args[1:], *configPath, globals, false)
	case "watch":
		runIngest(args[1:], *configPath, globals, true)
	case "status":
		runStatus(args[1:], *configPath, globals)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		flag.Usage()
		os.Exit(1)
	}
}
