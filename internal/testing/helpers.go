// Copyright 2026 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-only

package testing

import (
	"context"
	"testing"

	"log/slog"

	"github.com/ragforge/ingest/pkg/ingest"
	"github.com/ragforge/ingest/pkg/registry"
	"github.com/ragforge/ingest/pkg/store"
)

// SetupTestBackend creates an in-memory graph backend for integration
// tests. The backend is automatically cleaned up when the test finishes.
//
// This helper:
//   - Creates a temporary directory
//   - Initializes an in-memory CozoDB backend
//   - Creates one relation per built-in node label
//   - Registers cleanup to close the backend
//
// Example:
//
//	func TestMyFeature(t *testing.T) {
//	    backend, graph, reg := testing.SetupTestBackend(t)
//	    _ = backend
//	    testing.InsertTestScope(t, graph, reg, "auth.go", "HandleAuth", 10, 25)
//	    // Run your tests...
//	}
func SetupTestBackend(t *testing.T) (*store.CozoBackend, *ingest.CozoGraph, *registry.Registry) {
	t.Helper()

	backend, err := store.NewCozoBackend(store.CozoConfig{
		Engine:  "mem",
		DataDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("failed to create test backend: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	reg := registry.NewWithBuiltins()
	graph := ingest.NewCozoGraph(backend, reg, slog.Default())

	ctx := context.Background()
	for _, label := range reg.Labels() {
		if err := reg.EnsureConstraints(ctx, graph, label); err != nil {
			t.Fatalf("failed to ensure label %s: %v", label, err)
		}
	}

	return backend, graph, reg
}

// InsertTestScope merges one CodeScope node with its owning File node.
// Convenience helper for seeding test data.
func InsertTestScope(t *testing.T, graph *ingest.CozoGraph, reg *registry.Registry, file, name string, startLine, endLine int) (fileUUID, scopeUUID string) {
	t.Helper()

	fileDef, _ := reg.Get("File")
	fileProps := map[string]any{"path": file, "language": "go", "size": 0}
	fileNode := &ingest.Node{
		UUID:  fileDef.NodeUUID(fileProps),
		Label: "File",
		Props: fileProps,
	}
	fileNode.ContentHash = ingest.ContentHash(fileDef, fileProps, "")

	scopeDef, _ := reg.Get("CodeScope")
	scopeProps := map[string]any{
		"name": name, "file": file,
		"startLine": startLine, "endLine": endLine,
		"startCol": 1, "endCol": 1, "kind": "function",
	}
	scopeNode := &ingest.Node{
		UUID:  scopeDef.NodeUUID(scopeProps),
		Label: "CodeScope",
		Props: scopeProps,
	}
	scopeNode.ContentHash = ingest.ContentHash(scopeDef, scopeProps, name)

	plan := &ingest.MergePlan{
		Upserts: []*ingest.Node{fileNode, scopeNode},
		Relationships: []ingest.Relationship{{
			SourceUUID: scopeNode.UUID,
			Type:       registry.RelDefinedIn,
			TargetUUID: fileNode.UUID,
		}},
	}
	if err := graph.ApplyMerge(context.Background(), plan); err != nil {
		t.Fatalf("failed to insert test scope: %v", err)
	}
	return fileNode.UUID, scopeNode.UUID
}

// CountNodes returns how many nodes of a label exist.
func CountNodes(t *testing.T, graph *ingest.CozoGraph, label string) int {
	t.Helper()

	nodes, err := graph.NodesByState(context.Background(), ingest.StateQuery{Label: label})
	if err != nil {
		t.Fatalf("failed to count %s nodes: %v", label, err)
	}
	return len(nodes)
}
