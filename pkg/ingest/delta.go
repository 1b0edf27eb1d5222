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
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"log/slog"
)

// GitDelta represents the file changes between two commits. Renames are
// carried explicitly and expand to a delete of the old path plus an add of
// the new one when converted to events.
type GitDelta struct {
	BaseSHA  string
	HeadSHA  string
	Added    []string
	Modified []string
	Deleted  []string
	Renamed  map[string]string // old path -> new path
}

// Events converts the delta into queue events, applying include/exclude
// globs. Order is adds, modifies, deletes, renames; the change queue's
// per-path dedup handles any overlap.
func (d *GitDelta) Events(include func(string) bool) []ChangeEvent {
	var out []ChangeEvent
	for _, p := range d.Added {
		if include(p) {
			out = append(out, ChangeEvent{Path: p, Kind: ChangeAdded})
		}
	}
	for _, p := range d.Modified {
		if include(p) {
			out = append(out, ChangeEvent{Path: p, Kind: ChangeModified})
		}
	}
	for _, p := range d.Deleted {
		if include(p) {
			out = append(out, ChangeEvent{Path: p, Kind: ChangeDeleted})
		}
	}
	for oldPath, newPath := range d.Renamed {
		// A rename whose new location is excluded still needs the old
		// indexed state cleaned up.
		if include(oldPath) {
			out = append(out, ChangeEvent{Path: oldPath, Kind: ChangeDeleted})
		}
		if include(newPath) {
			out = append(out, ChangeEvent{Path: newPath, Kind: ChangeAdded})
		}
	}
	return out
}

// HasChanges reports whether the delta carries anything at all.
func (d *GitDelta) HasChanges() bool {
	return len(d.Added)+len(d.Modified)+len(d.Deleted)+len(d.Renamed) > 0
}

// GitDeltaDetector detects changed files between two commits using
// `git diff --name-status -M`. It backs the git-delta change source, an
// alternative to the filesystem watcher for repositories indexed on a
// commit cadence.
type GitDeltaDetector struct {
	repoPath string
	logger   *slog.Logger
}

func NewGitDeltaDetector(repoPath string, logger *slog.Logger) *GitDeltaDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &GitDeltaDetector{repoPath: repoPath, logger: logger}
}

// gitEmptyTree is git's well-known empty tree object, used as the base for
// an initial ingestion where every file is "added".
const gitEmptyTree = "4b825dc642cb6eb9a060e54bf8d69288fbee4904"

// DetectDelta computes the delta between two refs. An empty baseSHA
// compares against the empty tree; an empty headSHA means HEAD.
func (dd *GitDeltaDetector) DetectDelta(ctx context.Context, baseSHA, headSHA string) (*GitDelta, error) {
	if headSHA == "" {
		headSHA = "HEAD"
	}
	resolvedHead, err := dd.resolveRef(ctx, headSHA)
	if err != nil {
		return nil, fmt.Errorf("resolve head SHA: %w", err)
	}

	resolvedBase := baseSHA
	if resolvedBase == "" {
		resolvedBase = gitEmptyTree
	} else {
		resolvedBase, err = dd.resolveRef(ctx, baseSHA)
		if err != nil {
			return nil, fmt.Errorf("resolve base SHA: %w", err)
		}
	}

	delta := &GitDelta{
		BaseSHA: resolvedBase,
		HeadSHA: resolvedHead,
		Renamed: make(map[string]string),
	}

	cmd := exec.CommandContext(ctx, "git", "diff", "--name-status", "-M", resolvedBase, resolvedHead)
	cmd.Dir = dd.repoPath

	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("git diff failed: %s", string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("git diff: %w", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		status, paths := parseGitDiffLine(line)
		if status == "" {
			continue
		}
		switch status[0] {
		case 'A':
			delta.Added = append(delta.Added, paths[0])
		case 'M':
			delta.Modified = append(delta.Modified, paths[0])
		case 'D':
			delta.Deleted = append(delta.Deleted, paths[0])
		case 'R':
			if len(paths) >= 2 {
				delta.Renamed[paths[0]] = paths[1]
			}
		case 'C':
			// Copies read as adds of the new path.
			if len(paths) >= 2 {
				delta.Added = append(delta.Added, paths[1])
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("parse git diff: %w", err)
	}

	sort.Strings(delta.Added)
	sort.Strings(delta.Modified)
	sort.Strings(delta.Deleted)

	dd.logger.Info("delta.detect.complete",
		"base_sha", shortSHA(resolvedBase),
		"head_sha", shortSHA(resolvedHead),
		"added", len(delta.Added),
		"modified", len(delta.Modified),
		"deleted", len(delta.Deleted),
		"renamed", len(delta.Renamed),
	)
	return delta, nil
}

// GetHeadSHA returns the current HEAD SHA.
func (dd *GitDeltaDetector) GetHeadSHA(ctx context.Context) (string, error) {
	return dd.resolveRef(ctx, "HEAD")
}

// IsGitRepository checks whether repoPath is inside a git repository.
func (dd *GitDeltaDetector) IsGitRepository(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--git-dir")
	cmd.Dir = dd.repoPath
	return cmd.Run() == nil
}

// resolveRef resolves a branch, tag, or HEAD to a commit SHA.
func (dd *GitDeltaDetector) resolveRef(ctx context.Context, ref string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", ref)
	cmd.Dir = dd.repoPath

	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git rev-parse %s failed: %s", ref, string(exitErr.Stderr))
		}
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// parseGitDiffLine parses one line of `git diff --name-status` output.
// Returns status (A/M/D/R###/C###) and the path(s).
func parseGitDiffLine(line string) (status string, paths []string) {
	parts := strings.Split(line, "\t")
	if len(parts) < 2 {
		return "", nil
	}
	status = parts[0]
	paths = parts[1:]
	for i, p := range paths {
		paths[i] = unquoteGitPath(p)
	}
	return status, paths
}

// unquoteGitPath removes quoting git applies to paths with special chars.
func unquoteGitPath(path string) string {
	if len(path) >= 2 && path[0] == '"' && path[len(path)-1] == '"' {
		unquoted := path[1 : len(path)-1]
		unquoted = strings.ReplaceAll(unquoted, "\\n", "\n")
		unquoted = strings.ReplaceAll(unquoted, "\\t", "\t")
		unquoted = strings.ReplaceAll(unquoted, "\\\\", "\\")
		unquoted = strings.ReplaceAll(unquoted, "\\\"", "\"")
		return unquoted
	}
	return path
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

// GitChangeSource is a one-shot ChangeSource that diffs the repository
// against the last indexed commit and pushes the result as a single batch.
type GitChangeSource struct {
	detector *GitDeltaDetector
	cfg      SourceConfig
	baseSHA  string
	logger   *slog.Logger
}

func NewGitChangeSource(repoPath, baseSHA string, cfg SourceConfig, logger *slog.Logger) *GitChangeSource {
	return &GitChangeSource{
		detector: NewGitDeltaDetector(repoPath, logger),
		cfg:      cfg,
		baseSHA:  baseSHA,
		logger:   logger,
	}
}

// Run implements ChangeSource.
func (g *GitChangeSource) Run(ctx context.Context, q *ChangeQueue) error {
	delta, err := g.detector.DetectDelta(ctx, g.baseSHA, "")
	if err != nil {
		return err
	}

	include := func(p string) bool {
		for _, pattern := range g.cfg.Exclude {
			if matchesGlob(p, pattern) {
				return false
			}
		}
		if len(g.cfg.Include) == 0 {
			return true
		}
		for _, pattern := range g.cfg.Include {
			if matchesGlob(p, pattern) {
				return true
			}
		}
		return false
	}

	for _, ev := range delta.Events(include) {
		q.Push(ev)
	}
	q.Flush()
	return nil
}
