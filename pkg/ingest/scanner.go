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
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"log/slog"
)

// FileInfo is one scanned source file.
type FileInfo struct {
	Path     string // relative to the source root, forward slashes
	FullPath string
	Size     int64
}

// ScanResult summarizes one source scan.
type ScanResult struct {
	Files       []FileInfo
	SkipReasons map[string]int // reason -> count (excluded, too_large, binary, ...)
}

// SourceScanner enumerates a file source's current contents: the initial
// full ingestion walks it once, and the orphan watcher diffs against it.
type SourceScanner struct {
	cfg         SourceConfig
	maxFileSize int64
	logger      *slog.Logger
}

func NewSourceScanner(cfg SourceConfig, maxFileSize int64, logger *slog.Logger) *SourceScanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &SourceScanner{cfg: cfg, maxFileSize: maxFileSize, logger: logger}
}

// Scan walks the source root applying include/exclude globs, the size cap,
// and binary detection. Files come back sorted by path for deterministic
// processing.
func (s *SourceScanner) Scan() (*ScanResult, error) {
	res := &ScanResult{SkipReasons: make(map[string]int)}

	root, err := filepath.Abs(s.cfg.Root)
	if err != nil {
		return nil, err
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Warn("scan.walk_error", "path", path, "err", err)
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel == "." {
				return nil
			}
			if s.excluded(rel) {
				res.SkipReasons["excluded_dir"]++
				return filepath.SkipDir
			}
			base := filepath.Base(path)
			if watchSkipDirs[base] || strings.HasPrefix(base, ".") {
				res.SkipReasons["skipped_dir"]++
				return filepath.SkipDir
			}
			return nil
		}

		if s.excluded(rel) || !s.included(rel) {
			res.SkipReasons["excluded"]++
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if s.maxFileSize > 0 && info.Size() > s.maxFileSize {
			res.SkipReasons["too_large"]++
			return nil
		}
		if isBinaryFile(path) {
			res.SkipReasons["binary"]++
			return nil
		}

		res.Files = append(res.Files, FileInfo{
			Path:     rel,
			FullPath: path,
			Size:     info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(res.Files, func(i, j int) bool { return res.Files[i].Path < res.Files[j].Path })

	s.logger.Info("scan.complete", "files", len(res.Files), "skipped", res.SkipReasons)
	return res, nil
}

func (s *SourceScanner) excluded(rel string) bool {
	for _, pattern := range s.cfg.Exclude {
		if matchesGlob(rel, pattern) {
			return true
		}
	}
	return false
}

func (s *SourceScanner) included(rel string) bool {
	if len(s.cfg.Include) == 0 {
		return true
	}
	for _, pattern := range s.cfg.Include {
		if matchesGlob(rel, pattern) {
			return true
		}
	}
	return false
}

// isBinaryFile sniffs the first 8KB for a NUL byte.
func isBinaryFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	buf := make([]byte, 8192)
	n, _ := io.ReadFull(f, buf)
	if n <= 0 {
		return false
	}
	return bytes.IndexByte(buf[:n], 0x00) >= 0
}

// matchesGlob performs full glob matching with support for:
//   - * : matches any sequence of non-separator characters
//   - ** : matches any sequence of characters including separators (any depth)
//   - ? : matches any single non-separator character
//   - [abc] : matches any character in the brackets
//   - [a-z] : matches any character in the range
//   - [!abc] or [^abc] : matches any character NOT in the brackets
//
// Patterns are matched against the full path. If pattern doesn't start
// with **, it can match anywhere in the path (implicit **/ prefix for
// convenience).
func matchesGlob(path, pattern string) bool {
	pattern = filepath.ToSlash(pattern)

	// Pattern: dir/** - match directory and all contents
	if strings.HasSuffix(pattern, "/**") {
		prefix := strings.TrimSuffix(pattern, "/**")
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
		// Any path suffix may match the prefix (e.g. "apps/x/bin" should
		// match "bin/**").
		parts := strings.Split(path, "/")
		for i := range parts {
			subpath := strings.Join(parts[i:], "/")
			if subpath == prefix || strings.HasPrefix(subpath, prefix+"/") {
				return true
			}
		}
	}

	// Pattern: *.ext - match any file with extension
	if strings.HasPrefix(pattern, "*.") && !strings.Contains(pattern, "/") {
		ext := pattern[1:]
		return strings.HasSuffix(path, ext)
	}

	// Pattern: **/name - match name at any depth
	if strings.HasPrefix(pattern, "**/") {
		suffix := pattern[3:]
		if path == suffix || strings.HasSuffix(path, "/"+suffix) {
			return true
		}
		if matchGlobPattern(path, suffix) {
			return true
		}
		parts := strings.Split(path, "/")
		for i := range parts {
			subpath := strings.Join(parts[i:], "/")
			if matchGlobPattern(subpath, suffix) {
				return true
			}
		}
		return false
	}

	// Literal pattern - exact match or path component match
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, "?") && !strings.Contains(pattern, "[") {
		return path == pattern || strings.HasSuffix(path, "/"+pattern) || strings.HasPrefix(path, pattern+"/")
	}

	// Full glob pattern matching, from root first
	if matchGlobPattern(path, pattern) {
		return true
	}

	// Then as suffix (implicit **/ prefix)
	parts := strings.Split(path, "/")
	for i := range parts {
		subpath := strings.Join(parts[i:], "/")
		if matchGlobPattern(subpath, pattern) {
			return true
		}
	}

	return false
}

// matchGlobPattern performs glob pattern matching on a single path.
func matchGlobPattern(path, pattern string) bool {
	return matchGlobRecursive(path, pattern, 0, 0)
}

func matchGlobRecursive(path, pattern string, pi, pti int) bool {
	for pi < len(path) || pti < len(pattern) {
		if pti >= len(pattern) {
			return false
		}

		// **
		if pti+1 < len(pattern) && pattern[pti] == '*' && pattern[pti+1] == '*' {
			nextPti := pti + 2
			if nextPti < len(pattern) && pattern[nextPti] == '/' {
				nextPti++
			}
			if nextPti >= len(pattern) {
				return true
			}
			for i := pi; i <= len(path); i++ {
				if matchGlobRecursive(path, pattern, i, nextPti) {
					return true
				}
			}
			return false
		}

		// *
		if pattern[pti] == '*' {
			nextPti := pti + 1
			if nextPti >= len(pattern) {
				for i := pi; i <= len(path); i++ {
					if i == len(path) || path[i] == '/' {
						if i == len(path) {
							return true
						}
					}
				}
				return matchGlobRecursive(path, pattern, pi, nextPti)
			}
			for i := pi; i <= len(path); i++ {
				if i > pi && path[i-1] == '/' {
					break // * doesn't match across /
				}
				if matchGlobRecursive(path, pattern, i, nextPti) {
					return true
				}
			}
			return false
		}

		// ?
		if pattern[pti] == '?' {
			if pi >= len(path) || path[pi] == '/' {
				return false
			}
			pi++
			pti++
			continue
		}

		// [...]
		if pattern[pti] == '[' {
			if pi >= len(path) {
				return false
			}
			closeIdx := pti + 1
			if closeIdx < len(pattern) && (pattern[closeIdx] == '!' || pattern[closeIdx] == '^') {
				closeIdx++
			}
			if closeIdx < len(pattern) && pattern[closeIdx] == ']' {
				closeIdx++
			}
			for closeIdx < len(pattern) && pattern[closeIdx] != ']' {
				closeIdx++
			}
			if closeIdx >= len(pattern) {
				// Malformed pattern, treat [ as literal
				if path[pi] != '[' {
					return false
				}
				pi++
				pti++
				continue
			}
			if !matchCharClass(path[pi], pattern[pti+1:closeIdx]) {
				return false
			}
			pi++
			pti = closeIdx + 1
			continue
		}

		// Literal character
		if pi >= len(path) || path[pi] != pattern[pti] {
			return false
		}
		pi++
		pti++
	}

	return pi == len(path) && pti == len(pattern)
}

// matchCharClass checks if a character matches a character class.
// Supports: [abc], [a-z], [!abc], [^abc]
func matchCharClass(c byte, class string) bool {
	if len(class) == 0 {
		return false
	}

	negated := false
	idx := 0
	if class[0] == '!' || class[0] == '^' {
		negated = true
		idx = 1
	}

	matched := false
	for idx < len(class) {
		if idx+2 < len(class) && class[idx+1] == '-' {
			if c >= class[idx] && c <= class[idx+2] {
				matched = true
			}
			idx += 3
			continue
		}
		if c == class[idx] {
			matched = true
		}
		idx++
	}

	if negated {
		return !matched
	}
	return matched
}
