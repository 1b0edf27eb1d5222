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

// Package chunk splits extracted text into embedding-sized pieces.
//
// All strategies work on spans of the original text, so every chunk keeps
// exact character offsets and line numbers back into the source. Overlap
// between consecutive chunks always ends on a unit boundary (paragraph,
// sentence, or word), never mid-token.
package chunk

import (
	"sort"
	"strings"
	"unicode"

	"github.com/ragforge/ingest/pkg/registry"
)

// Chunk is one piece of split text with its position in the original.
// Offsets are byte offsets; lines are 1-indexed and inclusive.
type Chunk struct {
	Text      string
	StartChar int
	EndChar   int
	StartLine int
	EndLine   int
}

// span is a half-open [start, end) byte range into the source text.
type span struct {
	start, end int
}

func (s span) len() int { return s.end - s.start }

// Split applies the policy to text. Strategy "none" returns the whole text
// as a single chunk (or nothing for empty input).
func Split(text string, policy registry.ChunkingPolicy) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	lines := buildLineMap(text)

	if policy.Strategy == registry.ChunkNone {
		return []Chunk{makeChunk(text, span{0, len(text)}, lines)}
	}

	size := policy.ChunkSize
	if size <= 0 {
		size = 1024
	}

	var units []span
	switch policy.Strategy {
	case registry.ChunkParagraph:
		units = paragraphUnits(text, size)
	case registry.ChunkSentence:
		units = sentenceUnits(text, 0, len(text))
		units = combineShortSentences(units, 100)
	case registry.ChunkFixed:
		units = wordUnits(text, 0, len(text))
	default:
		return []Chunk{makeChunk(text, span{0, len(text)}, lines)}
	}

	if len(units) == 0 {
		return nil
	}

	spans := pack(units, size, policy.Overlap)
	spans = mergeShort(text, spans, policy.MinChunkSize)

	chunks := make([]Chunk, 0, len(spans))
	for _, sp := range spans {
		chunks = append(chunks, makeChunk(text, sp, lines))
	}
	return chunks
}

func makeChunk(text string, sp span, lines []int) Chunk {
	return Chunk{
		Text:      text[sp.start:sp.end],
		StartChar: sp.start,
		EndChar:   sp.end,
		StartLine: lineAt(lines, sp.start),
		EndLine:   lineAt(lines, maxInt(sp.start, sp.end-1)),
	}
}

// buildLineMap returns the byte offset of the start of every line.
func buildLineMap(text string) []int {
	starts := []int{0}
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// lineAt returns the 1-indexed line containing a byte offset.
func lineAt(starts []int, offset int) int {
	// First line start strictly greater than offset; the line is the one
	// before it.
	i := sort.SearchInts(starts, offset+1)
	return i
}

// paragraphUnits splits on blank-line boundaries. A paragraph longer than
// 1.5x the chunk size is recursively split into its sentences.
func paragraphUnits(text string, chunkSize int) []span {
	var units []span
	oversize := chunkSize + chunkSize/2

	start := 0
	for start < len(text) {
		end := indexBlankLine(text, start)
		if end < 0 {
			end = len(text)
		}
		p := trimSpan(text, span{start, end})
		if p.len() > 0 {
			if p.len() > oversize {
				units = append(units, sentenceUnits(text, p.start, p.end)...)
			} else {
				units = append(units, p)
			}
		}
		start = skipBlankLines(text, end)
	}
	return units
}

// indexBlankLine returns the offset of the first blank-line separator at or
// after start, or -1.
func indexBlankLine(text string, start int) int {
	for i := start; i < len(text)-1; i++ {
		if text[i] != '\n' {
			continue
		}
		// A newline followed by optional horizontal space and another
		// newline ends the paragraph.
		j := i + 1
		for j < len(text) && (text[j] == ' ' || text[j] == '\t' || text[j] == '\r') {
			j++
		}
		if j < len(text) && text[j] == '\n' {
			return i
		}
	}
	return -1
}

func skipBlankLines(text string, i int) int {
	for i < len(text) && (text[i] == '\n' || text[i] == ' ' || text[i] == '\t' || text[i] == '\r') {
		// Stop as soon as a line has non-space content.
		if text[i] != '\n' {
			j := i
			for j < len(text) && (text[j] == ' ' || text[j] == '\t' || text[j] == '\r') {
				j++
			}
			if j < len(text) && text[j] != '\n' {
				return i
			}
			i = j
			continue
		}
		i++
	}
	return i
}

// sentenceUnits splits [start, end) on `.`, `!`, `?` followed by whitespace
// and an uppercase letter or newline. Dots inside URLs and decimals never
// match because they are not followed by whitespace.
func sentenceUnits(text string, start, end int) []span {
	var units []span
	segStart := start
	for i := start; i < end; i++ {
		c := text[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		// Decimal guard: 3.14 etc.
		if c == '.' && i > start && i+1 < end && isDigit(text[i-1]) && isDigit(text[i+1]) {
			continue
		}
		j := i + 1
		// Trailing closers stay with the sentence.
		for j < end && (text[j] == ')' || text[j] == '"' || text[j] == '\'' || text[j] == ']') {
			j++
		}
		if j >= end {
			break
		}
		if text[j] != ' ' && text[j] != '\t' && text[j] != '\n' {
			continue
		}
		k := j
		for k < end && (text[k] == ' ' || text[k] == '\t') {
			k++
		}
		if k < end && text[k] != '\n' && !unicode.IsUpper(rune(text[k])) {
			continue
		}
		s := trimSpan(text, span{segStart, j})
		if s.len() > 0 {
			units = append(units, s)
		}
		segStart = k
	}
	if s := trimSpan(text, span{segStart, end}); s.len() > 0 {
		units = append(units, s)
	}
	return units
}

// combineShortSentences merges a sentence shorter than minLen into the one
// that follows it, so tiny fragments never become their own unit.
func combineShortSentences(units []span, minLen int) []span {
	if len(units) < 2 {
		return units
	}
	var out []span
	cur := units[0]
	for _, next := range units[1:] {
		if cur.len() < minLen {
			cur = span{cur.start, next.end}
			continue
		}
		out = append(out, cur)
		cur = next
	}
	out = append(out, cur)
	return out
}

// wordUnits splits [start, end) on whitespace runs.
func wordUnits(text string, start, end int) []span {
	var units []span
	i := start
	for i < end {
		for i < end && isSpace(text[i]) {
			i++
		}
		if i >= end {
			break
		}
		j := i
		for j < end && !isSpace(text[j]) {
			j++
		}
		units = append(units, span{i, j})
		i = j
	}
	return units
}

// pack greedily accumulates units into chunks of at most chunkSize bytes.
// When a chunk closes, the next one re-starts far enough back that at most
// overlap bytes of whole units are repeated; the overlap therefore always
// ends on a unit boundary.
func pack(units []span, chunkSize, overlap int) []span {
	var out []span
	first := 0
	for first < len(units) {
		last := first
		for last+1 < len(units) && units[last+1].end-units[first].start <= chunkSize {
			last++
		}
		out = append(out, span{units[first].start, units[last].end})
		if last == len(units)-1 {
			break
		}
		// Walk back whole units to build the overlap for the next chunk.
		next := last + 1
		for next > first+1 && units[last].end-units[next-1].start <= overlap {
			next--
		}
		first = next
	}
	return out
}

// mergeShort folds a chunk shorter than minSize into its predecessor. A
// sole chunk is kept regardless of size.
func mergeShort(text string, spans []span, minSize int) []span {
	if minSize <= 0 || len(spans) < 2 {
		return spans
	}
	var out []span
	for _, sp := range spans {
		if sp.len() < minSize && len(out) > 0 {
			prev := &out[len(out)-1]
			if sp.end > prev.end {
				prev.end = sp.end
			}
			continue
		}
		out = append(out, sp)
	}
	return out
}

func trimSpan(text string, sp span) span {
	for sp.start < sp.end && isSpace(text[sp.start]) {
		sp.start++
	}
	for sp.end > sp.start && isSpace(text[sp.end-1]) {
		sp.end--
	}
	return sp
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// maxInt avoids colliding with the Go 1.21+ builtin.
func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
